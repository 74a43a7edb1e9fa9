package protocol

import "fmt"

// State is a stage of response parsing.
type State uint8

const (
	StateMinimalHeader State = iota
	StateNameBlock
	StatePayload
	StateDone
)

func (s State) String() string {
	switch s {
	case StateMinimalHeader:
		return "minimal-header"
	case StateNameBlock:
		return "name-block"
	case StatePayload:
		return "payload"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Parser reads responses. The zero value is ready to use.
type Parser struct {
	// OnTransition is called after each completed stage.
	OnTransition func(from, to State)
}

// ReadResponse parses one response from src with a zero Parser.
func ReadResponse(src Source) (*Response, error) {
	var p Parser
	return p.Read(src)
}

// Read runs the response state machine:
//
//	minimal-header -> done                  (1002, 1003)
//	minimal-header -> name-block -> done    (212, 1001, unknown)
//	minimal-header -> name-block -> payload (210, 211)
//
// The payload stage reads only the size field; the payload bytes are left
// on src behind the returned Response. Any short read aborts the parse and
// no Response is returned.
func (p *Parser) Read(src Source) (*Response, error) {
	resp := &Response{src: src}
	st := StateMinimalHeader
	for st != StateDone {
		next, err := p.step(st, resp)
		if err != nil {
			return nil, err
		}
		if p.OnTransition != nil {
			p.OnTransition(st, next)
		}
		st = next
	}
	return resp, nil
}

func (p *Parser) step(st State, resp *Response) (State, error) {
	switch st {
	case StateMinimalHeader:
		version, status, err := DecodeMinimalHeader(resp.src)
		if err != nil {
			return st, err
		}
		resp.Version = version
		resp.Status = status
		resp.Shape = ShapeOf(status)
		if resp.Shape == ShapeMinimal {
			return StateDone, nil
		}
		return StateNameBlock, nil

	case StateNameBlock:
		name, err := DecodeNameBlock(resp.src)
		if err != nil {
			return st, err
		}
		resp.FileName = name
		if resp.Shape == ShapeWithPayload {
			return StatePayload, nil
		}
		return StateDone, nil

	case StatePayload:
		size, err := DecodeSizeField(resp.src)
		if err != nil {
			return st, err
		}
		resp.PayloadSize = size
		return StateDone, nil
	}
	return st, fmt.Errorf("protocol: parser entered invalid state %s", st)
}
