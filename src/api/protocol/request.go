package protocol

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Request is one client request. The file bytes of a backup are not part of
// it; they follow the encoded request on the wire as a raw stream of
// FileSize bytes.
type Request struct {
	ClientID uint32
	Version  uint8
	Op       OpCode
	FileName string
	FileSize uint32
}

func NewListRequest(clientID uint32) Request {
	return Request{ClientID: clientID, Version: Version, Op: OpList}
}

func NewBackupRequest(clientID uint32, name string, size uint32) Request {
	return Request{ClientID: clientID, Version: Version, Op: OpBackup, FileName: name, FileSize: size}
}

func NewRestoreRequest(clientID uint32, name string) Request {
	return Request{ClientID: clientID, Version: Version, Op: OpRestore, FileName: name}
}

func NewDeleteRequest(clientID uint32, name string) Request {
	return Request{ClientID: clientID, Version: Version, Op: OpDelete, FileName: name}
}

// ValidateName checks that name fits the 16-bit length field and is ASCII.
func ValidateName(name string) error {
	if len(name) > MaxNameLen {
		return fmt.Errorf("%w (%d bytes)", ErrNameTooLong, len(name))
	}
	for i := 0; i < len(name); i++ {
		if name[i] >= utf8.RuneSelf {
			return fmt.Errorf("%w (byte 0x%02x at offset %d)", ErrNameNotASCII, name[i], i)
		}
	}
	return nil
}

// Size is the encoded length of the request block.
func (r Request) Size() int {
	n := HeaderSize
	if r.Op.HasName() {
		n += NameLenSize + len(r.FileName)
	}
	if r.Op == OpBackup {
		n += SizeFieldSize
	}
	return n
}

func (r Request) MarshalBinary() ([]byte, error) {
	return r.AppendBinary(make([]byte, 0, r.Size()))
}

// AppendBinary appends the encoded request to b:
//
//	header:  [4B client id][1B version][1B op]
//	name:    [2B name_len][name]              (backup, restore, delete)
//	size:    [4B file_size]                   (backup)
func (r Request) AppendBinary(b []byte) ([]byte, error) {
	if !r.Op.Known() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOp, uint8(r.Op))
	}
	if r.Op.HasName() {
		if err := ValidateName(r.FileName); err != nil {
			return nil, err
		}
	}

	b = binary.LittleEndian.AppendUint32(b, r.ClientID)
	b = append(b, r.Version, byte(r.Op))
	if !r.Op.HasName() {
		return b, nil
	}

	b = binary.LittleEndian.AppendUint16(b, uint16(len(r.FileName)))
	b = append(b, r.FileName...)
	if r.Op == OpBackup {
		b = binary.LittleEndian.AppendUint32(b, r.FileSize)
	}
	return b, nil
}

// DecodeRequest reads one request block from src. For a backup the file
// bytes are left unread. An unknown op returns the decoded header together
// with ErrUnknownOp.
func DecodeRequest(src Source) (Request, error) {
	var req Request
	hdr, err := src.RecvExact(HeaderSize)
	if err != nil {
		return req, truncated("request header", err)
	}
	req.ClientID = binary.LittleEndian.Uint32(hdr[0:4])
	req.Version = hdr[4]
	req.Op = OpCode(hdr[5])

	if !req.Op.Known() {
		return req, fmt.Errorf("%w: %d", ErrUnknownOp, uint8(req.Op))
	}
	if !req.Op.HasName() {
		return req, nil
	}

	if req.FileName, err = DecodeNameBlock(src); err != nil {
		return req, err
	}
	if req.Op == OpBackup {
		if req.FileSize, err = DecodeSizeField(src); err != nil {
			return req, err
		}
	}
	return req, nil
}
