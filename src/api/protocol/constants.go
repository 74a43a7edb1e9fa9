package protocol

import "fmt"

// Version is the protocol version carried in every request and response.
const Version uint8 = 1

const (
	HeaderSize         = 6 // u32 client id, u8 version, u8 op
	ResponseHeaderSize = 3 // u8 version, u16 status
	NameLenSize        = 2
	SizeFieldSize      = 4
	MaxNameLen         = 1<<16 - 1
)

// OpCode identifies which verb a request performs.
type OpCode uint8

const (
	OpBackup  OpCode = 100
	OpRestore OpCode = 200
	OpDelete  OpCode = 201
	OpList    OpCode = 202
)

func (op OpCode) String() string {
	switch op {
	case OpBackup:
		return "backup"
	case OpRestore:
		return "restore"
	case OpDelete:
		return "delete"
	case OpList:
		return "list"
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

func (op OpCode) Known() bool {
	switch op {
	case OpBackup, OpRestore, OpDelete, OpList:
		return true
	}
	return false
}

// HasName reports whether requests with this op carry a name block.
func (op OpCode) HasName() bool {
	return op == OpBackup || op == OpRestore || op == OpDelete
}

// StatusCode is the server-assigned outcome of a request. It also decides
// the shape of the response, see ShapeOf.
type StatusCode uint16

const (
	StatusRestored    StatusCode = 210
	StatusListed      StatusCode = 211
	StatusOK          StatusCode = 212
	StatusNotFound    StatusCode = 1001
	StatusNoFiles     StatusCode = 1002
	StatusServerError StatusCode = 1003
)

var statusText = map[StatusCode]string{
	StatusRestored:    "SUCCESS: File restored.",
	StatusListed:      "SUCCESS: File list received.",
	StatusOK:          "SUCCESS: Backup or delete operation successful.",
	StatusNotFound:    "ERROR: File not found on the server.",
	StatusNoFiles:     "ERROR: No files found for this client on the server.",
	StatusServerError: "ERROR: General server error occurred.",
}

// String returns a human readable description. Unknown codes still render.
func (s StatusCode) String() string {
	if text, ok := statusText[s]; ok {
		return text
	}
	return fmt.Sprintf("unknown status %d", uint16(s))
}

func (s StatusCode) Known() bool {
	_, ok := statusText[s]
	return ok
}

func (s StatusCode) Success() bool {
	return s == StatusRestored || s == StatusListed || s == StatusOK
}
