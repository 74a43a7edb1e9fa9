package transport

import "net"

// Handler serves one accepted connection. The listener closes the
// connection when the handler returns.
type Handler func(conn *Conn)

type ConnListener interface {
	ListenAndAccept() error // listen and start accepting connections
	Addr() net.Addr         // bound address, valid after ListenAndAccept
	Close() error           // stop accepting and close live connections
}
