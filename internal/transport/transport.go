// Package transport defines the byte-channel contract the connection layer
// runs on, plus a net.Conn based implementation shared by stream links.
package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotOpen     = errors.New("transport: not open")
	ErrAlreadyOpen = errors.New("transport: already open")
	ErrClosed      = errors.New("transport: closed")
)

// Kind names a physical link family.
type Kind string

const (
	KindMem Kind = "mem"
	KindTCP Kind = "tcp"
	KindWS  Kind = "ws"
)

// Descriptor identifies one concrete link.
type Descriptor struct {
	Kind    Kind
	Address string
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s://%s", d.Kind, d.Address)
}

// Handler receives asynchronous notifications from an open adapter.
// Callbacks arrive on the adapter's read goroutine, in order.
type Handler interface {
	OnBytesReceived(b []byte)
	OnDisconnected(reason error)
}

// Adapter is one physical byte channel to the peer. Send must be safe to
// call while the read goroutine is running. OnDisconnected is delivered at
// most once per Open and never for a local Close.
type Adapter interface {
	Open(ctx context.Context, h Handler) error
	Send(b []byte) error
	Close() error
	Descriptor() Descriptor
}

// HandlerFuncs adapts two funcs to Handler.
type HandlerFuncs struct {
	Bytes        func([]byte)
	Disconnected func(error)
}

func (h HandlerFuncs) OnBytesReceived(b []byte) {
	if h.Bytes != nil {
		h.Bytes(b)
	}
}

func (h HandlerFuncs) OnDisconnected(reason error) {
	if h.Disconnected != nil {
		h.Disconnected(reason)
	}
}
