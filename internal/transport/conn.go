package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/danmuck/hulink/internal/logging"
)

const readBufferSize = 32 * 1024

// DialFunc opens the underlying stream for a ConnAdapter.
type DialFunc func(ctx context.Context) (net.Conn, error)

// ConnAdapter is an Adapter over any net.Conn produced by a DialFunc.
// Each Open dials a fresh conn, so one adapter can be reopened after a
// disconnect.
type ConnAdapter struct {
	desc Descriptor
	dial DialFunc
	log  zerolog.Logger

	mu      sync.Mutex
	conn    net.Conn
	closing bool
	done    chan struct{}
}

func NewConnAdapter(desc Descriptor, dial DialFunc) *ConnAdapter {
	return &ConnAdapter{
		desc: desc,
		dial: dial,
		log:  logging.Component("transport").With().Str("link", desc.String()).Logger(),
	}
}

func (a *ConnAdapter) Descriptor() Descriptor {
	return a.desc
}

func (a *ConnAdapter) Open(ctx context.Context, h Handler) error {
	a.mu.Lock()
	if a.conn != nil {
		a.mu.Unlock()
		return ErrAlreadyOpen
	}
	a.mu.Unlock()

	conn, err := a.dial(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("dial failed")
		return err
	}

	a.mu.Lock()
	if a.conn != nil {
		a.mu.Unlock()
		_ = conn.Close()
		return ErrAlreadyOpen
	}
	a.conn = conn
	a.closing = false
	a.done = make(chan struct{})
	done := a.done
	a.mu.Unlock()

	a.log.Debug().Msg("link open")
	go a.readLoop(conn, h, done)
	return nil
}

func (a *ConnAdapter) readLoop(conn net.Conn, h Handler, done chan struct{}) {
	defer close(done)
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			h.OnBytesReceived(b)
		}
		if err == nil {
			continue
		}
		a.mu.Lock()
		local := a.closing && a.conn == conn
		if a.conn == conn {
			a.conn = nil
		}
		a.mu.Unlock()
		_ = conn.Close()
		if local {
			return
		}
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		a.log.Debug().Err(err).Msg("link lost")
		h.OnDisconnected(err)
		return
	}
}

func (a *ConnAdapter) Send(b []byte) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}
	_, err := conn.Write(b)
	return err
}

// Close shuts the link and waits for the read goroutine to finish. It must
// not be called from a Handler callback.
func (a *ConnAdapter) Close() error {
	a.mu.Lock()
	conn, done := a.conn, a.done
	if conn == nil {
		a.mu.Unlock()
		return nil
	}
	a.closing = true
	a.mu.Unlock()

	err := conn.Close()
	if done != nil {
		<-done
	}
	a.mu.Lock()
	if a.conn == conn {
		a.conn = nil
	}
	a.mu.Unlock()
	return err
}
