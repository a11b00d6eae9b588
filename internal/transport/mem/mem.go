// Package mem is an in-process transport built on net.Pipe, used for tests
// and loopback head-unit simulation.
package mem

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/danmuck/hulink/internal/transport"
)

var (
	ErrListenerExists = errors.New("mem: listener already exists")
	ErrNoListener     = errors.New("mem: no such listener")
	ErrListenerClosed = errors.New("mem: listener closed")
)

// Network is a namespace of in-process listeners.
type Network struct {
	mu        sync.Mutex
	listeners map[string]*Listener
}

func NewNetwork() *Network {
	return &Network{listeners: make(map[string]*Listener)}
}

// Listen registers name; adapters for name dial into the returned listener.
func (n *Network) Listen(name string) (*Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrListenerExists, name)
	}
	l := &Listener{
		name:    name,
		net:     n,
		newCh:   make(chan net.Conn, 8),
		closeCh: make(chan struct{}),
	}
	n.listeners[name] = l
	return l, nil
}

// Adapter returns a transport adapter that dials name on every Open.
func (n *Network) Adapter(name string) *transport.ConnAdapter {
	desc := transport.Descriptor{Kind: transport.KindMem, Address: name}
	return transport.NewConnAdapter(desc, func(ctx context.Context) (net.Conn, error) {
		return n.dial(ctx, name)
	})
}

func (n *Network) dial(ctx context.Context, name string) (net.Conn, error) {
	n.mu.Lock()
	l := n.listeners[name]
	n.mu.Unlock()
	if l == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoListener, name)
	}
	client, server := net.Pipe()
	select {
	case l.newCh <- server:
		return client, nil
	case <-l.closeCh:
	case <-ctx.Done():
		_ = client.Close()
		_ = server.Close()
		return nil, ctx.Err()
	}
	_ = client.Close()
	_ = server.Close()
	return nil, fmt.Errorf("%w: %q", ErrListenerClosed, name)
}

// Listener hands out the peer side of each dialed pipe.
type Listener struct {
	name    string
	net     *Network
	newCh   chan net.Conn
	closeCh chan struct{}
	once    sync.Once
}

func (l *Listener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, ErrListenerClosed
	case c := <-l.newCh:
		return c, nil
	}
}

// Close unregisters the listener. Conns already accepted stay open.
func (l *Listener) Close() error {
	l.once.Do(func() {
		close(l.closeCh)
		l.net.mu.Lock()
		if l.net.listeners[l.name] == l {
			delete(l.net.listeners, l.name)
		}
		l.net.mu.Unlock()
	})
	return nil
}

func (l *Listener) Name() string {
	return l.name
}
