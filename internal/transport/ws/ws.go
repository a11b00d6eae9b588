// Package ws carries the protocol byte stream in WebSocket binary messages.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/danmuck/hulink/internal/logging"
	"github.com/danmuck/hulink/internal/transport"
)

var ErrURLRequired = errors.New("ws: url required")

type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Header           http.Header
}

// Adapter is a transport.Adapter over one WebSocket connection per Open.
type Adapter struct {
	cfg  Config
	desc transport.Descriptor
	log  zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	closing bool
	done    chan struct{}

	writeMu sync.Mutex
}

func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrURLRequired
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	desc := transport.Descriptor{Kind: transport.KindWS, Address: cfg.URL}
	return &Adapter{
		cfg:  cfg,
		desc: desc,
		log:  logging.Component("transport").With().Str("link", desc.String()).Logger(),
	}, nil
}

func (a *Adapter) Descriptor() transport.Descriptor {
	return a.desc
}

func (a *Adapter) Open(ctx context.Context, h transport.Handler) error {
	a.mu.Lock()
	if a.conn != nil {
		a.mu.Unlock()
		return transport.ErrAlreadyOpen
	}
	a.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: a.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, a.cfg.URL, a.cfg.Header)
	if err != nil {
		return fmt.Errorf("ws: dial %s: %w", a.cfg.URL, err)
	}

	a.mu.Lock()
	if a.conn != nil {
		a.mu.Unlock()
		_ = conn.Close()
		return transport.ErrAlreadyOpen
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

func (a *Adapter) readLoop(conn *websocket.Conn, h transport.Handler, done chan struct{}) {
	defer close(done)
	for {
		kind, data, err := conn.ReadMessage()
		if err == nil {
			if kind == websocket.BinaryMessage && len(data) > 0 {
				h.OnBytesReceived(data)
			}
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
		a.log.Debug().Err(err).Msg("link lost")
		h.OnDisconnected(err)
		return
	}
}

// Send writes b as one binary message.
func (a *Adapter) Send(b []byte) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return transport.ErrNotOpen
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(a.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, b)
}

// Close sends a close frame, drops the conn and waits for the read
// goroutine. It must not be called from a Handler callback.
func (a *Adapter) Close() error {
	a.mu.Lock()
	conn, done := a.conn, a.done
	if conn == nil {
		a.mu.Unlock()
		return nil
	}
	a.closing = true
	a.mu.Unlock()

	a.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	a.writeMu.Unlock()
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
