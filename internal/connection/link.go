package connection

import (
	"context"
	"sync"

	"github.com/danmuck/hulink/internal/protocol"
	"github.com/danmuck/hulink/internal/protocol/frame"
	"github.com/danmuck/hulink/internal/transport"
)

type outbound struct {
	b []byte
	// activity is false for heartbeat probes, which must not re-arm the
	// monitor they serve.
	activity bool
}

// link is one open adapter with its own decoder and writer goroutine.
type link struct {
	adapter    transport.Adapter
	desc       transport.Descriptor
	decoder    *protocol.Decoder
	queue      chan outbound
	registered bool
	regCorr    string

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan<- event

	writerDone chan struct{}
	closeOnce  sync.Once
}

func newLink(parent context.Context, a transport.Adapter, limits frame.Limits, maxMessage, queue int, inbox chan<- event) *link {
	ctx, cancel := context.WithCancel(parent)
	return &link{
		adapter:    a,
		desc:       a.Descriptor(),
		decoder:    protocol.NewDecoder(limits, maxMessage),
		queue:      make(chan outbound, queue),
		ctx:        ctx,
		cancel:     cancel,
		inbox:      inbox,
		writerDone: make(chan struct{}),
	}
}

func (l *link) OnBytesReceived(b []byte) {
	l.post(event{kind: evBytes, link: l, bytes: b})
}

func (l *link) OnDisconnected(reason error) {
	l.post(event{kind: evLinkLost, link: l, err: reason})
}

func (l *link) post(ev event) {
	select {
	case l.inbox <- ev:
	case <-l.ctx.Done():
	}
}

// open starts the adapter and the writer goroutine.
func (l *link) open(ctx context.Context, touch func()) error {
	if err := l.adapter.Open(ctx, l); err != nil {
		l.cancel()
		close(l.writerDone)
		return err
	}
	go l.writeLoop(touch)
	return nil
}

// writeLoop is the only goroutine that writes to the adapter, so frames
// never interleave and submission order is kept.
func (l *link) writeLoop(touch func()) {
	defer close(l.writerDone)
	for {
		select {
		case <-l.ctx.Done():
			return
		case out := <-l.queue:
			if err := l.adapter.Send(out.b); err != nil {
				l.post(event{kind: evLinkLost, link: l, err: &TransportError{Op: "send", Descriptor: l.desc, Err: err}})
				return
			}
			if out.activity && touch != nil {
				touch()
			}
		}
	}
}

func (l *link) enqueue(out outbound) error {
	select {
	case <-l.ctx.Done():
		return ErrQueueClosed
	default:
	}
	select {
	case l.queue <- out:
		return nil
	case <-l.ctx.Done():
		return ErrQueueClosed
	}
}

// close stops the writer and the adapter and waits for both.
func (l *link) close() {
	l.closeOnce.Do(func() {
		l.cancel()
		_ = l.adapter.Close()
		<-l.writerDone
	})
}
