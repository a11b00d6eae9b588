// Package connection owns the physical links to a head unit and routes
// every inbound frame to the session layer or the caller's Listener.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/hulink/internal/heartbeat"
	"github.com/danmuck/hulink/internal/logging"
	"github.com/danmuck/hulink/internal/protocol"
	"github.com/danmuck/hulink/internal/protocol/frame"
	"github.com/danmuck/hulink/internal/protocol/session"
	"github.com/danmuck/hulink/internal/security"
	"github.com/danmuck/hulink/internal/transport"
)

type eventKind int

const (
	evBytes eventKind = iota
	evLinkLost
	evHeartbeatProbe
	evHeartbeatTimeout
	evSecondaryOpened
	evReconnected
	evReconnectFailed
)

type event struct {
	kind  eventKind
	link  *link
	bytes []byte
	err   error

	// heartbeat events from a per-session monitor carry its session.
	perSession  bool
	sessionType protocol.SessionType
	sessionID   uint8
}

type sessionKey struct {
	t  protocol.SessionType
	id uint8
}

type sessionMonitor struct {
	mon    *heartbeat.Monitor
	cancel context.CancelFunc
}

// Controller drives one logical connection: a primary link, an optional
// registered secondary, the session table and the heartbeat.
type Controller struct {
	cfg      Config
	listener meteredListener
	table    *session.Table
	coord    *session.Coordinator
	limits   frame.Limits
	log      zerolog.Logger

	msgID atomic.Uint32

	mu               sync.Mutex
	state            State
	active           *link
	standby          *link
	secondaryPending bool
	lastDesc         transport.Descriptor
	controlID        uint8
	controlHash      session.HashID
	hasControl       bool
	monitor          *heartbeat.Monitor
	sessionMonitors  map[sessionKey]sessionMonitor
	inbox            chan event
	group            *errgroup.Group
	gctx             context.Context
	cancel           context.CancelFunc
	done             chan struct{}
}

func New(cfg Config, l Listener) (*Controller, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if l == nil {
		l = BaseListener{}
	}
	limits := frame.DefaultLimits()
	if uint64(cfg.MTU) > uint64(limits.MaxPayloadBytes) {
		limits.MaxPayloadBytes = uint32(cfg.MTU)
	}
	table := session.NewTable()
	return &Controller{
		cfg:             cfg,
		listener:        meteredListener{Listener: l},
		table:           table,
		coord:           session.NewCoordinator(cfg.Session, table),
		limits:          limits,
		log:             logging.Component("connection"),
		sessionMonitors: make(map[sessionKey]sessionMonitor),
	}, nil
}

// Connect opens the primary link and starts the reader and heartbeat
// tasks. It returns once the link is open; session outcomes arrive through
// the Listener.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(runCtx)
	inbox := make(chan event, 64)

	mon, err := heartbeat.New(0, c.cfg.Heartbeat, heartbeat.Callbacks{
		OnProbe: func(uint8) {
			c.post(gctx, inbox, event{kind: evHeartbeatProbe})
		},
		OnTimeout: func(uint8) {
			c.post(gctx, inbox, event{kind: evHeartbeatTimeout})
		},
	})
	if err != nil {
		cancel()
		c.setState(StateDisconnected)
		return err
	}

	c.log.Info().Str("link", c.cfg.Primary.Descriptor().String()).Msg("connecting")
	l := newLink(gctx, c.cfg.Primary, c.limits, c.cfg.MaxMessage, c.cfg.SendQueue, inbox)
	if err := l.open(ctx, mon.Touch); err != nil {
		cancel()
		c.setState(StateDisconnected)
		te := &TransportError{Op: "open", Descriptor: l.desc, Err: err}
		c.listener.OnTransportError("open primary transport", te)
		return te
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.active = l
	c.lastDesc = l.desc
	c.monitor = mon
	c.inbox = inbox
	c.group = group
	c.gctx = gctx
	c.cancel = cancel
	c.done = done
	c.state = StateConnected
	c.mu.Unlock()

	group.Go(func() error {
		mon.Run(gctx)
		return nil
	})
	group.Go(func() error {
		return c.readLoop(gctx, inbox)
	})
	go c.supervise(group, cancel, done)
	c.log.Info().Str("link", l.desc.String()).Msg("connected")
	return nil
}

// Close tears the connection down and waits until the final
// disconnect notification has been delivered.
func (c *Controller) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Done is closed when the current connection reaches Disconnected. It is
// nil before the first Connect.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Version is the negotiated protocol version.
func (c *Controller) Version() uint8 {
	return c.coord.Version()
}

// Sessions lists Established and Ending sessions.
func (c *Controller) Sessions() []session.Record {
	return c.table.List()
}

// ActiveTransport describes the link currently carrying traffic.
func (c *Controller) ActiveTransport() (transport.Descriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return transport.Descriptor{}, false
	}
	return c.active.desc, true
}

// Alternate describes the registered secondary link, if any.
func (c *Controller) Alternate() (transport.Descriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.standby == nil || !c.standby.registered {
		return transport.Descriptor{}, false
	}
	return c.standby.desc, true
}

// StartSession sends a start request and returns its correlation id. The
// outcome is reported through OnSessionStarted or OnSessionStartRejected.
func (c *Controller) StartSession(req session.StartRequest) (string, error) {
	if req.Encrypted && c.cfg.Cipher == nil {
		return "", ErrNoCipher
	}
	l, err := c.activeLink()
	if err != nil {
		return "", err
	}
	msg, rec, err := c.coord.StartSession(req)
	if err != nil {
		return "", err
	}
	if err := c.sendOn(l, msg, true); err != nil {
		c.coord.Cancel(req.Type, rec.CorrelationID)
		return "", err
	}
	return rec.CorrelationID, nil
}

// EndSession sends an end request for (t, id) and returns its correlation
// id. The outcome is reported through OnSessionEnded or
// OnSessionEndRejected.
func (c *Controller) EndSession(t protocol.SessionType, id uint8) (string, error) {
	l, err := c.activeLink()
	if err != nil {
		return "", err
	}
	msg, rec, err := c.coord.EndSession(t, id, "")
	if err != nil {
		return "", err
	}
	if err := c.sendOn(l, msg, true); err != nil {
		_, _ = c.table.ResolveEnd(t, rec.EndCorrelationID, false)
		return "", err
	}
	return rec.EndCorrelationID, nil
}

// Send transmits payload on an established session, fragmenting above the
// MTU and sealing it when the session is encrypted.
func (c *Controller) Send(t protocol.SessionType, id uint8, payload []byte) error {
	l, err := c.activeLink()
	if err != nil {
		return err
	}
	rec, ok := c.table.Find(t, id)
	if !ok {
		return &protocol.Error{Op: "send", SessionType: t, SessionID: id, Err: protocol.ErrUnknownSession}
	}
	if rec.State != session.StateEstablished {
		return fmt.Errorf("%w: type=%s id=%d state=%s", session.ErrInvalidState, t, id, rec.State)
	}
	m := protocol.Message{
		SessionType: t,
		SessionID:   id,
		Version:     c.coord.Version(),
		Role:        protocol.RoleSingle,
		Payload:     payload,
	}
	if rec.Encrypted {
		if c.cfg.Cipher == nil {
			return ErrNoCipher
		}
		sealed, err := c.cfg.Cipher.Seal(payload, security.SessionAAD(uint8(t), id))
		if err != nil {
			return err
		}
		m.Payload = sealed
		m.Encrypted = true
	}
	if err := c.sendOn(l, m, true); err != nil {
		return err
	}
	c.listener.sent(t, len(payload))
	c.touchSession(t, id)
	return nil
}

func (c *Controller) activeLink() (*link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.active == nil {
		return nil, ErrNotConnected
	}
	return c.active, nil
}

func (c *Controller) codec() protocol.Codec {
	mtu := c.cfg.MTU
	if peer := c.coord.MTU(); peer > 0 && uint64(peer) < uint64(mtu) {
		mtu = int(peer)
	}
	return protocol.NewCodec(mtu)
}

func (c *Controller) sendOn(l *link, m protocol.Message, activity bool) error {
	m.MessageID = c.msgID.Add(1)
	b, err := c.codec().Encode(m)
	if err != nil {
		return err
	}
	if err := l.enqueue(outbound{b: b, activity: activity}); err != nil {
		return &TransportError{Op: "send", Descriptor: l.desc, Err: err}
	}
	return nil
}

func (c *Controller) post(ctx context.Context, inbox chan<- event, ev event) bool {
	select {
	case inbox <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) touch() {
	c.mu.Lock()
	mon := c.monitor
	c.mu.Unlock()
	if mon != nil {
		mon.Touch()
	}
}

func (c *Controller) touchSession(t protocol.SessionType, id uint8) {
	c.mu.Lock()
	sm, ok := c.sessionMonitors[sessionKey{t: t, id: id}]
	c.mu.Unlock()
	if ok {
		sm.mon.Touch()
	}
}

func (c *Controller) isLive(l *link) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return l != nil && (l == c.active || l == c.standby)
}

// supervise waits for the reader and heartbeat tasks, then releases every
// link and reports the final disconnect.
func (c *Controller) supervise(group *errgroup.Group, cancel context.CancelFunc, done chan struct{}) {
	err := group.Wait()
	cancel()

	c.mu.Lock()
	active, standby := c.active, c.standby
	c.active, c.standby = nil, nil
	desc := c.lastDesc
	if active != nil {
		desc = active.desc
	}
	c.mu.Unlock()

	if active != nil {
		active.close()
	}
	if standby != nil {
		standby.close()
	}
	c.endAllSessions()
	c.coord.Reset()

	info := "connection closed"
	if err != nil {
		info = err.Error()
		c.log.Warn().Err(err).Str("link", desc.String()).Msg("connection lost")
	} else {
		c.log.Info().Str("link", desc.String()).Msg("connection closed")
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.cancel = nil
	c.monitor = nil
	c.inbox = nil
	c.group = nil
	c.gctx = nil
	c.secondaryPending = false
	c.mu.Unlock()

	c.listener.OnTransportDisconnected(info, false, desc)
	close(done)
}

func (c *Controller) readLoop(ctx context.Context, inbox <-chan event) error {
	every := c.cfg.Session.HandshakeTimeout / 4
	if every < 10*time.Millisecond {
		every = 10 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.reportSessionEvents(c.coord.Expire())
		case ev := <-inbox:
			if err := c.handle(ctx, ev); err != nil {
				return err
			}
		}
	}
}

// handle processes one event on the reader goroutine. A non-nil error ends
// the connection.
func (c *Controller) handle(ctx context.Context, ev event) error {
	switch ev.kind {
	case evBytes:
		if !c.isLive(ev.link) {
			return nil
		}
		c.touch()
		msgs, errs := ev.link.decoder.Feed(ev.bytes)
		for _, m := range msgs {
			c.dispatch(ev.link, m)
		}
		var fatal error
		for _, err := range errs {
			c.listener.OnProtocolError("decode", err)
			if protocol.IsFatal(err) {
				fatal = err
			}
		}
		if fatal != nil {
			return c.linkLost(ctx, ev.link, &TransportError{Op: "decode", Descriptor: ev.link.desc, Err: fatal})
		}
		return nil

	case evLinkLost:
		if !c.isLive(ev.link) {
			return nil
		}
		return c.linkLost(ctx, ev.link, ev.err)

	case evHeartbeatProbe:
		c.sendProbe(ev)
		return nil

	case evHeartbeatTimeout:
		return c.heartbeatTimeout(ctx, ev)

	case evSecondaryOpened:
		c.secondaryOpened(ev)
		return nil

	case evReconnected:
		c.reconnected(ev.link)
		return nil

	case evReconnectFailed:
		return &TransportError{Op: "reconnect", Descriptor: c.cfg.Primary.Descriptor(), Err: ev.err}
	}
	return nil
}

func (c *Controller) dispatch(l *link, m protocol.Message) {
	if m.IsControl() {
		c.dispatchControl(l, m)
		return
	}
	if _, ok := c.table.Find(m.SessionType, m.SessionID); !ok {
		c.listener.OnProtocolError("message for unknown session",
			&protocol.Error{Op: "dispatch", SessionType: m.SessionType, SessionID: m.SessionID, Err: protocol.ErrUnknownSession})
		return
	}
	if m.Encrypted {
		if c.cfg.Cipher == nil {
			c.listener.OnProtocolError("encrypted message without cipher",
				&protocol.Error{Op: "decrypt", SessionType: m.SessionType, SessionID: m.SessionID, Err: ErrNoCipher})
			return
		}
		pt, err := c.cfg.Cipher.Open(m.Payload, security.SessionAAD(uint8(m.SessionType), m.SessionID))
		if err != nil {
			c.listener.OnProtocolError("decrypt",
				&protocol.Error{Op: "decrypt", SessionType: m.SessionType, SessionID: m.SessionID, Err: err})
			return
		}
		m.Payload = pt
	}
	c.touchSession(m.SessionType, m.SessionID)
	c.listener.OnMessageReceived(m)
}

func (c *Controller) dispatchControl(l *link, m protocol.Message) {
	switch m.ControlInfo {
	case protocol.ControlHeartbeat:
		c.touchSession(m.SessionType, m.SessionID)
		c.replyHeartbeat(l, m)
		return
	case protocol.ControlHeartbeatACK:
		// An answered probe is inbound activity for its session.
		c.touchSession(m.SessionType, m.SessionID)
		return
	case protocol.ControlRegisterSecondaryTransportACK, protocol.ControlRegisterSecondaryTransportNAK:
		c.secondaryRegistration(l, m)
		return
	}
	if !session.Handles(m.ControlInfo) {
		c.listener.OnProtocolError("unexpected control message",
			&protocol.Error{Op: m.ControlInfo.String(), SessionType: m.SessionType, SessionID: m.SessionID, Err: protocol.ErrMalformedFrame})
		return
	}
	r, err := c.coord.HandleControl(m)
	for _, out := range r.Send {
		if serr := c.sendOn(l, out, true); serr != nil {
			c.log.Debug().Err(serr).Str("control", out.ControlInfo.String()).Msg("reply dropped")
		}
	}
	c.reportSessionEvents(r.Events)
	if err != nil {
		c.listener.OnProtocolError(m.ControlInfo.String(), err)
	}
}

func (c *Controller) replyHeartbeat(l *link, m protocol.Message) {
	ack := protocol.Message{
		SessionType: m.SessionType,
		SessionID:   m.SessionID,
		Version:     c.coord.Version(),
		Role:        protocol.RoleControl,
		ControlInfo: protocol.ControlHeartbeatACK,
	}
	if err := c.sendOn(l, ack, true); err != nil {
		c.log.Debug().Err(err).Msg("heartbeat ack dropped")
	}
}

func (c *Controller) sendProbe(ev event) {
	c.mu.Lock()
	l, st := c.active, c.state
	t, id := protocol.SessionControl, c.controlID
	if !c.hasControl {
		id = 0
	}
	c.mu.Unlock()
	if st != StateConnected || l == nil {
		return
	}
	if ev.perSession {
		t, id = ev.sessionType, ev.sessionID
	}
	probe := protocol.Message{
		SessionType: t,
		SessionID:   id,
		Version:     c.coord.Version(),
		Role:        protocol.RoleControl,
		ControlInfo: protocol.ControlHeartbeat,
	}
	if err := c.sendOn(l, probe, false); err != nil {
		c.log.Debug().Err(err).Msg("heartbeat probe dropped")
	}
}

func (c *Controller) heartbeatTimeout(ctx context.Context, ev event) error {
	if ev.perSession {
		c.stopSessionMonitor(ev.sessionType, ev.sessionID)
		c.listener.OnHeartbeatTimeout(ev.sessionID)
		if rec, ok := c.table.Remove(ev.sessionType, ev.sessionID); ok {
			c.sessionEnded(rec)
		}
		return nil
	}

	c.mu.Lock()
	st, l, id := c.state, c.active, c.controlID
	c.mu.Unlock()
	if st != StateConnected || l == nil {
		return nil
	}
	c.listener.OnHeartbeatTimeout(id)
	if c.cfg.HeartbeatAction == HeartbeatSession {
		c.endAllSessions()
		return nil
	}
	return c.linkLost(ctx, l, &TransportError{Op: "heartbeat", Descriptor: l.desc, Err: ErrHeartbeatTimeout})
}

// linkLost handles the loss of l. Losing the active link fails over to a
// registered secondary when allowed, otherwise reconnects or ends the
// connection.
func (c *Controller) linkLost(ctx context.Context, l *link, reason error) error {
	if reason == nil {
		reason = transport.ErrClosed
	}
	c.mu.Lock()
	if l == c.standby {
		c.standby = nil
		c.mu.Unlock()
		l.close()
		c.listener.OnTransportError("secondary transport lost", wrapTransport("read", l.desc, reason))
		return nil
	}
	if l != c.active {
		c.mu.Unlock()
		return nil
	}

	alt := c.standby
	version := c.coord.Version()
	if alt != nil && alt.registered && protocol.SupportsTransportContinuation(version) && c.cfg.Failover(l.desc, alt.desc) {
		c.active = alt
		c.standby = nil
		c.lastDesc = alt.desc
		c.mu.Unlock()
		l.close()
		c.touch()
		c.log.Warn().Err(reason).Str("lost", l.desc.String()).Str("active", alt.desc.String()).Msg("failed over to secondary transport")
		c.listener.OnTransportDisconnected(reason.Error(), true, l.desc)
		return nil
	}

	c.active = nil
	c.standby = nil
	c.lastDesc = l.desc
	reconnect := c.cfg.Reconnect.Enabled
	if reconnect {
		c.state = StateReconnecting
	}
	inbox, group := c.inbox, c.group
	c.mu.Unlock()

	l.close()
	if alt != nil {
		alt.close()
	}
	if !reconnect {
		return wrapTransport("read", l.desc, reason)
	}

	c.endAllSessions()
	c.coord.Reset()
	c.log.Warn().Err(reason).Str("lost", l.desc.String()).Msg("transport lost, reconnecting")
	c.listener.OnTransportDisconnected(reason.Error(), false, l.desc)
	group.Go(func() error {
		c.reconnectLoop(ctx, inbox)
		return nil
	})
	return nil
}

func (c *Controller) maybeOpenSecondary(version uint8) {
	if c.cfg.Secondary == nil || !protocol.SupportsTransportContinuation(version) {
		return
	}
	c.mu.Lock()
	if c.standby != nil || c.secondaryPending || c.group == nil {
		c.mu.Unlock()
		return
	}
	c.secondaryPending = true
	group, gctx, inbox := c.group, c.gctx, c.inbox
	c.mu.Unlock()

	group.Go(func() error {
		l := newLink(gctx, c.cfg.Secondary, c.limits, c.cfg.MaxMessage, c.cfg.SendQueue, inbox)
		err := l.open(gctx, c.touch)
		if !c.post(gctx, inbox, event{kind: evSecondaryOpened, link: l, err: err}) && err == nil {
			l.close()
		}
		return nil
	})
}

func (c *Controller) secondaryOpened(ev event) {
	c.mu.Lock()
	c.secondaryPending = false
	if ev.err != nil {
		c.mu.Unlock()
		c.listener.OnTransportError("open secondary transport", wrapTransport("open", ev.link.desc, ev.err))
		return
	}
	if c.state != StateConnected || c.standby != nil || !c.hasControl {
		c.mu.Unlock()
		ev.link.close()
		return
	}
	l := ev.link
	l.regCorr = session.NewCorrelationID()
	c.standby = l
	controlID, hash := c.controlID, c.controlHash
	c.mu.Unlock()

	msg, err := session.ControlMessage(protocol.ControlRegisterSecondaryTransport, protocol.SessionControl, controlID, c.coord.Version(), session.Control{
		CorrelationID:    l.regCorr,
		HashID:           hash,
		TransportKind:    string(l.desc.Kind),
		TransportAddress: l.desc.Address,
	})
	if err == nil {
		err = c.sendOn(l, msg, false)
	}
	if err != nil {
		c.mu.Lock()
		if c.standby == l {
			c.standby = nil
		}
		c.mu.Unlock()
		l.close()
		c.listener.OnTransportError("register secondary transport", wrapTransport("register", l.desc, err))
		return
	}
	c.log.Debug().Str("link", l.desc.String()).Str("corr", l.regCorr).Msg("registering secondary transport")
}

func (c *Controller) secondaryRegistration(l *link, m protocol.Message) {
	ctl, err := session.DecodeControl(m.ControlInfo, m.Payload)
	if err != nil {
		c.listener.OnProtocolError(m.ControlInfo.String(),
			&protocol.Error{Op: m.ControlInfo.String(), SessionType: m.SessionType, SessionID: m.SessionID, Err: err})
		return
	}
	c.mu.Lock()
	if l != c.standby || ctl.CorrelationID != l.regCorr {
		c.mu.Unlock()
		c.listener.OnProtocolError(m.ControlInfo.String(),
			&protocol.Error{Op: m.ControlInfo.String(), SessionType: m.SessionType, SessionID: m.SessionID, Err: protocol.ErrUnknownCorrelation})
		return
	}
	if m.ControlInfo == protocol.ControlRegisterSecondaryTransportACK {
		l.registered = true
		c.mu.Unlock()
		c.log.Info().Str("link", l.desc.String()).Msg("secondary transport registered")
		return
	}
	c.standby = nil
	c.mu.Unlock()
	l.close()
	reason := ErrSecondaryRefused
	if ctl.Reason != "" {
		reason = fmt.Errorf("%w: %s", ErrSecondaryRefused, ctl.Reason)
	}
	c.listener.OnTransportError("secondary transport registration refused", wrapTransport("register", l.desc, reason))
}

func (c *Controller) reportSessionEvents(events []session.Event) {
	for _, ev := range events {
		rec := ev.Record
		switch ev.Kind {
		case session.EventSessionStarted:
			if rec.Type == protocol.SessionControl {
				c.mu.Lock()
				c.controlID, c.controlHash, c.hasControl = rec.ID, rec.HashID, true
				c.mu.Unlock()
			}
			c.startSessionMonitor(rec)
			c.listener.OnSessionStarted(rec.Type, rec.ID, rec.Version, rec.CorrelationID, rec.HashID, rec.Encrypted)
			if rec.Type == protocol.SessionControl {
				c.maybeOpenSecondary(rec.Version)
			}
		case session.EventSessionStartRejected:
			c.listener.OnSessionStartRejected(rec.Type, rec.ID, rec.CorrelationID, ev.RejectedParams)
		case session.EventSessionEnded:
			c.sessionEnded(rec)
		case session.EventSessionEndRejected:
			c.listener.OnSessionEndRejected(rec.Type, rec.ID, endCorrelation(rec))
		case session.EventAuthToken:
			c.listener.OnAuthTokenReceived(ev.AuthToken, rec.ID)
		case session.EventServiceDataAck:
			c.listener.OnServiceDataAck(rec.Type, ev.DataSize, rec.ID)
		}
	}
}

func (c *Controller) sessionEnded(rec session.Record) {
	c.stopSessionMonitor(rec.Type, rec.ID)
	if rec.Type == protocol.SessionControl {
		c.mu.Lock()
		if c.hasControl && c.controlID == rec.ID {
			c.hasControl = false
		}
		c.mu.Unlock()
	}
	c.listener.OnSessionEnded(rec.Type, rec.ID, endCorrelation(rec))
}

// endAllSessions ends every session locally and reports each one.
func (c *Controller) endAllSessions() {
	for _, rec := range c.table.EndAll() {
		if rec.State == session.StateRejected {
			c.listener.OnSessionStartRejected(rec.Type, rec.ID, rec.CorrelationID, nil)
			continue
		}
		c.sessionEnded(rec)
	}
}

func (c *Controller) startSessionMonitor(rec session.Record) {
	if !c.cfg.PerSessionHeartbeat {
		return
	}
	c.mu.Lock()
	gctx, inbox := c.gctx, c.inbox
	c.mu.Unlock()
	if gctx == nil {
		return
	}
	mctx, cancel := context.WithCancel(gctx)
	t := rec.Type
	mon, err := heartbeat.New(rec.ID, c.cfg.Heartbeat, heartbeat.Callbacks{
		OnProbe: func(id uint8) {
			c.post(mctx, inbox, event{kind: evHeartbeatProbe, perSession: true, sessionType: t, sessionID: id})
		},
		OnTimeout: func(id uint8) {
			c.post(mctx, inbox, event{kind: evHeartbeatTimeout, perSession: true, sessionType: t, sessionID: id})
		},
	})
	if err != nil {
		cancel()
		return
	}
	if err := mon.Start(mctx); err != nil {
		cancel()
		return
	}
	key := sessionKey{t: t, id: rec.ID}
	c.mu.Lock()
	old, had := c.sessionMonitors[key]
	c.sessionMonitors[key] = sessionMonitor{mon: mon, cancel: cancel}
	c.mu.Unlock()
	if had {
		old.cancel()
		old.mon.Stop()
	}
}

func (c *Controller) stopSessionMonitor(t protocol.SessionType, id uint8) {
	key := sessionKey{t: t, id: id}
	c.mu.Lock()
	sm, ok := c.sessionMonitors[key]
	delete(c.sessionMonitors, key)
	c.mu.Unlock()
	if ok {
		sm.cancel()
		sm.mon.Stop()
	}
}

func endCorrelation(rec session.Record) string {
	if rec.EndCorrelationID != "" {
		return rec.EndCorrelationID
	}
	return rec.CorrelationID
}

func wrapTransport(op string, d transport.Descriptor, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Descriptor: d, Err: err}
}
