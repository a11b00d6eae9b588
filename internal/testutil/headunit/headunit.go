// Package headunit is an in-process peer that answers the session protocol
// over mem links, for connection tests and the CLI loopback mode.
package headunit

import (
	"context"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/danmuck/hulink/internal/logging"
	"github.com/danmuck/hulink/internal/protocol"
	"github.com/danmuck/hulink/internal/protocol/session"
	"github.com/danmuck/hulink/internal/security"
	"github.com/danmuck/hulink/internal/transport/mem"
)

// Request is a start request as the head unit saw it.
type Request struct {
	Type          protocol.SessionType
	CorrelationID string
	HashID        session.HashID
	Encrypted     bool
	Link          string
}

// Decision is the head unit's answer to a Request. A non-empty Reject
// sends a NACK; zero ID and HashID are filled in by the simulator.
type Decision struct {
	Reject    []string
	ID        uint8
	HashID    session.HashID
	Encrypted *bool
}

type Options struct {
	// Version goes in every reply header. Defaults to protocol.MaxVersion.
	Version   uint8
	MTU       uint32
	AuthToken string
	Decide    func(Request) Decision

	// Silent drops inbound heartbeats instead of answering them.
	Silent          bool
	Echo            bool
	RefuseSecondary bool
	Cipher          security.Cipher
}

// Simulator is a head unit listening on one or more mem listeners. Session
// ids are shared across links, so a session survives moving links.
type Simulator struct {
	opts  Options
	netw  *mem.Network
	log   zerolog.Logger
	codec protocol.Codec

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	listeners []*mem.Listener
	conns     map[string][]*peer
	nextID    map[protocol.SessionType]uint8
	sessions  map[sessionKey]session.HashID
	silent    bool

	requests chan Request
	messages chan protocol.Message
	controls chan protocol.Message
}

type sessionKey struct {
	t  protocol.SessionType
	id uint8
}

type peer struct {
	conn    net.Conn
	link    string
	writeMu sync.Mutex
}

func New(netw *mem.Network, opts Options) *Simulator {
	if opts.Version == 0 {
		opts.Version = protocol.MaxVersion
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Simulator{
		opts:     opts,
		netw:     netw,
		log:      logging.Component("headunit"),
		codec:    protocol.NewCodec(0),
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[string][]*peer),
		nextID:   make(map[protocol.SessionType]uint8),
		sessions: make(map[sessionKey]session.HashID),
		silent:   opts.Silent,
		requests: make(chan Request, 64),
		messages: make(chan protocol.Message, 256),
		controls: make(chan protocol.Message, 256),
	}
}

// Listen starts accepting links on name.
func (s *Simulator) Listen(name string) error {
	l, err := s.netw.Listen(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
	s.wg.Add(1)
	go s.accept(l)
	return nil
}

// Requests yields every start request received.
func (s *Simulator) Requests() <-chan Request { return s.requests }

// Messages yields every data message received, decrypted when possible.
func (s *Simulator) Messages() <-chan protocol.Message { return s.messages }

// Controls yields every control message received.
func (s *Simulator) Controls() <-chan protocol.Message { return s.controls }

// SetSilent toggles heartbeat answering.
func (s *Simulator) SetSilent(v bool) {
	s.mu.Lock()
	s.silent = v
	s.mu.Unlock()
}

// Links reports how many live links arrived on name.
func (s *Simulator) Links(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[name])
}

// Drop closes every link that arrived on name.
func (s *Simulator) Drop(name string) {
	s.mu.Lock()
	peers := s.conns[name]
	delete(s.conns, name)
	s.mu.Unlock()
	for _, p := range peers {
		_ = p.conn.Close()
	}
}

// Send writes m on the newest link of name.
func (s *Simulator) Send(name string, m protocol.Message) error {
	s.mu.Lock()
	peers := s.conns[name]
	s.mu.Unlock()
	if len(peers) == 0 {
		return net.ErrClosed
	}
	return s.write(peers[len(peers)-1], m)
}

// Close stops every listener and link and waits for their goroutines.
func (s *Simulator) Close() {
	s.cancel()
	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	var peers []*peer
	for name, ps := range s.conns {
		peers = append(peers, ps...)
		delete(s.conns, name)
	}
	s.mu.Unlock()
	for _, l := range listeners {
		_ = l.Close()
	}
	for _, p := range peers {
		_ = p.conn.Close()
	}
	s.wg.Wait()
}

func (s *Simulator) accept(l *mem.Listener) {
	defer s.wg.Done()
	for {
		conn, err := l.Accept(s.ctx)
		if err != nil {
			return
		}
		p := &peer{conn: conn, link: l.Name()}
		s.mu.Lock()
		s.conns[p.link] = append(s.conns[p.link], p)
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(p)
	}
}

func (s *Simulator) serve(p *peer) {
	defer s.wg.Done()
	defer s.forget(p)
	dec := protocol.NewDecoder(s.codec.Limits, protocol.DefaultMaxMessage)
	buf := make([]byte, 32*1024)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			msgs, errs := dec.Feed(buf[:n])
			for _, e := range errs {
				s.log.Debug().Err(e).Str("link", p.link).Msg("decode")
			}
			for _, m := range msgs {
				s.handle(p, m)
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Simulator) forget(p *peer) {
	_ = p.conn.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := s.conns[p.link]
	for i, q := range peers {
		if q == p {
			s.conns[p.link] = append(peers[:i:i], peers[i+1:]...)
			break
		}
	}
}

func (s *Simulator) handle(p *peer, m protocol.Message) {
	if !m.IsControl() {
		s.handleData(p, m)
		return
	}
	select {
	case s.controls <- m:
	default:
	}
	ctl, err := session.DecodeControl(m.ControlInfo, m.Payload)
	if err != nil {
		s.log.Debug().Err(err).Str("control", m.ControlInfo.String()).Msg("bad control payload")
		return
	}
	switch m.ControlInfo {
	case protocol.ControlHeartbeat:
		s.mu.Lock()
		silent := s.silent
		s.mu.Unlock()
		if !silent {
			s.reply(p, protocol.Message{SessionType: m.SessionType, SessionID: m.SessionID, Role: protocol.RoleControl, ControlInfo: protocol.ControlHeartbeatACK})
		}
	case protocol.ControlStartSession:
		s.onStart(p, m, ctl)
	case protocol.ControlEndSession:
		s.mu.Lock()
		delete(s.sessions, sessionKey{t: m.SessionType, id: m.SessionID})
		s.mu.Unlock()
		s.replyControl(p, protocol.ControlEndSessionACK, m.SessionType, m.SessionID, session.Control{CorrelationID: ctl.CorrelationID})
	case protocol.ControlRegisterSecondaryTransport:
		info := protocol.ControlRegisterSecondaryTransportACK
		reply := session.Control{CorrelationID: ctl.CorrelationID}
		if s.opts.RefuseSecondary {
			info = protocol.ControlRegisterSecondaryTransportNAK
			reply.Reason = "secondary transport disabled"
		}
		s.replyControl(p, info, m.SessionType, m.SessionID, reply)
	}
}

func (s *Simulator) onStart(p *peer, m protocol.Message, ctl session.Control) {
	req := Request{
		Type:          m.SessionType,
		CorrelationID: ctl.CorrelationID,
		HashID:        ctl.HashID,
		Encrypted:     ctl.HasEncrypted && ctl.Encrypted,
		Link:          p.link,
	}
	select {
	case s.requests <- req:
	default:
	}
	var d Decision
	if s.opts.Decide != nil {
		d = s.opts.Decide(req)
	}
	if len(d.Reject) > 0 {
		s.replyControl(p, protocol.ControlStartSessionNACK, m.SessionType, d.ID, session.Control{
			CorrelationID:  ctl.CorrelationID,
			RejectedParams: d.Reject,
		})
		return
	}

	s.mu.Lock()
	if d.ID == 0 {
		s.nextID[m.SessionType]++
		d.ID = s.nextID[m.SessionType]
	}
	if d.HashID == session.NoHash {
		d.HashID = req.HashID
		if d.HashID == session.NoHash {
			d.HashID = session.HashID(0x1000 + uint32(m.SessionType)<<8 + uint32(d.ID))
		}
	}
	s.sessions[sessionKey{t: m.SessionType, id: d.ID}] = d.HashID
	s.mu.Unlock()

	encrypted := req.Encrypted
	if d.Encrypted != nil {
		encrypted = *d.Encrypted
	}
	ack := session.Control{
		CorrelationID: ctl.CorrelationID,
		HashID:        d.HashID,
		HasEncrypted:  true,
		Encrypted:     encrypted,
	}
	if m.SessionType == protocol.SessionControl {
		ack.MTU = s.opts.MTU
		ack.AuthToken = s.opts.AuthToken
	}
	s.replyControl(p, protocol.ControlStartSessionACK, m.SessionType, d.ID, ack)
}

func (s *Simulator) handleData(p *peer, m protocol.Message) {
	sealed := m.Encrypted
	if m.Encrypted && s.opts.Cipher != nil {
		pt, err := s.opts.Cipher.Open(m.Payload, security.SessionAAD(uint8(m.SessionType), m.SessionID))
		if err != nil {
			s.log.Debug().Err(err).Msg("open failed")
			return
		}
		m.Payload = pt
		m.Encrypted = false
	}
	select {
	case s.messages <- m:
	default:
	}
	if !s.opts.Echo {
		return
	}
	out := protocol.Message{SessionType: m.SessionType, SessionID: m.SessionID, Role: protocol.RoleSingle, Payload: m.Payload}
	s.mu.Lock()
	_, known := s.sessions[sessionKey{t: m.SessionType, id: m.SessionID}]
	s.mu.Unlock()
	if !known {
		return
	}
	if sealed && s.opts.Cipher != nil {
		ct, err := s.opts.Cipher.Seal(m.Payload, security.SessionAAD(uint8(m.SessionType), m.SessionID))
		if err != nil {
			return
		}
		out.Payload, out.Encrypted = ct, true
	}
	s.reply(p, out)
}

func (s *Simulator) replyControl(p *peer, info protocol.ControlInfo, st protocol.SessionType, id uint8, c session.Control) {
	m, err := session.ControlMessage(info, st, id, s.opts.Version, c)
	if err != nil {
		s.log.Debug().Err(err).Str("control", info.String()).Msg("build reply")
		return
	}
	s.reply(p, m)
}

func (s *Simulator) reply(p *peer, m protocol.Message) {
	if err := s.write(p, m); err != nil {
		s.log.Debug().Err(err).Str("link", p.link).Msg("reply dropped")
	}
}

func (s *Simulator) write(p *peer, m protocol.Message) error {
	if m.Version == 0 {
		m.Version = s.opts.Version
	}
	b, err := s.codec.Encode(m)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err = p.conn.Write(b)
	return err
}
