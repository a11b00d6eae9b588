package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/danmuck/hulink/internal/logging"
	"github.com/danmuck/hulink/internal/protocol"
)

// StartRequest asks the peer to open a session. A non-zero HashID asks to
// resume a previous session; an empty CorrelationID gets a generated one.
type StartRequest struct {
	Type          protocol.SessionType
	CorrelationID string
	HashID        HashID
	Encrypted     bool
}

type EventKind int

const (
	EventSessionStarted EventKind = iota + 1
	EventSessionStartRejected
	EventSessionEnded
	EventSessionEndRejected
	EventAuthToken
	EventServiceDataAck
)

func (k EventKind) String() string {
	switch k {
	case EventSessionStarted:
		return "session_started"
	case EventSessionStartRejected:
		return "session_start_rejected"
	case EventSessionEnded:
		return "session_ended"
	case EventSessionEndRejected:
		return "session_end_rejected"
	case EventAuthToken:
		return "auth_token"
	case EventServiceDataAck:
		return "service_data_ack"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one negotiation outcome for the connection to report.
type Event struct {
	Kind           EventKind
	Record         Record
	RejectedParams []string
	AuthToken      string
	DataSize       uint32
}

// Reaction is the result of handling one inbound control message: events
// to report and messages to send back, in order.
type Reaction struct {
	Events []Event
	Send   []protocol.Message
}

// Coordinator runs the start/end handshakes on top of a Table. It never
// sends anything itself; callers transmit the returned messages.
type Coordinator struct {
	cfg   Config
	table *Table
	log   zerolog.Logger

	mu       sync.Mutex
	version  uint8
	mtu      uint32
	fellBack map[corrKey]bool
}

func NewCoordinator(cfg Config, table *Table) *Coordinator {
	cfg = cfg.WithDefaults()
	return &Coordinator{
		cfg:      cfg,
		table:    table,
		log:      logging.Component("session"),
		version:  cfg.MaxVersion,
		fellBack: make(map[corrKey]bool),
	}
}

func (c *Coordinator) Table() *Table {
	return c.table
}

// Version is the protocol version negotiated with the peer, or the local
// maximum before the Control session is acknowledged.
func (c *Coordinator) Version() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// MTU is the peer's advertised frame payload limit, 0 when unknown.
func (c *Coordinator) MTU() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtu
}

// Reset forgets negotiated parameters. The table is left to the caller.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version = c.cfg.MaxVersion
	c.mtu = 0
	clear(c.fellBack)
}

// StartSession records a Starting session and returns the request to send.
func (c *Coordinator) StartSession(req StartRequest) (protocol.Message, Record, error) {
	if strings.TrimSpace(req.CorrelationID) == "" {
		req.CorrelationID = NewCorrelationID()
	}
	rec, err := c.table.Create(req.Type, req.CorrelationID, req.HashID, req.Encrypted)
	if err != nil {
		return protocol.Message{}, Record{}, err
	}
	msg, err := c.startMessage(rec)
	if err != nil {
		c.Cancel(req.Type, rec.CorrelationID)
		return protocol.Message{}, Record{}, err
	}
	c.log.Debug().Str("type", req.Type.String()).Str("corr", rec.CorrelationID).
		Uint32("hash_id", uint32(req.HashID)).Bool("encrypted", req.Encrypted).Msg("start session")
	return msg, rec, nil
}

// Cancel drops a Starting record whose request never left.
func (c *Coordinator) Cancel(st protocol.SessionType, corr string) {
	_, _ = c.table.Resolve(st, corr, Outcome{})
	c.mu.Lock()
	delete(c.fellBack, corrKey{t: st, corr: corr})
	c.mu.Unlock()
}

// EndSession moves (type, id) to Ending and returns the request to send.
func (c *Coordinator) EndSession(st protocol.SessionType, id uint8, corr string) (protocol.Message, Record, error) {
	if strings.TrimSpace(corr) == "" {
		corr = NewCorrelationID()
	}
	rec, err := c.table.BeginEnd(st, id, corr)
	if err != nil {
		return protocol.Message{}, Record{}, err
	}
	msg, err := ControlMessage(protocol.ControlEndSession, st, id, c.Version(), Control{
		CorrelationID: corr,
		HashID:        rec.HashID,
	})
	if err != nil {
		_, _ = c.table.ResolveEnd(st, corr, false)
		return protocol.Message{}, Record{}, err
	}
	c.log.Debug().Str("type", st.String()).Uint8("id", id).Str("corr", corr).Msg("end session")
	return msg, rec, nil
}

// Expire rejects start requests that outlived the handshake timeout.
func (c *Coordinator) Expire() []Event {
	var out []Event
	for _, rec := range c.table.Expire(c.cfg.HandshakeTimeout) {
		c.mu.Lock()
		delete(c.fellBack, corrKey{t: rec.Type, corr: rec.CorrelationID})
		c.mu.Unlock()
		c.log.Warn().Str("type", rec.Type.String()).Str("corr", rec.CorrelationID).Msg("start session timed out")
		out = append(out, Event{Kind: EventSessionStartRejected, Record: rec, RejectedParams: []string{"timeout"}})
	}
	return out
}

// Handles reports whether HandleControl understands info.
func Handles(info protocol.ControlInfo) bool {
	switch info {
	case protocol.ControlStartSessionACK, protocol.ControlStartSessionNACK,
		protocol.ControlEndSession, protocol.ControlEndSessionACK, protocol.ControlEndSessionNACK,
		protocol.ControlServiceDataACK:
		return true
	}
	return false
}

// HandleControl applies one inbound negotiation message. Outcomes are
// matched to requests only by correlation id. Returned errors are
// *protocol.Error values; a Reaction may carry events even when an error is
// returned.
func (c *Coordinator) HandleControl(m protocol.Message) (Reaction, error) {
	ctl, err := DecodeControl(m.ControlInfo, m.Payload)
	if err != nil {
		return Reaction{}, c.protoErr(m, fmt.Errorf("%w: %v", protocol.ErrMalformedFrame, err))
	}
	switch m.ControlInfo {
	case protocol.ControlStartSessionACK:
		return c.onStartACK(m, ctl)
	case protocol.ControlStartSessionNACK:
		return c.onStartNACK(m, ctl)
	case protocol.ControlEndSessionACK, protocol.ControlEndSessionNACK:
		accepted := m.ControlInfo == protocol.ControlEndSessionACK
		rec, err := c.table.ResolveEnd(m.SessionType, ctl.CorrelationID, accepted)
		if err != nil {
			return Reaction{}, c.protoErr(m, err)
		}
		kind := EventSessionEnded
		if !accepted {
			kind = EventSessionEndRejected
		}
		c.log.Debug().Str("type", m.SessionType.String()).Uint8("id", rec.ID).Str("event", kind.String()).Msg("end outcome")
		return Reaction{Events: []Event{{Kind: kind, Record: rec}}}, nil
	case protocol.ControlEndSession:
		return c.onPeerEnd(m, ctl)
	case protocol.ControlServiceDataACK:
		rec := Record{Type: m.SessionType, ID: m.SessionID, State: StateEstablished}
		if found, ok := c.table.Find(m.SessionType, m.SessionID); ok {
			rec = found
		}
		return Reaction{Events: []Event{{Kind: EventServiceDataAck, Record: rec, DataSize: ctl.DataSize}}}, nil
	default:
		return Reaction{}, c.protoErr(m, fmt.Errorf("%w: unhandled control %s", protocol.ErrMalformedFrame, m.ControlInfo))
	}
}

func (c *Coordinator) onStartACK(m protocol.Message, ctl Control) (Reaction, error) {
	encrypted := m.Encrypted
	if ctl.HasEncrypted {
		encrypted = ctl.Encrypted
	}
	version := m.Version
	if version > c.cfg.MaxVersion {
		version = c.cfg.MaxVersion
	}
	rec, err := c.table.Resolve(m.SessionType, ctl.CorrelationID, Outcome{
		Accepted:  true,
		ID:        m.SessionID,
		HashID:    ctl.HashID,
		Encrypted: encrypted,
		Version:   version,
	})
	c.mu.Lock()
	delete(c.fellBack, corrKey{t: m.SessionType, corr: ctl.CorrelationID})
	c.mu.Unlock()
	if err != nil {
		if errors.Is(err, ErrSessionIDInUse) {
			return Reaction{Events: []Event{{Kind: EventSessionStartRejected, Record: rec, RejectedParams: []string{"sessionId"}}}},
				c.protoErr(m, err)
		}
		return Reaction{}, c.protoErr(m, err)
	}

	if m.SessionType == protocol.SessionControl {
		c.mu.Lock()
		c.version = version
		if ctl.MTU != 0 {
			c.mtu = ctl.MTU
		}
		c.mu.Unlock()
	}
	c.log.Info().Str("type", m.SessionType.String()).Uint8("id", rec.ID).Uint8("version", version).
		Str("corr", rec.CorrelationID).Uint32("hash_id", uint32(rec.HashID)).Bool("encrypted", rec.Encrypted).
		Msg("session started")

	r := Reaction{Events: []Event{{Kind: EventSessionStarted, Record: rec}}}
	if ctl.AuthToken != "" {
		r.Events = append(r.Events, Event{Kind: EventAuthToken, Record: rec, AuthToken: ctl.AuthToken})
	}
	return r, nil
}

func (c *Coordinator) onStartNACK(m protocol.Message, ctl Control) (Reaction, error) {
	key := corrKey{t: m.SessionType, corr: strings.TrimSpace(ctl.CorrelationID)}
	pending, ok := c.table.Pending(m.SessionType, ctl.CorrelationID)
	if !ok {
		return Reaction{}, c.protoErr(m, fmt.Errorf("%w: type=%s corr=%q", protocol.ErrUnknownCorrelation, m.SessionType, ctl.CorrelationID))
	}

	c.mu.Lock()
	retry := pending.HashID != NoHash && !c.fellBack[key]
	if retry {
		c.fellBack[key] = true
	} else {
		delete(c.fellBack, key)
	}
	c.mu.Unlock()

	rec, err := c.table.Resolve(m.SessionType, ctl.CorrelationID, Outcome{ID: m.SessionID, RejectedParams: ctl.RejectedParams})
	if err != nil {
		return Reaction{}, c.protoErr(m, err)
	}
	if !retry {
		c.log.Info().Str("type", m.SessionType.String()).Str("corr", rec.CorrelationID).
			Strs("rejected", ctl.RejectedParams).Msg("session start rejected")
		return Reaction{Events: []Event{{Kind: EventSessionStartRejected, Record: rec, RejectedParams: ctl.RejectedParams}}}, nil
	}

	// Resumption refused: start over once as a fresh session.
	fresh, err := c.table.Create(m.SessionType, rec.CorrelationID, NoHash, rec.Encrypted)
	if err != nil {
		return Reaction{}, c.protoErr(m, err)
	}
	msg, err := c.startMessage(fresh)
	if err != nil {
		c.Cancel(m.SessionType, fresh.CorrelationID)
		return Reaction{Events: []Event{{Kind: EventSessionStartRejected, Record: rec, RejectedParams: ctl.RejectedParams}}}, nil
	}
	c.log.Info().Str("type", m.SessionType.String()).Str("corr", rec.CorrelationID).
		Uint32("stale_hash_id", uint32(rec.HashID)).Msg("resumption refused, starting fresh")
	return Reaction{Send: []protocol.Message{msg}}, nil
}

func (c *Coordinator) onPeerEnd(m protocol.Message, ctl Control) (Reaction, error) {
	rec, ok := c.table.Remove(m.SessionType, m.SessionID)
	if !ok {
		nack, err := ControlMessage(protocol.ControlEndSessionNACK, m.SessionType, m.SessionID, c.Version(), Control{
			CorrelationID: ctl.CorrelationID,
			Reason:        "unknown session",
		})
		r := Reaction{}
		if err == nil {
			r.Send = append(r.Send, nack)
		}
		return r, c.protoErr(m, protocol.ErrUnknownSession)
	}
	rec.EndCorrelationID = ctl.CorrelationID
	ack, err := ControlMessage(protocol.ControlEndSessionACK, m.SessionType, m.SessionID, c.Version(), Control{CorrelationID: ctl.CorrelationID})
	r := Reaction{Events: []Event{{Kind: EventSessionEnded, Record: rec}}}
	if err == nil {
		r.Send = append(r.Send, ack)
	}
	c.log.Info().Str("type", m.SessionType.String()).Uint8("id", m.SessionID).Msg("session ended by peer")
	return r, nil
}

func (c *Coordinator) startMessage(rec Record) (protocol.Message, error) {
	ctl := Control{
		CorrelationID: rec.CorrelationID,
		HashID:        rec.HashID,
		HasEncrypted:  true,
		Encrypted:     rec.Encrypted,
	}
	if rec.Type == protocol.SessionControl {
		ctl.ProtocolVersion = c.cfg.MaxVersion
	}
	return ControlMessage(protocol.ControlStartSession, rec.Type, 0, c.Version(), ctl)
}

func (c *Coordinator) protoErr(m protocol.Message, err error) error {
	c.log.Warn().Str("type", m.SessionType.String()).Uint8("id", m.SessionID).
		Str("control", m.ControlInfo.String()).Err(err).Msg("control message rejected")
	return &protocol.Error{Op: m.ControlInfo.String(), SessionType: m.SessionType, SessionID: m.SessionID, Err: err}
}
