package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/hulink/internal/protocol"
)

var (
	ErrDuplicateRequest  = errors.New("session: start already in flight for correlation id")
	ErrSessionIDInUse    = errors.New("session: session id already established for type")
	ErrInvalidState      = errors.New("session: invalid state for operation")
	ErrCorrelationNeeded = errors.New("session: correlation id required")
)

// State is the lifecycle position of one session.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateEstablished
	StateEnding
	StateEnded
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateEstablished:
		return "established"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// HashID is the peer-issued resumption token.
type HashID uint32

// NoHash means no resumption token is held.
const NoHash HashID = 0

// Record is a snapshot of one session. Records returned by Table are copies.
type Record struct {
	Type          protocol.SessionType
	ID            uint8
	State         State
	HashID        HashID
	Encrypted     bool
	CorrelationID string
	Version       uint8

	// EndCorrelationID is set while an end request is outstanding.
	EndCorrelationID string
	StartedAt        time.Time
}

// Outcome is the peer's answer to a start request.
type Outcome struct {
	Accepted       bool
	ID             uint8
	HashID         HashID
	Encrypted      bool
	Version        uint8
	RejectedParams []string
}

type idKey struct {
	t  protocol.SessionType
	id uint8
}

type corrKey struct {
	t    protocol.SessionType
	corr string
}

// Table stores session records keyed by (type, correlation id) while
// Starting and by (type, id) once Established.
type Table struct {
	mu      sync.RWMutex
	now     func() time.Time
	pending map[corrKey]*Record
	active  map[idKey]*Record
}

func NewTable() *Table {
	return &Table{
		now:     time.Now,
		pending: make(map[corrKey]*Record),
		active:  make(map[idKey]*Record),
	}
}

// Create records a Starting session for a start request.
func (t *Table) Create(st protocol.SessionType, corr string, hash HashID, encrypted bool) (Record, error) {
	corr = strings.TrimSpace(corr)
	if corr == "" {
		return Record{}, ErrCorrelationNeeded
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	key := corrKey{t: st, corr: corr}
	if _, ok := t.pending[key]; ok {
		return Record{}, fmt.Errorf("%w: type=%s corr=%q", ErrDuplicateRequest, st, corr)
	}
	rec := &Record{
		Type:          st,
		State:         StateStarting,
		HashID:        hash,
		Encrypted:     encrypted,
		CorrelationID: corr,
		StartedAt:     t.now(),
	}
	t.pending[key] = rec
	return *rec, nil
}

// Pending returns the Starting record for (type, corr).
func (t *Table) Pending(st protocol.SessionType, corr string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.pending[corrKey{t: st, corr: strings.TrimSpace(corr)}]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Resolve applies a start outcome. An accepted outcome moves the record to
// Established under its peer-assigned id; a rejection drops it and returns
// it in state Rejected.
func (t *Table) Resolve(st protocol.SessionType, corr string, out Outcome) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := corrKey{t: st, corr: strings.TrimSpace(corr)}
	rec, ok := t.pending[key]
	if !ok {
		return Record{}, fmt.Errorf("%w: type=%s corr=%q", protocol.ErrUnknownCorrelation, st, corr)
	}
	delete(t.pending, key)

	if !out.Accepted {
		rec.State = StateRejected
		rec.ID = out.ID
		return *rec, nil
	}
	ik := idKey{t: st, id: out.ID}
	if _, taken := t.active[ik]; taken {
		rec.State = StateRejected
		return *rec, fmt.Errorf("%w: type=%s id=%d", ErrSessionIDInUse, st, out.ID)
	}
	rec.ID = out.ID
	rec.State = StateEstablished
	rec.HashID = out.HashID
	rec.Encrypted = out.Encrypted
	rec.Version = out.Version
	t.active[ik] = rec
	return *rec, nil
}

// Find returns the Established or Ending session (type, id).
func (t *Table) Find(st protocol.SessionType, id uint8) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.active[idKey{t: st, id: id}]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Remove drops session (type, id) and returns it in state Ended.
func (t *Table) Remove(st protocol.SessionType, id uint8) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := idKey{t: st, id: id}
	rec, ok := t.active[key]
	if !ok {
		return Record{}, false
	}
	delete(t.active, key)
	rec.State = StateEnded
	return *rec, true
}

// BeginEnd moves an Established session to Ending under the end request's
// correlation id.
func (t *Table) BeginEnd(st protocol.SessionType, id uint8, corr string) (Record, error) {
	corr = strings.TrimSpace(corr)
	if corr == "" {
		return Record{}, ErrCorrelationNeeded
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.active[idKey{t: st, id: id}]
	if !ok {
		return Record{}, fmt.Errorf("%w: type=%s id=%d", protocol.ErrUnknownSession, st, id)
	}
	if rec.State != StateEstablished {
		return Record{}, fmt.Errorf("%w: type=%s id=%d state=%s", ErrInvalidState, st, id, rec.State)
	}
	rec.State = StateEnding
	rec.EndCorrelationID = corr
	return *rec, nil
}

// ResolveEnd settles the Ending session whose end request carried corr.
// Acceptance removes it (state Ended); refusal returns it to Established.
func (t *Table) ResolveEnd(st protocol.SessionType, corr string, accepted bool) (Record, error) {
	corr = strings.TrimSpace(corr)
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, rec := range t.active {
		if key.t != st || rec.State != StateEnding || rec.EndCorrelationID != corr {
			continue
		}
		if accepted {
			delete(t.active, key)
			rec.State = StateEnded
			return *rec, nil
		}
		rec.State = StateEstablished
		out := *rec
		rec.EndCorrelationID = ""
		return out, nil
	}
	return Record{}, fmt.Errorf("%w: end type=%s corr=%q", protocol.ErrUnknownCorrelation, st, corr)
}

// EndAll drops every record. Established and Ending sessions are returned
// in state Ended, Starting ones in state Rejected, ordered by type then id.
func (t *Table) EndAll() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.active)+len(t.pending))
	for _, rec := range t.active {
		rec.State = StateEnded
		out = append(out, *rec)
	}
	for _, rec := range t.pending {
		rec.State = StateRejected
		out = append(out, *rec)
	}
	clear(t.active)
	clear(t.pending)
	sortRecords(out)
	return out
}

// Expire rejects Starting records older than ttl.
func (t *Table) Expire(ttl time.Duration) []Record {
	if ttl <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-ttl)
	var out []Record
	for key, rec := range t.pending {
		if rec.StartedAt.After(cutoff) {
			continue
		}
		delete(t.pending, key)
		rec.State = StateRejected
		out = append(out, *rec)
	}
	sortRecords(out)
	return out
}

// List returns Established and Ending sessions ordered by type then id.
func (t *Table) List() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Record, 0, len(t.active))
	for _, rec := range t.active {
		out = append(out, *rec)
	}
	sortRecords(out)
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.active)
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Type != recs[j].Type {
			return recs[i].Type < recs[j].Type
		}
		if recs[i].ID != recs[j].ID {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CorrelationID < recs[j].CorrelationID
	})
}
