package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/hulink/internal/protocol"
	"github.com/danmuck/hulink/internal/testutil/testlog"
)

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
	cfg := DefaultConfig()
	cfg.MaxVersion = 9
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestControlRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := Control{
		CorrelationID:  "corr-1",
		HashID:         42,
		HasEncrypted:   true,
		Encrypted:      true,
		RejectedParams: []string{"mtu", "protocolVersion"},
		MTU:            4096,
		AuthToken:      "token",
	}
	payload, err := EncodeControl(protocol.ControlStartSessionNACK, in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeControl(protocol.ControlStartSessionNACK, payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CorrelationID != in.CorrelationID || got.HashID != 42 || !got.Encrypted || !got.HasEncrypted ||
		got.MTU != 4096 || got.AuthToken != "token" || len(got.RejectedParams) != 2 || got.RejectedParams[1] != "protocolVersion" {
		t.Fatalf("unexpected control: %+v", got)
	}
}

func TestControlRequiresCorrelation(t *testing.T) {
	testlog.Start(t)
	if _, err := EncodeControl(protocol.ControlStartSession, Control{}); !errors.Is(err, ErrInvalidControl) {
		t.Fatalf("expected ErrInvalidControl, got %v", err)
	}
	if _, err := DecodeControl(protocol.ControlStartSessionACK, []byte{0, 1}); !errors.Is(err, ErrInvalidControl) {
		t.Fatalf("expected ErrInvalidControl for truncated payload, got %v", err)
	}
}

func TestTableStartLifecycle(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable()
	if _, err := tbl.Create(protocol.SessionRPC, "c1", NoHash, false); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := tbl.Create(protocol.SessionRPC, "c1", NoHash, false); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}
	// Same correlation id on another type is a separate request.
	if _, err := tbl.Create(protocol.SessionVideo, "c1", NoHash, false); err != nil {
		t.Fatalf("create video: %v", err)
	}

	rec, err := tbl.Resolve(protocol.SessionRPC, "c1", Outcome{Accepted: true, ID: 3, HashID: 9, Version: 5})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rec.State != StateEstablished || rec.ID != 3 || rec.HashID != 9 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if _, err := tbl.Resolve(protocol.SessionRPC, "c1", Outcome{Accepted: true, ID: 4}); !errors.Is(err, protocol.ErrUnknownCorrelation) {
		t.Fatalf("expected ErrUnknownCorrelation, got %v", err)
	}
	if _, ok := tbl.Find(protocol.SessionRPC, 3); !ok {
		t.Fatalf("established session missing")
	}

	if _, err := tbl.Create(protocol.SessionRPC, "c2", NoHash, false); err != nil {
		t.Fatalf("create c2: %v", err)
	}
	if _, err := tbl.Resolve(protocol.SessionRPC, "c2", Outcome{Accepted: true, ID: 3}); !errors.Is(err, ErrSessionIDInUse) {
		t.Fatalf("expected ErrSessionIDInUse, got %v", err)
	}

	removed, ok := tbl.Remove(protocol.SessionRPC, 3)
	if !ok || removed.State != StateEnded {
		t.Fatalf("remove: %+v ok=%v", removed, ok)
	}
	if tbl.Len() != 0 {
		t.Fatalf("table should be empty, len=%d", tbl.Len())
	}
}

func TestTableEndLifecycle(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable()
	mustEstablish(t, tbl, protocol.SessionAudio, "a", 2)

	if _, err := tbl.BeginEnd(protocol.SessionAudio, 9, "e0"); !errors.Is(err, protocol.ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
	if _, err := tbl.BeginEnd(protocol.SessionAudio, 2, "e1"); err != nil {
		t.Fatalf("begin end: %v", err)
	}
	if _, err := tbl.BeginEnd(protocol.SessionAudio, 2, "e2"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	rec, err := tbl.ResolveEnd(protocol.SessionAudio, "e1", false)
	if err != nil || rec.State != StateEstablished {
		t.Fatalf("end nack should restore established: %+v %v", rec, err)
	}
	if _, err := tbl.BeginEnd(protocol.SessionAudio, 2, "e3"); err != nil {
		t.Fatalf("begin end again: %v", err)
	}
	rec, err = tbl.ResolveEnd(protocol.SessionAudio, "e3", true)
	if err != nil || rec.State != StateEnded {
		t.Fatalf("end ack: %+v %v", rec, err)
	}
	if _, ok := tbl.Find(protocol.SessionAudio, 2); ok {
		t.Fatalf("ended session still present")
	}
}

func TestTableEndAllAndExpire(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable()
	now := time.Unix(1700000000, 0)
	tbl.now = func() time.Time { return now }

	mustEstablish(t, tbl, protocol.SessionVideo, "v", 1)
	mustEstablish(t, tbl, protocol.SessionRPC, "r", 1)
	if _, err := tbl.Create(protocol.SessionBulk, "old", NoHash, false); err != nil {
		t.Fatalf("create: %v", err)
	}
	now = now.Add(time.Minute)
	if _, err := tbl.Create(protocol.SessionBulk, "new", NoHash, false); err != nil {
		t.Fatalf("create: %v", err)
	}

	expired := tbl.Expire(30 * time.Second)
	if len(expired) != 1 || expired[0].CorrelationID != "old" || expired[0].State != StateRejected {
		t.Fatalf("unexpected expired set: %+v", expired)
	}

	all := tbl.EndAll()
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %+v", all)
	}
	if all[0].Type != protocol.SessionRPC || all[0].State != StateEnded {
		t.Fatalf("unexpected order: %+v", all)
	}
	if tbl.Len() != 0 {
		t.Fatalf("table should be empty")
	}
	if _, ok := tbl.Pending(protocol.SessionBulk, "new"); ok {
		t.Fatalf("pending start should be gone")
	}
}

func TestConcurrentStartsGetDistinctIDs(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable()
	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			corr := fmt.Sprintf("c%d", i)
			if _, err := tbl.Create(protocol.SessionBulk, corr, NoHash, false); err != nil {
				errs <- err
				return
			}
			if _, err := tbl.Resolve(protocol.SessionBulk, corr, Outcome{Accepted: true, ID: uint8(i + 1)}); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent start: %v", err)
	}
	seen := map[uint8]bool{}
	for _, rec := range tbl.List() {
		if seen[rec.ID] {
			t.Fatalf("duplicate id %d", rec.ID)
		}
		seen[rec.ID] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d sessions, got %d", n, len(seen))
	}
}

func TestCoordinatorControlStartExample(t *testing.T) {
	testlog.Start(t)
	c := NewCoordinator(DefaultConfig(), NewTable())
	req, rec, err := c.StartSession(StartRequest{Type: protocol.SessionControl, CorrelationID: "1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if rec.State != StateStarting || req.ControlInfo != protocol.ControlStartSession || req.SessionID != 0 {
		t.Fatalf("unexpected request: %+v %+v", req, rec)
	}
	sent, err := DecodeControl(req.ControlInfo, req.Payload)
	if err != nil || sent.CorrelationID != "1" || sent.ProtocolVersion != protocol.MaxVersion {
		t.Fatalf("unexpected start payload: %+v %v", sent, err)
	}

	ack := peerMessage(t, protocol.ControlStartSessionACK, protocol.SessionControl, 7, 5, Control{
		CorrelationID: "1",
		HashID:        42,
		HasEncrypted:  true,
		Encrypted:     false,
		MTU:           2048,
		AuthToken:     "auth-xyz",
	})
	r, err := c.HandleControl(ack)
	if err != nil {
		t.Fatalf("handle ack: %v", err)
	}
	if len(r.Events) != 2 {
		t.Fatalf("expected started + auth token events, got %+v", r.Events)
	}
	started := r.Events[0]
	if started.Kind != EventSessionStarted || started.Record.ID != 7 || started.Record.HashID != 42 ||
		started.Record.Encrypted || started.Record.Version != 5 || started.Record.CorrelationID != "1" {
		t.Fatalf("unexpected started event: %+v", started)
	}
	if r.Events[1].Kind != EventAuthToken || r.Events[1].AuthToken != "auth-xyz" {
		t.Fatalf("unexpected token event: %+v", r.Events[1])
	}
	if rec, ok := c.Table().Find(protocol.SessionControl, 7); !ok || rec.State != StateEstablished {
		t.Fatalf("table entry missing: %+v", rec)
	}
	if c.MTU() != 2048 || c.Version() != 5 {
		t.Fatalf("negotiated mtu=%d version=%d", c.MTU(), c.Version())
	}
}

func TestCoordinatorVersionNegotiatedDown(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	c := NewCoordinator(cfg, NewTable())
	if _, _, err := c.StartSession(StartRequest{Type: protocol.SessionControl, CorrelationID: "v"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	ack := peerMessage(t, protocol.ControlStartSessionACK, protocol.SessionControl, 1, 3, Control{CorrelationID: "v"})
	if _, err := c.HandleControl(ack); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if c.Version() != 3 {
		t.Fatalf("expected version 3, got %d", c.Version())
	}
	c.Reset()
	if c.Version() != cfg.MaxVersion || c.MTU() != 0 {
		t.Fatalf("reset should restore defaults")
	}
}

func TestCoordinatorAckEncryptionIsAuthoritative(t *testing.T) {
	testlog.Start(t)
	c := NewCoordinator(DefaultConfig(), NewTable())
	if _, _, err := c.StartSession(StartRequest{Type: protocol.SessionVideo, CorrelationID: "x", Encrypted: true}); err != nil {
		t.Fatalf("start: %v", err)
	}
	ack := peerMessage(t, protocol.ControlStartSessionACK, protocol.SessionVideo, 4, 5, Control{
		CorrelationID: "x", HasEncrypted: true, Encrypted: false,
	})
	r, err := c.HandleControl(ack)
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if r.Events[0].Record.Encrypted {
		t.Fatalf("ack denied encryption, record must be unencrypted")
	}
}

func TestCoordinatorNackThenRetry(t *testing.T) {
	testlog.Start(t)
	c := NewCoordinator(DefaultConfig(), NewTable())
	if _, _, err := c.StartSession(StartRequest{Type: protocol.SessionRPC, CorrelationID: "a"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	nack := peerMessage(t, protocol.ControlStartSessionNACK, protocol.SessionRPC, 0, 5, Control{
		CorrelationID: "a", RejectedParams: []string{"mtu"},
	})
	r, err := c.HandleControl(nack)
	if err != nil {
		t.Fatalf("nack: %v", err)
	}
	if len(r.Events) != 1 || r.Events[0].Kind != EventSessionStartRejected || r.Events[0].RejectedParams[0] != "mtu" {
		t.Fatalf("unexpected reaction: %+v", r)
	}
	if c.Table().Len() != 0 {
		t.Fatalf("nack must not leave an established entry")
	}
	if _, _, err := c.StartSession(StartRequest{Type: protocol.SessionRPC, CorrelationID: "b"}); err != nil {
		t.Fatalf("retry with new correlation: %v", err)
	}
}

func TestCoordinatorResumptionFallsBackOnce(t *testing.T) {
	testlog.Start(t)
	c := NewCoordinator(DefaultConfig(), NewTable())
	if _, _, err := c.StartSession(StartRequest{Type: protocol.SessionNavigation, CorrelationID: "r", HashID: 77}); err != nil {
		t.Fatalf("start: %v", err)
	}
	nack := peerMessage(t, protocol.ControlStartSessionNACK, protocol.SessionNavigation, 0, 5, Control{CorrelationID: "r"})

	r, err := c.HandleControl(nack)
	if err != nil {
		t.Fatalf("first nack: %v", err)
	}
	if len(r.Events) != 0 || len(r.Send) != 1 {
		t.Fatalf("expected a silent fresh start, got %+v", r)
	}
	retry, err := DecodeControl(r.Send[0].ControlInfo, r.Send[0].Payload)
	if err != nil {
		t.Fatalf("decode retry: %v", err)
	}
	if retry.CorrelationID != "r" || retry.HashID != NoHash {
		t.Fatalf("fresh start should reuse corr without hash: %+v", retry)
	}
	pending, ok := c.Table().Pending(protocol.SessionNavigation, "r")
	if !ok || pending.HashID != NoHash {
		t.Fatalf("stale record should be replaced: %+v", pending)
	}

	r, err = c.HandleControl(nack)
	if err != nil {
		t.Fatalf("second nack: %v", err)
	}
	if len(r.Send) != 0 || len(r.Events) != 1 || r.Events[0].Kind != EventSessionStartRejected {
		t.Fatalf("second nack should reject: %+v", r)
	}
}

func TestCoordinatorUnknownCorrelation(t *testing.T) {
	testlog.Start(t)
	c := NewCoordinator(DefaultConfig(), NewTable())
	ack := peerMessage(t, protocol.ControlStartSessionACK, protocol.SessionRPC, 1, 5, Control{CorrelationID: "stale"})
	_, err := c.HandleControl(ack)
	if !errors.Is(err, protocol.ErrUnknownCorrelation) {
		t.Fatalf("expected ErrUnknownCorrelation, got %v", err)
	}
	if protocol.IsFatal(err) {
		t.Fatalf("unknown correlation must not be fatal")
	}
}

func TestCoordinatorEndFlow(t *testing.T) {
	testlog.Start(t)
	c := NewCoordinator(DefaultConfig(), NewTable())
	mustEstablish(t, c.Table(), protocol.SessionBulk, "s", 5)

	req, _, err := c.EndSession(protocol.SessionBulk, 5, "end-1")
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if req.ControlInfo != protocol.ControlEndSession || req.SessionID != 5 {
		t.Fatalf("unexpected end request: %+v", req)
	}
	nack := peerMessage(t, protocol.ControlEndSessionNACK, protocol.SessionBulk, 5, 5, Control{CorrelationID: "end-1"})
	r, err := c.HandleControl(nack)
	if err != nil || r.Events[0].Kind != EventSessionEndRejected || r.Events[0].Record.State != StateEstablished {
		t.Fatalf("end nack: %+v %v", r, err)
	}

	if _, _, err := c.EndSession(protocol.SessionBulk, 5, "end-2"); err != nil {
		t.Fatalf("end again: %v", err)
	}
	ack := peerMessage(t, protocol.ControlEndSessionACK, protocol.SessionBulk, 5, 5, Control{CorrelationID: "end-2"})
	r, err = c.HandleControl(ack)
	if err != nil || r.Events[0].Kind != EventSessionEnded {
		t.Fatalf("end ack: %+v %v", r, err)
	}
	if c.Table().Len() != 0 {
		t.Fatalf("session should be gone")
	}
}

func TestCoordinatorPeerEnd(t *testing.T) {
	testlog.Start(t)
	c := NewCoordinator(DefaultConfig(), NewTable())
	mustEstablish(t, c.Table(), protocol.SessionAudio, "p", 3)

	end := peerMessage(t, protocol.ControlEndSession, protocol.SessionAudio, 3, 5, Control{CorrelationID: "peer"})
	r, err := c.HandleControl(end)
	if err != nil {
		t.Fatalf("peer end: %v", err)
	}
	if len(r.Send) != 1 || r.Send[0].ControlInfo != protocol.ControlEndSessionACK {
		t.Fatalf("expected end ack reply: %+v", r.Send)
	}
	if len(r.Events) != 1 || r.Events[0].Kind != EventSessionEnded {
		t.Fatalf("expected ended event: %+v", r.Events)
	}

	r, err = c.HandleControl(end)
	if !errors.Is(err, protocol.ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
	if len(r.Send) != 1 || r.Send[0].ControlInfo != protocol.ControlEndSessionNACK {
		t.Fatalf("expected end nack reply: %+v", r.Send)
	}
}

func TestCoordinatorServiceDataAck(t *testing.T) {
	testlog.Start(t)
	c := NewCoordinator(DefaultConfig(), NewTable())
	msg := peerMessage(t, protocol.ControlServiceDataACK, protocol.SessionVideo, 2, 5, Control{DataSize: 1500})
	r, err := c.HandleControl(msg)
	if err != nil {
		t.Fatalf("service data ack: %v", err)
	}
	if r.Events[0].Kind != EventServiceDataAck || r.Events[0].DataSize != 1500 || r.Events[0].Record.ID != 2 {
		t.Fatalf("unexpected event: %+v", r.Events[0])
	}
}

func mustEstablish(t *testing.T, tbl *Table, st protocol.SessionType, corr string, id uint8) {
	t.Helper()
	if _, err := tbl.Create(st, corr, NoHash, false); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := tbl.Resolve(st, corr, Outcome{Accepted: true, ID: id, Version: 5}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
}

func peerMessage(t *testing.T, info protocol.ControlInfo, st protocol.SessionType, id, version uint8, c Control) protocol.Message {
	t.Helper()
	m, err := ControlMessage(info, st, id, version, c)
	if err != nil {
		t.Fatalf("build %s: %v", info, err)
	}
	return m
}
