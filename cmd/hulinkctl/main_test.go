package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/danmuck/hulink/internal/protocol"
	"github.com/danmuck/hulink/internal/protocol/session"
	"github.com/danmuck/hulink/internal/testutil/testlog"
)

func TestDecodeControlStart(t *testing.T) {
	testlog.Start(t)
	m, err := session.ControlMessage(protocol.ControlStartSessionACK, protocol.SessionControl, 7, 5, session.Control{
		CorrelationID: "1",
		HashID:        42,
		HasEncrypted:  true,
		MTU:           2048,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	wire, err := protocol.NewCodec(0).Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	hexed := strings.ToUpper(encodeSpaced(wire))
	parsed, err := parseHex(hexed)
	if err != nil {
		t.Fatalf("parse hex: %v", err)
	}
	var out bytes.Buffer
	if err := decodeStream(&out, parsed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, want := range []string{"type=control id=7", "control=start_session_ack", "correlation_id=1", "hash_id=42", "mtu=2048", "encrypted=false"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestDecodeReportsTrailingBytes(t *testing.T) {
	testlog.Start(t)
	var out bytes.Buffer
	if err := decodeStream(&out, []byte{0x51, 0x07}); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(out.String(), "incomplete: 2 trailing bytes") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestParseHexRejectsEmpty(t *testing.T) {
	if _, err := parseHex(" \n"); err == nil {
		t.Fatalf("expected error for empty input")
	}
}

func TestDemoRuns(t *testing.T) {
	testlog.Start(t)
	if err := runDemo(context.Background(), true); err != nil {
		t.Fatalf("demo: %v", err)
	}
}

func encodeSpaced(b []byte) string {
	parts := make([]string, len(b))
	for i := range b {
		parts[i] = hex.EncodeToString(b[i : i+1])
	}
	return strings.Join(parts, " ")
}

func TestKey32(t *testing.T) {
	if _, err := key32("peer", "abcd"); err == nil {
		t.Fatalf("short key accepted")
	}
	if _, err := key32("peer", "zz"); err == nil {
		t.Fatalf("non-hex key accepted")
	}
	raw := strings.Repeat("01", 32)
	k, err := key32("peer", " "+raw+"\n")
	if err != nil {
		t.Fatalf("key32: %v", err)
	}
	if k[0] != 1 || k[31] != 1 {
		t.Fatalf("unexpected key %x", k)
	}
}
