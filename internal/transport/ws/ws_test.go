package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/hulink/internal/transport"
	"github.com/danmuck/hulink/internal/testutil/testlog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func echoServer(t *testing.T, dropAfter int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; dropAfter <= 0 || i < dropAfter; i++ {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(kind, append([]byte("echo:"), data...)); err != nil {
				return
			}
		}
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestAdapterEcho(t *testing.T) {
	testlog.Start(t)
	srv := echoServer(t, 0)
	defer srv.Close()

	a, err := New(Config{URL: wsURL(srv)})
	require.NoError(t, err)
	require.Equal(t, transport.KindWS, a.Descriptor().Kind)

	got := make(chan []byte, 1)
	require.NoError(t, a.Open(context.Background(), transport.HandlerFuncs{Bytes: func(b []byte) { got <- b }}))
	defer a.Close()

	require.NoError(t, a.Send([]byte{0x51, 0x07}))
	select {
	case b := <-got:
		require.Equal(t, append([]byte("echo:"), 0x51, 0x07), b)
	case <-time.After(2 * time.Second):
		t.Fatalf("no echo")
	}
}

func TestAdapterReportsPeerDrop(t *testing.T) {
	testlog.Start(t)
	srv := echoServer(t, 1)
	defer srv.Close()

	a, err := New(Config{URL: wsURL(srv)})
	require.NoError(t, err)
	lost := make(chan error, 1)
	require.NoError(t, a.Open(context.Background(), transport.HandlerFuncs{Disconnected: func(err error) { lost <- err }}))

	require.NoError(t, a.Send([]byte("once")))
	select {
	case err := <-lost:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("drop not reported")
	}
	require.ErrorIs(t, a.Send([]byte("x")), transport.ErrNotOpen)
}

func TestNewRequiresURL(t *testing.T) {
	testlog.Start(t)
	_, err := New(Config{})
	require.ErrorIs(t, err, ErrURLRequired)
}
