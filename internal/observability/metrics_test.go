package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/hulink/internal/testutil/testlog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	before := testutil.ToFloat64(messages.WithLabelValues(Inbound, "rpc"))
	RecordMessage(Inbound, "rpc", 12)
	require.Equal(t, before+1, testutil.ToFloat64(messages.WithLabelValues(Inbound, "rpc")))

	active := testutil.ToFloat64(sessionsActive.WithLabelValues("video"))
	RecordSessionEvent("started", "video")
	RecordSessionEvent("started", "video")
	RecordSessionEvent("ended", "video")
	require.Equal(t, active+1, testutil.ToFloat64(sessionsActive.WithLabelValues("video")))

	RecordTransportEvent("failover")
	RecordHeartbeatTimeout()
	RecordProtocolError()
}

func TestHandlerServesMetrics(t *testing.T) {
	testlog.Start(t)
	RecordMessage(Outbound, "bulk", 3)
	srv := httptest.NewServer(Handler(zerolog.Nop()))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "hulink_protocol_messages_total"))
}
