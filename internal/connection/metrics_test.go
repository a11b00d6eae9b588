package connection

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/hulink/internal/observability"
	"github.com/danmuck/hulink/internal/protocol"
	"github.com/danmuck/hulink/internal/testutil/headunit"
)

// counter reads one series from the default registry; a missing series is 0.
func counter(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	observability.RegisterMetrics()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
	series:
		for _, m := range fam.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue series
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestOutboundSendsAreCounted(t *testing.T) {
	f := newFixture(t, headunit.Options{}, nil)
	f.connect(t)
	s := f.start(t, protocol.SessionNavigation, "")

	labels := map[string]string{"direction": observability.Outbound, "session_type": protocol.SessionNavigation.String()}
	before := counter(t, "hulink_protocol_messages_total", labels)
	require.NoError(t, f.c.Send(protocol.SessionNavigation, s.id, []byte("turn left")))
	recv(t, f.sim.Messages())
	require.Equal(t, before+1, counter(t, "hulink_protocol_messages_total", labels))
}

func TestReconnectIsCounted(t *testing.T) {
	labels := map[string]string{"event": "reconnect"}
	before := counter(t, "hulink_transport_events_total", labels)
	meteredListener{Listener: BaseListener{}}.reconnected()
	require.Equal(t, before+1, counter(t, "hulink_transport_events_total", labels))
}
