package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorderCounts(t *testing.T) {
	rec := NewPrometheusRecorder()

	rec.IncCounter(EventVerify, map[string]string{"network": "eip155:84532", "result": "valid"})
	rec.IncCounter(EventVerify, map[string]string{"network": "eip155:84532", "result": "valid"})
	rec.IncCounter(EventNonceRetry, map[string]string{"network": "eip155:84532"})

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.counters.WithLabelValues(EventVerify, "eip155:84532", "valid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.counters.WithLabelValues(EventNonceRetry, "eip155:84532", "")))
}

func TestPrometheusRecorderHandler(t *testing.T) {
	rec := NewPrometheusRecorder()
	rec.ObserveLatency(EventSettle, 250*time.Millisecond, map[string]string{"network": "eip155:1"})

	srv := httptest.NewServer(rec.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := new(strings.Builder)
	_, err = io.Copy(buf, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "x402_facilitator_operation_duration_seconds")
}

func TestNoopRecorder(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.IncCounter(EventSettle, nil)
	r.ObserveLatency(EventSettle, time.Second, nil)
}
