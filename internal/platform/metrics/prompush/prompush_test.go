package prompush

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/cloudpipe/internal/platform/metrics"
)

func TestNewBackendRequiresURL(t *testing.T) {
	_, err := NewBackend("sales", "")
	assert.Error(t, err)
}

func TestCountersAndSummary(t *testing.T) {
	b, err := NewBackend("", "http://pgw:9091")
	require.NoError(t, err)
	assert.Equal(t, "cloudpipe", b.job)

	lbls := metrics.Labels{"pipeline": "sales", "kind": "sink", "status": "succeeded"}
	b.IncCounter(metrics.StageTotal, 1, lbls)
	b.IncCounter(metrics.StageTotal, 2, lbls)
	b.IncCounter("unknown_metric", 5, lbls)
	b.ObserveHistogram(metrics.StageDuration, 0.25, lbls)
	b.ObserveHistogram("unknown_hist", 1, lbls)

	assert.InDelta(t, 3, testutil.ToFloat64(b.counters[metrics.StageTotal].WithLabelValues("sales", "sink", "succeeded")), 1e-9)
	assert.Equal(t, 1, testutil.CollectAndCount(b.stageTime))
}

func TestFlushPushesToGateway(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		buf := new(strings.Builder)
		_, _ = io.Copy(buf, r.Body)
		gotBody = buf.String()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b, err := NewBackend("sales", srv.URL)
	require.NoError(t, err)
	b.IncCounter(metrics.RunTotal, 1, metrics.Labels{"pipeline": "sales", "provider": "gcp", "status": "succeeded"})
	require.NoError(t, b.Flush())
	assert.Equal(t, "/metrics/job/sales", gotPath)
	assert.NotEmpty(t, gotBody)
}
