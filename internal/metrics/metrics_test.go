package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Cannot use t.Parallel() - shared global metrics.

func TestRecordEventProcessed(t *testing.T) {
	before := testutil.ToFloat64(EventsProcessed)
	RecordEventProcessed()
	RecordEventProcessed()
	assert.Equal(t, before+2, testutil.ToFloat64(EventsProcessed))
}

func TestRecordEventFailure(t *testing.T) {
	c := EventFailures.WithLabelValues("classify")
	before := testutil.ToFloat64(c)
	RecordEventFailure("classify")
	assert.Equal(t, before+1, testutil.ToFloat64(c))
}

func TestRecordClusters(t *testing.T) {
	c := ClustersProduced.WithLabelValues("DBS")
	before := testutil.ToFloat64(c)
	RecordClusters("DBS", 7)
	RecordClusters("DBS", 0)
	RecordClusters("DBS", -3)
	assert.Equal(t, before+7, testutil.ToFloat64(c))
}

func TestObserveStageAndWorkers(t *testing.T) {
	ObserveStage("cluster2d", time.Now().Add(-time.Millisecond))
	assert.GreaterOrEqual(t, testutil.CollectAndCount(StageDuration), 1)

	SetPoolWorkers(5)
	assert.Equal(t, 5.0, testutil.ToFloat64(PoolWorkers))
	SetPoolWorkers(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(PoolWorkers))
}

func TestHandler(t *testing.T) {
	RecordEventProcessed()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "ntuple_events_processed_total"))
}
