package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector(t *testing.T) {
	c := New()

	c.ObserveRequest("/predict", http.MethodPost, http.StatusOK, 20*time.Millisecond)
	c.ObserveStage("predict", 15*time.Millisecond, nil)
	c.ObserveStage("decode", time.Millisecond, errors.New("bad image"))
	c.ObserveClass("Healthy")
	c.ObserveClass("Healthy")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.requestCount.WithLabelValues("/predict", "POST", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stageErrors.WithLabelValues("decode")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.stageErrors.WithLabelValues("predict")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.predictions.WithLabelValues("Healthy")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New()
	c.ObserveClass("Late Blight")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `predictions_total{class="Late Blight"} 1`)
}
