package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveCycle(t *testing.T) {
	m := New()
	m.ObserveCycle("ok", 150*time.Millisecond, time.Unix(1_700_000_000, 0))
	m.ObserveCycle("failed", time.Second, time.Unix(1_700_000_030, 0))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Cycles.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Cycles.WithLabelValues("failed")))
	assert.Equal(t, 1_700_000_030.0, testutil.ToFloat64(m.LastCycleUnix))
}

func TestSetNodeModesAndRetries(t *testing.T) {
	m := New()
	m.SetNodeModes(map[string]int{"IDLE": 3, "HOLDING": 1})
	m.RetryHook("place_order", 1, errors.New("timeout"))
	m.RetryHook("place_order", 2, errors.New("timeout"))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.NodesByMode.WithLabelValues("IDLE")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Retries.WithLabelValues("place_order")))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.LastPrice.Set(1925.5)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "spotgrid_last_price 1925.5"))
}
