package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := New()

	m.Decision("enter")
	m.Decision("enter")
	m.Enqueued("buy")
	m.Attempt("completed")
	m.Terminal("sell", "failed")
	m.StuckRecovered(3)
	m.ObserveTick("evaluate", time.Now())
	m.SetBotCounts(map[string]int{"active": 2})

	require.Equal(t, 2.0, testutil.ToFloat64(m.Decisions.WithLabelValues("enter")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.StuckRecoveries))
	require.Equal(t, 2.0, testutil.ToFloat64(m.BotsByStatus.WithLabelValues("active")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "ladder_orders_terminal_total"))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.Decision("none")
		m.Enqueued("buy")
		m.Attempt("failed")
		m.Terminal("buy", "completed")
		m.StuckRecovered(1)
		m.ObserveTick("work", time.Now())
		m.SetBotCounts(nil)
	})
}
