package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsAreRegisteredAndExposed(t *testing.T) {
	EventsProcessed.WithLabelValues("ac_dfa").Inc()
	SequenceAlerts.WithLabelValues("r1", "alert").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "kestrel_engine_events_processed_total")
	assert.Contains(t, body, "kestrel_engine_sequence_alerts_total")
}
