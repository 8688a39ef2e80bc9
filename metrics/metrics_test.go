package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.Event("send_message", "ok")
	m.Event("send_message", "ok")
	m.Emitted("receive_message", 3)
	m.Emitted("receive_message", 0)
	m.SetPresence(4, 2)
	m.StoreFailed()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`chatrelay_events_total{event="send_message",outcome="ok"} 2`,
		`chatrelay_emissions_total{event="receive_message"} 3`,
		`chatrelay_connections 4`,
		`chatrelay_online_users 2`,
		`chatrelay_store_errors_total 1`,
		`go_goroutines`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected %q in metrics output", want)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Event("x", "ok")
	m.Emitted("x", 1)
	m.SendFailed()
	m.StoreFailed()
	m.SetPresence(1, 1)
}
