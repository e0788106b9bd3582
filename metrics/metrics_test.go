package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()
	m.MessagePersisted()
	m.SendRejected("RATE_LIMITED")
	m.SendRejected("RATE_LIMITED")
	m.BotRun("ok", time.Now())
	m.Push("gone")

	if got := testutil.ToFloat64(m.Connections); got != 1 {
		t.Errorf("connections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.MessagesTotal); got != 1 {
		t.Errorf("messages = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RejectedTotal.WithLabelValues("RATE_LIMITED")); got != 2 {
		t.Errorf("rejected = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BotRunsTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("bot runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PushTotal.WithLabelValues("gone")); got != 1 {
		t.Errorf("push = %v, want 1", got)
	}
}

func TestMetrics_Nil(t *testing.T) {
	var m *Metrics
	m.ConnOpened()
	m.SendRejected("NOT_MEMBER")
	m.BotRun("failed", time.Now())
	m.StaleStreamsSwept(3)
	m.Push("sent")
}

func TestMetrics_Handler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.MessagePersisted()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "familychat_messages_total 1") {
		t.Errorf("exposition does not contain the messages counter:\n%s", b)
	}
}
