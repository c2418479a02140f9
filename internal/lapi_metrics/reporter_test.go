package lapi_metrics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/developingchet/trafficguard/internal/capabilities"
	"github.com/rs/zerolog"
)

func newTestReporter(t *testing.T, srv *httptest.Server, interval time.Duration) *Reporter {
	t.Helper()
	return NewReporter(srv.URL, "test-key", "1.2.3", interval, zerolog.Nop())
}

type componentCapture struct {
	Type     string                 `json:"type"`
	Version  string                 `json:"version"`
	Os       map[string]interface{} `json:"os"`
	Features []string               `json:"features"`
	Meta     map[string]interface{} `json:"meta"`
	Metrics  []metricSnapshot       `json:"metrics"`
}

type metricSnapshot struct {
	Name   string            `json:"name"`
	Value  int64             `json:"value"`
	Unit   string            `json:"unit"`
	Labels map[string]string `json:"labels,omitempty"`
}

// lapiStub records every usage-metrics POST.
type lapiStub struct {
	mu         sync.Mutex
	components []componentCapture
	headers    []http.Header
	status     int
}

func (s *lapiStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/v1/usage-metrics" {
		http.Error(w, "unexpected request", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	var envelope struct {
		RemediationComponents []componentCapture `json:"remediation_components"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		http.Error(w, "unmarshal error", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.components = append(s.components, envelope.RemediationComponents...)
	s.headers = append(s.headers, r.Header.Clone())
	status := s.status
	s.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte("{}"))
}

func (s *lapiStub) pushes() []componentCapture {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]componentCapture, len(s.components))
	copy(out, s.components)
	return out
}

func (s *lapiStub) last(t *testing.T) componentCapture {
	t.Helper()
	p := s.pushes()
	if len(p) == 0 {
		t.Fatal("no payload received")
	}
	return p[len(p)-1]
}

func counts(c componentCapture) (blocked map[string]int64, processed int64) {
	blocked = map[string]int64{}
	for _, m := range c.Metrics {
		switch m.Name {
		case "blocked":
			blocked[m.Labels["origin"]+"/"+m.Labels["remediation_type"]] = m.Value
		case "processed":
			processed = m.Value
		}
	}
	return blocked, processed
}

func TestNewReporterIntervalClamping(t *testing.T) {
	tests := []struct {
		input, want time.Duration
	}{
		{5 * time.Minute, 10 * time.Minute},
		{10 * time.Minute, 10 * time.Minute},
		{30 * time.Minute, 30 * time.Minute},
		{0, 0},
	}
	for _, tt := range tests {
		r := NewReporter("http://localhost", "key", "1.0.0", tt.input, zerolog.Nop())
		if r.interval != tt.want {
			t.Errorf("interval %s: got %s, want %s", tt.input, r.interval, tt.want)
		}
	}
}

func TestRecordedCountsArePushed(t *testing.T) {
	stub := &lapiStub{}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	r := newTestReporter(t, srv, 10*time.Minute)
	r.RecordBlocked("crowdsec", "ban")
	r.RecordBlocked("crowdsec", "ban")
	r.RecordBlocked("trafficguard", "ratelimit")
	r.RecordProcessed()
	r.RecordProcessed()

	if err := r.push(context.Background()); err != nil {
		t.Fatalf("push: %v", err)
	}
	blocked, processed := counts(stub.last(t))
	if blocked["crowdsec/ban"] != 2 {
		t.Errorf("crowdsec/ban = %d, want 2", blocked["crowdsec/ban"])
	}
	if blocked["trafficguard/ratelimit"] != 1 {
		t.Errorf("trafficguard/ratelimit = %d, want 1", blocked["trafficguard/ratelimit"])
	}
	if processed != 5 {
		t.Errorf("processed = %d, want 5", processed)
	}
}

func TestAllowedOnlyTouchesProcessed(t *testing.T) {
	stub := &lapiStub{}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	r := newTestReporter(t, srv, 10*time.Minute)
	r.RecordProcessed()
	if err := r.push(context.Background()); err != nil {
		t.Fatalf("push: %v", err)
	}
	blocked, processed := counts(stub.last(t))
	if len(blocked) != 0 {
		t.Errorf("unexpected blocked entries: %v", blocked)
	}
	if processed != 1 {
		t.Errorf("processed = %d, want 1", processed)
	}
}

func TestCountersResetAfterPush(t *testing.T) {
	stub := &lapiStub{}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	r := newTestReporter(t, srv, 10*time.Minute)
	r.RecordBlocked("ddos", "ban")
	r.RecordBlocked("ddos", "ban")
	if err := r.push(context.Background()); err != nil {
		t.Fatal(err)
	}
	r.RecordBlocked("ddos", "ban")
	if err := r.push(context.Background()); err != nil {
		t.Fatal(err)
	}

	blocked, processed := counts(stub.last(t))
	if blocked["ddos/ban"] != 1 || processed != 1 {
		t.Errorf("second push not reset: blocked=%v processed=%d", blocked, processed)
	}
}

func TestPayloadStructure(t *testing.T) {
	stub := &lapiStub{}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	r := newTestReporter(t, srv, 10*time.Minute)
	r.RecordBlocked("crowdsec", "ban")
	if err := r.push(context.Background()); err != nil {
		t.Fatal(err)
	}
	c := stub.last(t)

	if c.Type != capabilities.BouncerType {
		t.Errorf("type = %q, want %q", c.Type, capabilities.BouncerType)
	}
	if c.Version != "1.2.3" {
		t.Errorf("version = %q", c.Version)
	}
	if name, _ := c.Os["name"].(string); name == "" {
		t.Error("os.name missing")
	}
	if len(c.Features) != len(capabilities.Features) {
		t.Errorf("features = %v, want %v", c.Features, capabilities.Features)
	}
	if ws, _ := c.Meta["window_size_seconds"].(float64); int64(ws) != 600 {
		t.Errorf("window_size_seconds = %v, want 600", c.Meta["window_size_seconds"])
	}
	startup, _ := c.Meta["utc_startup_timestamp"].(float64)
	now, _ := c.Meta["utc_now_timestamp"].(float64)
	if startup <= 0 || now < startup {
		t.Errorf("bad timestamps: startup=%v now=%v", startup, now)
	}
	if last := c.Metrics[len(c.Metrics)-1]; last.Name != "processed" || last.Unit != "request" {
		t.Errorf("processed entry must close the metrics list: %+v", last)
	}
}

func TestPushHeaders(t *testing.T) {
	stub := &lapiStub{}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	if err := newTestReporter(t, srv, 10*time.Minute).push(context.Background()); err != nil {
		t.Fatal(err)
	}
	stub.mu.Lock()
	h := stub.headers[0]
	stub.mu.Unlock()
	if got := h.Get("User-Agent"); got != "trafficguard/v1.2.3" {
		t.Errorf("User-Agent = %q", got)
	}
	if got := h.Get("X-Api-Key"); got != "test-key" {
		t.Errorf("X-Api-Key = %q", got)
	}
	if got := h.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
}

func TestNon2xxIsNotAnError(t *testing.T) {
	stub := &lapiStub{status: http.StatusInternalServerError}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	r := newTestReporter(t, srv, 10*time.Minute)
	r.RecordBlocked("crowdsec", "ban")
	if err := r.push(context.Background()); err != nil {
		t.Errorf("push with 500 returned %v", err)
	}
}

func TestUnreachableLAPIReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	r := NewReporter(url, "k", "1.0.0", 10*time.Minute, zerolog.Nop())
	if err := r.push(context.Background()); err == nil {
		t.Error("expected error for closed server")
	}
}

func TestRunDisabledWhenIntervalZero(t *testing.T) {
	stub := &lapiStub{}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	r := newTestReporter(t, srv, 0)
	r.RecordBlocked("crowdsec", "ban")

	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Run did not return with interval=0")
	}
	if n := len(stub.pushes()); n != 0 {
		t.Errorf("pushes = %d, want 0", n)
	}
}

func TestRunPushesOnTickAndShutdown(t *testing.T) {
	stub := &lapiStub{}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	r := newTestReporter(t, srv, 30*time.Minute)
	r.interval = 50 * time.Millisecond
	r.RecordBlocked("crowdsec", "ban")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	p := stub.pushes()
	if len(p) < 2 {
		t.Fatalf("pushes = %d, want tick pushes plus a final one", len(p))
	}
	blocked, _ := counts(p[0])
	if blocked["crowdsec/ban"] != 1 {
		t.Errorf("first push crowdsec/ban = %d, want 1", blocked["crowdsec/ban"])
	}
}

func TestConcurrentRecording(t *testing.T) {
	stub := &lapiStub{}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	r := newTestReporter(t, srv, 10*time.Minute)
	const goroutines, calls = 50, 100
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			for j := 0; j < calls; j++ {
				if i%2 == 0 {
					r.RecordBlocked("crowdsec", "ban")
				} else {
					r.RecordProcessed()
				}
			}
		}(i)
	}
	wg.Wait()

	if err := r.push(context.Background()); err != nil {
		t.Fatal(err)
	}
	blocked, processed := counts(stub.last(t))
	if blocked["crowdsec/ban"] != goroutines/2*calls {
		t.Errorf("blocked = %d, want %d", blocked["crowdsec/ban"], goroutines/2*calls)
	}
	if processed != goroutines*calls {
		t.Errorf("processed = %d, want %d", processed, goroutines*calls)
	}
}
