package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeEndpoint struct {
	mu       sync.Mutex
	calls    int
	handlers []http.HandlerFunc
	bodies   []map[string]any
}

func (f *fakeEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.bodies = append(f.bodies, body)
	f.mu.Unlock()

	if i >= len(f.handlers) {
		i = len(f.handlers) - 1
	}
	f.handlers[i](w, r)
}

func chatReply(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}]}`, content)
	}
}

func status(code int, headers map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		fmt.Fprintf(w, `{"error":{"message":"status %d","type":"test"}}`, code)
	}
}

type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) Sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func newTestClient(t *testing.T, f *fakeEndpoint, sleeper *recordingSleep) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	policy := DefaultRetryPolicy()
	policy.Sleep = sleeper.Sleep
	return New(srv.URL+"/v1", "sk-secret-key", "test-model",
		WithRetryPolicy(policy),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func TestCompleteText(t *testing.T) {
	f := &fakeEndpoint{handlers: []http.HandlerFunc{chatReply("Physics")}}
	c := newTestClient(t, f, &recordingSleep{})

	got, err := c.Complete(context.Background(), "notes", "classify", Options{Temperature: 0.1, MaxTokens: 10})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "Physics" {
		t.Errorf("Complete() = %q, want Physics", got)
	}

	body := f.bodies[0]
	if body["model"] != "test-model" {
		t.Errorf("model = %v", body["model"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(msgs))
	}
	if _, ok := body["response_format"]; ok {
		t.Error("text mode should not send response_format")
	}
}

func TestCompleteJSONMode(t *testing.T) {
	f := &fakeEndpoint{handlers: []http.HandlerFunc{chatReply("```json\n{\"score\": 0.8}\n```")}}
	c := newTestClient(t, f, &recordingSleep{})

	got, err := c.Complete(context.Background(), "grade", "", Options{JSON: true})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != `{"score": 0.8}` {
		t.Errorf("Complete() = %q", got)
	}
	rf, _ := f.bodies[0]["response_format"].(map[string]any)
	if rf["type"] != "json_object" {
		t.Errorf("response_format = %v", f.bodies[0]["response_format"])
	}
	msgs, _ := f.bodies[0]["messages"].([]any)
	if len(msgs) != 1 {
		t.Errorf("empty system prompt should be omitted, got %d messages", len(msgs))
	}
}

func TestCompleteJSONRawMode(t *testing.T) {
	raw := "Here: {\"a\": [1,],}"
	f := &fakeEndpoint{handlers: []http.HandlerFunc{chatReply(raw)}}
	c := newTestClient(t, f, &recordingSleep{})

	got, err := c.Complete(context.Background(), "p", "", Options{JSON: true, Raw: true})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != raw {
		t.Errorf("raw mode should return content untouched, got %q", got)
	}
}

func TestCompleteMalformed(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		opts    Options
	}{
		{"no choices", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"id":"c1","choices":[]}`)
		}, Options{}},
		{"empty content", chatReply("   "), Options{}},
		{"no json object", chatReply("I cannot help with that."), Options{JSON: true}},
		{"invalid json", chatReply(`{"score": 0.5,}`), Options{JSON: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeEndpoint{handlers: []http.HandlerFunc{tt.handler}}
			sleeper := &recordingSleep{}
			c := newTestClient(t, f, sleeper)

			_, err := c.Complete(context.Background(), "p", "", tt.opts)
			if !errors.Is(err, ErrMalformedResponse) {
				t.Fatalf("error = %v, want ErrMalformedResponse", err)
			}
			if f.calls != 1 {
				t.Errorf("malformed responses must not be retried, got %d calls", f.calls)
			}
		})
	}
}

func TestCompleteRetryAfter(t *testing.T) {
	f := &fakeEndpoint{handlers: []http.HandlerFunc{
		status(http.StatusTooManyRequests, map[string]string{"Retry-After": "2"}),
		chatReply("ok"),
	}}
	sleeper := &recordingSleep{}
	c := newTestClient(t, f, sleeper)

	got, err := c.Complete(context.Background(), "p", "", Options{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "ok" {
		t.Errorf("Complete() = %q", got)
	}
	if f.calls != 2 {
		t.Errorf("expected success on attempt 2, got %d calls", f.calls)
	}
	if len(sleeper.delays) != 1 || sleeper.delays[0] < 2*time.Second {
		t.Errorf("expected one wait of at least 2s, got %v", sleeper.delays)
	}
}

func TestCompleteBackoffExhausted(t *testing.T) {
	f := &fakeEndpoint{handlers: []http.HandlerFunc{status(http.StatusServiceUnavailable, nil)}}
	sleeper := &recordingSleep{}
	c := newTestClient(t, f, sleeper)

	_, err := c.Complete(context.Background(), "p", "", Options{})
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want TransportError", err)
	}
	if te.Status != http.StatusServiceUnavailable {
		t.Errorf("Status = %d", te.Status)
	}
	if te.Attempts != 4 || f.calls != 4 {
		t.Errorf("expected 4 attempts, got %d (calls %d)", te.Attempts, f.calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(sleeper.delays) != len(want) {
		t.Fatalf("delays = %v, want %v", sleeper.delays, want)
	}
	for i := range want {
		if sleeper.delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, sleeper.delays[i], want[i])
		}
	}
	if strings.Contains(err.Error(), "sk-secret-key") {
		t.Error("error leaks the API key")
	}
}

func TestCompleteNonRetryableStatus(t *testing.T) {
	f := &fakeEndpoint{handlers: []http.HandlerFunc{status(http.StatusUnauthorized, nil)}}
	sleeper := &recordingSleep{}
	c := newTestClient(t, f, sleeper)
	c.policy.Retryable = func(code int) bool { return code == 0 || code == 429 || code >= 500 }

	_, err := c.Complete(context.Background(), "p", "", Options{})
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want TransportError", err)
	}
	if f.calls != 1 || len(sleeper.delays) != 0 {
		t.Errorf("non-retryable status should fail at once, calls=%d sleeps=%v", f.calls, sleeper.delays)
	}
}

func TestCompleteContextExpired(t *testing.T) {
	f := &fakeEndpoint{handlers: []http.HandlerFunc{status(http.StatusBadGateway, nil)}}
	c := newTestClient(t, f, &recordingSleep{})

	ctx, cancel := context.WithCancel(context.Background())
	c.policy.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return SleepContext(ctx, d)
	}
	_, err := c.Complete(ctx, "p", "", Options{})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
}

func TestRedact(t *testing.T) {
	c := New("", "sk-abc", "m")
	err := c.redact(errors.New("bad key sk-abc supplied"))
	if strings.Contains(err.Error(), "sk-abc") {
		t.Errorf("redact() = %q", err)
	}
	plain := errors.New("nothing secret")
	if c.redact(plain) != plain {
		t.Error("redact should return errors without the key unchanged")
	}
}

type deadlineCompleter struct {
	deadline time.Time
	ok       bool
}

func (d *deadlineCompleter) Complete(ctx context.Context, _, _ string, _ Options) (string, error) {
	d.deadline, d.ok = ctx.Deadline()
	return "ok", nil
}

func TestWithTimeout(t *testing.T) {
	inner := &deadlineCompleter{}
	start := time.Now()
	got, err := WithTimeout(inner, time.Minute).Complete(context.Background(), "p", "", Options{})
	if err != nil || got != "ok" {
		t.Fatalf("Complete = %q, %v", got, err)
	}
	if !inner.ok {
		t.Fatal("inner completer saw no deadline")
	}
	if d := inner.deadline.Sub(start); d <= 0 || d > time.Minute+time.Second {
		t.Errorf("deadline %v after start, want about one minute", d)
	}
}
