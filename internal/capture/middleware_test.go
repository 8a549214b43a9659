package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/xela07ax/apitrail/internal/delivery"
	"github.com/xela07ax/apitrail/internal/domain"
	"github.com/xela07ax/apitrail/internal/pipeline"
)

type recordingEnqueuer struct {
	mu      sync.Mutex
	records []domain.Record
}

func (e *recordingEnqueuer) Enqueue(rec domain.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append(e.records, rec)
}

func (e *recordingEnqueuer) only(t *testing.T) domain.Record {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.records) != 1 {
		t.Fatalf("captured %d records, want 1", len(e.records))
	}
	return e.records[0]
}

type panickingEnqueuer struct{}

func (panickingEnqueuer) Enqueue(domain.Record) { panic("queue exploded") }

func fixedClock() func() time.Time {
	t0 := time.UnixMilli(1700000000000)
	calls := 0
	return func() time.Time {
		calls++
		if calls == 1 {
			return t0
		}
		return t0.Add(1500 * time.Microsecond)
	}
}

func TestMiddleware_CapturesRequest(t *testing.T) {
	sink := &recordingEnqueuer{}

	r := chi.NewRouter()
	r.Use(Middleware("orders", sink, withClock(fixedClock()), WithRedactedHeaders("authorization")))

	var seenBody string
	r.Post("/users/{userID}/orders/{orderID}", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seenBody = string(b)
		w.WriteHeader(http.StatusCreated)
	})

	req := httptest.NewRequest(http.MethodPost, "/users/42/orders/7?b=2&a=x%20y&b=3", strings.NewReader(`{"qty": 3}`))
	req.RemoteAddr = "192.0.2.10:51234"
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "tester/1.0")
	req.Header.Set("Authorization", "Bearer top-secret")
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	if seenBody != `{"qty": 3}` {
		t.Fatalf("handler saw body %q", seenBody)
	}

	got := sink.only(t)
	if got.ServiceName != "orders" || got.Method != http.MethodPost || got.StatusCode != http.StatusCreated {
		t.Errorf("unexpected basics: %+v", got)
	}
	if got.URL != "/users/42/orders/7?b=2&a=x%20y&b=3" {
		t.Errorf("url %q", got.URL)
	}
	if got.Timestamp != 1700000000000 {
		t.Errorf("timestamp %d", got.Timestamp)
	}
	if got.Duration != 1.5 {
		t.Errorf("duration %v, want 1.5", got.Duration)
	}
	if got.IP != "192.0.2.10" {
		t.Errorf("ip %q", got.IP)
	}
	if got.UserAgent != "tester/1.0" {
		t.Errorf("user agent %q", got.UserAgent)
	}

	q, _ := json.Marshal(got.Query)
	if string(q) != `{"b":"2","a":"x y"}` {
		t.Errorf("query %s", q)
	}
	p, _ := json.Marshal(got.Params)
	if string(p) != `{"userID":"42","orderID":"7"}` {
		t.Errorf("params %s", p)
	}
	if v, _ := got.Headers.Get("Authorization"); v != redactedValue {
		t.Errorf("authorization header not redacted: %q", v)
	}
	if got.Body.Kind() != domain.BodyJSON || string(got.Body.JSON()) != `{"qty": 3}` {
		t.Errorf("body %+v", got.Body)
	}
}

func TestMiddleware_DefaultStatusAndNoBody(t *testing.T) {
	sink := &recordingEnqueuer{}
	h := Middleware("svc", sink)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ping", nil))

	got := sink.only(t)
	if got.StatusCode != http.StatusOK {
		t.Errorf("status %d, want 200", got.StatusCode)
	}
	if got.Body.Kind() != domain.BodyAbsent {
		t.Errorf("body kind %v, want absent", got.Body.Kind())
	}
	if len(got.Params) != 0 || len(got.Query) != 0 {
		t.Errorf("unexpected params/query: %v %v", got.Params, got.Query)
	}
}

func TestMiddleware_BodyClassification(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        []byte
		maxBytes    int64
		wantKind    domain.BodyKind
		wantRaw     string
	}{
		{"invalid json falls back to raw", "application/json", []byte(`{"broken":`), 0, domain.BodyRaw, `{"broken":`},
		{"plain text is raw", "text/plain", []byte("hello"), 0, domain.BodyRaw, "hello"},
		{"vendor json", "application/vnd.api+json; charset=utf-8", []byte(`[1]`), 0, domain.BodyJSON, ""},
		{"truncated json is raw prefix", "application/json", []byte(`{"a":123456}`), 4, domain.BodyRaw, `{"a"`},
		{"binary is absent", "application/octet-stream", []byte{0xff, 0xfe, 0x00}, 0, domain.BodyAbsent, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingEnqueuer{}
			var opts []Option
			if tt.maxBytes > 0 {
				opts = append(opts, WithMaxBodyBytes(tt.maxBytes))
			}

			var handlerSaw []byte
			h := Middleware("svc", sink, opts...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handlerSaw, _ = io.ReadAll(r.Body)
			}))

			req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			h.ServeHTTP(httptest.NewRecorder(), req)

			if !bytes.Equal(handlerSaw, tt.body) {
				t.Fatalf("handler saw %q, want %q", handlerSaw, tt.body)
			}
			got := sink.only(t).Body
			if got.Kind() != tt.wantKind {
				t.Fatalf("kind %v, want %v", got.Kind(), tt.wantKind)
			}
			if tt.wantKind == domain.BodyRaw && got.Raw() != tt.wantRaw {
				t.Errorf("raw %q, want %q", got.Raw(), tt.wantRaw)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{"remote addr", "203.0.113.5:1234", nil, "203.0.113.5"},
		{"forwarded for first hop", "10.0.0.1:80", map[string]string{"X-Forwarded-For": "198.51.100.1, 10.0.0.2"}, "198.51.100.1"},
		{"real ip", "10.0.0.1:80", map[string]string{"X-Real-IP": "198.51.100.9"}, "198.51.100.9"},
		{"unparseable remote", "pipe", nil, "pipe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMiddleware_EnqueuePanicDoesNotReachClient(t *testing.T) {
	h := Middleware("svc", panickingEnqueuer{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d, want 202", rec.Code)
	}
}

func TestTracingMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		wantID  string // пусто — ожидаем сгенерированный uuid
	}{
		{"generated when absent", nil, ""},
		{"trace header adopted", map[string]string{HeaderTraceID: "given-id"}, "given-id"},
		{"request id fallback", map[string]string{"X-Request-Id": "req-42"}, "req-42"},
		{"trace header wins", map[string]string{HeaderTraceID: "t-1", "X-Request-Id": "r-1"}, "t-1"},
		{"control chars rejected", map[string]string{HeaderTraceID: "bad\tid"}, ""},
		{"too long rejected", map[string]string{HeaderTraceID: strings.Repeat("a", MaxTraceIDLen+1)}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ctxID, reqHeader string
			h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxID = TraceID(r.Context())
				reqHeader = r.Header.Get(HeaderTraceID)
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if ctxID == "" || rec.Header().Get(HeaderTraceID) != ctxID || reqHeader != ctxID {
				t.Fatalf("trace id not propagated: ctx=%q resp=%q req=%q", ctxID, rec.Header().Get(HeaderTraceID), reqHeader)
			}
			if tt.wantID != "" && ctxID != tt.wantID {
				t.Errorf("trace id %q, want %q", ctxID, tt.wantID)
			}
			if tt.wantID == "" {
				if _, err := uuid.Parse(ctxID); err != nil {
					t.Errorf("expected generated uuid, got %q", ctxID)
				}
			}
		})
	}
}

func TestTraceID_EmptyWithoutMiddleware(t *testing.T) {
	if id := TraceID(context.Background()); id != "" {
		t.Fatalf("TraceID = %q, want empty", id)
	}
}

func TestMiddleware_EndToEndDelivery(t *testing.T) {
	received := make(chan []domain.Record, 1)
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []domain.Record
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received <- batch
		w.WriteHeader(http.StatusOK)
	}))
	defer collector.Close()

	d := delivery.NewHTTPDeliverer(delivery.HTTPConfig{BaseURL: collector.URL, APIKey: "k"}, collector.Client(), nil)
	coord := pipeline.NewCoordinator(d, pipeline.Options{FlushSize: 2}, nil, nil)
	defer coord.Close(context.Background())

	app := chi.NewRouter()
	app.Use(Middleware("shop", coord))
	app.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, path := range []string{"/items/1", "/items/2"} {
		app.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	select {
	case batch := <-received:
		if len(batch) != 2 || batch[0].URL != "/items/1" || batch[1].URL != "/items/2" {
			t.Fatalf("unexpected batch: %+v", batch)
		}
		if id, _ := batch[1].Params.Get("id"); id != "2" {
			t.Errorf("route param id %q, want 2", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("collector received nothing")
	}
}
