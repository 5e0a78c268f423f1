package wayang_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-wayang/internal/otel"
	"github.com/basket/go-wayang/internal/plan"
	"github.com/basket/go-wayang/internal/wayang"
)

func samplePlan() *plan.ExecutionPlan {
	return &plan.ExecutionPlan{
		Context: plan.Context{Platforms: []string{"java"}},
		Operators: []*plan.Operator{
			{ID: 1, Cat: "input", Input: []int{}, Output: []int{2}, OperatorName: "textFileInput", Data: map[string]any{"filename": "file:///in/a.txt"}},
			{ID: 2, Cat: "output", Input: []int{1}, Output: []int{}, OperatorName: "textFileOutput", Data: map[string]any{"filename": "file:///out/output.txt"}},
		},
	}
}

func TestExecute_PostsPlanAndRelaysResponse(t *testing.T) {
	var got plan.ExecutionPlan
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "hello 3\nworld 1")
	}))
	defer srv.Close()

	c := wayang.NewClient(srv.URL)
	status, body, err := c.Execute(context.Background(), samplePlan())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if status != 200 || body != "hello 3\nworld 1" {
		t.Fatalf("status=%d body=%q", status, body)
	}
	if len(got.Operators) != 2 || got.Operators[0].OperatorName != "textFileInput" {
		t.Fatalf("server saw %+v", got)
	}
}

func TestExecute_ErrorStatusIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, "java.lang.NullPointerException at Operator 2")
	}))
	defer srv.Close()

	status, body, err := wayang.NewClient(srv.URL).Execute(context.Background(), samplePlan())
	if err != nil {
		t.Fatalf("status-coded failure must not be an error: %v", err)
	}
	if status != 500 || body != "java.lang.NullPointerException at Operator 2" {
		t.Fatalf("status=%d body=%q", status, body)
	}
}

func TestExecute_ConnectionRefusedIsTransportError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	_, _, err = wayang.NewClient("http://"+addr+"/wayang-api/json").Execute(context.Background(), samplePlan())
	if err == nil {
		t.Fatal("expected transport error")
	}
	var te *wayang.TransportError
	if !errors.As(err, &te) || !wayang.IsTransport(err) {
		t.Fatalf("expected *TransportError, got %T: %v", err, err)
	}
}

func TestExecute_TimeoutIsTransportError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := wayang.NewClient(srv.URL, wayang.WithTimeout(50*time.Millisecond))
	_, _, err := c.Execute(context.Background(), samplePlan())
	if !wayang.IsTransport(err) {
		t.Fatalf("expected transport error on timeout, got %v", err)
	}
}

func TestExecute_BadURLIsTransportError(t *testing.T) {
	_, _, err := wayang.NewClient("://not a url").Execute(context.Background(), samplePlan())
	if !wayang.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestExecute_NilPlan(t *testing.T) {
	_, _, err := wayang.NewClient("http://127.0.0.1:1").Execute(context.Background(), nil)
	if err == nil || wayang.IsTransport(err) {
		t.Fatalf("expected plain error for nil plan, got %v", err)
	}
}

func TestExecute_WithTelemetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	p := otel.Noop()
	m, err := otel.NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	c := wayang.NewClient(srv.URL, wayang.WithTelemetry(p.Tracer, m), wayang.WithHTTPClient(srv.Client()))
	if status, body, err := c.Execute(context.Background(), samplePlan()); err != nil || status != 200 || body != "ok" {
		t.Fatalf("status=%d body=%q err=%v", status, body, err)
	}
}

func TestExecute_ReturnsLargeBodyWhole(t *testing.T) {
	payload := strings.Repeat("x", 9<<20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, payload)
	}))
	defer srv.Close()

	status, body, err := wayang.NewClient(srv.URL).Execute(context.Background(), samplePlan())
	if err != nil || status != 200 {
		t.Fatalf("status=%d err=%v", status, err)
	}
	if len(body) != len(payload) {
		t.Fatalf("body length = %d, want %d", len(body), len(payload))
	}
}

func TestExecute_MaxBodyBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "0123456789")
	}))
	defer srv.Close()

	_, _, err := wayang.NewClient(srv.URL, wayang.WithMaxBodyBytes(4)).Execute(context.Background(), samplePlan())
	if !errors.Is(err, wayang.ErrBodyTooLarge) || !wayang.IsTransport(err) {
		t.Fatalf("expected ErrBodyTooLarge transport error, got %v", err)
	}

	_, body, err := wayang.NewClient(srv.URL, wayang.WithMaxBodyBytes(10)).Execute(context.Background(), samplePlan())
	if err != nil || body != "0123456789" {
		t.Fatalf("body at the limit: body=%q err=%v", body, err)
	}
}

func TestWithHTTPClient_DoesNotMutateCaller(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	hc := srv.Client()
	transport := hc.Transport
	c := wayang.NewClient(srv.URL, wayang.WithHTTPClient(hc), wayang.WithTimeout(time.Second))
	if hc.Timeout != 0 {
		t.Fatalf("caller client timeout changed to %v", hc.Timeout)
	}
	if hc.Transport != transport {
		t.Fatal("caller client transport replaced")
	}
	if _, body, err := c.Execute(context.Background(), samplePlan()); err != nil || body != "ok" {
		t.Fatalf("body=%q err=%v", body, err)
	}
}
