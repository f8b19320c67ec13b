package funcexec

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestInvoke_ReturnsOutput(t *testing.T) {
	var got executeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(executeResponse{
			Status: "success",
			Output: json.RawMessage(`{"sum":3}`),
		})
	}))
	defer srv.Close()

	runner := NewHTTPRunner(srv.URL)
	out, err := runner.Invoke(context.Background(), "return a+b", json.RawMessage(`{"a":1,"b":2}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(out) != `{"sum":3}` {
		t.Fatalf("output = %s, want {\"sum\":3}", out)
	}
	if got.Code != "return a+b" || got.Handler != "main" {
		t.Fatalf("request = %+v", got)
	}
	if got.ExecutionID == "" {
		t.Fatalf("request carries no execution id")
	}
}

func TestInvoke_FunctionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(executeResponse{
			Status:  "failure",
			Message: "TypeError: a is undefined",
		})
	}))
	defer srv.Close()

	runner := NewHTTPRunner(srv.URL)
	_, err := runner.Invoke(context.Background(), "return a", nil)
	if !errors.Is(err, ErrExecFailed) {
		t.Fatalf("Invoke = %v, want ErrExecFailed", err)
	}
	if !strings.Contains(err.Error(), "TypeError") {
		t.Fatalf("error drops the service message: %v", err)
	}
}

func TestInvoke_TransportErrorIsNotExecFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	runner := NewHTTPRunner(srv.URL)
	_, err := runner.Invoke(context.Background(), "return 1", nil)
	if err == nil {
		t.Fatalf("Invoke succeeded against a broken service")
	}
	if errors.Is(err, ErrExecFailed) {
		t.Fatalf("transport error classified as function failure: %v", err)
	}
}

func TestInvoke_ContextCanceled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := NewHTTPRunner(srv.URL)
	if _, err := runner.Invoke(ctx, "return 1", nil); err == nil {
		t.Fatalf("Invoke ignored a canceled context")
	}
}
