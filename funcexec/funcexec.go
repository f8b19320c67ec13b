// Package funcexec invokes the external function-execution service. The
// service runs user code in its own sandbox; this client only moves JSON
// in and out and never sees what happens inside a run.
package funcexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ErrExecFailed reports a function that ran to completion and failed.
// Transport and protocol problems wrap their own errors instead.
var ErrExecFailed = errors.New("funcexec: function execution failed")

// DefaultTimeout bounds one function run end to end.
const DefaultTimeout = 60 * time.Second

// Runner executes one function with JSON arguments and returns its output.
type Runner interface {
	Invoke(ctx context.Context, code string, args json.RawMessage) (json.RawMessage, error)
}

// executeRequest is the wire form posted to the execution service.
type executeRequest struct {
	ExecutionID string          `json:"executionId"`
	Handler     string          `json:"handler"`
	Code        string          `json:"code"`
	Args        json.RawMessage `json:"args,omitempty"`
}

// executeResponse is the wire form returned by the execution service.
type executeResponse struct {
	Status  string          `json:"status"`
	Output  json.RawMessage `json:"output,omitempty"`
	Message string          `json:"message,omitempty"`
}

const statusSuccess = "success"

// HTTPRunner posts execution requests to the configured endpoint.
type HTTPRunner struct {
	Endpoint string
	Handler  string
	Client   *http.Client
}

// NewHTTPRunner creates a runner against an execution service endpoint.
func NewHTTPRunner(endpoint string) *HTTPRunner {
	return &HTTPRunner{
		Endpoint: endpoint,
		Handler:  "main",
		Client: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// Invoke runs code with args on the execution service. Each run carries a
// fresh execution id so service-side logs correlate with ours.
func (r *HTTPRunner) Invoke(ctx context.Context, code string, args json.RawMessage) (json.RawMessage, error) {
	body, err := json.Marshal(executeRequest{
		ExecutionID: uuid.NewString(),
		Handler:     r.Handler,
		Code:        code,
		Args:        args,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("execution service: %d %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var result executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if result.Status != statusSuccess {
		if result.Message == "" {
			return nil, ErrExecFailed
		}
		return nil, fmt.Errorf("%w: %s", ErrExecFailed, result.Message)
	}
	return result.Output, nil
}
