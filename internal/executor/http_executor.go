// Package executor implements the coordinator side of the "agent as
// opaque Execute(task, ctx) -> Result endpoint" contract spec.md §1 and
// §9 describe: per-capability worker internals are out of scope, so
// HTTPExecutor only needs to know how to call an endpoint and read back
// its output. Grounded on libs/llm's HTTP-client provider pattern
// (timeout, JSON request/response, context-carried cancellation),
// generalized from an LLM chat endpoint to a generic worker-agent one.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/marketflow/coordinator/internal/types"
)

// HTTPExecutor implements autonomy.Executor by POSTing the task and
// TaskContext to a fixed endpoint and reading back a JSON {"output": "..."}
// response.
type HTTPExecutor struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPExecutor builds an HTTPExecutor bound to endpoint.
func NewHTTPExecutor(endpoint string, timeout time.Duration, logger *zap.Logger) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 110 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPExecutor{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type executeRequest struct {
	Task            string            `json:"task"`
	TaskID          string            `json:"taskId"`
	Depth           uint              `json:"depth"`
	PreviousResults map[string]string `json:"previousResults"`
}

type executeResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// Execute implements autonomy.Executor.
func (h *HTTPExecutor) Execute(ctx context.Context, task string, tctx types.TaskContext) (string, error) {
	body, err := json.Marshal(executeRequest{
		Task:            task,
		TaskID:          tctx.TaskID.String(),
		Depth:           tctx.Depth,
		PreviousResults: tctx.PreviousResults,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("executor: request to %s failed: %w", h.endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("executor: %s returned status %d: %s", h.endpoint, resp.StatusCode, string(raw))
	}

	var parsed executeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("executor: failed to parse response from %s: %w", h.endpoint, err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("executor: %s reported error: %s", h.endpoint, parsed.Error)
	}
	return parsed.Output, nil
}
