// Package planner implements the Planner and Aggregator collaborators
// spec.md §4.8 treats as external (the LLM planner is explicitly out of
// scope): an HTTP-backed LLMProvider produces the subtask decomposition
// and the final write-up. Grounded on libs/llm's GroqClient/DecomposeTask
// (the OpenAI-compatible chat-completions shape, JSON-fenced response
// parsing), generalized from zerostate's WASM-agent plan shape to this
// spec's capability-typed subtask plan.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marketflow/coordinator/internal/capability"
	"github.com/marketflow/coordinator/internal/task"
)

// LLMProvider is the narrow seam both Planner and Aggregator call
// through; any OpenAI-compatible chat endpoint can implement it.
type LLMProvider interface {
	ExecuteWithSystem(ctx context.Context, prompt, systemInstruction string) (string, error)
}

// GroqProvider implements LLMProvider against Groq's OpenAI-compatible
// chat-completions endpoint.
type GroqProvider struct {
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewGroqProvider builds a GroqProvider. apiKey falls back to the
// GROQ_API_KEY environment variable; model falls back to a fast default.
func NewGroqProvider(apiKey, model string, logger *zap.Logger) *GroqProvider {
	if apiKey == "" {
		apiKey = os.Getenv("GROQ_API_KEY")
	}
	if model == "" {
		model = "meta-llama/llama-4-scout-17b-16e-instruct"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GroqProvider{
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}
}

type groqMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type groqRequest struct {
	Model       string        `json:"model"`
	Messages    []groqMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type groqResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// ExecuteWithSystem sends a prompt with a system instruction to Groq.
func (g *GroqProvider) ExecuteWithSystem(ctx context.Context, prompt, systemInstruction string) (string, error) {
	var messages []groqMessage
	if systemInstruction != "" {
		messages = append(messages, groqMessage{Role: "system", Content: systemInstruction})
	}
	messages = append(messages, groqMessage{Role: "user", Content: prompt})

	reqBody, err := json.Marshal(groqRequest{Model: g.model, Messages: messages, Temperature: 0.2, MaxTokens: 2048})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.groq.com/openai/v1/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("planner: groq request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("planner: groq returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed groqResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("planner: failed to parse groq response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("planner: groq returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// cleanJSONResponse strips a ```json ... ``` or ``` ... ``` fence, since
// chat models routinely wrap structured output in markdown.
func cleanJSONResponse(response string) string {
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	return strings.TrimSpace(response)
}

// planStep is the wire shape the system prompt asks the model for.
type planStep struct {
	Capability string `json:"capability"`
	Subtask    string `json:"subtask"`
	Reason     string `json:"reason"`
	Optional   bool   `json:"optional"`
}

type planResponse struct {
	Plan []planStep `json:"plan"`
}

const decomposeSystemInstruction = `You are the task decomposition planner for an autonomous agent marketplace coordinator.

Break the user's task into an ordered sequence of subtasks, each tagged with exactly one capability from this closed set:
orchestration, research, market_data, analysis, writing, summarization, token_safety_analysis, onchain_analysis, dex_aggregation, portfolio_analysis, yield_optimization, cross_chain_bridging, liquidation_protection, dao_governance, on_chain_monitoring, autonomous_execution.

Return ONLY a JSON object of this exact shape, no markdown fences, no explanation:
{"plan": [{"capability": "research", "subtask": "...", "reason": "...", "optional": false}]}

Rules:
1. Order subtasks so later ones may depend on earlier outputs.
2. Mark a step "optional": true only if the task can still be usefully completed without it.
3. Keep the plan to at most 8 steps.
4. The final step should usually be "writing" or "summarization" to produce the user-facing result.`

// Planner implements task.Planner and quote.Service's task.Planner
// dependency by asking an LLMProvider to decompose the task.
type Planner struct {
	provider LLMProvider
	logger   *zap.Logger
}

// NewPlanner builds a Planner over provider.
func NewPlanner(provider LLMProvider, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{provider: provider, logger: logger}
}

// Plan implements task.Planner.
func (p *Planner) Plan(ctx context.Context, taskText string) ([]task.PlannedSubtask, error) {
	prompt := fmt.Sprintf("User task:\n%s\n\nDecompose this into a capability-tagged subtask plan.", taskText)

	raw, err := p.provider.ExecuteWithSystem(ctx, prompt, decomposeSystemInstruction)
	if err != nil {
		return nil, fmt.Errorf("planner: decomposition failed: %w", err)
	}

	var parsed planResponse
	if err := json.Unmarshal([]byte(cleanJSONResponse(raw)), &parsed); err != nil {
		p.logger.Warn("planner: failed to parse plan JSON", zap.Error(err), zap.String("response", raw))
		return nil, fmt.Errorf("planner: failed to parse plan: %w", err)
	}

	out := make([]task.PlannedSubtask, 0, len(parsed.Plan))
	for _, step := range parsed.Plan {
		if _, ok := capability.Normalize(step.Capability); !ok {
			continue
		}
		out = append(out, task.PlannedSubtask{
			Capability: step.Capability,
			Subtask:    step.Subtask,
			Reason:     step.Reason,
			Optional:   step.Optional,
		})
	}
	return out, nil
}

// Aggregator implements task.Aggregator by asking an LLMProvider to
// synthesize a final answer from every subtask's output.
type Aggregator struct {
	provider LLMProvider
	logger   *zap.Logger
}

// NewAggregator builds an Aggregator over provider.
func NewAggregator(provider LLMProvider, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{provider: provider, logger: logger}
}

const aggregateSystemInstruction = `You are the final writer for an autonomous agent marketplace coordinator. Synthesize the subtask outputs below into a single coherent answer to the user's original task. Do not mention agents, capabilities, or internal process; write only the final answer.`

// Aggregate implements task.Aggregator.
func (a *Aggregator) Aggregate(ctx context.Context, taskText string, outcomes []task.SubtaskOutcome) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Original task:\n%s\n\nSubtask outputs:\n", taskText)
	for _, o := range outcomes {
		if o.Skipped {
			continue
		}
		fmt.Fprintf(&b, "- [%s] %s\n", o.Capability, o.Output)
	}

	result, err := a.provider.ExecuteWithSystem(ctx, b.String(), aggregateSystemInstruction)
	if err != nil {
		return "", fmt.Errorf("planner: aggregation failed: %w", err)
	}
	return strings.TrimSpace(result), nil
}
