package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// reasoningModelPrefixes identify models that reject system-role
// messages and tool schemas and name their token cap differently. Their
// quirks are absorbed entirely inside this backend.
var reasoningModelPrefixes = []string{"o1", "o3", "o4"}

func isReasoningModel(model string) bool {
	name := strings.ToLower(model)
	for _, prefix := range reasoningModelPrefixes {
		if name == prefix || strings.HasPrefix(name, prefix+"-") {
			return true
		}
	}
	return false
}

// OpenAICompat speaks the OpenAI chat-completions protocol, which also
// covers GitHub Models and any third-party compatible endpoint.
type OpenAICompat struct {
	backend    string
	baseURL    string
	apiKey     string
	httpClient *http.Client

	// headerFn supplies per-request headers when set; it replaces the
	// default bearer auth (Copilot session tokens rotate per request).
	headerFn func(ctx context.Context, requestID string) (map[string]string, error)
}

// NewOpenAICompat builds a client for an OpenAI-compatible endpoint.
// backend names the endpoint in logs and errors ("openai", "deepseek").
func NewOpenAICompat(backend, baseURL, apiKey string, timeout time.Duration) *OpenAICompat {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &OpenAICompat{
		backend:    backend,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *OpenAICompat) StreamTurn(ctx context.Context, req Request, onEvent func(Event) error) (*Turn, error) {
	if isReasoningModel(req.Model) {
		return c.completeReasoning(ctx, req, onEvent)
	}
	return c.streamChat(ctx, req, onEvent)
}

// buildMessages converts to wire format. Reasoning models get the
// system prompt folded into a leading user message.
func buildMessages(msgs []Message, reasoning bool) []map[string]any {
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == "system" && reasoning {
			out = append(out, map[string]any{
				"role":    "user",
				"content": "[System Instructions]\n" + m.Content,
			})
			continue
		}
		entry := map[string]any{"role": m.Role}
		switch {
		case m.Role == "tool":
			entry["tool_call_id"] = m.ToolCallID
			entry["content"] = m.Content
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			if m.Content != "" {
				entry["content"] = m.Content
			} else {
				entry["content"] = nil
			}
			calls := make([]map[string]any, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": tc.Arguments,
					},
				})
			}
			entry["tool_calls"] = calls
		default:
			entry["content"] = m.Content
		}
		out = append(out, entry)
	}
	return out
}

func buildToolSchemas(tools []ToolSchema) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return out
}

func (c *OpenAICompat) post(ctx context.Context, requestID string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.headerFn != nil {
		headers, err := c.headerFn(ctx, requestID)
		if err != nil {
			return nil, err
		}
		for k, v := range headers {
			httpReq.Header.Set(k, v)
		}
	} else if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return c.httpClient.Do(httpReq)
}

func (c *OpenAICompat) streamChat(ctx context.Context, req Request, onEvent func(Event) error) (*Turn, error) {
	payload := map[string]any{
		"model":          req.Model,
		"messages":       buildMessages(req.Messages, false),
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if len(req.Tools) > 0 {
		payload["tools"] = buildToolSchemas(req.Tools)
		choice := req.ToolChoice
		if choice == "" {
			choice = "auto"
		}
		payload["tool_choice"] = choice
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.post(ctx, req.RequestID, body)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", c.backend, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, &APIError{Backend: c.backend, Status: resp.StatusCode, Body: string(errBody)}
	}

	return c.consumeSSE(resp.Body, onEvent)
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			Thinking         string `json:"thinking"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

type toolAccumulator struct {
	id   string
	name string
	args strings.Builder
}

func (c *OpenAICompat) consumeSSE(body io.Reader, onEvent func(Event) error) (*Turn, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	var content, thinking strings.Builder
	accs := map[int]*toolAccumulator{}
	var order []int
	var usage Usage
	finishReason := ""

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			slog.Debug("skipping undecodable stream chunk", "backend", c.backend, "error", err)
			continue
		}

		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finishReason = *choice.FinishReason
		}

		text := choice.Delta.ReasoningContent
		if text == "" {
			text = choice.Delta.Thinking
		}
		if text != "" {
			thinking.WriteString(text)
			if err := onEvent(Event{Kind: EventThinking, Text: text}); err != nil {
				return nil, err
			}
		}

		if text := choice.Delta.Content; text != "" {
			content.WriteString(text)
			if err := onEvent(Event{Kind: EventContent, Text: text}); err != nil {
				return nil, err
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			acc, ok := accs[tc.Index]
			if !ok {
				acc = &toolAccumulator{}
				accs[tc.Index] = acc
				order = append(order, tc.Index)
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				acc.args.WriteString(tc.Function.Arguments)
			}
			if err := onEvent(Event{
				Kind:      EventToolCallDelta,
				ToolIndex: tc.Index,
				ToolID:    tc.ID,
				ToolName:  tc.Function.Name,
				ArgsDelta: tc.Function.Arguments,
			}); err != nil {
				return nil, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s stream: %w", c.backend, err)
	}

	turn := &Turn{
		Content:      content.String(),
		Thinking:     thinking.String(),
		Usage:        usage,
		FinishReason: finishReason,
	}
	for _, idx := range order {
		acc := accs[idx]
		args := acc.args.String()
		if args == "" {
			args = "{}"
		}
		turn.ToolCalls = append(turn.ToolCalls, ToolCall{ID: acc.id, Name: acc.name, Arguments: args})
	}
	if turn.FinishReason == "" {
		if len(turn.ToolCalls) > 0 {
			turn.FinishReason = "tool_calls"
		} else {
			turn.FinishReason = "stop"
		}
	}

	if usage.TotalTokens > 0 {
		if err := onEvent(Event{Kind: EventUsage, Usage: &usage}); err != nil {
			return nil, err
		}
	}
	if err := onEvent(Event{Kind: EventFinish, FinishReason: turn.FinishReason}); err != nil {
		return nil, err
	}
	return turn, nil
}

// completeReasoning handles reasoning models: one non-streamed call
// with no tools and max_completion_tokens, synthesized into the shared
// event sequence.
func (c *OpenAICompat) completeReasoning(ctx context.Context, req Request, onEvent func(Event) error) (*Turn, error) {
	if len(req.Tools) > 0 {
		slog.Info("reasoning model ignores tool schemas", "model", req.Model)
	}
	payload := map[string]any{
		"model":    req.Model,
		"messages": buildMessages(req.Messages, true),
	}
	if req.MaxTokens > 0 {
		payload["max_completion_tokens"] = req.MaxTokens
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.post(ctx, req.RequestID, body)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", c.backend, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", c.backend, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Backend: c.backend, Status: resp.StatusCode, Body: string(respBody)}
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content          string `json:"content"`
				ReasoningContent string `json:"reasoning_content"`
				Thinking         string `json:"thinking"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage Usage `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", c.backend, err)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", c.backend)
	}
	choice := decoded.Choices[0]

	thinking := choice.Message.ReasoningContent
	if thinking == "" {
		thinking = choice.Message.Thinking
	}
	if thinking != "" {
		if err := onEvent(Event{Kind: EventThinking, Text: thinking}); err != nil {
			return nil, err
		}
	}
	if choice.Message.Content != "" {
		if err := onEvent(Event{Kind: EventContent, Text: choice.Message.Content}); err != nil {
			return nil, err
		}
	}
	if decoded.Usage.TotalTokens > 0 {
		if err := onEvent(Event{Kind: EventUsage, Usage: &decoded.Usage}); err != nil {
			return nil, err
		}
	}
	finish := choice.FinishReason
	if finish == "" {
		finish = "stop"
	}
	if err := onEvent(Event{Kind: EventFinish, FinishReason: finish}); err != nil {
		return nil, err
	}

	return &Turn{
		Content:      choice.Message.Content,
		Thinking:     thinking,
		Usage:        decoded.Usage,
		FinishReason: finish,
	}, nil
}
