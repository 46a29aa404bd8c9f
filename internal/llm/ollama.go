package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Ollama speaks the native Ollama chat API (newline-delimited JSON).
type Ollama struct {
	baseURL    string
	httpClient *http.Client
}

func NewOllama(baseURL string, timeout time.Duration) *Ollama {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:11434"
	}
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Ollama{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type ollamaMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	ToolCalls []struct {
		Function struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		} `json:"function"`
	} `json:"tool_calls,omitempty"`
}

type ollamaChunk struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error"`
}

func (c *Ollama) StreamTurn(ctx context.Context, req Request, onEvent func(Event) error) (*Turn, error) {
	messages := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		entry := map[string]any{"role": m.Role, "content": m.Content}
		messages = append(messages, entry)
	}

	payload := map[string]any{
		"model":    req.Model,
		"messages": messages,
		"stream":   true,
	}
	options := map[string]any{}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if len(options) > 0 {
		payload["options"] = options
	}
	if len(req.Tools) > 0 {
		payload["tools"] = buildToolSchemas(req.Tools)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, &APIError{Backend: "ollama", Status: resp.StatusCode, Body: string(errBody)}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	var content strings.Builder
	turn := &Turn{}
	toolIndex := 0

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk ollamaChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return nil, fmt.Errorf("decode ollama chunk: %w", err)
		}
		if chunk.Error != "" {
			return nil, fmt.Errorf("ollama error: %s", chunk.Error)
		}

		if delta := chunk.Message.Content; delta != "" {
			content.WriteString(delta)
			if err := onEvent(Event{Kind: EventContent, Text: delta}); err != nil {
				return nil, err
			}
		}

		// Ollama delivers tool calls whole, not as argument deltas.
		for _, tc := range chunk.Message.ToolCalls {
			args := string(tc.Function.Arguments)
			if args == "" {
				args = "{}"
			}
			call := ToolCall{
				ID:        fmt.Sprintf("ollama-call-%d", toolIndex),
				Name:      tc.Function.Name,
				Arguments: args,
			}
			turn.ToolCalls = append(turn.ToolCalls, call)
			if err := onEvent(Event{
				Kind:      EventToolCallDelta,
				ToolIndex: toolIndex,
				ToolID:    call.ID,
				ToolName:  call.Name,
				ArgsDelta: call.Arguments,
			}); err != nil {
				return nil, err
			}
			toolIndex++
		}

		if chunk.Done {
			turn.Usage = Usage{
				PromptTokens:     chunk.PromptEvalCount,
				CompletionTokens: chunk.EvalCount,
				TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
			}
			turn.FinishReason = chunk.DoneReason
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ollama stream: %w", err)
	}

	turn.Content = content.String()
	// Ollama reports done_reason "stop" even when the turn requested
	// tools. Normalize so every backend signals tool use the same way.
	if len(turn.ToolCalls) > 0 {
		turn.FinishReason = "tool_calls"
	} else if turn.FinishReason == "" {
		turn.FinishReason = "stop"
	}

	if turn.Usage.TotalTokens > 0 {
		usage := turn.Usage
		if err := onEvent(Event{Kind: EventUsage, Usage: &usage}); err != nil {
			return nil, err
		}
	}
	if err := onEvent(Event{Kind: EventFinish, FinishReason: turn.FinishReason}); err != nil {
		return nil, err
	}
	return turn, nil
}
