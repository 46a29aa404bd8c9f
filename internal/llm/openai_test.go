package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/macaulishchina/AI-Studio/internal/llm"
)

// sseServer serves a canned chat-completions stream and records the
// request body it received.
func sseServer(t *testing.T, chunks []string) (*httptest.Server, *map[string]any) {
	t.Helper()
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured); err != nil {
			t.Errorf("undecodable request body: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func TestOpenAICompat_StreamsContentAndUsage(t *testing.T) {
	srv, captured := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"Hello"}}]}`,
		`{"choices":[{"delta":{"content":" world"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":4,"total_tokens":16}}`,
	})
	client := llm.NewOpenAICompat("openai", srv.URL, "sk-test", time.Minute)

	var kinds []string
	var text string
	turn, err := client.StreamTurn(context.Background(), llm.Request{
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	}, func(ev llm.Event) error {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == llm.EventContent {
			text += ev.Text
		}
		return nil
	})
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}
	if turn.Content != "Hello world" || text != "Hello world" {
		t.Errorf("content = %q (streamed %q), want %q", turn.Content, text, "Hello world")
	}
	if turn.FinishReason != "stop" {
		t.Errorf("finish reason = %q, want stop", turn.FinishReason)
	}
	if turn.Usage.TotalTokens != 16 {
		t.Errorf("total tokens = %d, want 16", turn.Usage.TotalTokens)
	}
	last := kinds[len(kinds)-1]
	if last != llm.EventFinish {
		t.Errorf("last event = %q, want finish", last)
	}
	if (*captured)["stream"] != true {
		t.Error("request should ask for a streamed response")
	}
}

func TestOpenAICompat_AccumulatesToolCallDeltas(t *testing.T) {
	srv, _ := sseServer(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"read_file","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"path\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"main.go\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	})
	client := llm.NewOpenAICompat("openai", srv.URL, "sk-test", time.Minute)

	turn, err := client.StreamTurn(context.Background(), llm.Request{
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: "user", Content: "read it"}},
		Tools:    []llm.ToolSchema{{Name: "read_file"}},
	}, func(llm.Event) error { return nil })
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}
	if len(turn.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(turn.ToolCalls))
	}
	tc := turn.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "read_file" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Arguments != `{"path":"main.go"}` {
		t.Errorf("arguments = %q, deltas not joined", tc.Arguments)
	}
	if turn.FinishReason != "tool_calls" {
		t.Errorf("finish reason = %q, want tool_calls", turn.FinishReason)
	}
}

func TestOpenAICompat_ReasoningModelRequestShape(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"answer"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`)
	}))
	t.Cleanup(srv.Close)
	client := llm.NewOpenAICompat("openai", srv.URL, "sk-test", time.Minute)

	turn, err := client.StreamTurn(context.Background(), llm.Request{
		Model: "o3-mini",
		Messages: []llm.Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hi"},
		},
		Tools:     []llm.ToolSchema{{Name: "read_file"}},
		MaxTokens: 4096,
	}, func(llm.Event) error { return nil })
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}
	if turn.Content != "answer" {
		t.Errorf("content = %q", turn.Content)
	}

	if _, ok := captured["stream"]; ok {
		t.Error("reasoning models must not stream")
	}
	if _, ok := captured["tools"]; ok {
		t.Error("reasoning models must not receive tool schemas")
	}
	if _, ok := captured["max_tokens"]; ok {
		t.Error("reasoning models use max_completion_tokens, not max_tokens")
	}
	if captured["max_completion_tokens"] != float64(4096) {
		t.Errorf("max_completion_tokens = %v, want 4096", captured["max_completion_tokens"])
	}
	msgs := captured["messages"].([]any)
	first := msgs[0].(map[string]any)
	if first["role"] != "user" {
		t.Errorf("first role = %v, system role must be folded away", first["role"])
	}
	if content, _ := first["content"].(string); content != "[System Instructions]\nbe terse" {
		t.Errorf("folded system prompt = %q", content)
	}
}

func TestOpenAICompat_ErrorStatusClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid api key"}}`, http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)
	client := llm.NewOpenAICompat("openai", srv.URL, "bad-key", time.Minute)

	_, err := client.StreamTurn(context.Background(), llm.Request{
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	}, func(llm.Event) error { return nil })
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *llm.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("err = %v, want APIError with status 401", err)
	}
	if llm.Classify(err) != llm.ErrorClassAuth {
		t.Errorf("class = %q, want auth", llm.Classify(err))
	}
}

func TestOpenAICompat_OnEventErrorAborts(t *testing.T) {
	srv, _ := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"one"}}]}`,
		`{"choices":[{"delta":{"content":"two"}}]}`,
	})
	client := llm.NewOpenAICompat("openai", srv.URL, "sk-test", time.Minute)

	sentinel := errors.New("consumer gone")
	calls := 0
	_, err := client.StreamTurn(context.Background(), llm.Request{
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	}, func(llm.Event) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want the callback error", err)
	}
	if calls != 1 {
		t.Errorf("callback ran %d times after failing", calls)
	}
}
