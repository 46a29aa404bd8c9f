package llm

import (
	"context"
	"sync"
)

// ScriptedTurn is one canned model response for tests.
type ScriptedTurn struct {
	Content   string
	Thinking  string
	ToolCalls []ToolCall
	Usage     Usage
	Err       error
}

// Mock replays scripted turns in order. Once the script is exhausted it
// returns a plain "done" turn so loops terminate.
type Mock struct {
	mu    sync.Mutex
	turns []ScriptedTurn
	calls []Request
}

func NewMock(turns ...ScriptedTurn) *Mock {
	return &Mock{turns: turns}
}

// Calls returns every request the mock has seen.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *Mock) StreamTurn(ctx context.Context, req Request, onEvent func(Event) error) (*Turn, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	var script ScriptedTurn
	if len(m.turns) > 0 {
		script = m.turns[0]
		m.turns = m.turns[1:]
	} else {
		script = ScriptedTurn{Content: "done"}
	}
	m.mu.Unlock()

	if script.Err != nil {
		return nil, script.Err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if script.Thinking != "" {
		if err := onEvent(Event{Kind: EventThinking, Text: script.Thinking}); err != nil {
			return nil, err
		}
	}
	if script.Content != "" {
		if err := onEvent(Event{Kind: EventContent, Text: script.Content}); err != nil {
			return nil, err
		}
	}
	for i, tc := range script.ToolCalls {
		ev := Event{
			Kind:      EventToolCallDelta,
			ToolIndex: i,
			ToolID:    tc.ID,
			ToolName:  tc.Name,
			ArgsDelta: tc.Arguments,
		}
		if err := onEvent(ev); err != nil {
			return nil, err
		}
	}
	finish := "stop"
	if len(script.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	usage := script.Usage
	if usage.TotalTokens > 0 {
		if err := onEvent(Event{Kind: EventUsage, Usage: &usage}); err != nil {
			return nil, err
		}
	}
	if err := onEvent(Event{Kind: EventFinish, FinishReason: finish}); err != nil {
		return nil, err
	}
	return &Turn{
		Content:      script.Content,
		Thinking:     script.Thinking,
		ToolCalls:    script.ToolCalls,
		Usage:        usage,
		FinishReason: finish,
	}, nil
}
