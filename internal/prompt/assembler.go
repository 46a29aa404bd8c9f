// Package prompt assembles the per-round context window: persona
// instructions, as much recent history as the budget allows, and the
// current round's tool results. Assembly is a pure function of its
// inputs; archiving dropped history is the caller's decision.
package prompt

import (
	"errors"
	"fmt"

	"github.com/macaulishchina/AI-Studio/internal/llm"
	"github.com/macaulishchina/AI-Studio/internal/tokenutil"
)

// ErrContextOverflow means the non-droppable sections alone exceed the
// budget. Persona instructions and live tool results are never cut, so
// the round cannot proceed.
var ErrContextOverflow = errors.New("context window overflow")

// reservedTokens covers tool schemas and wire framing that the message
// list does not account for.
const reservedTokens = 2000

// HistoryMessage is one durable conversation message offered to the
// assembler; oldest first. Tokens carries the persisted count when the
// store has one, zero means count here.
type HistoryMessage struct {
	ID         int64
	Role       string
	Content    string
	ToolCallID string
	Tokens     int
}

// Input is everything one round's window is built from.
type Input struct {
	// Persona is the system section. Never dropped.
	Persona string

	// Model selects the context limit. May carry a routing prefix.
	Model string

	// History is the conversation's durable messages, oldest first.
	History []HistoryMessage

	// Current holds the in-flight round: the task prompt, assistant
	// tool-call echoes and tool results, in order. Never dropped.
	Current []llm.Message

	// MaxOutputTokens is reserved for the model's reply.
	MaxOutputTokens int

	// BudgetOverride replaces the model-table limit when positive.
	BudgetOverride int
}

// Result is an assembled window.
type Result struct {
	Messages        []llm.Message
	EstimatedTokens int

	// DroppedMessages counts history entries cut from the front.
	DroppedMessages int

	// OldestKeptID is the ID of the first history message still in the
	// window, 0 when no history survived. Callers that archive do so
	// strictly before this ID.
	OldestKeptID int64
}

// Assembler builds context windows under a token budget.
type Assembler struct {
	limitOverrides map[string]int
}

func NewAssembler(limitOverrides map[string]int) *Assembler {
	return &Assembler{limitOverrides: limitOverrides}
}

// Budget returns the token budget available to the message list for a
// model: the context limit minus the output reservation and framing
// reserve.
func (a *Assembler) Budget(model string, maxOutput int) int {
	limit := ContextLimitForModel(model, a.limitOverrides)
	return limit - maxOutput - reservedTokens
}

func messageTokens(m llm.Message) int {
	n := tokenutil.CountTokens(m.Content)
	for _, tc := range m.ToolCalls {
		n += tokenutil.CountTokens(tc.Name) + tokenutil.CountTokens(tc.Arguments)
	}
	// Per-message framing overhead.
	return n + 4
}

// Assemble builds the window for one round. History is cut oldest-first
// until the list fits; persona and the current round always survive or
// the round fails with ErrContextOverflow.
func (a *Assembler) Assemble(in Input) (*Result, error) {
	budget := in.BudgetOverride
	if budget <= 0 {
		budget = a.Budget(in.Model, in.MaxOutputTokens)
	}
	if budget <= 0 {
		return nil, fmt.Errorf("%w: model %q leaves no room after reserving %d output tokens",
			ErrContextOverflow, in.Model, in.MaxOutputTokens)
	}

	fixed := 0
	if in.Persona != "" {
		fixed += tokenutil.CountTokens(in.Persona) + 4
	}
	for _, m := range in.Current {
		fixed += messageTokens(m)
	}
	if fixed > budget {
		return nil, fmt.Errorf("%w: persona and current round need %d tokens, budget is %d",
			ErrContextOverflow, fixed, budget)
	}

	// Keep the newest history that fits in what remains.
	remaining := budget - fixed
	keepFrom := len(in.History)
	used := 0
	for i := len(in.History) - 1; i >= 0; i-- {
		t := in.History[i].Tokens
		if t <= 0 {
			t = tokenutil.CountTokens(in.History[i].Content)
		}
		t += 4
		if used+t > remaining {
			break
		}
		used += t
		keepFrom = i
	}

	res := &Result{
		EstimatedTokens: fixed + used,
		DroppedMessages: keepFrom,
	}
	msgs := make([]llm.Message, 0, 1+len(in.History)-keepFrom+len(in.Current))
	if in.Persona != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: in.Persona})
	}
	for _, h := range in.History[keepFrom:] {
		msgs = append(msgs, llm.Message{
			Role:       h.Role,
			Content:    h.Content,
			ToolCallID: h.ToolCallID,
		})
	}
	if keepFrom < len(in.History) {
		res.OldestKeptID = in.History[keepFrom].ID
	}
	msgs = append(msgs, in.Current...)
	res.Messages = msgs
	return res, nil
}
