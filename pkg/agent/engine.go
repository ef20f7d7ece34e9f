package agent

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cortexchat/cortex/pkg/llms"
	"github.com/cortexchat/cortex/pkg/protocol"
	"github.com/cortexchat/cortex/pkg/tools"
)

// Node names, also used as the event source tag.
const (
	NodeCallModel = "call_model"
	NodeCallTools = "call_tools"
)

// Event is one engine output: a content block attributed to the node that
// produced it. Events form a strictly serial sequence per run.
type Event struct {
	Node  string
	Block protocol.ContentBlock
}

// DefaultToolCallLimit returns the per-run tool budget for a runtime.
// Anthropic models lean on tools much harder than the rest.
func DefaultToolCallLimit(runtime string) int {
	if runtime == "anthropic" {
		return 25
	}
	return 10
}

const (
	limitReachedMessage = "Tool call limit reached. No more tool calls can be made. Try to generate the final response based on the history."
	notAIMessage        = "Not an AI message to call tools."
	recursionMessage    = "Agent step limit exceeded."
	recursionFinalText  = "The run exceeded its internal step limit before reaching a final answer. Please retry with a simpler request."
)

// Engine drives one State through the call_model / call_tools graph until a
// terminal text turn. All classifiable failures are reified as content
// blocks so the model can observe and recover from them; Run only returns
// an error on cancellation.
type Engine struct {
	provider   llms.Provider
	dispatcher *tools.Dispatcher
	effort     llms.ReasoningEffort
	limit      int
}

func NewEngine(provider llms.Provider, dispatcher *tools.Dispatcher, effort llms.ReasoningEffort, toolCallLimit int) *Engine {
	if toolCallLimit <= 0 {
		toolCallLimit = DefaultToolCallLimit(provider.Runtime())
	}
	return &Engine{
		provider:   provider,
		dispatcher: dispatcher,
		effort:     effort,
		limit:      toolCallLimit,
	}
}

// run carries the mutable per-run bookkeeping.
type run struct {
	state     *State
	emit      func(Event)
	defs      []llms.ToolDefinition
	remaining int
	history   []executedCall
}

// Stream runs the engine in a goroutine and yields its events on a bounded
// channel, closed on termination. The caller observes completion by channel
// closure; inspect state afterwards for the final messages.
func (e *Engine) Stream(ctx context.Context, state *State) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		err := e.Run(ctx, state, func(ev Event) {
			// Terminal events are produced after cancellation; the
			// send must prefer the channel over the done signal so a
			// draining consumer still sees them.
			select {
			case events <- ev:
			default:
				select {
				case events <- ev:
				case <-ctx.Done():
				}
			}
		})
		if err != nil {
			slog.Warn("agent run aborted", "model", e.provider.ModelName(), "error", err)
		}
	}()
	return events
}

// Invoke runs the engine to completion and returns the blocks of the final
// assistant turn.
func (e *Engine) Invoke(ctx context.Context, state *State) ([]protocol.ContentBlock, error) {
	if err := e.Run(ctx, state, func(Event) {}); err != nil {
		return nil, err
	}
	last, ok := state.Last()
	if !ok || last.Role != protocol.RoleAssistant {
		return nil, fmt.Errorf("run ended without an assistant turn")
	}
	return last.Blocks, nil
}

// Run executes the graph: enter at call_model, transition on the shape of
// the last appended message, stop on a terminal text turn or when the node
// visit budget of (limit+1)*2 is exhausted. Returns ctx.Err() if the
// request was cancelled, nil otherwise.
func (e *Engine) Run(ctx context.Context, state *State, emit func(Event)) error {
	tracer := otel.Tracer("cortex.agent")
	ctx, span := tracer.Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("llm.model", e.provider.ModelName()),
			attribute.Int("agent.tool_call_limit", e.limit),
		))
	defer span.End()

	r := &run{
		state:     state,
		emit:      emit,
		defs:      e.dispatcher.Registry().Definitions(),
		remaining: e.limit,
	}

	node := NodeCallModel
	maxVisits := (e.limit + 1) * 2
	for visits := 0; ; visits++ {
		if err := ctx.Err(); err != nil {
			e.emitCancellation(r)
			return err
		}
		if visits >= maxVisits {
			e.emitRecursionStop(r)
			return nil
		}

		switch node {
		case NodeCallModel:
			if err := e.callModel(ctx, r); err != nil {
				e.emitCancellation(r)
				return err
			}
		case NodeCallTools:
			e.callTools(ctx, r)
		}

		node = nextNode(r.state)
		if node == "" {
			return nil
		}
	}
}

// nextNode implements the transition table over the last message. An empty
// string means the run is done.
func nextNode(state *State) string {
	last, ok := state.Last()
	if !ok {
		return NodeCallModel
	}

	if last.Role == protocol.RoleAssistant {
		block, ok := last.LastBlock()
		if !ok {
			return NodeCallModel
		}
		switch block.Type {
		case protocol.BlockTypeToolCall:
			return NodeCallTools
		case protocol.BlockTypeText:
			return ""
		case protocol.BlockTypeReasoning:
			return NodeCallModel
		}
	}
	return NodeCallModel
}

// callModel streams one provider turn, forwarding each block as an event
// and folding the stream into up to three appended messages: reasoning,
// text, tool calls. Provider failures become a terminal text turn.
func (e *Engine) callModel(ctx context.Context, r *run) error {
	chunks, err := e.provider.Stream(ctx, r.state.Messages, r.defs, e.effort)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.appendFailureText(r, fmt.Sprintf("The model request failed: %v", err))
		return nil
	}

	var (
		textBuf      strings.Builder
		reasoningBuf strings.Builder
		extras       map[string]string
		toolCalls    []protocol.ContentBlock
	)

	for chunk := range chunks {
		switch chunk.Type {
		case llms.ChunkBlock:
			r.emit(Event{Node: NodeCallModel, Block: chunk.Block})
			switch chunk.Block.Type {
			case protocol.BlockTypeText:
				textBuf.WriteString(chunk.Block.Text)
			case protocol.BlockTypeReasoning:
				reasoningBuf.WriteString(chunk.Block.Reasoning)
				if len(chunk.Block.Extras) > 0 {
					if extras == nil {
						extras = map[string]string{}
					}
					maps.Copy(extras, chunk.Block.Extras)
				}
			case protocol.BlockTypeToolCall:
				toolCalls = append(toolCalls, chunk.Block)
			}
		case llms.ChunkError:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.appendFailureText(r, fmt.Sprintf("The model stream failed: %v", chunk.Err))
			return nil
		case llms.ChunkDone:
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if reasoningBuf.Len() > 0 {
		r.state.Append(protocol.AssistantMessage(protocol.ReasoningBlock(reasoningBuf.String(), extras)))
	}
	if textBuf.Len() > 0 {
		r.state.Append(protocol.AssistantMessage(protocol.TextBlock(textBuf.String())))
	}
	if len(toolCalls) > 0 {
		r.state.Append(protocol.AssistantMessage(toolCalls...))
	}
	return nil
}

// callTools processes the pending tool calls of the last assistant message.
// Checks are applied in order: budget, message shape, registration,
// duplicate suppression, then dispatch. Every outcome is appended as a tool
// message so the model sees it on the next turn.
func (e *Engine) callTools(ctx context.Context, r *run) {
	pending := pendingCalls(r.state)

	r.remaining--
	if r.remaining <= 0 {
		callID := ""
		if len(pending) > 0 {
			callID = pending[0].ID
		}
		r.defs = nil
		e.appendToolOutput(r, callID, limitReachedMessage)
		return
	}

	if len(pending) == 0 {
		e.appendToolOutput(r, "", notAIMessage)
		return
	}

	for _, call := range pending {
		e.runCall(ctx, r, call)
	}
}

// runCall executes one pending call with its own registration and duplicate
// checks.
func (e *Engine) runCall(ctx context.Context, r *run, call protocol.ContentBlock) {
	if _, ok := e.dispatcher.Registry().Get(call.Name); !ok {
		e.appendToolOutput(r, call.ID, fmt.Sprintf("Tool '%s' not found.", call.Name))
		return
	}

	for _, done := range r.history {
		if done.matches(call.Name, call.Args) {
			e.appendToolOutput(r, call.ID, fmt.Sprintf(
				"The tool call '%s' with args %v has already been executed. Try to find it in the history. If you need further information, try to call it with different args.",
				call.Name, call.Args))
			return
		}
	}

	output := e.dispatcher.Invoke(ctx, call.Name, call.Args)
	r.history = append(r.history, executedCall{Name: call.Name, Args: call.Args, ID: call.ID})
	e.appendToolOutput(r, call.ID, output)
}

// pendingCalls returns the tool calls of the last message when it is an
// assistant message ending in a tool_call, nil otherwise.
func pendingCalls(state *State) []protocol.ContentBlock {
	last, ok := state.Last()
	if !ok || last.Role != protocol.RoleAssistant {
		return nil
	}
	block, ok := last.LastBlock()
	if !ok || block.Type != protocol.BlockTypeToolCall {
		return nil
	}
	return last.ToolCalls()
}

func (e *Engine) appendToolOutput(r *run, callID, content string) {
	block := protocol.ToolOutputBlock(callID, content)
	r.state.Append(protocol.ToolMessage(block))
	r.emit(Event{Node: NodeCallTools, Block: block})
}

// appendFailureText terminates the run with a user-visible text turn.
func (e *Engine) appendFailureText(r *run, text string) {
	block := protocol.TextBlock(text)
	r.state.Append(protocol.AssistantMessage(block))
	r.emit(Event{Node: NodeCallModel, Block: block})
}

// emitRecursionStop surfaces budget exhaustion as a synthetic tool output
// followed by a terminal text turn.
func (e *Engine) emitRecursionStop(r *run) {
	callID := ""
	if calls := pendingCalls(r.state); len(calls) > 0 {
		callID = calls[0].ID
	}
	e.appendToolOutput(r, callID, recursionMessage)
	e.appendFailureText(r, recursionFinalText)
}

// emitCancellation reifies a cancelled request as a terminal error output.
func (e *Engine) emitCancellation(r *run) {
	callID := ""
	if calls := pendingCalls(r.state); len(calls) > 0 {
		callID = calls[0].ID
	}
	e.appendToolOutput(r, callID, "Request cancelled before completion.")
}
