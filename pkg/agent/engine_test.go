package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/cortexchat/cortex/pkg/llms"
	"github.com/cortexchat/cortex/pkg/protocol"
	"github.com/cortexchat/cortex/pkg/tools"
)

// scriptedProvider plays back canned turns. The script decides each turn's
// chunks from the call index and the tool definitions it was offered.
type scriptedProvider struct {
	script  func(call int, defs []llms.ToolDefinition) []llms.StreamChunk
	calls   int
	defsLen []int
}

func newScriptedProvider(turns ...[]llms.StreamChunk) *scriptedProvider {
	return &scriptedProvider{script: func(call int, _ []llms.ToolDefinition) []llms.StreamChunk {
		if call < len(turns) {
			return turns[call]
		}
		return turns[len(turns)-1]
	}}
}

func (p *scriptedProvider) Stream(_ context.Context, _ []protocol.Message, defs []llms.ToolDefinition, _ llms.ReasoningEffort) (<-chan llms.StreamChunk, error) {
	chunks := p.script(p.calls, defs)
	p.calls++
	p.defsLen = append(p.defsLen, len(defs))

	out := make(chan llms.StreamChunk, len(chunks)+1)
	for _, c := range chunks {
		out <- c
	}
	out <- llms.StreamChunk{Type: llms.ChunkDone}
	close(out)
	return out, nil
}

func (p *scriptedProvider) Generate(context.Context, []protocol.Message, []llms.ToolDefinition, llms.ReasoningEffort) ([]protocol.ContentBlock, error) {
	return nil, nil
}

func (p *scriptedProvider) Runtime() string { return "openai_response" }
func (p *scriptedProvider) ModelName() string { return "test-model" }
func (p *scriptedProvider) ListModels(context.Context) ([]string, error) { return nil, nil }
func (p *scriptedProvider) Close() error { return nil }

func textChunk(s string) llms.StreamChunk {
	return llms.StreamChunk{Type: llms.ChunkBlock, Block: protocol.TextBlock(s)}
}

func reasoningChunk(s string, extras map[string]string) llms.StreamChunk {
	return llms.StreamChunk{Type: llms.ChunkBlock, Block: protocol.ReasoningBlock(s, extras)}
}

func toolCallChunk(id, name string, args map[string]any) llms.StreamChunk {
	return llms.StreamChunk{Type: llms.ChunkBlock, Block: protocol.ToolCallBlock(id, name, args)}
}

// countingTool records how often it actually ran.
type countingTool struct {
	name   string
	output string
	calls  int
}

func (t *countingTool) GetInfo() tools.ToolInfo {
	return tools.ToolInfo{Name: t.name, Description: "test tool"}
}

func (t *countingTool) GetName() string        { return t.name }
func (t *countingTool) GetDescription() string { return "test tool" }

func (t *countingTool) Execute(context.Context, map[string]any) (string, error) {
	t.calls++
	return t.output, nil
}

func newDispatcher(t *testing.T, toolset ...tools.Tool) *tools.Dispatcher {
	t.Helper()
	reg := tools.NewToolRegistry()
	for _, tool := range toolset {
		if err := reg.RegisterTool("builtin", "builtin", tool); err != nil {
			t.Fatalf("RegisterTool: %v", err)
		}
	}
	return tools.NewDispatcher(reg)
}

func collectRun(t *testing.T, e *Engine, state *State) []Event {
	t.Helper()
	var events []Event
	if err := e.Run(context.Background(), state, func(ev Event) { events = append(events, ev) }); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return events
}

func TestRun_PlainTextTurn(t *testing.T) {
	provider := newScriptedProvider([]llms.StreamChunk{textChunk("Hello"), textChunk(", world.")})
	engine := NewEngine(provider, newDispatcher(t), llms.EffortOff, 10)
	state := NewState([]protocol.Message{protocol.UserMessage("Say hi.")})

	events := collectRun(t, engine, state)

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	for _, ev := range events {
		if ev.Node != NodeCallModel || ev.Block.Type != protocol.BlockTypeText {
			t.Errorf("unexpected event %+v", ev)
		}
	}

	last, _ := state.Last()
	if last.Role != protocol.RoleAssistant || last.Text() != "Hello, world." {
		t.Errorf("final message = %+v", last)
	}
	if provider.calls != 1 {
		t.Errorf("provider called %d times, want 1", provider.calls)
	}
}

func TestRun_SingleToolRoundTrip(t *testing.T) {
	date := &countingTool{name: "current_date_tool", output: "Tuesday, 2026-08-25"}
	provider := newScriptedProvider(
		[]llms.StreamChunk{
			reasoningChunk("checking the date", nil),
			toolCallChunk("call_1", "current_date_tool", map[string]any{}),
		},
		[]llms.StreamChunk{textChunk("Today is Tuesday.")},
	)
	engine := NewEngine(provider, newDispatcher(t, date), llms.EffortOff, 10)
	state := NewState([]protocol.Message{protocol.UserMessage("What is today's date?")})

	events := collectRun(t, engine, state)

	wantTypes := []protocol.BlockType{
		protocol.BlockTypeReasoning,
		protocol.BlockTypeToolCall,
		protocol.BlockTypeToolOutput,
		protocol.BlockTypeText,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("got %d events, want %d", len(events), len(wantTypes))
	}
	for i, want := range wantTypes {
		if events[i].Block.Type != want {
			t.Errorf("event[%d].Type = %s, want %s", i, events[i].Block.Type, want)
		}
	}

	out := events[2].Block
	if out.CallID != "call_1" || out.Content != "Tuesday, 2026-08-25" {
		t.Errorf("tool output = %+v", out)
	}
	if date.calls != 1 {
		t.Errorf("tool ran %d times, want 1", date.calls)
	}

	last, _ := state.Last()
	if block, _ := last.LastBlock(); block.Type != protocol.BlockTypeText {
		t.Errorf("run did not end on a text turn: %+v", last)
	}
}

func TestRun_DuplicateCallSuppressed(t *testing.T) {
	search := &countingTool{name: "web_search", output: "results for foo"}
	call := func() []llms.StreamChunk {
		return []llms.StreamChunk{toolCallChunk("call_n", "web_search", map[string]any{"query": "foo"})}
	}
	provider := newScriptedProvider(call(), call(), []llms.StreamChunk{textChunk("done")})
	engine := NewEngine(provider, newDispatcher(t, search), llms.EffortOff, 10)
	state := NewState([]protocol.Message{protocol.UserMessage("search foo twice")})

	events := collectRun(t, engine, state)

	if search.calls != 1 {
		t.Fatalf("tool ran %d times, want exactly 1", search.calls)
	}

	var outputs []string
	for _, ev := range events {
		if ev.Block.Type == protocol.BlockTypeToolOutput {
			outputs = append(outputs, ev.Block.Content)
		}
	}
	if len(outputs) != 2 {
		t.Fatalf("got %d tool outputs, want 2", len(outputs))
	}
	if outputs[0] != "results for foo" {
		t.Errorf("first output = %q", outputs[0])
	}
	if !strings.Contains(outputs[1], "already been executed") {
		t.Errorf("second output = %q, want duplicate diagnostic", outputs[1])
	}
}

func TestRun_ToolNotFound(t *testing.T) {
	provider := newScriptedProvider(
		[]llms.StreamChunk{toolCallChunk("call_1", "ghost_tool", map[string]any{})},
		[]llms.StreamChunk{textChunk("ok")},
	)
	engine := NewEngine(provider, newDispatcher(t), llms.EffortOff, 10)
	state := NewState([]protocol.Message{protocol.UserMessage("hi")})

	events := collectRun(t, engine, state)

	var found bool
	for _, ev := range events {
		if ev.Block.Type == protocol.BlockTypeToolOutput {
			found = true
			if ev.Block.Content != "Tool 'ghost_tool' not found." || ev.Block.CallID != "call_1" {
				t.Errorf("tool output = %+v", ev.Block)
			}
		}
	}
	if !found {
		t.Error("no tool_output event for unknown tool")
	}
}

func TestRun_LimitExhaustion(t *testing.T) {
	loop := &countingTool{name: "loop_tool", output: "try again"}
	provider := &scriptedProvider{script: func(call int, defs []llms.ToolDefinition) []llms.StreamChunk {
		if len(defs) == 0 {
			return []llms.StreamChunk{textChunk("final answer")}
		}
		return []llms.StreamChunk{toolCallChunk("call_x", "loop_tool", map[string]any{"attempt": float64(call)})}
	}}
	engine := NewEngine(provider, newDispatcher(t, loop), llms.EffortOff, 2)
	state := NewState([]protocol.Message{protocol.UserMessage("loop")})

	events := collectRun(t, engine, state)

	var outputs []Event
	for _, ev := range events {
		if ev.Block.Type == protocol.BlockTypeToolOutput {
			outputs = append(outputs, ev)
		}
	}
	lastOutput := outputs[len(outputs)-1]
	if lastOutput.Block.Content != limitReachedMessage {
		t.Errorf("last tool output = %q", lastOutput.Block.Content)
	}
	if lastOutput.Block.CallID != "call_x" {
		t.Errorf("limit output call_id = %q, want pending call id", lastOutput.Block.CallID)
	}

	// once the limit message fires, the model is offered no tools
	finalDefs := provider.defsLen[len(provider.defsLen)-1]
	if finalDefs != 0 {
		t.Errorf("final turn offered %d tools, want 0", finalDefs)
	}

	last, _ := state.Last()
	if block, _ := last.LastBlock(); block.Type != protocol.BlockTypeText {
		t.Errorf("run did not end on text: %+v", last)
	}
	if loop.calls >= 2 {
		t.Errorf("tool ran %d times, want fewer than the limit", loop.calls)
	}
}

func TestRun_ReasoningOnlyTurnReentersModel(t *testing.T) {
	provider := newScriptedProvider(
		[]llms.StreamChunk{reasoningChunk("thinking hard", nil)},
		[]llms.StreamChunk{textChunk("the answer")},
	)
	engine := NewEngine(provider, newDispatcher(t), llms.EffortHigh, 10)
	state := NewState([]protocol.Message{protocol.UserMessage("hmm")})

	collectRun(t, engine, state)

	if provider.calls != 2 {
		t.Fatalf("provider called %d times, want 2", provider.calls)
	}
	if len(state.Messages) != 3 {
		t.Fatalf("state has %d messages, want 3", len(state.Messages))
	}
	if state.Messages[1].Blocks[0].Type != protocol.BlockTypeReasoning {
		t.Errorf("message[1] = %+v", state.Messages[1])
	}
}

func TestRun_ReasoningExtrasMerged(t *testing.T) {
	provider := newScriptedProvider(
		[]llms.StreamChunk{
			reasoningChunk("step one. ", nil),
			reasoningChunk("", map[string]string{"signature": "sig-abc"}),
			textChunk("done"),
		},
	)
	engine := NewEngine(provider, newDispatcher(t), llms.EffortHigh, 10)
	state := NewState([]protocol.Message{protocol.UserMessage("go")})

	collectRun(t, engine, state)

	reasoning := state.Messages[1].Blocks[0]
	if reasoning.Type != protocol.BlockTypeReasoning || reasoning.Reasoning != "step one. " {
		t.Fatalf("reasoning message = %+v", reasoning)
	}
	if reasoning.Extras["signature"] != "sig-abc" {
		t.Errorf("extras = %v", reasoning.Extras)
	}
}

func TestRun_RecursionBudgetStops(t *testing.T) {
	loop := &countingTool{name: "loop_tool", output: "again"}
	attempt := 0
	provider := &scriptedProvider{script: func(call int, _ []llms.ToolDefinition) []llms.StreamChunk {
		attempt++
		return []llms.StreamChunk{toolCallChunk("call_x", "loop_tool", map[string]any{"n": float64(attempt)})}
	}}
	engine := NewEngine(provider, newDispatcher(t, loop), llms.EffortOff, 1)
	state := NewState([]protocol.Message{protocol.UserMessage("loop forever")})

	collectRun(t, engine, state)

	last, _ := state.Last()
	if last.Role != protocol.RoleAssistant || last.Text() != recursionFinalText {
		t.Errorf("final message = %+v", last)
	}
	penultimate := state.Messages[len(state.Messages)-2]
	if block, _ := penultimate.LastBlock(); block.Content != recursionMessage {
		t.Errorf("penultimate block = %+v", block)
	}
}

func TestRun_ProviderFailureBecomesTerminalText(t *testing.T) {
	provider := &scriptedProvider{script: func(int, []llms.ToolDefinition) []llms.StreamChunk { return nil }}
	failing := &failingProvider{inner: provider}
	engine := NewEngine(failing, newDispatcher(t), llms.EffortOff, 10)
	state := NewState([]protocol.Message{protocol.UserMessage("hi")})

	events := collectRun(t, engine, state)

	if len(events) != 1 || events[0].Block.Type != protocol.BlockTypeText {
		t.Fatalf("events = %+v", events)
	}
	if !strings.Contains(events[0].Block.Text, "model request failed") {
		t.Errorf("failure text = %q", events[0].Block.Text)
	}
	last, _ := state.Last()
	if last.Role != protocol.RoleAssistant {
		t.Errorf("final message = %+v", last)
	}
}

func TestRun_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	provider := &cancellingProvider{cancel: cancel}
	engine := NewEngine(provider, newDispatcher(t), llms.EffortOff, 10)
	state := NewState([]protocol.Message{protocol.UserMessage("hi")})

	var events []Event
	err := engine.Run(ctx, state, func(ev Event) { events = append(events, ev) })
	if err == nil {
		t.Fatal("Run() must return the cancellation error")
	}

	last := events[len(events)-1]
	if last.Block.Type != protocol.BlockTypeToolOutput || !strings.Contains(last.Block.Content, "cancelled") {
		t.Errorf("terminal event = %+v", last)
	}
}

func TestStream_ClosesOnCompletion(t *testing.T) {
	provider := newScriptedProvider([]llms.StreamChunk{textChunk("hi")})
	engine := NewEngine(provider, newDispatcher(t), llms.EffortOff, 10)
	state := NewState([]protocol.Message{protocol.UserMessage("hi")})

	var events []Event
	for ev := range engine.Stream(context.Background(), state) {
		events = append(events, ev)
	}
	if len(events) != 1 || events[0].Block.Text != "hi" {
		t.Errorf("events = %+v", events)
	}
}

func TestStream_DeliversTerminalEventAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	provider := &cancellingProvider{cancel: cancel}
	engine := NewEngine(provider, newDispatcher(t), llms.EffortOff, 10)
	state := NewState([]protocol.Message{protocol.UserMessage("hi")})

	var events []Event
	for ev := range engine.Stream(ctx, state) {
		events = append(events, ev)
	}
	if len(events) == 0 {
		t.Fatal("no events delivered")
	}
	last := events[len(events)-1]
	if last.Block.Type != protocol.BlockTypeToolOutput || !strings.Contains(last.Block.Content, "cancelled") {
		t.Errorf("terminal event = %+v", last)
	}
}

func TestInvoke_ReturnsFinalBlocks(t *testing.T) {
	provider := newScriptedProvider([]llms.StreamChunk{textChunk("the answer")})
	engine := NewEngine(provider, newDispatcher(t), llms.EffortOff, 10)
	state := NewState([]protocol.Message{protocol.UserMessage("q")})

	blocks, err := engine.Invoke(context.Background(), state)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if len(blocks) != 1 || blocks[0].Text != "the answer" {
		t.Errorf("blocks = %+v", blocks)
	}
}

func TestCallTools_NotAIMessage(t *testing.T) {
	provider := newScriptedProvider([]llms.StreamChunk{textChunk("x")})
	engine := NewEngine(provider, newDispatcher(t), llms.EffortOff, 10)
	state := NewState([]protocol.Message{protocol.UserMessage("hi")})

	var events []Event
	r := &run{state: state, emit: func(ev Event) { events = append(events, ev) }, remaining: 10}
	engine.callTools(context.Background(), r)

	if len(events) != 1 || events[0].Block.Content != notAIMessage || events[0].Block.CallID != "" {
		t.Errorf("events = %+v", events)
	}
}

func TestNextNode(t *testing.T) {
	cases := []struct {
		name string
		msg  protocol.Message
		want string
	}{
		{"assistant text ends", protocol.AssistantMessage(protocol.TextBlock("hi")), ""},
		{"assistant tool call", protocol.AssistantMessage(protocol.ToolCallBlock("1", "t", nil)), NodeCallTools},
		{"assistant reasoning continues", protocol.AssistantMessage(protocol.ReasoningBlock("hm", nil)), NodeCallModel},
		{"tool message continues", protocol.ToolMessage(protocol.ToolOutputBlock("1", "out")), NodeCallModel},
		{"user message continues", protocol.UserMessage("hi"), NodeCallModel},
	}
	for _, tc := range cases {
		state := NewState([]protocol.Message{tc.msg})
		if got := nextNode(state); got != tc.want {
			t.Errorf("%s: nextNode = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestDefaultToolCallLimit(t *testing.T) {
	if DefaultToolCallLimit("anthropic") != 25 {
		t.Error("anthropic limit should be 25")
	}
	if DefaultToolCallLimit("openai_response") != 10 {
		t.Error("default limit should be 10")
	}
}

// failingProvider errors on stream open.
type failingProvider struct {
	inner *scriptedProvider
}

func (p *failingProvider) Stream(context.Context, []protocol.Message, []llms.ToolDefinition, llms.ReasoningEffort) (<-chan llms.StreamChunk, error) {
	return nil, context.DeadlineExceeded
}

func (p *failingProvider) Generate(context.Context, []protocol.Message, []llms.ToolDefinition, llms.ReasoningEffort) ([]protocol.ContentBlock, error) {
	return nil, context.DeadlineExceeded
}

func (p *failingProvider) Runtime() string { return "openai_response" }
func (p *failingProvider) ModelName() string { return "test-model" }
func (p *failingProvider) ListModels(context.Context) ([]string, error) { return nil, nil }
func (p *failingProvider) Close() error { return nil }

// cancellingProvider emits one block, cancels the request, then ends with
// an error chunk the way an aborted HTTP stream would.
type cancellingProvider struct {
	cancel context.CancelFunc
}

func (p *cancellingProvider) Stream(ctx context.Context, _ []protocol.Message, _ []llms.ToolDefinition, _ llms.ReasoningEffort) (<-chan llms.StreamChunk, error) {
	out := make(chan llms.StreamChunk, 2)
	out <- textChunk("partial")
	p.cancel()
	out <- llms.StreamChunk{Type: llms.ChunkError, Err: ctx.Err()}
	close(out)
	return out, nil
}

func (p *cancellingProvider) Generate(context.Context, []protocol.Message, []llms.ToolDefinition, llms.ReasoningEffort) ([]protocol.ContentBlock, error) {
	return nil, nil
}

func (p *cancellingProvider) Runtime() string { return "openai_response" }
func (p *cancellingProvider) ModelName() string { return "test-model" }
func (p *cancellingProvider) ListModels(context.Context) ([]string, error) { return nil, nil }
func (p *cancellingProvider) Close() error { return nil }
