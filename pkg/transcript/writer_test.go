package transcript

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/cortexchat/cortex/pkg/agent"
	"github.com/cortexchat/cortex/pkg/protocol"
	"github.com/cortexchat/cortex/pkg/store"
)

type recordingStore struct {
	responses  []store.AIResponseRecord
	reasonings []store.AIReasoningRecord
	toolCalls  []store.ToolCallRecord
	outputs    []store.ToolOutputRecord
	fail       bool
}

func (s *recordingStore) InsertAIResponse(_ context.Context, rec store.AIResponseRecord) error {
	if s.fail {
		return fmt.Errorf("db down")
	}
	s.responses = append(s.responses, rec)
	return nil
}

func (s *recordingStore) InsertAIReasoning(_ context.Context, rec store.AIReasoningRecord) error {
	if s.fail {
		return fmt.Errorf("db down")
	}
	s.reasonings = append(s.reasonings, rec)
	return nil
}

func (s *recordingStore) InsertToolCall(_ context.Context, rec store.ToolCallRecord) error {
	if s.fail {
		return fmt.Errorf("db down")
	}
	s.toolCalls = append(s.toolCalls, rec)
	return nil
}

func (s *recordingStore) InsertToolOutput(_ context.Context, rec store.ToolOutputRecord) error {
	if s.fail {
		return fmt.Errorf("db down")
	}
	s.outputs = append(s.outputs, rec)
	return nil
}

func modelEvent(block protocol.ContentBlock) agent.Event {
	return agent.Event{Node: agent.NodeCallModel, Block: block}
}

func toolEvent(block protocol.ContentBlock) agent.Event {
	return agent.Event{Node: agent.NodeCallTools, Block: block}
}

func decodeFrames(t *testing.T, raw []byte) []Frame {
	t.Helper()
	var frames []Frame
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		var f Frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			t.Fatalf("bad frame %q: %v", scanner.Text(), err)
		}
		frames = append(frames, f)
	}
	return frames
}

func TestWriter_FullTurn(t *testing.T) {
	var out bytes.Buffer
	st := &recordingStore{}
	w := NewWriter(&out, st, 42, "what is today", 0)

	ctx := context.Background()
	w.WriteEvent(ctx, modelEvent(protocol.ReasoningBlock("let me ", nil)))
	w.WriteEvent(ctx, modelEvent(protocol.ReasoningBlock("check", nil)))
	w.WriteEvent(ctx, modelEvent(protocol.ToolCallBlock("call_1", "current_date_tool", map[string]any{})))
	w.WriteEvent(ctx, toolEvent(protocol.ToolOutputBlock("call_1", "2026-08-25")))
	w.WriteEvent(ctx, modelEvent(protocol.TextBlock("Today is ")))
	w.WriteEvent(ctx, modelEvent(protocol.TextBlock("Tuesday.")))
	w.Finish(ctx)

	frames := decodeFrames(t, out.Bytes())
	wantTypes := []string{
		KindReasoning, KindReasoning, KindToolCalls, KindToolOutput,
		KindOutputText, KindOutputText, "",
	}
	if len(frames) != len(wantTypes) {
		t.Fatalf("got %d frames, want %d", len(frames), len(wantTypes))
	}
	for i, want := range wantTypes {
		if frames[i].Type != want {
			t.Errorf("frame[%d].Type = %q, want %q", i, frames[i].Type, want)
		}
	}

	final := frames[len(frames)-1]
	if !final.Done || final.Chunk != "42" {
		t.Errorf("terminal frame = %+v", final)
	}
	if frames[2].Chunk != `current_date_tool({})` {
		t.Errorf("tool call frame chunk = %q", frames[2].Chunk)
	}

	if len(st.reasonings) != 1 || st.reasonings[0].Reasoning != "let me check" {
		t.Errorf("reasonings = %+v", st.reasonings)
	}
	if len(st.responses) != 1 || st.responses[0].Response != "Today is Tuesday." {
		t.Errorf("responses = %+v", st.responses)
	}
	if len(st.toolCalls) != 1 {
		t.Fatalf("toolCalls = %+v", st.toolCalls)
	}
	call := st.toolCalls[0]
	if call.CallID != "call_1" || call.ToolName != "current_date_tool" || call.Problem != "what is today" {
		t.Errorf("tool call row = %+v", call)
	}
	if len(st.outputs) != 1 || st.outputs[0].CallID != call.CallID {
		t.Errorf("outputs = %+v", st.outputs)
	}
	if st.outputs[0].Content != "2026-08-25" {
		t.Errorf("output content = %q", st.outputs[0].Content)
	}
}

func TestWriter_SegmentsOnKindChange(t *testing.T) {
	var out bytes.Buffer
	st := &recordingStore{}
	w := NewWriter(&out, st, 7, "", 0)

	ctx := context.Background()
	w.WriteEvent(ctx, modelEvent(protocol.TextBlock("first segment")))
	w.WriteEvent(ctx, modelEvent(protocol.ReasoningBlock("a thought", nil)))
	w.WriteEvent(ctx, modelEvent(protocol.TextBlock("second segment")))
	w.Finish(ctx)

	if len(st.responses) != 2 {
		t.Fatalf("responses = %+v", st.responses)
	}
	if st.responses[0].Response != "first segment" || st.responses[1].Response != "second segment" {
		t.Errorf("responses = %+v", st.responses)
	}
	if len(st.reasonings) != 1 || st.reasonings[0].Reasoning != "a thought" {
		t.Errorf("reasonings = %+v", st.reasonings)
	}
}

func TestWriter_TruncatesPersistedBodies(t *testing.T) {
	var out bytes.Buffer
	st := &recordingStore{}
	w := NewWriter(&out, st, 7, "", 0)

	ctx := context.Background()
	w.WriteEvent(ctx, modelEvent(protocol.TextBlock(strings.Repeat("a", 20000))))
	w.Finish(ctx)

	if len(st.responses) != 1 || len(st.responses[0].Response) != maxPersistedChars {
		t.Errorf("persisted %d chars, want %d", len(st.responses[0].Response), maxPersistedChars)
	}

	frames := decodeFrames(t, out.Bytes())
	if len(frames[0].Chunk) != 20000 {
		t.Errorf("streamed chunk was truncated to %d chars", len(frames[0].Chunk))
	}
}

func TestWriter_OutputCapTightensLimit(t *testing.T) {
	var out bytes.Buffer
	st := &recordingStore{}
	w := NewWriter(&out, st, 7, "", 100)

	ctx := context.Background()
	w.WriteEvent(ctx, modelEvent(protocol.TextBlock(strings.Repeat("b", 500))))
	w.Finish(ctx)

	if len(st.responses) != 1 || len(st.responses[0].Response) != 100 {
		t.Errorf("persisted %d chars, want 100", len(st.responses[0].Response))
	}
}

func TestWriter_PersistenceFailureKeepsStreaming(t *testing.T) {
	var out bytes.Buffer
	st := &recordingStore{fail: true}
	w := NewWriter(&out, st, 9, "", 0)

	ctx := context.Background()
	w.WriteEvent(ctx, modelEvent(protocol.TextBlock("hello")))
	w.WriteEvent(ctx, toolEvent(protocol.ToolOutputBlock("call_1", "out")))
	w.Finish(ctx)

	frames := decodeFrames(t, out.Bytes())
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	final := frames[len(frames)-1]
	if !final.Done || final.Chunk != "9" {
		t.Errorf("terminal frame = %+v", final)
	}
}

func TestWriter_ConsumeDrainsChannel(t *testing.T) {
	var out bytes.Buffer
	st := &recordingStore{}
	w := NewWriter(&out, st, 3, "", 0)

	events := make(chan agent.Event, 2)
	events <- modelEvent(protocol.TextBlock("streamed"))
	close(events)

	w.Consume(context.Background(), events)

	frames := decodeFrames(t, out.Bytes())
	if len(frames) != 2 || !frames[1].Done {
		t.Errorf("frames = %+v", frames)
	}
	if len(st.responses) != 1 {
		t.Errorf("responses = %+v", st.responses)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 0); got != "hello" {
		t.Errorf("Truncate with no cap = %q", got)
	}
	if got := Truncate("hello", 3); got != "hel" {
		t.Errorf("Truncate = %q", got)
	}
}
