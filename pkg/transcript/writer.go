package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/cortexchat/cortex/pkg/agent"
	"github.com/cortexchat/cortex/pkg/protocol"
	"github.com/cortexchat/cortex/pkg/store"
)

// Block kinds as they appear on the wire.
const (
	KindOutputText = "output_text"
	KindReasoning  = "reasoning_summary"
	KindToolCalls  = "tool_calls"
	KindToolOutput = "tool_output"
)

// maxPersistedChars caps every persisted text or reasoning body.
const maxPersistedChars = 10240

// Frame is one newline-delimited JSON line sent to the client.
type Frame struct {
	Chunk string `json:"chunk"`
	Type  string `json:"type,omitempty"`
	Done  bool   `json:"done"`
}

// Store is the slice of persistence the writer needs.
type Store interface {
	InsertAIResponse(ctx context.Context, rec store.AIResponseRecord) error
	InsertAIReasoning(ctx context.Context, rec store.AIReasoningRecord) error
	InsertToolCall(ctx context.Context, rec store.ToolCallRecord) error
	InsertToolOutput(ctx context.Context, rec store.ToolOutputRecord) error
}

// Writer fans the engine's event stream out to a network client as NDJSON
// frames and to relational storage as structured rows. Frames keep event
// order; persistence is best-effort and never blocks or breaks the stream.
//
// Contiguous runs of text and reasoning are buffered and flushed as one row
// when the block kind changes or the stream ends. Tool calls and outputs
// are persisted immediately, one row per event.
type Writer struct {
	out       io.Writer
	store     Store
	chatID    int64
	problem   string
	outputCap int

	currentKind string
	buf         strings.Builder
	writeErr    error
}

// NewWriter builds a writer for one chat. problem is the user question that
// tool_call rows carry; outputCap further limits persisted response text
// when positive.
func NewWriter(out io.Writer, st Store, chatID int64, problem string, outputCap int) *Writer {
	return &Writer{
		out:       out,
		store:     st,
		chatID:    chatID,
		problem:   problem,
		outputCap: outputCap,
	}
}

// Consume drains the event stream and terminates the transcript. The done
// frame is emitted even when the engine ended by limit or cancellation.
func (w *Writer) Consume(ctx context.Context, events <-chan agent.Event) {
	for ev := range events {
		w.WriteEvent(ctx, ev)
	}
	w.Finish(ctx)
}

// WriteEvent streams one engine event and records it for persistence.
func (w *Writer) WriteEvent(ctx context.Context, ev agent.Event) {
	switch ev.Block.Type {
	case protocol.BlockTypeText:
		w.bufferRun(ctx, KindOutputText, ev.Block.Text)
	case protocol.BlockTypeReasoning:
		w.bufferRun(ctx, KindReasoning, ev.Block.Reasoning)
	case protocol.BlockTypeToolCall:
		w.flush(ctx)
		w.currentKind = KindToolCalls
		w.writeFrame(Frame{Chunk: renderToolCall(ev.Block), Type: KindToolCalls})
		w.persistToolCall(ctx, ev.Block)
	case protocol.BlockTypeToolOutput:
		w.flush(ctx)
		w.currentKind = KindToolOutput
		w.writeFrame(Frame{Chunk: ev.Block.Content, Type: KindToolOutput})
		w.persistToolOutput(ctx, ev.Block)
	}
}

// Finish flushes the trailing buffer and emits the terminal frame.
func (w *Writer) Finish(ctx context.Context) {
	w.flush(ctx)
	w.writeFrame(Frame{Chunk: strconv.FormatInt(w.chatID, 10), Done: true})
}

// bufferRun streams the delta and extends the current run, flushing first
// when the kind changed.
func (w *Writer) bufferRun(ctx context.Context, kind, chunk string) {
	if chunk == "" {
		return
	}
	if w.currentKind != kind {
		w.flush(ctx)
		w.currentKind = kind
	}
	w.writeFrame(Frame{Chunk: chunk, Type: kind})
	w.buf.WriteString(chunk)
}

// flush persists the accumulated run, if any.
func (w *Writer) flush(ctx context.Context) {
	if w.buf.Len() == 0 {
		return
	}
	body := w.buf.String()
	w.buf.Reset()

	switch w.currentKind {
	case KindOutputText:
		limit := maxPersistedChars
		if w.outputCap > 0 && w.outputCap < limit {
			limit = w.outputCap
		}
		rec := store.AIResponseRecord{ChatID: w.chatID, Response: Truncate(body, limit)}
		if err := w.store.InsertAIResponse(ctx, rec); err != nil {
			slog.Error("failed to persist ai response", "chat_id", w.chatID, "error", err)
		}
	case KindReasoning:
		rec := store.AIReasoningRecord{ChatID: w.chatID, Reasoning: Truncate(body, maxPersistedChars)}
		if err := w.store.InsertAIReasoning(ctx, rec); err != nil {
			slog.Error("failed to persist ai reasoning", "chat_id", w.chatID, "error", err)
		}
	}
}

func (w *Writer) persistToolCall(ctx context.Context, block protocol.ContentBlock) {
	args, err := json.Marshal(block.Args)
	if err != nil {
		args = []byte("{}")
	}
	rec := store.ToolCallRecord{
		ChatID:   w.chatID,
		CallID:   block.ID,
		ToolName: block.Name,
		Args:     string(args),
		Problem:  w.problem,
	}
	if err := w.store.InsertToolCall(ctx, rec); err != nil {
		slog.Error("failed to persist tool call", "chat_id", w.chatID, "call_id", block.ID, "error", err)
	}
}

func (w *Writer) persistToolOutput(ctx context.Context, block protocol.ContentBlock) {
	rec := store.ToolOutputRecord{
		ChatID:  w.chatID,
		CallID:  block.CallID,
		Content: Truncate(block.Content, maxPersistedChars),
	}
	if err := w.store.InsertToolOutput(ctx, rec); err != nil {
		slog.Error("failed to persist tool output", "chat_id", w.chatID, "call_id", block.CallID, "error", err)
	}
}

// writeFrame emits one NDJSON line. After the first network failure the
// remaining frames are dropped; persistence continues regardless.
func (w *Writer) writeFrame(frame Frame) {
	if w.writeErr != nil {
		return
	}
	line, err := json.Marshal(frame)
	if err != nil {
		w.writeErr = err
		return
	}
	if _, err := w.out.Write(append(line, '\n')); err != nil {
		w.writeErr = err
		slog.Warn("client stream write failed", "chat_id", w.chatID, "error", err)
		return
	}
	if f, ok := w.out.(interface{ Flush() }); ok {
		f.Flush()
	}
}

// renderToolCall flattens a tool_call block into the frame string.
func renderToolCall(block protocol.ContentBlock) string {
	args, err := json.Marshal(block.Args)
	if err != nil {
		args = []byte("{}")
	}
	return fmt.Sprintf("%s(%s)", block.Name, args)
}

// Truncate caps s at limit characters. Non-positive limits mean no cap.
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit]
}
