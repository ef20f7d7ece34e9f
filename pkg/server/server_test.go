package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/redis/go-redis/v9"

	"github.com/cortexchat/cortex/pkg/config"
	"github.com/cortexchat/cortex/pkg/llms"
	"github.com/cortexchat/cortex/pkg/metadata"
	"github.com/cortexchat/cortex/pkg/prompt"
	"github.com/cortexchat/cortex/pkg/protocol"
	"github.com/cortexchat/cortex/pkg/store"
	"github.com/cortexchat/cortex/pkg/tools"
	"github.com/cortexchat/cortex/pkg/transcript"
)

// stubProvider plays one scripted turn per Stream call.
type stubProvider struct {
	turns [][]llms.StreamChunk
	calls int
}

func (p *stubProvider) Stream(context.Context, []protocol.Message, []llms.ToolDefinition, llms.ReasoningEffort) (<-chan llms.StreamChunk, error) {
	turn := p.turns[len(p.turns)-1]
	if p.calls < len(p.turns) {
		turn = p.turns[p.calls]
	}
	p.calls++

	out := make(chan llms.StreamChunk, len(turn)+1)
	for _, chunk := range turn {
		out <- chunk
	}
	out <- llms.StreamChunk{Type: llms.ChunkDone}
	close(out)
	return out, nil
}

func (p *stubProvider) Generate(context.Context, []protocol.Message, []llms.ToolDefinition, llms.ReasoningEffort) ([]protocol.ContentBlock, error) {
	return nil, nil
}

func (p *stubProvider) Runtime() string { return "openai_response" }
func (p *stubProvider) ModelName() string { return "test-model" }
func (p *stubProvider) ListModels(context.Context) ([]string, error) { return nil, nil }
func (p *stubProvider) Close() error { return nil }

type nopAttachments struct{}

func (nopAttachments) DownloadToMemory(context.Context, string) ([]byte, string, error) {
	return nil, "", context.Canceled
}

// echoTool always answers the same string.
type echoTool struct {
	name   string
	output string
	calls  int
}

func (t *echoTool) GetInfo() tools.ToolInfo {
	return tools.ToolInfo{Name: t.name, Description: "test tool"}
}

func (t *echoTool) GetName() string        { return t.name }
func (t *echoTool) GetDescription() string { return "test tool" }

func (t *echoTool) Execute(context.Context, map[string]any) (string, error) {
	t.calls++
	return t.output, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Host:                   "127.0.0.1",
		Port:                   8000,
		ToolCallLimit:          10,
		AnthropicToolCallLimit: 25,
		InputMaxLength:         4096,
		OutputMaxLength:        8192,
		DefaultOperator:        "openai",
		DefaultBaseModel:       "gpt-4o-mini",
		LLMTimeoutSeconds:      5,
		LLMMaxRetries:          1,
	}
}

func setupServer(t *testing.T, provider llms.Provider, builtins ...tools.Tool) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	return setupServerWithFactory(t,
		func(llms.Operator, string, llms.Options) (llms.Provider, error) { return provider, nil },
		builtins...)
}

func setupServerWithFactory(t *testing.T, factory ProviderFactory, builtins ...tools.Tool) (*Server, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)

	mysql := store.NewMySQLStoreWithDB(db)
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	meta := metadata.NewService(store.NewRegistryCacheWithClient(rdb, mysql))

	registry := tools.NewToolRegistry()
	for _, tool := range builtins {
		if err := registry.RegisterTool("builtin", "builtin", tool); err != nil {
			t.Fatalf("RegisterTool: %v", err)
		}
	}

	assembler := prompt.NewAssembler(meta, mysql, nopAttachments{}, nil)
	cfg := testConfig()
	service := NewChatService(cfg, meta, mysql, assembler, registry, factory)
	t.Cleanup(func() { service.Close() })
	return NewServer(cfg, service), mock
}

func expectUserLookup(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectQuery("SELECT (.+) FROM user WHERE user_name").WillReturnRows(rows)
}

func userRows(token string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"user_name", "password", "email", "api_token", "default_base_model",
		"default_embedding_model", "system_prompt", "long_term_memory",
	})
	return rows.AddRow("alice", "hash", nil, token, "gpt-4o", nil, nil, nil)
}

func expectChatFlow(mock sqlmock.Sqlmock, chatID int64) {
	mock.ExpectQuery("SELECT (.+) FROM operator WHERE operator").
		WillReturnRows(sqlmock.NewRows([]string{
			"operator", "runtime", "endpoint", "api_key", "org_id", "project_id",
			"chat_pattern", "embedding_pattern", "image_pattern",
		}).AddRow("openai", "openai_response", "https://api.openai.com/v1", "sk", nil, nil, nil, nil, nil))

	// one lookup for reasoning effort, one for the multimodal gate
	for range 2 {
		mock.ExpectQuery("SELECT (.+) FROM model WHERE model_name").
			WillReturnRows(sqlmock.NewRows([]string{
				"operator", "type", "model_name", "isAvailable", "input_text", "output_text",
				"input_image", "output_image", "reasoning_effect",
			}).AddRow("openai", "chat", "gpt-4o", true, true, true, false, false, nil))
	}

	mock.ExpectExec("INSERT INTO chat ").
		WillReturnResult(sqlmock.NewResult(chatID, 1))
	mock.ExpectExec("INSERT INTO user_input ").
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func postJSON(t *testing.T, handler http.Handler, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeFrames(t *testing.T, body []byte) []transcript.Frame {
	t.Helper()
	var frames []transcript.Frame
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		var f transcript.Frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			t.Fatalf("bad frame %q: %v", scanner.Text(), err)
		}
		frames = append(frames, f)
	}
	return frames
}

func TestHandleChat_PlainTextTurn(t *testing.T) {
	provider := &stubProvider{turns: [][]llms.StreamChunk{{
		{Type: llms.ChunkBlock, Block: protocol.TextBlock("Hi ")},
		{Type: llms.ChunkBlock, Block: protocol.TextBlock("there.")},
	}}}
	srv, mock := setupServer(t, provider)

	expectUserLookup(mock, userRows(""))
	expectUserLookup(mock, userRows(""))
	expectChatFlow(mock, 42)
	mock.ExpectExec("INSERT INTO ai_response ").
		WithArgs(int64(42), "Hi there.").
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec := postJSON(t, srv.Routes(), "/chat", ChatRequest{
		UserName: "alice",
		Message:  "Say hi.",
	}, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q", ct)
	}

	frames := decodeFrames(t, rec.Body.Bytes())
	if len(frames) != 3 {
		t.Fatalf("got %d frames: %+v", len(frames), frames)
	}
	var text strings.Builder
	for _, f := range frames[:2] {
		if f.Type != transcript.KindOutputText || f.Done {
			t.Errorf("frame = %+v", f)
		}
		text.WriteString(f.Chunk)
	}
	if text.String() != "Hi there." {
		t.Errorf("streamed text = %q", text.String())
	}
	final := frames[2]
	if !final.Done || final.Chunk != "42" {
		t.Errorf("terminal frame = %+v", final)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestHandleChat_ProviderSharedAcrossRequests(t *testing.T) {
	provider := &stubProvider{turns: [][]llms.StreamChunk{
		{{Type: llms.ChunkBlock, Block: protocol.TextBlock("one")}},
		{{Type: llms.ChunkBlock, Block: protocol.TextBlock("two")}},
	}}
	factoryCalls := 0
	srv, mock := setupServerWithFactory(t, func(llms.Operator, string, llms.Options) (llms.Provider, error) {
		factoryCalls++
		return provider, nil
	})

	for _, chatID := range []int64{21, 22} {
		expectUserLookup(mock, userRows(""))
		expectUserLookup(mock, userRows(""))
		expectChatFlow(mock, chatID)
		mock.ExpectExec("INSERT INTO ai_response ").
			WillReturnResult(sqlmock.NewResult(1, 1))

		rec := postJSON(t, srv.Routes(), "/chat", ChatRequest{
			UserName: "alice",
			Message:  "go",
		}, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
		}
	}

	if factoryCalls != 1 {
		t.Errorf("provider built %d times, want 1", factoryCalls)
	}
	if provider.calls != 2 {
		t.Errorf("provider stream calls = %d, want 2", provider.calls)
	}
}

func TestHandleChat_EmptyMessageRejected(t *testing.T) {
	srv, _ := setupServer(t, &stubProvider{turns: [][]llms.StreamChunk{nil}})

	rec := postJSON(t, srv.Routes(), "/chat", ChatRequest{UserName: "alice", Message: "  "}, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleChat_TokenRequired(t *testing.T) {
	srv, mock := setupServer(t, &stubProvider{turns: [][]llms.StreamChunk{nil}})
	expectUserLookup(mock, userRows("secret-token"))

	rec := postJSON(t, srv.Routes(), "/chat", ChatRequest{UserName: "alice", Message: "hi"}, nil)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandleChat_TokenAccepted(t *testing.T) {
	provider := &stubProvider{turns: [][]llms.StreamChunk{{
		{Type: llms.ChunkBlock, Block: protocol.TextBlock("ok")},
	}}}
	srv, mock := setupServer(t, provider)

	expectUserLookup(mock, userRows("secret-token"))
	expectUserLookup(mock, userRows("secret-token"))
	expectChatFlow(mock, 7)
	mock.ExpectExec("INSERT INTO ai_response ").
		WillReturnResult(sqlmock.NewResult(1, 1))

	header := http.Header{}
	header.Set("Authorization", "Bearer secret-token")
	rec := postJSON(t, srv.Routes(), "/chat", ChatRequest{UserName: "alice", Message: "hi"}, header)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleChat_ToolRoundTrip(t *testing.T) {
	date := &echoTool{name: "current_date_tool", output: "Tuesday, 2026-08-25"}
	provider := &stubProvider{turns: [][]llms.StreamChunk{
		{{Type: llms.ChunkBlock, Block: protocol.ToolCallBlock("call_1", "current_date_tool", map[string]any{})}},
		{{Type: llms.ChunkBlock, Block: protocol.TextBlock("Today is Tuesday.")}},
	}}
	srv, mock := setupServer(t, provider, date)

	expectUserLookup(mock, userRows(""))
	expectUserLookup(mock, userRows(""))
	// tool name resolution: no registry row, falls through as builtin
	mock.ExpectQuery("SELECT (.+) FROM tools WHERE name").
		WillReturnRows(sqlmock.NewRows([]string{"name", "type", "url", "headers"}))
	expectChatFlow(mock, 9)
	mock.ExpectExec("INSERT INTO tool_call ").
		WithArgs(int64(9), "call_1", "current_date_tool", "{}", "What is today's date?").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO tool_output ").
		WithArgs(int64(9), "call_1", "Tuesday, 2026-08-25").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO ai_response ").
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec := postJSON(t, srv.Routes(), "/chat", ChatRequest{
		UserName: "alice",
		Message:  "What is today's date?",
		Config:   ChatConfig{ToolsName: []string{"current_date_tool"}},
	}, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if date.calls != 1 {
		t.Errorf("tool ran %d times, want 1", date.calls)
	}

	frames := decodeFrames(t, rec.Body.Bytes())
	wantKinds := []string{transcript.KindToolCalls, transcript.KindToolOutput, transcript.KindOutputText, ""}
	if len(frames) != len(wantKinds) {
		t.Fatalf("frames = %+v", frames)
	}
	for i, want := range wantKinds {
		if frames[i].Type != want {
			t.Errorf("frame[%d].Type = %q, want %q", i, frames[i].Type, want)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestHandleChatCompletions(t *testing.T) {
	provider := &stubProvider{turns: [][]llms.StreamChunk{{
		{Type: llms.ChunkBlock, Block: protocol.TextBlock("the answer")},
	}}}
	srv, mock := setupServer(t, provider)

	expectUserLookup(mock, userRows(""))
	expectUserLookup(mock, userRows(""))
	expectChatFlow(mock, 11)
	mock.ExpectExec("INSERT INTO ai_response ").
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec := postJSON(t, srv.Routes(), "/chat_completions", ChatRequest{
		UserName: "alice",
		Message:  "question",
	}, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp CompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ChatID != 11 {
		t.Errorf("ChatID = %d", resp.ChatID)
	}
	if len(resp.Blocks) != 1 || resp.Blocks[0].Text != "the answer" {
		t.Errorf("Blocks = %+v", resp.Blocks)
	}
}

func TestHandleChatBatch_Validation(t *testing.T) {
	srv, _ := setupServer(t, &stubProvider{turns: [][]llms.StreamChunk{nil}})

	rec := postJSON(t, srv.Routes(), "/chat_batch", BatchRequest{UserName: "alice"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty batch status = %d, want 400", rec.Code)
	}

	rec = postJSON(t, srv.Routes(), "/chat_batch", BatchRequest{
		UserName: "alice",
		Messages: []string{"ok", " "},
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("blank message status = %d, want 400", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := setupServer(t, &stubProvider{turns: [][]llms.StreamChunk{nil}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if id := rec.Header().Get("X-Request-ID"); id == "" {
		t.Error("missing X-Request-ID header")
	}
}
