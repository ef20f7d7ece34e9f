package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func setupMockStore(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewMySQLStoreWithDB(db), mock
}

func TestMySQLStore_CreateChat(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectExec("INSERT INTO chat").
		WithArgs("alice", "agent", "gpt-4o", "what's the weather?", "").
		WillReturnResult(sqlmock.NewResult(42, 1))

	id, err := store.CreateChat(context.Background(), ChatRecord{
		UserName:   "alice",
		Type:       "agent",
		BaseModel:  "gpt-4o",
		HumanInput: "what's the weather?",
	})
	if err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
	if id != 42 {
		t.Errorf("CreateChat() = %d, want 42", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMySQLStore_TranscriptInserts(t *testing.T) {
	store, mock := setupMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO ai_response").
		WithArgs(int64(42), "Sunny today.").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO ai_reasoning").
		WithArgs(int64(42), "The user asked about weather.").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec("INSERT INTO tool_call").
		WithArgs(int64(42), "call_1", "web_search_tool", `{"query":"weather"}`, "what's the weather?").
		WillReturnResult(sqlmock.NewResult(3, 1))
	mock.ExpectExec("INSERT INTO tool_output").
		WithArgs(int64(42), "call_1", "Sunny, 22C").
		WillReturnResult(sqlmock.NewResult(4, 1))

	if err := store.InsertAIResponse(ctx, AIResponseRecord{ChatID: 42, Response: "Sunny today."}); err != nil {
		t.Fatalf("InsertAIResponse() error = %v", err)
	}
	if err := store.InsertAIReasoning(ctx, AIReasoningRecord{ChatID: 42, Reasoning: "The user asked about weather."}); err != nil {
		t.Fatalf("InsertAIReasoning() error = %v", err)
	}
	if err := store.InsertToolCall(ctx, ToolCallRecord{
		ChatID: 42, CallID: "call_1", ToolName: "web_search_tool",
		Args: `{"query":"weather"}`, Problem: "what's the weather?",
	}); err != nil {
		t.Fatalf("InsertToolCall() error = %v", err)
	}
	if err := store.InsertToolOutput(ctx, ToolOutputRecord{ChatID: 42, CallID: "call_1", Content: "Sunny, 22C"}); err != nil {
		t.Fatalf("InsertToolOutput() error = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMySQLStore_GetChat(t *testing.T) {
	store, mock := setupMockStore(t)
	created := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM chat WHERE id").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_name", "type", "base_model", "human_input", "knowledge_base", "created_at"}).
			AddRow(42, "alice", "agent", "gpt-4o", "hello", "", created))

	rec, err := store.GetChat(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetChat() error = %v", err)
	}
	if rec.UserName != "alice" || rec.HumanInput != "hello" || !rec.CreatedAt.Equal(created) {
		t.Errorf("GetChat() = %+v", rec)
	}
}

func TestMySQLStore_TranscriptReads(t *testing.T) {
	store, mock := setupMockStore(t)
	ctx := context.Background()
	created := time.Now()

	mock.ExpectQuery("SELECT (.+) FROM ai_reasoning WHERE chat_id").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "chat_id", "reasoning_process", "created_at"}).
			AddRow(1, 7, "thought A", created).
			AddRow(2, 7, "thought B", created))
	mock.ExpectQuery("SELECT (.+) FROM ai_response WHERE chat_id").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "chat_id", "ai_response", "created_at"}).
			AddRow(3, 7, "final answer", created))

	reasonings, err := store.AIReasonings(ctx, 7)
	if err != nil {
		t.Fatalf("AIReasonings() error = %v", err)
	}
	if len(reasonings) != 2 || reasonings[0].Reasoning != "thought A" {
		t.Errorf("AIReasonings() = %+v", reasonings)
	}

	responses, err := store.AIResponses(ctx, 7)
	if err != nil {
		t.Fatalf("AIResponses() error = %v", err)
	}
	if len(responses) != 1 || responses[0].Response != "final answer" {
		t.Errorf("AIResponses() = %+v", responses)
	}
}

func TestMySQLStore_RegistryReads(t *testing.T) {
	store, mock := setupMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT (.+) FROM operator WHERE operator").
		WithArgs("openai").
		WillReturnRows(sqlmock.NewRows([]string{
			"operator", "runtime", "endpoint", "api_key", "org_id", "project_id",
			"chat_pattern", "embedding_pattern", "image_pattern",
		}).AddRow("openai", "openai_completion", "https://api.openai.com/v1", "sk-1", nil, nil, "gpt", "embedding", nil))

	op, err := store.Operator(ctx, "openai")
	if err != nil {
		t.Fatalf("Operator() error = %v", err)
	}
	if op.Runtime != "openai_completion" || op.OrgID != "" {
		t.Errorf("Operator() = %+v", op)
	}

	mock.ExpectQuery("SELECT (.+) FROM model WHERE model_name").
		WithArgs("claude-sonnet-4").
		WillReturnRows(sqlmock.NewRows([]string{
			"operator", "type", "model_name", "isAvailable", "input_text", "output_text",
			"input_image", "output_image", "reasoning_effect",
		}).AddRow("anthropic", "chat", "claude-sonnet-4", true, true, true, true, false, "medium"))

	model, err := store.Model(ctx, "claude-sonnet-4")
	if err != nil {
		t.Fatalf("Model() error = %v", err)
	}
	if !model.InputImage || model.ReasoningEffort != "medium" {
		t.Errorf("Model() = %+v", model)
	}

	mock.ExpectQuery("SELECT (.+) FROM user WHERE user_name").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{
			"user_name", "password", "email", "api_token", "default_base_model",
			"default_embedding_model", "system_prompt", "long_term_memory",
		}).AddRow("alice", "hash", nil, "tok-1", "gpt-4o", nil, "Be nice.", `["likes go"]`))

	user, err := store.User(ctx, "alice")
	if err != nil {
		t.Fatalf("User() error = %v", err)
	}
	if user.APIToken != "tok-1" || user.LongTermMemory != `["likes go"]` {
		t.Errorf("User() = %+v", user)
	}

	mock.ExpectQuery("SELECT (.+) FROM tools WHERE name").
		WithArgs("weather_tool").
		WillReturnRows(sqlmock.NewRows([]string{"name", "type", "url", "headers"}).
			AddRow("weather_tool", "http", "http://tools.internal/weather", `{"X-Api-Key":"k"}`))

	tool, err := store.Tool(ctx, "weather_tool")
	if err != nil {
		t.Fatalf("Tool() error = %v", err)
	}
	if tool.Type != "http" || tool.URL != "http://tools.internal/weather" {
		t.Errorf("Tool() = %+v", tool)
	}
}
