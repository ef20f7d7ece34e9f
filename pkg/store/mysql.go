package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/cortexchat/cortex/pkg/config"
)

// MySQLStore is the system of record: the append-only transcript tables and
// the operator/model/user/tools registry tables. Transcript rows are never
// updated after insert.
type MySQLStore struct {
	db *sql.DB
}

func NewMySQLStore(cfg config.MySQLConfig) (*MySQLStore, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	return &MySQLStore{db: db}, nil
}

// NewMySQLStoreWithDB wraps an existing handle, used by tests.
func NewMySQLStoreWithDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// DB exposes the underlying handle for tools that run read-only queries.
func (s *MySQLStore) DB() *sql.DB { return s.db }

func (s *MySQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}

// CreateChat inserts the parent chat row and returns the assigned chat_id.
func (s *MySQLStore) CreateChat(ctx context.Context, rec ChatRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO chat (user_name, type, base_model, human_input, knowledge_base) VALUES (?, ?, ?, ?, ?)",
		rec.UserName, rec.Type, rec.BaseModel, rec.HumanInput, rec.KnowledgeBase)
	if err != nil {
		return 0, fmt.Errorf("failed to insert chat: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read chat id: %w", err)
	}
	return id, nil
}

func (s *MySQLStore) GetChat(ctx context.Context, chatID int64) (ChatRecord, error) {
	var rec ChatRecord
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_name, type, base_model, human_input, knowledge_base, created_at FROM chat WHERE id = ?",
		chatID).Scan(&rec.ID, &rec.UserName, &rec.Type, &rec.BaseModel, &rec.HumanInput, &rec.KnowledgeBase, &rec.CreatedAt)
	if err != nil {
		return ChatRecord{}, err
	}
	return rec, nil
}

func (s *MySQLStore) InsertUserInput(ctx context.Context, rec UserInputRecord) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO user_input (chat_id, input_type, input_content, input_location) VALUES (?, ?, ?, ?)",
		rec.ChatID, rec.InputType, rec.InputContent, rec.InputLocation)
	if err != nil {
		return fmt.Errorf("failed to insert user_input: %w", err)
	}
	return nil
}

func (s *MySQLStore) InsertAIResponse(ctx context.Context, rec AIResponseRecord) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO ai_response (chat_id, ai_response) VALUES (?, ?)",
		rec.ChatID, rec.Response)
	if err != nil {
		return fmt.Errorf("failed to insert ai_response: %w", err)
	}
	return nil
}

func (s *MySQLStore) InsertAIReasoning(ctx context.Context, rec AIReasoningRecord) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO ai_reasoning (chat_id, reasoning_process) VALUES (?, ?)",
		rec.ChatID, rec.Reasoning)
	if err != nil {
		return fmt.Errorf("failed to insert ai_reasoning: %w", err)
	}
	return nil
}

func (s *MySQLStore) InsertToolCall(ctx context.Context, rec ToolCallRecord) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO tool_call (chat_id, call_id, tools_name, tools_argument, problem) VALUES (?, ?, ?, ?, ?)",
		rec.ChatID, rec.CallID, rec.ToolName, rec.Args, rec.Problem)
	if err != nil {
		return fmt.Errorf("failed to insert tool_call: %w", err)
	}
	return nil
}

func (s *MySQLStore) InsertToolOutput(ctx context.Context, rec ToolOutputRecord) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO tool_output (chat_id, call_id, output_content) VALUES (?, ?, ?)",
		rec.ChatID, rec.CallID, rec.Content)
	if err != nil {
		return fmt.Errorf("failed to insert tool_output: %w", err)
	}
	return nil
}

func (s *MySQLStore) UserInputs(ctx context.Context, chatID int64) ([]UserInputRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, chat_id, input_type, input_content, input_location, created_at FROM user_input WHERE chat_id = ? ORDER BY id",
		chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []UserInputRecord
	for rows.Next() {
		var rec UserInputRecord
		if err := rows.Scan(&rec.ID, &rec.ChatID, &rec.InputType, &rec.InputContent, &rec.InputLocation, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *MySQLStore) AIResponses(ctx context.Context, chatID int64) ([]AIResponseRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, chat_id, ai_response, created_at FROM ai_response WHERE chat_id = ? ORDER BY id",
		chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []AIResponseRecord
	for rows.Next() {
		var rec AIResponseRecord
		if err := rows.Scan(&rec.ID, &rec.ChatID, &rec.Response, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *MySQLStore) AIReasonings(ctx context.Context, chatID int64) ([]AIReasoningRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, chat_id, reasoning_process, created_at FROM ai_reasoning WHERE chat_id = ? ORDER BY id",
		chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []AIReasoningRecord
	for rows.Next() {
		var rec AIReasoningRecord
		if err := rows.Scan(&rec.ID, &rec.ChatID, &rec.Reasoning, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *MySQLStore) ToolCalls(ctx context.Context, chatID int64) ([]ToolCallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, chat_id, call_id, tools_name, tools_argument, problem, created_at FROM tool_call WHERE chat_id = ? ORDER BY id",
		chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []ToolCallRecord
	for rows.Next() {
		var rec ToolCallRecord
		if err := rows.Scan(&rec.ID, &rec.ChatID, &rec.CallID, &rec.ToolName, &rec.Args, &rec.Problem, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *MySQLStore) ToolOutputs(ctx context.Context, chatID int64) ([]ToolOutputRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, chat_id, call_id, output_content, created_at FROM tool_output WHERE chat_id = ? ORDER BY id",
		chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []ToolOutputRecord
	for rows.Next() {
		var rec ToolOutputRecord
		if err := rows.Scan(&rec.ID, &rec.ChatID, &rec.CallID, &rec.Content, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *MySQLStore) Operators(ctx context.Context) ([]OperatorRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT operator, runtime, endpoint, api_key, org_id, project_id, chat_pattern, embedding_pattern, image_pattern FROM operator")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []OperatorRecord
	for rows.Next() {
		var rec OperatorRecord
		var orgID, projectID, chatPattern, embeddingPattern, imagePattern sql.NullString
		if err := rows.Scan(&rec.Operator, &rec.Runtime, &rec.Endpoint, &rec.APIKey,
			&orgID, &projectID, &chatPattern, &embeddingPattern, &imagePattern); err != nil {
			return nil, err
		}
		rec.OrgID = orgID.String
		rec.ProjectID = projectID.String
		rec.ChatPattern = chatPattern.String
		rec.EmbeddingPattern = embeddingPattern.String
		rec.ImagePattern = imagePattern.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *MySQLStore) Operator(ctx context.Context, name string) (OperatorRecord, error) {
	var rec OperatorRecord
	var orgID, projectID, chatPattern, embeddingPattern, imagePattern sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT operator, runtime, endpoint, api_key, org_id, project_id, chat_pattern, embedding_pattern, image_pattern FROM operator WHERE operator = ?",
		name).Scan(&rec.Operator, &rec.Runtime, &rec.Endpoint, &rec.APIKey,
		&orgID, &projectID, &chatPattern, &embeddingPattern, &imagePattern)
	if err != nil {
		return OperatorRecord{}, err
	}
	rec.OrgID = orgID.String
	rec.ProjectID = projectID.String
	rec.ChatPattern = chatPattern.String
	rec.EmbeddingPattern = embeddingPattern.String
	rec.ImagePattern = imagePattern.String
	return rec, nil
}

func (s *MySQLStore) Models(ctx context.Context) ([]ModelRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT operator, type, model_name, isAvailable, input_text, output_text, input_image, output_image, reasoning_effect FROM model")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []ModelRecord
	for rows.Next() {
		rec, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *MySQLStore) Model(ctx context.Context, name string) (ModelRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT operator, type, model_name, isAvailable, input_text, output_text, input_image, output_image, reasoning_effect FROM model WHERE model_name = ?",
		name)
	return scanModel(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModel(row rowScanner) (ModelRecord, error) {
	var rec ModelRecord
	var effort sql.NullString
	err := row.Scan(&rec.Operator, &rec.Type, &rec.ModelName, &rec.IsAvailable,
		&rec.InputText, &rec.OutputText, &rec.InputImage, &rec.OutputImage, &effort)
	if err != nil {
		return ModelRecord{}, err
	}
	rec.ReasoningEffort = effort.String
	return rec, nil
}

func (s *MySQLStore) Users(ctx context.Context) ([]UserRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_name, password, email, api_token, default_base_model, default_embedding_model, system_prompt, long_term_memory FROM user")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []UserRecord
	for rows.Next() {
		rec, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *MySQLStore) User(ctx context.Context, name string) (UserRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT user_name, password, email, api_token, default_base_model, default_embedding_model, system_prompt, long_term_memory FROM user WHERE user_name = ?",
		name)
	return scanUser(row)
}

func scanUser(row rowScanner) (UserRecord, error) {
	var rec UserRecord
	var email, token, baseModel, embeddingModel, systemPrompt, memory sql.NullString
	err := row.Scan(&rec.UserName, &rec.Password, &email, &token, &baseModel, &embeddingModel, &systemPrompt, &memory)
	if err != nil {
		return UserRecord{}, err
	}
	rec.Email = email.String
	rec.APIToken = token.String
	rec.DefaultBaseModel = baseModel.String
	rec.DefaultEmbeddingModel = embeddingModel.String
	rec.SystemPrompt = systemPrompt.String
	rec.LongTermMemory = memory.String
	return rec, nil
}

func (s *MySQLStore) Tools(ctx context.Context) ([]ToolRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, type, url, headers FROM tools")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []ToolRecord
	for rows.Next() {
		rec, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *MySQLStore) Tool(ctx context.Context, name string) (ToolRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT name, type, url, headers FROM tools WHERE name = ?", name)
	return scanTool(row)
}

func scanTool(row rowScanner) (ToolRecord, error) {
	var rec ToolRecord
	var url, headers sql.NullString
	if err := row.Scan(&rec.Name, &rec.Type, &url, &headers); err != nil {
		return ToolRecord{}, err
	}
	rec.URL = url.String
	rec.Headers = headers.String
	return rec, nil
}
