package store

import (
	"time"
)

// ChatRecord is one row of the chat table, the parent of every transcript
// row for a request.
type ChatRecord struct {
	ID            int64
	UserName      string
	Type          string
	BaseModel     string
	HumanInput    string
	KnowledgeBase string
	CreatedAt     time.Time
}

// UserInputRecord stores a user-supplied attachment or text segment.
type UserInputRecord struct {
	ID            int64
	ChatID        int64
	InputType     string
	InputContent  string
	InputLocation string
	CreatedAt     time.Time
}

// AIResponseRecord is one contiguous run of assistant output text.
type AIResponseRecord struct {
	ID        int64
	ChatID    int64
	Response  string
	CreatedAt time.Time
}

// AIReasoningRecord is one contiguous run of reasoning summary text.
type AIReasoningRecord struct {
	ID        int64
	ChatID    int64
	Reasoning string
	CreatedAt time.Time
}

// ToolCallRecord persists a model-issued tool invocation. Problem holds the
// user question that prompted the call.
type ToolCallRecord struct {
	ID        int64
	ChatID    int64
	CallID    string
	ToolName  string
	Args      string
	Problem   string
	CreatedAt time.Time
}

// ToolOutputRecord persists the result of a tool call, correlated by CallID.
type ToolOutputRecord struct {
	ID        int64
	ChatID    int64
	CallID    string
	Content   string
	CreatedAt time.Time
}

// OperatorRecord is a provider account row from the operator registry table.
type OperatorRecord struct {
	Operator         string `json:"operator"`
	Runtime          string `json:"runtime"`
	Endpoint         string `json:"endpoint"`
	APIKey           string `json:"api_key"`
	OrgID            string `json:"org_id"`
	ProjectID        string `json:"project_id"`
	ChatPattern      string `json:"chat_pattern"`
	EmbeddingPattern string `json:"embedding_pattern"`
	ImagePattern     string `json:"image_pattern"`
}

// ModelRecord is a model capability row from the model registry table.
type ModelRecord struct {
	Operator        string `json:"operator"`
	Type            string `json:"type"`
	ModelName       string `json:"model_name"`
	IsAvailable     bool   `json:"is_available"`
	InputText       bool   `json:"input_text"`
	OutputText      bool   `json:"output_text"`
	InputImage      bool   `json:"input_image"`
	OutputImage     bool   `json:"output_image"`
	ReasoningEffort string `json:"reasoning_effort"`
}

// UserRecord is an account row from the user registry table.
// LongTermMemory holds a JSON array of remembered facts.
type UserRecord struct {
	UserName              string `json:"user_name"`
	Password              string `json:"password"`
	Email                 string `json:"email"`
	APIToken              string `json:"api_token"`
	DefaultBaseModel      string `json:"default_base_model"`
	DefaultEmbeddingModel string `json:"default_embedding_model"`
	SystemPrompt          string `json:"system_prompt"`
	LongTermMemory        string `json:"long_term_memory"`
}

// ToolRecord is a remote tool endpoint row from the tools registry table.
// Headers holds a JSON object of request headers.
type ToolRecord struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	URL     string `json:"url"`
	Headers string `json:"headers"`
}
