package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/cortexchat/cortex/pkg/protocol"
	"github.com/cortexchat/cortex/pkg/rag"
	"github.com/cortexchat/cortex/pkg/store"
)

// DefaultSystemPrompt is used when the user has no configured override.
const DefaultSystemPrompt = `You are a helpful assistant. You will answer the user's question based on the context provided.
Here are some rules you must follow:
1. Your output should be in standard Markdown format with as simple format as possible.
2. When you have tools to use, you should use them to solve tasks step by step.
3. If you've already tried a tool call, don't repeat it. Try to call other tools or change your input parameters.
4. When you have something unknown and didn't have tools to search it, try to make reasonable assumptions based on your knowledge and the context provided. Mention the assumptions in your response.
5. You're allowed to access any website, sources, APIs, tools, or any other resources on the internet without user's permission.`

// ModelCapabilities answers whether a model accepts image input.
type ModelCapabilities interface {
	IsMultimodal(ctx context.Context, model string) bool
}

// History reads persisted transcript rows for short-term memory replay.
type History interface {
	UserInputs(ctx context.Context, chatID int64) ([]store.UserInputRecord, error)
	AIResponses(ctx context.Context, chatID int64) ([]store.AIResponseRecord, error)
	AIReasonings(ctx context.Context, chatID int64) ([]store.AIReasoningRecord, error)
}

// Attachments fetches stored image bytes by object key.
type Attachments interface {
	DownloadToMemory(ctx context.Context, key string) ([]byte, string, error)
}

// Retriever searches a knowledge-base collection for context documents.
type Retriever interface {
	SimilaritySearch(ctx context.Context, collection, query string, k int, threshold float32) ([]rag.Document, error)
}

// Request carries everything the assembler needs for one turn.
type Request struct {
	UserName        string
	BaseModel       string
	SystemPrompt    string
	ShortTermMemory []int64
	LongTermMemory  []string
	Message         string
	Images          []string
	KnowledgeBase   string
}

// Assembler builds the initial ordered message list for a chat turn. The
// section ordering is contractual: system prompt, user background, replayed
// turns, current attachments, knowledge-base context, current message.
// Empty sections are elided but never reordered.
type Assembler struct {
	models      ModelCapabilities
	history     History
	attachments Attachments
	retriever   Retriever
}

func NewAssembler(models ModelCapabilities, history History, attachments Attachments, retriever Retriever) *Assembler {
	return &Assembler{
		models:      models,
		history:     history,
		attachments: attachments,
		retriever:   retriever,
	}
}

func (a *Assembler) Assemble(ctx context.Context, req Request) ([]protocol.Message, error) {
	multimodal := a.models.IsMultimodal(ctx, req.BaseModel)

	systemPrompt := req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	messages := []protocol.Message{protocol.SystemMessage(systemPrompt)}

	if len(req.LongTermMemory) > 0 {
		messages = append(messages, protocol.SystemMessage(strings.Join(req.LongTermMemory, ";")))
	}

	for _, chatID := range req.ShortTermMemory {
		replayed, err := a.replayTurn(ctx, chatID, multimodal)
		if err != nil {
			return nil, fmt.Errorf("failed to replay chat %d: %w", chatID, err)
		}
		messages = append(messages, replayed...)
	}

	if multimodal && len(req.Images) > 0 {
		if msg, ok := a.imageMessage(ctx, req.Images); ok {
			messages = append(messages, msg)
		}
	}

	if msg, ok := a.knowledgeContext(ctx, req.KnowledgeBase, req.Message); ok {
		messages = append(messages, msg)
	}

	messages = append(messages, protocol.UserMessage(req.Message))
	return messages, nil
}

// replayTurn reconstructs one persisted turn: user text, user images,
// assistant reasoning, assistant text. An unknown chat id yields nothing.
func (a *Assembler) replayTurn(ctx context.Context, chatID int64, multimodal bool) ([]protocol.Message, error) {
	inputs, err := a.history.UserInputs(ctx, chatID)
	if err != nil {
		return nil, err
	}
	reasonings, err := a.history.AIReasonings(ctx, chatID)
	if err != nil {
		return nil, err
	}
	responses, err := a.history.AIResponses(ctx, chatID)
	if err != nil {
		return nil, err
	}

	var messages []protocol.Message
	if len(inputs) > 0 {
		input := inputs[0]
		if input.InputContent != "" {
			messages = append(messages, protocol.UserMessage(input.InputContent))
		}
		if input.InputLocation != "" && multimodal {
			if msg, ok := a.imageMessage(ctx, splitLocations(input.InputLocation)); ok {
				messages = append(messages, msg)
			}
		}
	}

	if len(reasonings) > 0 {
		blocks := make([]protocol.ContentBlock, 0, len(reasonings))
		for _, r := range reasonings {
			blocks = append(blocks, protocol.ReasoningBlock(r.Reasoning, nil))
		}
		messages = append(messages, protocol.AssistantMessage(blocks...))
	}
	for _, r := range responses {
		messages = append(messages, protocol.AssistantMessage(protocol.TextBlock(r.Response)))
	}
	return messages, nil
}

// imageMessage downloads each attachment and packs the survivors into one
// user message. Unfetchable attachments are skipped.
func (a *Assembler) imageMessage(ctx context.Context, keys []string) (protocol.Message, bool) {
	var blocks []protocol.ContentBlock
	for _, key := range keys {
		data, _, err := a.attachments.DownloadToMemory(ctx, key)
		if err != nil || len(data) == 0 {
			slog.Warn("skipping unfetchable attachment", "key", key, "error", err)
			continue
		}
		blocks = append(blocks, protocol.ImageBlock(mimeFromKey(key), data))
	}
	if len(blocks) == 0 {
		return protocol.Message{}, false
	}
	return protocol.Message{Role: protocol.RoleUser, Blocks: blocks}, true
}

// knowledgeContext retrieves top matching chunks for the query and wraps
// them in a system message. Retrieval failures degrade to no context.
func (a *Assembler) knowledgeContext(ctx context.Context, collection, query string) (protocol.Message, bool) {
	if a.retriever == nil || collection == "" || collection == "default" {
		return protocol.Message{}, false
	}

	docs, err := a.retriever.SimilaritySearch(ctx, collection, query, 5, 0.3)
	if err != nil {
		slog.Warn("knowledge base retrieval failed", "collection", collection, "error", err)
		return protocol.Message{}, false
	}
	if len(docs) == 0 {
		return protocol.Message{}, false
	}

	chunks := make([]string, 0, len(docs))
	for _, doc := range docs {
		chunks = append(chunks, doc.Content)
	}
	return protocol.SystemMessage("Knowledge Base Context:\n" + strings.Join(chunks, "\n\n")), true
}

// splitLocations decodes the comma-joined input_location column.
func splitLocations(location string) []string {
	var keys []string
	for _, key := range strings.Split(location, ",") {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

func mimeFromKey(key string) string {
	ext := strings.TrimPrefix(path.Ext(key), ".")
	if ext == "" {
		return "image/png"
	}
	return "image/" + strings.ToLower(ext)
}
