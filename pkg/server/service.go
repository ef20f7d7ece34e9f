package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/cortexchat/cortex/pkg/agent"
	"github.com/cortexchat/cortex/pkg/config"
	"github.com/cortexchat/cortex/pkg/llms"
	"github.com/cortexchat/cortex/pkg/metadata"
	"github.com/cortexchat/cortex/pkg/prompt"
	"github.com/cortexchat/cortex/pkg/protocol"
	"github.com/cortexchat/cortex/pkg/store"
	"github.com/cortexchat/cortex/pkg/tools"
	"github.com/cortexchat/cortex/pkg/transcript"
)

// ChatConfig selects the model, tools and memory for one request.
type ChatConfig struct {
	Operator        string   `json:"operator"`
	BaseModel       string   `json:"base_model"`
	ToolsName       []string `json:"tools_name"`
	ShortTermMemory []int64  `json:"short_term_memory"`
	LongTermMemory  []string `json:"long_term_memory"`
	KnowledgeBase   string   `json:"knowledge_base"`
}

// ChatRequest is the inbound shape shared by the chat endpoints.
type ChatRequest struct {
	UserName string     `json:"user_name"`
	Message  string     `json:"message"`
	Images   []string   `json:"images"`
	Config   ChatConfig `json:"config"`
}

// BatchRequest runs several independent messages under one config.
type BatchRequest struct {
	UserName string     `json:"user_name"`
	Messages []string   `json:"messages"`
	Images   []string   `json:"images"`
	Config   ChatConfig `json:"config"`
}

// CompletionResponse is the unary result: the final assistant turn.
type CompletionResponse struct {
	ChatID int64                   `json:"chat_id"`
	Blocks []protocol.ContentBlock `json:"blocks"`
}

// ProviderFactory builds a provider for an operator and model. Swappable
// in tests.
type ProviderFactory func(op llms.Operator, model string, opts llms.Options) (llms.Provider, error)

// ChatService assembles the per-request pipeline: metadata resolution,
// tool registry, prompt assembly, engine, transcript.
type ChatService struct {
	cfg         *config.Config
	meta        *metadata.Service
	db          *store.MySQLStore
	assembler   *prompt.Assembler
	builtins    *tools.ToolRegistry
	providers   *llms.ProviderRegistry
	newProvider ProviderFactory
}

func NewChatService(cfg *config.Config, meta *metadata.Service, db *store.MySQLStore, assembler *prompt.Assembler, builtins *tools.ToolRegistry, factory ProviderFactory) *ChatService {
	if factory == nil {
		factory = llms.NewProvider
	}
	return &ChatService{
		cfg:         cfg,
		meta:        meta,
		db:          db,
		assembler:   assembler,
		builtins:    builtins,
		providers:   llms.NewProviderRegistry(),
		newProvider: factory,
	}
}

// Close releases the shared provider clients.
func (s *ChatService) Close() error {
	for _, provider := range s.providers.List() {
		if err := provider.Close(); err != nil {
			slog.Debug("failed to close provider", "error", err)
		}
	}
	s.providers.Clear()
	return nil
}

// providerFor returns the long-lived provider for an operator and model,
// building it on first use. Concurrent requests share the cached provider
// and its HTTP client.
func (s *ChatService) providerFor(op llms.Operator, model string, opts llms.Options) (llms.Provider, error) {
	key := op.Name + "/" + model
	if provider, ok := s.providers.Get(key); ok {
		return provider, nil
	}

	provider, err := s.newProvider(op, model, opts)
	if err != nil {
		return nil, err
	}
	if err := s.providers.RegisterProvider(key, provider); err != nil {
		// Lost the registration race; keep the winner.
		if cached, ok := s.providers.Get(key); ok {
			provider.Close()
			return cached, nil
		}
		return nil, err
	}
	return provider, nil
}

// Profile resolves the user's stored profile; unknown users get a zero
// profile rather than an error.
func (s *ChatService) Profile(ctx context.Context, userName string) metadata.UserProfile {
	profile, err := s.meta.User(ctx, userName)
	if err != nil {
		slog.Debug("user lookup failed, using defaults", "user", userName, "error", err)
		return metadata.UserProfile{UserName: userName}
	}
	return profile
}

// chatRun is one prepared request, ready to execute.
type chatRun struct {
	chatID  int64
	message string
	state   *agent.State
	engine  *agent.Engine
}

func (s *ChatService) prepare(ctx context.Context, req ChatRequest) (*chatRun, error) {
	profile := s.Profile(ctx, req.UserName)

	operatorName := req.Config.Operator
	if operatorName == "" {
		operatorName = s.cfg.DefaultOperator
	}
	modelName := req.Config.BaseModel
	if modelName == "" {
		modelName = profile.DefaultBaseModel
	}
	if modelName == "" {
		modelName = s.cfg.DefaultBaseModel
	}

	op, err := s.meta.Operator(ctx, operatorName)
	if err != nil {
		return nil, fmt.Errorf("unknown operator '%s': %w", operatorName, err)
	}

	effort := llms.EffortOff
	if info, err := s.meta.Model(ctx, modelName); err == nil {
		effort = info.ReasoningEffort
	} else {
		slog.Debug("model lookup failed, reasoning disabled", "model", modelName, "error", err)
	}

	opts := llms.DefaultOptions()
	opts.TimeoutSeconds = s.cfg.LLMTimeoutSeconds
	opts.MaxRetries = s.cfg.LLMMaxRetries
	opts.RetryDelaySeconds = s.cfg.LLMRetryDelaySeconds

	provider, err := s.providerFor(op, modelName, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to build provider: %w", err)
	}

	registry, err := s.buildRegistry(ctx, req.Config.ToolsName)
	if err != nil {
		return nil, err
	}

	longTerm := req.Config.LongTermMemory
	if len(longTerm) == 0 {
		longTerm = profile.LongTermMemory
	}

	chatID, err := s.db.CreateChat(ctx, store.ChatRecord{
		UserName:      req.UserName,
		Type:          "chat",
		BaseModel:     modelName,
		HumanInput:    transcript.Truncate(req.Message, s.cfg.InputMaxLength),
		KnowledgeBase: req.Config.KnowledgeBase,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}

	inputType := "text"
	if len(req.Images) > 0 {
		inputType = "multimodal"
	}
	if err := s.db.InsertUserInput(ctx, store.UserInputRecord{
		ChatID:        chatID,
		InputType:     inputType,
		InputContent:  transcript.Truncate(req.Message, s.cfg.InputMaxLength),
		InputLocation: strings.Join(req.Images, ","),
	}); err != nil {
		slog.Error("failed to persist user input", "chat_id", chatID, "error", err)
	}

	messages, err := s.assembler.Assemble(ctx, prompt.Request{
		UserName:        req.UserName,
		BaseModel:       modelName,
		SystemPrompt:    profile.SystemPrompt,
		ShortTermMemory: req.Config.ShortTermMemory,
		LongTermMemory:  longTerm,
		Message:         req.Message,
		Images:          req.Images,
		KnowledgeBase:   req.Config.KnowledgeBase,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to assemble prompt: %w", err)
	}

	engine := agent.NewEngine(provider, tools.NewDispatcher(registry), effort, s.cfg.ToolCallLimitFor(op.Runtime))
	return &chatRun{
		chatID:  chatID,
		message: req.Message,
		state:   agent.NewState(messages),
		engine:  engine,
	}, nil
}

// buildRegistry resolves the requested tool names into a per-request
// registry: builtins are copied from the startup set, DB-registered
// endpoints are discovered live. A source that fails discovery is skipped,
// not fatal.
func (s *ChatService) buildRegistry(ctx context.Context, names []string) (*tools.ToolRegistry, error) {
	registry := tools.NewToolRegistry()
	if len(names) == 0 {
		return registry, nil
	}

	builtinNames, remotes, err := s.meta.ResolveTools(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tools: %w", err)
	}

	for _, name := range builtinNames {
		entry, ok := s.builtins.Get(name)
		if !ok {
			slog.Warn("requested tool is not registered", "tool", name)
			continue
		}
		if err := registry.Register(name, entry); err != nil {
			return nil, err
		}
	}

	var httpSpecs []tools.RemoteToolSpec
	for _, remote := range remotes {
		if remote.Type == "mcp" {
			source := tools.NewMCPToolSource(remote.Name, remote.URL, remote.Headers)
			if err := registry.RegisterSource(ctx, source); err != nil {
				slog.Warn("mcp tool discovery failed", "tool", remote.Name, "error", err)
			}
			continue
		}
		httpSpecs = append(httpSpecs, tools.RemoteToolSpec{
			Name:    remote.Name,
			URL:     remote.URL,
			Headers: remote.Headers,
		})
	}
	if len(httpSpecs) > 0 {
		source := tools.NewHTTPToolSource("registry", httpSpecs)
		if err := registry.RegisterSource(ctx, source); err != nil {
			slog.Warn("http tool discovery failed", "error", err)
		}
	}
	return registry, nil
}

// StreamChat runs the full pipeline, writing NDJSON frames to out. An error
// is only returned for failures before the first frame.
func (s *ChatService) StreamChat(ctx context.Context, out io.Writer, req ChatRequest) error {
	run, err := s.prepare(ctx, req)
	if err != nil {
		return err
	}

	writer := transcript.NewWriter(out, s.db, run.chatID, run.message, s.cfg.OutputMaxLength)
	writer.Consume(ctx, run.engine.Stream(ctx, run.state))
	return nil
}

// Complete runs the pipeline without a network stream and returns the
// final assistant turn. Transcript rows are persisted as in streaming.
func (s *ChatService) Complete(ctx context.Context, req ChatRequest) (*CompletionResponse, error) {
	run, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	writer := transcript.NewWriter(io.Discard, s.db, run.chatID, run.message, s.cfg.OutputMaxLength)
	runErr := run.engine.Run(ctx, run.state, func(ev agent.Event) {
		writer.WriteEvent(ctx, ev)
	})
	writer.Finish(ctx)
	if runErr != nil {
		return nil, runErr
	}

	last, ok := run.state.Last()
	if !ok || last.Role != protocol.RoleAssistant {
		return nil, fmt.Errorf("run ended without an assistant turn")
	}
	return &CompletionResponse{ChatID: run.chatID, Blocks: last.Blocks}, nil
}

// CompleteBatch runs each message as an independent completion and returns
// the results in input order.
func (s *ChatService) CompleteBatch(ctx context.Context, req BatchRequest) ([]CompletionResponse, error) {
	results := make([]CompletionResponse, len(req.Messages))
	g, ctx := errgroup.WithContext(ctx)
	for i, message := range req.Messages {
		g.Go(func() error {
			resp, err := s.Complete(ctx, ChatRequest{
				UserName: req.UserName,
				Message:  message,
				Images:   req.Images,
				Config:   req.Config,
			})
			if err != nil {
				return err
			}
			results[i] = *resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
