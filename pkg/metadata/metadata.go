package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cortexchat/cortex/pkg/llms"
	"github.com/cortexchat/cortex/pkg/store"
)

// Service resolves operator, model, user and remote-tool metadata through
// the registry cache. It is the single translation point between registry
// rows and the domain types the rest of the system consumes.
type Service struct {
	cache *store.RegistryCache
}

func NewService(cache *store.RegistryCache) *Service {
	return &Service{cache: cache}
}

// ModelInfo is the capability view of a model registry row.
type ModelInfo struct {
	Name            string
	Operator        string
	Available       bool
	Multimodal      bool
	ReasoningEffort llms.ReasoningEffort
}

// UserProfile is the per-user prompt context: system prompt override,
// long-term memory facts and defaults.
type UserProfile struct {
	UserName              string
	APIToken              string
	SystemPrompt          string
	DefaultBaseModel      string
	DefaultEmbeddingModel string
	LongTermMemory        []string
}

// RemoteTool describes a DB-registered tool endpoint.
type RemoteTool struct {
	Name    string
	Type    string
	URL     string
	Headers map[string]string
}

// Operator resolves a provider account by name.
func (s *Service) Operator(ctx context.Context, name string) (llms.Operator, error) {
	rec, err := s.cache.Operator(ctx, name)
	if err != nil {
		return llms.Operator{}, err
	}
	return llms.Operator{
		Name:      rec.Operator,
		Runtime:   rec.Runtime,
		Endpoint:  rec.Endpoint,
		APIKey:    rec.APIKey,
		OrgID:     rec.OrgID,
		ProjectID: rec.ProjectID,
	}, nil
}

// Model resolves a model's capability flags.
func (s *Service) Model(ctx context.Context, name string) (ModelInfo, error) {
	rec, err := s.cache.Model(ctx, name)
	if err != nil {
		return ModelInfo{}, err
	}
	return ModelInfo{
		Name:            rec.ModelName,
		Operator:        rec.Operator,
		Available:       rec.IsAvailable,
		Multimodal:      rec.InputImage,
		ReasoningEffort: llms.ParseReasoningEffort(rec.ReasoningEffort),
	}, nil
}

// IsMultimodal reports whether the model accepts image input. Unknown
// models are treated as text-only.
func (s *Service) IsMultimodal(ctx context.Context, name string) bool {
	info, err := s.Model(ctx, name)
	if err != nil {
		slog.Debug("model lookup failed, assuming text-only", "model", name, "error", err)
		return false
	}
	return info.Multimodal
}

// User resolves a user's prompt profile. LongTermMemory rows are stored
// as a JSON array; corrupt values degrade to an empty list.
func (s *Service) User(ctx context.Context, name string) (UserProfile, error) {
	rec, err := s.cache.User(ctx, name)
	if err != nil {
		return UserProfile{}, err
	}

	var memory []string
	if rec.LongTermMemory != "" {
		if err := json.Unmarshal([]byte(rec.LongTermMemory), &memory); err != nil {
			slog.Warn("corrupt long_term_memory, ignoring", "user", name, "error", err)
			memory = nil
		}
	}

	return UserProfile{
		UserName:              rec.UserName,
		APIToken:              rec.APIToken,
		SystemPrompt:          rec.SystemPrompt,
		DefaultBaseModel:      rec.DefaultBaseModel,
		DefaultEmbeddingModel: rec.DefaultEmbeddingModel,
		LongTermMemory:        memory,
	}, nil
}

// ResolveTools splits requested tool names into builtins (names with no
// registry row) and remote endpoints. A registry row with an unusable
// payload is an error; a missing row is not.
func (s *Service) ResolveTools(ctx context.Context, names []string) (builtin []string, remote []RemoteTool, err error) {
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		rec, lookupErr := s.cache.Tool(ctx, name)
		if lookupErr != nil {
			builtin = append(builtin, name)
			continue
		}

		headers := map[string]string{}
		if rec.Headers != "" {
			if err := json.Unmarshal([]byte(rec.Headers), &headers); err != nil {
				return nil, nil, fmt.Errorf("tool '%s' has corrupt headers: %w", name, err)
			}
		}
		if rec.URL == "" {
			return nil, nil, fmt.Errorf("tool '%s' has no URL", name)
		}

		remote = append(remote, RemoteTool{
			Name:    rec.Name,
			Type:    rec.Type,
			URL:     rec.URL,
			Headers: headers,
		})
	}
	return builtin, remote, nil
}
