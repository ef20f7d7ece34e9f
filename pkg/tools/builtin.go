package tools

import (
	"database/sql"

	"github.com/cortexchat/cortex/pkg/config"
)

// BuiltinDeps carries the shared resources builtin tools bind to at
// registration.
type BuiltinDeps struct {
	Config *config.Config
	DB     *sql.DB
	Store  ObjectUploader
}

// RegisterBuiltins registers the static tool set. Tools whose backing
// resource is not configured are skipped.
func RegisterBuiltins(reg *ToolRegistry, deps BuiltinDeps) error {
	builtins := []Tool{
		NewCurrentDateTool(),
		NewWebRequestTool(nil),
	}

	maxResults := 5
	if deps.Config != nil {
		maxResults = deps.Config.WebSearchMaxResults
	}
	builtins = append(builtins, NewWikipediaSearchTool(maxResults))

	if deps.Config != nil && deps.Config.TavilyAPIKey != "" {
		builtins = append(builtins, NewWebSearchTool(deps.Config.TavilyAPIKey, maxResults))
	}
	if deps.DB != nil {
		builtins = append(builtins, NewSQLQueryTool(deps.DB, 0))
	}
	if deps.Store != nil {
		builtins = append(builtins, NewStorageUploadTool(deps.Store))
	}
	if deps.Config != nil && deps.Config.SSH.Host != "" {
		builtins = append(builtins, NewSSHCommandTool(
			deps.Config.SSH.Host, deps.Config.SSH.Port,
			deps.Config.SSH.User, deps.Config.SSH.Password))
	}
	if deps.Config != nil && deps.Config.SMTP.Server != "" {
		builtins = append(builtins, NewEmailSendTool(deps.Config.SMTP))
	}

	for _, tool := range builtins {
		if err := reg.RegisterTool("builtin", "builtin", tool); err != nil {
			return err
		}
	}
	return nil
}
