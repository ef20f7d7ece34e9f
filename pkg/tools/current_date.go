package tools

import (
	"context"
	"time"
)

// CurrentDateTool reports today's date so models with stale training
// cutoffs can anchor time-sensitive answers.
type CurrentDateTool struct {
	clock func() time.Time
}

func NewCurrentDateTool() *CurrentDateTool {
	return &CurrentDateTool{clock: time.Now}
}

func (t *CurrentDateTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "current_date_tool",
		Description: "Returns the current date. Use when the user asks about today's date or anything relative to it.",
		Schema:      emptySchema(),
	}
}

func (t *CurrentDateTool) GetName() string        { return t.GetInfo().Name }
func (t *CurrentDateTool) GetDescription() string { return t.GetInfo().Description }

func (t *CurrentDateTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return t.clock().Format("Monday, 2006-01-02"), nil
}
