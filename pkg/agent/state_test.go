package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexchat/cortex/pkg/protocol"
)

func TestState_AppendAndLast(t *testing.T) {
	state := NewState([]protocol.Message{protocol.UserMessage("hi")})

	last, ok := state.Last()
	require.True(t, ok)
	assert.Equal(t, protocol.RoleUser, last.Role)

	state.Append(protocol.AssistantMessage(protocol.TextBlock("hello")))
	last, ok = state.Last()
	require.True(t, ok)
	assert.Equal(t, protocol.RoleAssistant, last.Role)
	assert.Len(t, state.Messages, 2)
}

func TestState_LastEmpty(t *testing.T) {
	state := NewState(nil)
	_, ok := state.Last()
	assert.False(t, ok)
}

func TestExecutedCall_Matches(t *testing.T) {
	call := executedCall{
		Name: "web_search",
		Args: map[string]any{"query": "foo", "limit": float64(3)},
		ID:   "call_1",
	}

	assert.True(t, call.matches("web_search", map[string]any{"query": "foo", "limit": float64(3)}))
	assert.False(t, call.matches("web_search", map[string]any{"query": "bar", "limit": float64(3)}))
	assert.False(t, call.matches("wikipedia_search", map[string]any{"query": "foo", "limit": float64(3)}))
	assert.False(t, call.matches("web_search", map[string]any{"query": "foo"}))
}
