package protocol

import "strings"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a role plus an ordered list of content blocks. A tool message
// contains exactly one tool_output whose call_id matches an earlier
// assistant tool_call in the same conversation prefix.
type Message struct {
	Role   Role           `json:"role"`
	Blocks []ContentBlock `json:"blocks"`
}

func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Blocks: []ContentBlock{TextBlock(text)}}
}

func UserMessage(text string) Message {
	return Message{Role: RoleUser, Blocks: []ContentBlock{TextBlock(text)}}
}

func AssistantMessage(blocks ...ContentBlock) Message {
	return Message{Role: RoleAssistant, Blocks: blocks}
}

func ToolMessage(output ContentBlock) Message {
	return Message{Role: RoleTool, Blocks: []ContentBlock{output}}
}

// LastBlock returns the final block, or a zero block when the message is
// empty.
func (m Message) LastBlock() (ContentBlock, bool) {
	if len(m.Blocks) == 0 {
		return ContentBlock{}, false
	}
	return m.Blocks[len(m.Blocks)-1], true
}

// Text concatenates all text blocks in order.
func (m Message) Text() string {
	var sb strings.Builder
	for _, b := range m.Blocks {
		if b.Type == BlockTypeText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the tool_call blocks in order.
func (m Message) ToolCalls() []ContentBlock {
	var calls []ContentBlock
	for _, b := range m.Blocks {
		if b.Type == BlockTypeToolCall {
			calls = append(calls, b)
		}
	}
	return calls
}

// Equal reports structural equality of two messages.
func (m Message) Equal(other Message) bool {
	if m.Role != other.Role || len(m.Blocks) != len(other.Blocks) {
		return false
	}
	for i := range m.Blocks {
		if !m.Blocks[i].Equal(other.Blocks[i]) {
			return false
		}
	}
	return true
}

// EqualMessages reports element-wise equality of two message lists.
func EqualMessages(a, b []Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
