package protocol

import (
	"bytes"
	"reflect"
)

// BlockType discriminates the ContentBlock variants.
type BlockType string

const (
	BlockTypeText       BlockType = "text"
	BlockTypeReasoning  BlockType = "reasoning"
	BlockTypeToolCall   BlockType = "tool_call"
	BlockTypeToolOutput BlockType = "tool_output"
	BlockTypeImage      BlockType = "image"
)

// ContentBlock is the atomic typed unit exchanged between the prompt
// assembler, provider adapters, agent engine and transcript writer.
// Exactly one variant's fields are populated, selected by Type.
// Blocks are immutable once appended to a message.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// reasoning. Extras carries provider-specific replay state such as
	// Gemini thought signatures; adapters round-trip it verbatim.
	Reasoning string            `json:"reasoning,omitempty"`
	Extras    map[string]string `json:"extras,omitempty"`

	// tool_call. ID is provider-scoped and correlates the eventual
	// tool_output.
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name,omitempty"`
	Args map[string]any `json:"args,omitempty"`

	// tool_output
	CallID  string `json:"call_id,omitempty"`
	Content string `json:"content,omitempty"`

	// image. Data holds raw bytes; base64 is the wire/persistence form only.
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"base64,omitempty"`
}

func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeText, Text: text}
}

func ReasoningBlock(reasoning string, extras map[string]string) ContentBlock {
	return ContentBlock{Type: BlockTypeReasoning, Reasoning: reasoning, Extras: extras}
}

func ToolCallBlock(id, name string, args map[string]any) ContentBlock {
	return ContentBlock{Type: BlockTypeToolCall, ID: id, Name: name, Args: args}
}

func ToolOutputBlock(callID, content string) ContentBlock {
	return ContentBlock{Type: BlockTypeToolOutput, CallID: callID, Content: content}
}

func ImageBlock(mimeType string, data []byte) ContentBlock {
	return ContentBlock{Type: BlockTypeImage, MimeType: mimeType, Data: data}
}

// Equal reports structural equality, including reasoning extras and raw
// image bytes.
func (b ContentBlock) Equal(other ContentBlock) bool {
	if b.Type != other.Type {
		return false
	}
	switch b.Type {
	case BlockTypeText:
		return b.Text == other.Text
	case BlockTypeReasoning:
		return b.Reasoning == other.Reasoning && reflect.DeepEqual(b.Extras, other.Extras)
	case BlockTypeToolCall:
		return b.ID == other.ID && b.Name == other.Name && reflect.DeepEqual(b.Args, other.Args)
	case BlockTypeToolOutput:
		return b.CallID == other.CallID && b.Content == other.Content
	case BlockTypeImage:
		return b.MimeType == other.MimeType && bytes.Equal(b.Data, other.Data)
	}
	return false
}
