package agent

import (
	"reflect"

	"github.com/cortexchat/cortex/pkg/protocol"
)

// State is the accumulating message list for one run. Messages are only
// ever appended; nodes never rewrite history.
type State struct {
	Messages []protocol.Message
}

func NewState(messages []protocol.Message) *State {
	return &State{Messages: messages}
}

func (s *State) Append(messages ...protocol.Message) {
	s.Messages = append(s.Messages, messages...)
}

// Last returns the most recent message, or false when the state is empty.
func (s *State) Last() (protocol.Message, bool) {
	if len(s.Messages) == 0 {
		return protocol.Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// executedCall is one dispatched tool invocation, kept for duplicate
// detection within a run.
type executedCall struct {
	Name string
	Args map[string]any
	ID   string
}

// matches reports whether a pending call repeats an executed one. Args are
// JSON-decoded maps, so deep equality is exact.
func (c executedCall) matches(name string, args map[string]any) bool {
	return c.Name == name && reflect.DeepEqual(c.Args, args)
}
