package agent

import "github.com/openai/openai-go"

// Conversation is an append-only ordered log of chat messages. It is owned
// by a single question's control loop while that question runs and carried
// across questions within one session.
type Conversation struct {
	messages []openai.ChatCompletionMessageParamUnion
}

func NewConversation() *Conversation {
	return &Conversation{messages: []openai.ChatCompletionMessageParamUnion{}}
}

func (c *Conversation) Len() int {
	return len(c.messages)
}

// Add appends one or more messages in order. Messages are never replaced
// or removed.
func (c *Conversation) Add(msgs ...openai.ChatCompletionMessageParamUnion) {
	c.messages = append(c.messages, msgs...)
}

func (c *Conversation) All() []openai.ChatCompletionMessageParamUnion {
	return c.messages
}

func (c *Conversation) Clone() *Conversation {
	return &Conversation{
		messages: append([]openai.ChatCompletionMessageParamUnion{}, c.messages...),
	}
}

// rewind drops every message past index n. Only the control loop uses it,
// to undo a partial bootstrap whose messages must not leak into the next
// question.
func (c *Conversation) rewind(n int) {
	if n < 0 {
		n = 0
	}
	if n < len(c.messages) {
		c.messages = c.messages[:n]
	}
}
