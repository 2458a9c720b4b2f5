// Package llm holds the chat-completion capability used by every stage and
// the closed set of providers behind it.
package llm

import "context"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type CompletionRequest struct {
	Messages    []Message
	Temperature *float64
	// JSONMode asks the provider for a JSON object response.
	JSONMode bool
}

// Completer is implemented by every provider client.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

func System(content string) Message { return Message{Role: RoleSystem, Content: content} }
func User(content string) Message   { return Message{Role: RoleUser, Content: content} }

// Ask is a shorthand for a single system+user exchange.
func Ask(ctx context.Context, c Completer, system, user string, jsonMode bool) (string, error) {
	msgs := make([]Message, 0, 2)
	if system != "" {
		msgs = append(msgs, System(system))
	}
	msgs = append(msgs, User(user))
	return c.Complete(ctx, CompletionRequest{Messages: msgs, JSONMode: jsonMode})
}
