package models

import (
	"fmt"
	"strings"
)

// ChatRole is the author of a chat message.
type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

// ChatMessage is one turn of a conversation. The caller supplies the full history on every request.
type ChatMessage struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}

// ChatRequest asks a question about one report. For longitudinal requests DocID is ignored.
type ChatRequest struct {
	DocID    string        `json:"doc_id"`
	Messages []ChatMessage `json:"messages"`
}

// Validate checks the request shape. requireDoc is false for longitudinal requests.
func (r *ChatRequest) Validate(requireDoc bool) error {
	if requireDoc && strings.TrimSpace(r.DocID) == "" {
		return fmt.Errorf("%w: doc_id is required", ErrValidation)
	}
	return ValidateMessages(r.Messages)
}

// Question returns the content of the last message.
func (r *ChatRequest) Question() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[len(r.Messages)-1].Content
}

// ValidateMessages checks that messages is non-empty, every role is known,
// and the last message is a non-empty user question.
func ValidateMessages(messages []ChatMessage) error {
	if len(messages) == 0 {
		return fmt.Errorf("%w: messages cannot be empty", ErrValidation)
	}
	for i, m := range messages {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return fmt.Errorf("%w: message %d has invalid role %q", ErrValidation, i, m.Role)
		}
	}
	last := messages[len(messages)-1]
	if last.Role != RoleUser {
		return fmt.Errorf("%w: last message must come from the user", ErrValidation)
	}
	if strings.TrimSpace(last.Content) == "" {
		return fmt.Errorf("%w: question cannot be empty", ErrValidation)
	}
	return nil
}

// Answer is the outcome of one retrieval-augmented call.
type Answer struct {
	Diagnosis string   `json:"diagnosis"`
	Sources   []string `json:"sources"`
	Contexts  []string `json:"contexts,omitempty"`
}
