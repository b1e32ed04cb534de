package notify

import (
	"context"
	"time"
)

// MessageKind classifies outbound messages.
type MessageKind string

const (
	KindCrisisDirective MessageKind = "crisis_directive"
	KindCheckInPrompt   MessageKind = "checkin_prompt"
	KindManualReview    MessageKind = "manual_review"
)

// Message is one notification to deliver. Bodies are template references
// plus parameters; composing user-facing emergency copy is the
// transport's concern, not this engine's.
type Message struct {
	ID           string            `json:"id"`
	CaseID       string            `json:"case_id"`
	Kind         MessageKind       `json:"kind"`
	RecipientRef string            `json:"recipient_ref"`
	TemplateID   string            `json:"template_id"`
	Params       map[string]string `json:"params,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Channel delivers messages (file, webhook, etc.).
type Channel interface {
	Name() string
	Deliver(context.Context, Message) error
	Close(context.Context) error
}
