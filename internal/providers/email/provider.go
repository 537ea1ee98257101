package email

import (
	"context"
	"errors"
)

var ErrNoRecipient = errors.New("email_no_recipient")

type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

type Message struct {
	To          []string
	Subject     string
	HTMLBody    string
	Attachments []Attachment
	// Headers are extra MIME headers such as a tracking id.
	Headers map[string]string
}

type Provider interface {
	Send(ctx context.Context, msg Message) error
}

// NoOpProvider accepts every message without delivering it.
type NoOpProvider struct{}

func (p *NoOpProvider) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return ErrNoRecipient
	}
	return nil
}
