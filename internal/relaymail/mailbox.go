package relaymail

import (
	"context"
	"time"
)

// Message is a fully fetched mailbox message. Headers live on Payload.
type Message struct {
	ID           string
	ThreadID     string
	Snippet      string
	LabelIDs     []string
	InternalDate time.Time
	Payload      *Part
}

// Mailbox is the remote mail API the core depends on.
type Mailbox interface {
	// ListMessages returns ids matching query, most recent first, at most max.
	ListMessages(ctx context.Context, query string, max int64) ([]string, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
	MarkRead(ctx context.Context, id string) error
	// ListHistory returns ids of messages added after startHistoryID, in order
	// of appearance. An expired range returns ErrHistoryExpired.
	ListHistory(ctx context.Context, startHistoryID string) ([]string, error)
}

// MailboxProvider acquires credentials and yields a Mailbox. Failures wrap
// ErrAuthenticationUnavailable.
type MailboxProvider interface {
	Mailbox(ctx context.Context) (Mailbox, error)
}

type MailboxProviderFunc func(ctx context.Context) (Mailbox, error)

func (f MailboxProviderFunc) Mailbox(ctx context.Context) (Mailbox, error) {
	return f(ctx)
}
