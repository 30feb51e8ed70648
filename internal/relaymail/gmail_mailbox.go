package relaymail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

const (
	DefaultGmailCallTimeout = 30 * time.Second
	gmailUnreadLabel        = "UNREAD"
	gmailInboxLabel         = "INBOX"
)

type GmailMailboxOptions struct {
	User        string
	CallTimeout time.Duration
	Breaker     *gobreaker.CircuitBreaker
	Logger      Logger
}

// GmailMailbox adapts the Gmail v1 API to Mailbox. Every call is bounded by
// CallTimeout and runs through a shared circuit breaker; there are no retries.
type GmailMailbox struct {
	svc     *gmail.Service
	user    string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
}

func NewGmailMailbox(svc *gmail.Service, opts GmailMailboxOptions) *GmailMailbox {
	user := strings.TrimSpace(opts.User)
	if user == "" {
		user = "me"
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = DefaultGmailCallTimeout
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker = NewGmailBreaker(opts.Logger)
	}
	return &GmailMailbox{svc: svc, user: user, timeout: timeout, breaker: breaker}
}

// NewGmailBreaker trips after more than five consecutive failures, or a 60%
// failure rate over at least ten requests. Client errors (4xx) count as
// successes so an expired history range never opens the circuit.
func NewGmailBreaker(logger Logger) *gobreaker.CircuitBreaker {
	if logger == nil {
		logger = log.Default()
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) {
				return apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Printf("relaymail: circuit %s changed from %s to %s", name, from, to)
		},
	})
}

func (m *GmailMailbox) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	_, err := m.breaker.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err != nil {
		return fmt.Errorf("gmail %s: %w", op, err)
	}
	return nil
}

func (m *GmailMailbox) ListMessages(ctx context.Context, query string, max int64) ([]string, error) {
	var ids []string
	err := m.call(ctx, "messages.list", func(ctx context.Context) error {
		call := m.svc.Users.Messages.List(m.user).Q(query).LabelIds(gmailInboxLabel).Context(ctx)
		if max > 0 {
			call = call.MaxResults(max)
		}
		resp, err := call.Do()
		if err != nil {
			return err
		}
		for _, msg := range resp.Messages {
			if msg != nil && msg.Id != "" {
				ids = append(ids, msg.Id)
			}
		}
		return nil
	})
	return ids, err
}

func (m *GmailMailbox) GetMessage(ctx context.Context, id string) (*Message, error) {
	var msg *gmail.Message
	err := m.call(ctx, "messages.get", func(ctx context.Context) error {
		var err error
		msg, err = m.svc.Users.Messages.Get(m.user, id).Format("full").Context(ctx).Do()
		return err
	})
	if err != nil {
		if isGoogleStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("%w: message %s: %v", ErrNotFound, id, err)
		}
		return nil, err
	}
	return convertGmailMessage(msg)
}

func (m *GmailMailbox) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	var body *gmail.MessagePartBody
	err := m.call(ctx, "attachments.get", func(ctx context.Context) error {
		var err error
		body, err = m.svc.Users.Messages.Attachments.Get(m.user, messageID, attachmentID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	data, err := decodeBase64URL(body.Data)
	if err != nil {
		return nil, fmt.Errorf("decode attachment %s: %w", attachmentID, err)
	}
	return data, nil
}

func (m *GmailMailbox) MarkRead(ctx context.Context, id string) error {
	return m.call(ctx, "messages.modify", func(ctx context.Context) error {
		_, err := m.svc.Users.Messages.Modify(m.user, id, &gmail.ModifyMessageRequest{
			RemoveLabelIds: []string{gmailUnreadLabel},
		}).Context(ctx).Do()
		return err
	})
}

func (m *GmailMailbox) ListHistory(ctx context.Context, startHistoryID string) ([]string, error) {
	start, err := strconv.ParseUint(strings.TrimSpace(startHistoryID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: history id %q", ErrInvalidInput, startHistoryID)
	}
	var ids []string
	seen := map[string]struct{}{}
	err = m.call(ctx, "history.list", func(ctx context.Context) error {
		return m.svc.Users.History.List(m.user).
			StartHistoryId(start).
			HistoryTypes("messageAdded").
			LabelId(gmailInboxLabel).
			Pages(ctx, func(resp *gmail.ListHistoryResponse) error {
				for _, h := range resp.History {
					for _, added := range h.MessagesAdded {
						if added == nil || added.Message == nil || added.Message.Id == "" {
							continue
						}
						if _, ok := seen[added.Message.Id]; ok {
							continue
						}
						seen[added.Message.Id] = struct{}{}
						ids = append(ids, added.Message.Id)
					}
				}
				return nil
			})
	})
	if err != nil {
		if isGoogleStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("%w: start %d: %v", ErrHistoryExpired, start, err)
		}
		return nil, err
	}
	return ids, nil
}

func isGoogleStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func convertGmailMessage(msg *gmail.Message) (*Message, error) {
	if msg == nil {
		return nil, ErrNotFound
	}
	payload, err := convertGmailPart(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", msg.Id, err)
	}
	out := &Message{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Snippet:  msg.Snippet,
		LabelIDs: msg.LabelIds,
		Payload:  payload,
	}
	if msg.InternalDate > 0 {
		out.InternalDate = time.UnixMilli(msg.InternalDate).UTC()
	}
	return out, nil
}

func convertGmailPart(p *gmail.MessagePart) (*Part, error) {
	if p == nil {
		return nil, nil
	}
	part := &Part{
		MimeType: p.MimeType,
		Filename: p.Filename,
	}
	for _, h := range p.Headers {
		if h != nil {
			part.Headers = append(part.Headers, Header{Name: h.Name, Value: h.Value})
		}
	}
	if p.Body != nil {
		part.Size = p.Body.Size
		part.AttachmentID = p.Body.AttachmentId
		if p.Body.Data != "" {
			data, err := decodeBase64URL(p.Body.Data)
			if err != nil {
				return nil, fmt.Errorf("decode part %s: %w", p.PartId, err)
			}
			part.Data = data
		}
	}
	for _, child := range p.Parts {
		converted, err := convertGmailPart(child)
		if err != nil {
			return nil, err
		}
		if converted != nil {
			part.Children = append(part.Children, converted)
		}
	}
	return part, nil
}

func decodeBase64URL(data string) ([]byte, error) {
	if out, err := base64.URLEncoding.DecodeString(data); err == nil {
		return out, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
}
