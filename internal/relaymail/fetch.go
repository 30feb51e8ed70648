package relaymail

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// MessageRecord is the normalized message written once as a JSON artifact.
type MessageRecord struct {
	ID                    string           `json:"id"`
	ThreadID              string           `json:"threadId,omitempty"`
	Subject               string           `json:"subject"`
	From                  string           `json:"from"`
	To                    string           `json:"to"`
	Date                  string           `json:"date"`
	Body                  string           `json:"body"`
	Snippet               string           `json:"snippet"`
	Attachments           []AttachmentInfo `json:"attachments"`
	DownloadedAttachments []AttachmentInfo `json:"downloadedAttachments"`
	ProcessedAt           time.Time        `json:"processedAt"`
}

const maxSnippetRunes = 200

// extra layouts seen in the wild that net/mail rejects
var fallbackDateLayouts = []string{
	"Mon, 2 Jan 2006 15:04:05 -0700 (MST)",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
}

func parseMailDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if t, err := mail.ParseDate(raw); err == nil {
		return t, true
	}
	for _, layout := range fallbackDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Fetch retrieves and normalizes one message. It returns (nil, nil) when the
// Date header parses and is strictly before the epoch start; an unparseable
// date is admitted.
func (p *Pipeline) Fetch(ctx context.Context, mailbox Mailbox, id string) (*MessageRecord, error) {
	msg, err := mailbox.GetMessage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", id, err)
	}
	if msg == nil {
		return nil, fmt.Errorf("fetch %s: %w", id, ErrNotFound)
	}
	var headers map[string]string
	if msg.Payload != nil {
		headers = ExtractHeaders(msg.Payload.Headers)
	}
	date := headers["date"]
	if sent, ok := parseMailDate(date); ok {
		if epoch := p.store.EpochStart(); sent.Before(epoch) {
			p.logger.Printf("relaymail: skipping %s dated %s before epoch %s", id, sent.UTC().Format(time.RFC3339), epoch.Format(time.RFC3339))
			return nil, nil
		}
	}

	messageID := msg.ID
	if messageID == "" {
		messageID = id
	}
	record := &MessageRecord{
		ID:                    messageID,
		ThreadID:              msg.ThreadID,
		Subject:               headers["subject"],
		From:                  headers["from"],
		To:                    headers["to"],
		Date:                  date,
		Body:                  ExtractBody(msg.Payload),
		Snippet:               msg.Snippet,
		Attachments:           ExtractAttachments(msg.Payload),
		DownloadedAttachments: []AttachmentInfo{},
		ProcessedAt:           p.now().UTC(),
	}
	if record.Attachments == nil {
		record.Attachments = []AttachmentInfo{}
	}
	if record.Snippet == "" {
		record.Snippet = deriveSnippet(msg.Payload, record.Body)
	}
	return record, nil
}

// deriveSnippet renders the HTML body to text, falling back to the plain body.
func deriveSnippet(root *Part, body string) string {
	text := body
	if html := extractHTML(root); html != "" {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(html)); err == nil {
			doc.Find("script, style, head").Remove()
			text = doc.Text()
		}
	}
	return truncateRunes(strings.Join(strings.Fields(text), " "), maxSnippetRunes)
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
