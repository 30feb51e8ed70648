package relaymail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sony/gobreaker"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

type gmailAPIStub struct {
	mu       sync.Mutex
	requests []string
	modify   []string
	handler  func(w http.ResponseWriter, r *http.Request) bool
}

func (s *gmailAPIStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.Method+" "+r.URL.Path)
	s.mu.Unlock()
	if s.handler != nil && s.handler(w, r) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/gmail/v1/users/me/messages":
		if r.URL.Query().Get("q") != "is:unread after:100" || r.URL.Query().Get("maxResults") != "10" || r.URL.Query().Get("labelIds") != "INBOX" {
			http.Error(w, `{"error":{"code":400,"message":"bad query"}}`, http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, `{"messages":[{"id":"m1","threadId":"t1"},{"id":"m2","threadId":"t2"}]}`)
	case r.Method == http.MethodGet && r.URL.Path == "/gmail/v1/users/me/messages/m1":
		if r.URL.Query().Get("format") != "full" {
			http.Error(w, `{"error":{"code":400,"message":"format"}}`, http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":           "m1",
			"threadId":     "t1",
			"snippet":      "hi",
			"labelIds":     []string{"INBOX", "UNREAD"},
			"internalDate": "1700000000000",
			"payload": map[string]any{
				"mimeType": "multipart/mixed",
				"headers":  []map[string]string{{"name": "Subject", "value": "Hello"}},
				"parts": []map[string]any{
					{"partId": "0", "mimeType": "text/plain", "body": map[string]any{"data": base64.URLEncoding.EncodeToString([]byte("body text")), "size": 9}},
					{"partId": "1", "mimeType": "application/pdf", "filename": "a.pdf", "body": map[string]any{"attachmentId": "att-1", "size": 3}},
				},
			},
		})
	case r.Method == http.MethodGet && r.URL.Path == "/gmail/v1/users/me/messages/m1/attachments/att-1":
		_, _ = io.WriteString(w, `{"data":"`+base64.RawURLEncoding.EncodeToString([]byte("pdf"))+`","size":3}`)
	case r.Method == http.MethodPost && r.URL.Path == "/gmail/v1/users/me/messages/m1/modify":
		var req gmail.ModifyMessageRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.modify = append(s.modify, strings.Join(req.RemoveLabelIds, ","))
		s.mu.Unlock()
		_, _ = io.WriteString(w, `{"id":"m1"}`)
	case r.Method == http.MethodGet && r.URL.Path == "/gmail/v1/users/me/history":
		switch r.URL.Query().Get("startHistoryId") {
		case "100":
			if r.URL.Query().Get("historyTypes") != "messageAdded" || r.URL.Query().Get("labelId") != "INBOX" {
				http.Error(w, `{"error":{"code":400,"message":"types"}}`, http.StatusBadRequest)
				return
			}
			if r.URL.Query().Get("pageToken") == "" {
				_, _ = io.WriteString(w, `{"history":[{"messagesAdded":[{"message":{"id":"m1"}},{"message":{"id":"m2"}}]}],"nextPageToken":"p2"}`)
				return
			}
			_, _ = io.WriteString(w, `{"history":[{"messagesAdded":[{"message":{"id":"m2"}},{"message":{"id":"m3"}}]}]}`)
		default:
			http.Error(w, `{"error":{"code":400,"message":"start"}}`, http.StatusBadRequest)
		}
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"code":404,"message":"not found"}}`)
	}
}

func newStubMailbox(t *testing.T, stub *gmailAPIStub) *GmailMailbox {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	svc, err := gmail.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	if err != nil {
		t.Fatalf("build gmail service: %v", err)
	}
	return NewGmailMailbox(svc, GmailMailboxOptions{Logger: discardLogger})
}

func TestGmailMailboxListMessages(t *testing.T) {
	mailbox := newStubMailbox(t, &gmailAPIStub{})
	ids, err := mailbox.ListMessages(context.Background(), "is:unread after:100", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != "m1" || ids[1] != "m2" {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestGmailMailboxGetMessageAndAttachment(t *testing.T) {
	mailbox := newStubMailbox(t, &gmailAPIStub{})
	msg, err := mailbox.GetMessage(context.Background(), "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if msg.ID != "m1" || msg.ThreadID != "t1" || msg.Snippet != "hi" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.InternalDate.UnixMilli() != 1700000000000 {
		t.Fatalf("unexpected internal date %s", msg.InternalDate)
	}
	if got := ExtractBody(msg.Payload); got != "body text" {
		t.Fatalf("unexpected body %q", got)
	}
	atts := ExtractAttachments(msg.Payload)
	if len(atts) != 1 || atts[0].AttachmentID != "att-1" || atts[0].Size != 3 {
		t.Fatalf("unexpected attachments %+v", atts)
	}

	data, err := mailbox.GetAttachment(context.Background(), "m1", "att-1")
	if err != nil {
		t.Fatalf("attachment: %v", err)
	}
	if string(data) != "pdf" {
		t.Fatalf("unexpected attachment bytes %q", data)
	}
}

func TestGmailMailboxGetMessageNotFound(t *testing.T) {
	mailbox := newStubMailbox(t, &gmailAPIStub{})
	if _, err := mailbox.GetMessage(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGmailMailboxMarkRead(t *testing.T) {
	stub := &gmailAPIStub{}
	mailbox := newStubMailbox(t, stub)
	if err := mailbox.MarkRead(context.Background(), "m1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if len(stub.modify) != 1 || stub.modify[0] != "UNREAD" {
		t.Fatalf("expected UNREAD label removal, got %v", stub.modify)
	}
}

func TestGmailMailboxListHistoryPagesAndDedupes(t *testing.T) {
	mailbox := newStubMailbox(t, &gmailAPIStub{})
	ids, err := mailbox.ListHistory(context.Background(), "100")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if strings.Join(ids, ",") != "m1,m2,m3" {
		t.Fatalf("unexpected history ids %v", ids)
	}
}

func TestGmailMailboxListHistoryExpired(t *testing.T) {
	stub := &gmailAPIStub{handler: func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Path == "/gmail/v1/users/me/history" && r.URL.Query().Get("startHistoryId") == "1" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":{"code":404,"message":"Requested entity was not found."}}`)
			return true
		}
		return false
	}}
	mailbox := newStubMailbox(t, stub)
	if _, err := mailbox.ListHistory(context.Background(), "1"); !errors.Is(err, ErrHistoryExpired) {
		t.Fatalf("expected ErrHistoryExpired, got %v", err)
	}
	if _, err := mailbox.ListHistory(context.Background(), "not-a-number"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestGmailBreakerIgnoresClientErrors(t *testing.T) {
	mailbox := NewGmailMailbox(nil, GmailMailboxOptions{Logger: discardLogger})
	notFound := &googleapi.Error{Code: http.StatusNotFound}
	for i := 0; i < 10; i++ {
		_ = mailbox.call(context.Background(), "messages.get", func(context.Context) error { return notFound })
	}
	if state := mailbox.breaker.State(); state != gobreaker.StateClosed {
		t.Fatalf("expected closed breaker after client errors, got %s", state)
	}
}

func TestGmailBreakerOpensOnServerErrors(t *testing.T) {
	logger := &recordingLogger{}
	mailbox := NewGmailMailbox(nil, GmailMailboxOptions{Logger: logger})
	serverErr := &googleapi.Error{Code: http.StatusInternalServerError}
	for i := 0; i < 6; i++ {
		_ = mailbox.call(context.Background(), "messages.get", func(context.Context) error { return serverErr })
	}
	err := mailbox.call(context.Background(), "messages.get", func(context.Context) error {
		t.Fatalf("call must not run while the breaker is open")
		return nil
	})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if !logger.contains("circuit gmail-api changed from closed to open") {
		t.Fatalf("expected state change to be logged, got %v", logger.lines)
	}
}
