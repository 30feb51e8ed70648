package relaymail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"
)

type fakeMailbox struct {
	mu sync.Mutex

	messages    map[string]*Message
	attachments map[string][]byte
	listIDs     []string
	historyIDs  []string

	listErr    error
	historyErr error
	getErr     map[string]error
	attErr     map[string]error
	markErr    error
	panicOn    string
	onMarkRead func(id string)

	listQueries   []string
	historyStarts []string
	gets          []string
	marked        []string
	calls         int
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{
		messages:    map[string]*Message{},
		attachments: map[string][]byte{},
		getErr:      map[string]error{},
		attErr:      map[string]error{},
	}
}

func (f *fakeMailbox) ListMessages(_ context.Context, query string, max int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.listQueries = append(f.listQueries, query)
	if f.listErr != nil {
		return nil, f.listErr
	}
	ids := append([]string(nil), f.listIDs...)
	if max > 0 && int64(len(ids)) > max {
		ids = ids[:max]
	}
	return ids, nil
}

func (f *fakeMailbox) GetMessage(ctx context.Context, id string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.gets = append(f.gets, id)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == f.panicOn {
		panic("boom on " + id)
	}
	if err := f.getErr[id]; err != nil {
		return nil, err
	}
	msg, ok := f.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return msg, nil
}

func (f *fakeMailbox) GetAttachment(_ context.Context, messageID, attachmentID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.attErr[attachmentID]; err != nil {
		return nil, err
	}
	data, ok := f.attachments[messageID+"/"+attachmentID]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (f *fakeMailbox) MarkRead(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, id)
	if f.onMarkRead != nil {
		f.onMarkRead(id)
	}
	return nil
}

func (f *fakeMailbox) ListHistory(_ context.Context, start string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.historyStarts = append(f.historyStarts, start)
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return append([]string(nil), f.historyIDs...), nil
}

func (f *fakeMailbox) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeMailbox) getIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.gets...)
}

func (f *fakeMailbox) markedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.marked...)
}

// addMessage registers a simple text message dated at date.
func (f *fakeMailbox) addMessage(id, subject string, date time.Time, children ...*Part) {
	payload := &Part{
		MimeType: "multipart/mixed",
		Headers: []Header{
			{Name: "From", Value: "alice@example.com"},
			{Name: "To", Value: "bob@example.com"},
			{Name: "Subject", Value: subject},
			{Name: "Date", Value: date.Format(time.RFC1123Z)},
		},
		Children: append([]*Part{{MimeType: "text/plain", Data: []byte("hello " + id)}}, children...),
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[id] = &Message{ID: id, ThreadID: "t-" + id, Payload: payload}
}

type failingBackend struct {
	StateBackend
	failSave bool
	failLoad bool
}

func (b *failingBackend) Load(key string) ([]byte, error) {
	if b.failLoad {
		return nil, errors.New("load unavailable")
	}
	return b.StateBackend.Load(key)
}

func (b *failingBackend) Save(key string, data []byte) error {
	if b.failSave {
		return errors.New("disk full")
	}
	return b.StateBackend.Save(key, data)
}

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

var discardLogger = log.New(io.Discard, "", 0)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
