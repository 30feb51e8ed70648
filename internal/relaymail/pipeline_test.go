package relaymail

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu     sync.Mutex
	events []MessageEvent
	err    error
}

func (s *recordingSink) Publish(_ context.Context, event MessageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

type rejectingBlobStore struct {
	*InMemoryBlobStore
	rejectPrefix string
}

func (s *rejectingBlobStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if strings.HasPrefix(key, s.rejectPrefix) {
		return "", errors.New("bucket unavailable")
	}
	return s.InMemoryBlobStore.Put(ctx, key, data, contentType)
}

type pipelineFixture struct {
	store    *WatermarkStore
	blobs    *InMemoryBlobStore
	sink     *recordingSink
	logger   *recordingLogger
	pipeline *Pipeline
	epoch    time.Time
	now      time.Time
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	epoch := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	now := epoch.Add(2 * time.Hour)
	store, err := OpenWatermarkStore(NewInMemoryStateBackend(), WatermarkOptions{Logger: discardLogger, Now: fixedClock(epoch)})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	f := &pipelineFixture{
		store:  store,
		blobs:  NewInMemoryBlobStore(),
		sink:   &recordingSink{},
		logger: &recordingLogger{},
		epoch:  epoch,
		now:    now,
	}
	f.pipeline = NewPipeline(store, PipelineOptions{
		Blobs:  f.blobs,
		Sinks:  []EventSink{f.sink},
		Logger: f.logger,
		Now:    fixedClock(now),
		NewID:  func() string { return "fixed" },
	})
	return f
}

func TestPipelineProcessesMessageWithAttachments(t *testing.T) {
	f := newPipelineFixture(t)
	mailbox := newFakeMailbox()
	mailbox.addMessage("m2", "Invoice", f.epoch.Add(time.Hour),
		&Part{MimeType: "application/pdf", Filename: "invoice.pdf", AttachmentID: "att-1"},
		&Part{MimeType: "image/png", Filename: "inline.png", Size: 12},
	)
	mailbox.attachments["m2/att-1"] = []byte("%PDF-1.4")

	records := f.pipeline.Run(context.Background(), mailbox, []string{"m2"})
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	record := records[0]
	if record.Subject != "Invoice" || record.From != "alice@example.com" || record.To != "bob@example.com" {
		t.Fatalf("unexpected headers in record %+v", record)
	}
	if record.Body != "hello m2" {
		t.Fatalf("unexpected body %q", record.Body)
	}
	if len(record.Attachments) != 2 {
		t.Fatalf("expected 2 attachments in metadata, got %d", len(record.Attachments))
	}
	if len(record.DownloadedAttachments) != 1 {
		t.Fatalf("expected 1 downloaded attachment, got %d", len(record.DownloadedAttachments))
	}
	downloaded := record.DownloadedAttachments[0]
	if downloaded.DownloadedFilename != "fixed_invoice.pdf" || downloaded.Size != int64(len("%PDF-1.4")) {
		t.Fatalf("unexpected downloaded attachment %+v", downloaded)
	}
	if data, ok := f.blobs.Get("attachments/m2/fixed_invoice.pdf"); !ok || string(data) != "%PDF-1.4" {
		t.Fatalf("expected attachment bytes in blob store, got %q ok=%v", data, ok)
	}

	recordKey := "emails/20240301_100000_m2.json"
	raw, ok := f.blobs.Get(recordKey)
	if !ok {
		t.Fatalf("expected record artifact at %s, have %v", recordKey, f.blobs.Keys(""))
	}
	var persisted MessageRecord
	if err := json.Unmarshal(raw, &persisted); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if persisted.ID != "m2" || len(persisted.DownloadedAttachments) != 1 {
		t.Fatalf("unexpected persisted record %+v", persisted)
	}

	if marked := mailbox.markedIDs(); len(marked) != 1 || marked[0] != "m2" {
		t.Fatalf("expected m2 marked read, got %v", marked)
	}
	if !f.store.IsMessageProcessed("m2") {
		t.Fatalf("expected m2 recorded as processed")
	}
	if len(f.sink.events) != 1 {
		t.Fatalf("expected one event, got %d", len(f.sink.events))
	}
	event := f.sink.events[0]
	if event.Type != MessageProcessedEvent || event.Attachments != 2 || event.DownloadedAttachments != 1 {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.ArtifactLocation != "memory://"+recordKey {
		t.Fatalf("unexpected artifact location %q", event.ArtifactLocation)
	}
}

func TestPipelineSkipsMessagesBeforeEpoch(t *testing.T) {
	f := newPipelineFixture(t)
	mailbox := newFakeMailbox()
	mailbox.addMessage("old", "Stale", f.epoch.Add(-time.Minute))

	records := f.pipeline.Run(context.Background(), mailbox, []string{"old"})
	if len(records) != 0 {
		t.Fatalf("expected stale message to be skipped, got %d records", len(records))
	}
	if f.store.IsMessageProcessed("old") {
		t.Fatalf("stale message must not be recorded as processed")
	}
	if len(mailbox.markedIDs()) != 0 || len(f.blobs.Keys("")) != 0 {
		t.Fatalf("stale message must not be marked read or persisted")
	}
	if !f.logger.contains("before epoch") {
		t.Fatalf("expected stale skip to be logged")
	}
}

func TestPipelineAdmitsUnparseableDate(t *testing.T) {
	f := newPipelineFixture(t)
	mailbox := newFakeMailbox()
	mailbox.messages["odd"] = &Message{ID: "odd", Payload: &Part{
		MimeType: "text/plain",
		Headers:  []Header{{Name: "Date", Value: "sometime last week"}, {Name: "Subject", Value: "?"}},
		Data:     []byte("body"),
	}}

	records := f.pipeline.Run(context.Background(), mailbox, []string{"odd"})
	if len(records) != 1 || records[0].Date != "sometime last week" {
		t.Fatalf("expected unparseable date to be admitted verbatim, got %+v", records)
	}
	if records[0].Attachments == nil || records[0].DownloadedAttachments == nil {
		t.Fatalf("expected empty attachment slices, not nil")
	}
}

func TestPipelineIsolatesFailuresAndPanics(t *testing.T) {
	f := newPipelineFixture(t)
	mailbox := newFakeMailbox()
	at := f.epoch.Add(time.Hour)
	mailbox.addMessage("a", "A", at)
	mailbox.addMessage("c", "C", at)
	mailbox.addMessage("d", "D", at)
	mailbox.getErr["b"] = errors.New("transient")
	mailbox.panicOn = "c"

	records := f.pipeline.Run(context.Background(), mailbox, []string{"a", "b", "c", "d"})
	if len(records) != 2 || records[0].ID != "a" || records[1].ID != "d" {
		t.Fatalf("expected [a d], got %d records", len(records))
	}
	if f.store.IsMessageProcessed("b") || f.store.IsMessageProcessed("c") {
		t.Fatalf("failed messages must stay unprocessed")
	}
	if !f.logger.contains("panic: boom on c") {
		t.Fatalf("expected panic to be logged, got %v", f.logger.lines)
	}
}

func TestPipelinePersistFailureStillMarksRead(t *testing.T) {
	f := newPipelineFixture(t)
	blobs := &rejectingBlobStore{InMemoryBlobStore: NewInMemoryBlobStore(), rejectPrefix: "emails/"}
	pipeline := NewPipeline(f.store, PipelineOptions{Blobs: blobs, Logger: f.logger, Now: fixedClock(f.now)})
	mailbox := newFakeMailbox()
	mailbox.addMessage("m1", "Hello", f.epoch.Add(time.Hour))

	records := pipeline.Run(context.Background(), mailbox, []string{"m1"})
	if len(records) != 1 {
		t.Fatalf("expected record despite persist failure")
	}
	if len(mailbox.markedIDs()) != 1 || !f.store.IsMessageProcessed("m1") {
		t.Fatalf("expected m1 marked read and processed")
	}
	if !f.logger.contains("persist record m1") {
		t.Fatalf("expected persist failure warning")
	}
}

func TestPipelineSideEffectFailuresAreLogged(t *testing.T) {
	f := newPipelineFixture(t)
	f.sink.err = errors.New("broker down")
	mailbox := newFakeMailbox()
	mailbox.markErr = errors.New("modify forbidden")
	mailbox.addMessage("m1", "Hello", f.epoch.Add(time.Hour), &Part{MimeType: "text/csv", Filename: "x.csv", AttachmentID: "missing"})

	records := f.pipeline.Run(context.Background(), mailbox, []string{"m1"})
	if len(records) != 1 || len(records[0].DownloadedAttachments) != 0 {
		t.Fatalf("expected record with no downloads, got %+v", records)
	}
	for _, want := range []string{"mark m1 read", "publish m1", `download "x.csv"`} {
		if !f.logger.contains(want) {
			t.Fatalf("expected log containing %q, got %v", want, f.logger.lines)
		}
	}
}

func TestPipelineSkipsAlreadyProcessed(t *testing.T) {
	f := newPipelineFixture(t)
	_ = f.store.MarkMessageProcessed("m1")
	mailbox := newFakeMailbox()
	mailbox.addMessage("m1", "Hello", f.epoch.Add(time.Hour))

	if records := f.pipeline.Run(context.Background(), mailbox, []string{"m1"}); len(records) != 0 {
		t.Fatalf("expected no records for processed id")
	}
	if mailbox.callCount() != 0 {
		t.Fatalf("expected no mailbox calls, got %d", mailbox.callCount())
	}
}

func TestPipelineCancelledContextFailsMessagesIndividually(t *testing.T) {
	f := newPipelineFixture(t)
	mailbox := newFakeMailbox()
	mailbox.addMessage("m1", "Hello", f.epoch.Add(time.Hour))
	mailbox.addMessage("m2", "Again", f.epoch.Add(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if records := f.pipeline.Run(ctx, mailbox, []string{"m1", "m2"}); len(records) != 0 {
		t.Fatalf("expected no records with a cancelled context, got %d", len(records))
	}
	if got := strings.Join(mailbox.getIDs(), ","); got != "m1,m2" {
		t.Fatalf("expected every message to be attempted, got %s", got)
	}
	if !f.logger.contains("message m1 failed") || !f.logger.contains("message m2 failed") {
		t.Fatalf("expected per-message failures, got %v", f.logger.lines)
	}
	if f.store.IsMessageProcessed("m1") || f.store.IsMessageProcessed("m2") {
		t.Fatalf("failed messages must stay unprocessed")
	}
}

func TestPipelineDerivesSnippetFromHTML(t *testing.T) {
	f := newPipelineFixture(t)
	mailbox := newFakeMailbox()
	mailbox.messages["h"] = &Message{ID: "h", Payload: &Part{MimeType: "multipart/alternative", Children: []*Part{
		{MimeType: "text/html", Data: []byte("<html><head><title>t</title></head><body><style>p{}</style><p>Hi   there</p><script>x()</script></body></html>")},
	}}}
	records := f.pipeline.Run(context.Background(), mailbox, []string{"h"})
	if len(records) != 1 {
		t.Fatalf("expected one record")
	}
	if records[0].Snippet != "Hi there" {
		t.Fatalf("unexpected snippet %q", records[0].Snippet)
	}
}

func TestRecordKeyAndSafeFilename(t *testing.T) {
	record := &MessageRecord{ID: "a/b", ProcessedAt: time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)}
	if got := RecordKey(record); got != "emails/20240506_070809_a_b.json" {
		t.Fatalf("unexpected record key %s", got)
	}
	if got := safeFilename("../../etc/passwd"); got != "_.._etc_passwd" {
		t.Fatalf("unexpected safe filename %s", got)
	}
	if got := safeFilename(" "); got != "attachment" {
		t.Fatalf("expected default filename, got %s", got)
	}
	if got := AttachmentKey("m1", "x.pdf"); got != "attachments/m1/x.pdf" {
		t.Fatalf("unexpected attachment key %s", got)
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := truncateRunes("héllo", 2); got != "hé" {
		t.Fatalf("unexpected truncation %q", got)
	}
	if got := truncateRunes("ok", 5); got != "ok" {
		t.Fatalf("unexpected truncation %q", got)
	}
}
