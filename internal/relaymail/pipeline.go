package relaymail

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
)

type PipelineOptions struct {
	Blobs  BlobStore
	Sinks  []EventSink
	Logger Logger
	Now    func() time.Time
	// NewID names downloaded attachments; defaults to a random UUID.
	NewID func() string
}

// Pipeline processes resolved message ids: fetch, download attachments,
// persist the record, mark read, record the id, publish an event. Only the
// fetch can fail a message; every later step is logged and skipped.
type Pipeline struct {
	store  *WatermarkStore
	blobs  BlobStore
	sinks  []EventSink
	logger Logger
	now    func() time.Time
	newID  func() string
}

func NewPipeline(store *WatermarkStore, opts PipelineOptions) *Pipeline {
	p := &Pipeline{
		store:  store,
		blobs:  opts.Blobs,
		sinks:  opts.Sinks,
		logger: opts.Logger,
		now:    opts.Now,
		newID:  opts.NewID,
	}
	if p.blobs == nil {
		p.blobs = NewInMemoryBlobStore()
	}
	if p.logger == nil {
		p.logger = log.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.newID == nil {
		p.newID = func() string { return uuid.NewString() }
	}
	return p
}

// Run processes ids in order. Failed, stale and already-processed messages
// are left out of the result; a failure or panic never aborts the batch.
func (p *Pipeline) Run(ctx context.Context, mailbox Mailbox, ids []string) []*MessageRecord {
	results := make([]*MessageRecord, 0, len(ids))
	for _, id := range ids {
		record, err := p.processIsolated(ctx, mailbox, id)
		if err != nil {
			p.logger.Printf("relaymail: message %s failed: %v", id, err)
			continue
		}
		if record != nil {
			results = append(results, record)
		}
	}
	return results
}

func (p *Pipeline) processIsolated(ctx context.Context, mailbox Mailbox, id string) (record *MessageRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			record = nil
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return p.Process(ctx, mailbox, id)
}

// Process handles one message. It returns (nil, nil) for a message that was
// already processed or is older than the epoch start.
func (p *Pipeline) Process(ctx context.Context, mailbox Mailbox, id string) (*MessageRecord, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrInvalidInput
	}
	if p.store.IsMessageProcessed(id) {
		return nil, nil
	}
	record, err := p.Fetch(ctx, mailbox, id)
	if err != nil || record == nil {
		return nil, err
	}

	p.downloadAttachments(ctx, mailbox, record)

	location, err := p.persistRecord(ctx, record)
	if err != nil {
		p.logger.Printf("warning: relaymail: persist record %s: %v", id, err)
	}
	if err := mailbox.MarkRead(ctx, id); err != nil {
		p.logger.Printf("warning: relaymail: mark %s read: %v", id, err)
	}
	if err := p.store.MarkMessageProcessed(id); err != nil {
		p.logger.Printf("warning: relaymail: %v", err)
	}
	p.publish(ctx, newMessageEvent(record, location))
	return record, nil
}

func (p *Pipeline) downloadAttachments(ctx context.Context, mailbox Mailbox, record *MessageRecord) {
	for _, att := range record.Attachments {
		if att.AttachmentID == "" {
			continue
		}
		data, err := mailbox.GetAttachment(ctx, record.ID, att.AttachmentID)
		if err != nil {
			p.logger.Printf("warning: relaymail: download %q from %s: %v", att.Filename, record.ID, err)
			continue
		}
		unique := p.newID() + "_" + safeFilename(att.Filename)
		location, err := p.blobs.Put(ctx, AttachmentKey(record.ID, unique), data, att.MimeType)
		if err != nil {
			p.logger.Printf("warning: relaymail: store %q from %s: %v", att.Filename, record.ID, err)
			continue
		}
		downloaded := att
		downloaded.DownloadedFilename = unique
		downloaded.LocalPath = location
		if downloaded.Size == 0 {
			downloaded.Size = int64(len(data))
		}
		record.DownloadedAttachments = append(record.DownloadedAttachments, downloaded)
	}
}

func (p *Pipeline) persistRecord(ctx context.Context, record *MessageRecord) (string, error) {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", err
	}
	return p.blobs.Put(ctx, RecordKey(record), data, "application/json")
}

func (p *Pipeline) publish(ctx context.Context, event MessageEvent) {
	for _, sink := range p.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			p.logger.Printf("warning: relaymail: publish %s: %v", event.MessageID, err)
		}
	}
}

// RecordKey is emails/<yyyymmdd_hhmmss>_<id>.json using the processing time.
func RecordKey(record *MessageRecord) string {
	return "emails/" + record.ProcessedAt.Format("20060102_150405") + "_" + safeFilename(record.ID) + ".json"
}

func AttachmentKey(messageID, filename string) string {
	return path.Join("attachments", safeFilename(messageID), filename)
}

func safeFilename(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, name)
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "attachment"
	}
	return name
}
