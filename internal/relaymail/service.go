package relaymail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

type ServiceOptions struct {
	Store    *WatermarkStore
	Provider MailboxProvider
	Resolver *Resolver
	Pipeline *Pipeline
	Logger   Logger
	Now      func() time.Time
}

// Service is the notification gate in front of the resolver and pipeline.
// Duplicate checks run without the run lock; resolution and processing are
// serialized so overlapping notifications cannot double-process a message.
type Service struct {
	store    *WatermarkStore
	provider MailboxProvider
	resolver *Resolver
	pipeline *Pipeline
	logger   Logger
	now      func() time.Time

	runMu sync.Mutex
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Store == nil || opts.Provider == nil {
		return nil, ErrInvalidInput
	}
	s := &Service{
		store:    opts.Store,
		provider: opts.Provider,
		resolver: opts.Resolver,
		pipeline: opts.Pipeline,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.resolver == nil {
		s.resolver = NewResolver(s.store, ResolverOptions{Logger: s.logger})
	}
	if s.pipeline == nil {
		s.pipeline = NewPipeline(s.store, PipelineOptions{Logger: s.logger, Now: s.now})
	}
	return s, nil
}

// EmailSummary is the per-message entry of a webhook response.
type EmailSummary struct {
	MessageID             string           `json:"messageId"`
	Subject               string           `json:"subject"`
	From                  string           `json:"from"`
	Attachments           []AttachmentInfo `json:"attachments"`
	DownloadedAttachments []AttachmentInfo `json:"downloaded_attachments"`
}

type NotificationResult struct {
	Status          string
	Skipped         bool
	Message         string
	ReceivedAt      time.Time
	HistoryID       string
	ProcessedEmails int
	Emails          []EmailSummary
}

func (r NotificationResult) MarshalJSON() ([]byte, error) {
	if r.Skipped {
		return json.Marshal(struct {
			Status    string `json:"status"`
			Message   string `json:"message"`
			HistoryID string `json:"historyId"`
		}{r.Status, r.Message, r.HistoryID})
	}
	emails := r.Emails
	if emails == nil {
		emails = []EmailSummary{}
	}
	return json.Marshal(struct {
		Status          string         `json:"status"`
		ReceivedAt      string         `json:"receivedAt"`
		HistoryID       string         `json:"historyId"`
		ProcessedEmails int            `json:"processedEmails"`
		Emails          []EmailSummary `json:"emails"`
	}{r.Status, r.ReceivedAt.Format(time.RFC3339Nano), r.HistoryID, r.ProcessedEmails, emails})
}

// HandleNotification decodes one push envelope and processes it at most once
// per history id. The id is marked seen before any remote call and unmarked
// again when credentials or resolution fail, so the transport can redeliver.
func (s *Service) HandleNotification(ctx context.Context, body []byte) (result NotificationResult, err error) {
	n, err := DecodeEnvelope(body)
	if err != nil {
		return NotificationResult{}, err
	}
	receivedAt := s.now().UTC()

	if n.HistoryID != "" {
		fresh, markErr := s.store.MarkNotificationSeen(n.HistoryID)
		if !fresh && markErr == nil {
			s.logger.Printf("relaymail: history %s already processed", n.HistoryID)
			return NotificationResult{
				Status:    "ok",
				Skipped:   true,
				Message:   "Already processed",
				HistoryID: n.HistoryID,
			}, nil
		}
		if markErr != nil {
			s.logger.Printf("warning: relaymail: %v", markErr)
		}
	} else {
		s.logger.Printf("relaymail: notification without historyId from %q, scanning", n.Account)
	}

	// Once the id is marked, the run must finish or roll back even if the
	// push request goes away; each mailbox call keeps its own timeout.
	ctx = context.WithoutCancel(ctx)

	s.runMu.Lock()
	defer s.runMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrResolutionFailure, r)
			result = NotificationResult{}
		}
		if err != nil {
			s.rollback(n.HistoryID)
		}
	}()

	mailbox, err := s.provider.Mailbox(ctx)
	if err != nil {
		if !errors.Is(err, ErrAuthenticationUnavailable) {
			err = fmt.Errorf("%w: %v", ErrAuthenticationUnavailable, err)
		}
		return NotificationResult{}, err
	}
	ids, err := s.resolver.Resolve(ctx, mailbox, n.HistoryID)
	if err != nil {
		if !errors.Is(err, ErrResolutionFailure) {
			err = fmt.Errorf("%w: %v", ErrResolutionFailure, err)
		}
		return NotificationResult{}, err
	}
	records := s.pipeline.Run(ctx, mailbox, ids)

	result = NotificationResult{
		Status:          "ok",
		ReceivedAt:      receivedAt,
		HistoryID:       n.HistoryID,
		ProcessedEmails: len(records),
		Emails:          make([]EmailSummary, 0, len(records)),
	}
	for _, record := range records {
		result.Emails = append(result.Emails, EmailSummary{
			MessageID:             record.ID,
			Subject:               record.Subject,
			From:                  record.From,
			Attachments:           record.Attachments,
			DownloadedAttachments: record.DownloadedAttachments,
		})
	}
	s.logger.Printf("relaymail: history %s processed %d of %d candidates", n.HistoryID, len(records), len(ids))
	return result, nil
}

func (s *Service) rollback(historyID string) {
	if historyID == "" {
		return
	}
	if err := s.store.UnmarkNotification(historyID); err != nil {
		s.logger.Printf("warning: relaymail: rollback of history %s: %v", historyID, err)
		return
	}
	s.logger.Printf("relaymail: history %s rolled back for redelivery", historyID)
}

type Status struct {
	Status                   string `json:"status"`
	AppStartTime             string `json:"appStartTime"`
	TotalProcessedMessages   int    `json:"totalProcessedMessages"`
	TotalProcessedHistoryIDs int    `json:"totalProcessedHistoryIds"`
	CurrentTime              string `json:"currentTime"`
	LastHistoryID            string `json:"lastHistoryId,omitempty"`
}

func (s *Service) Status() Status {
	snapshot := s.store.Snapshot()
	return Status{
		Status:                   "running",
		AppStartTime:             snapshot.EpochStart.Format(time.RFC3339Nano),
		TotalProcessedMessages:   len(snapshot.ProcessedMessageIDs),
		TotalProcessedHistoryIDs: len(snapshot.ProcessedNotificationIDs),
		CurrentTime:              s.now().UTC().Format(time.RFC3339Nano),
		LastHistoryID:            snapshot.LastHistoryID,
	}
}

// Reset waits for any in-flight run, then starts a fresh epoch.
func (s *Service) Reset() (time.Time, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	snapshot, err := s.store.Reset()
	if err != nil {
		return snapshot.EpochStart, err
	}
	s.logger.Printf("relaymail: watermark reset, epoch starts %s", snapshot.EpochStart.Format(time.RFC3339))
	return snapshot.EpochStart, nil
}

type CheckResult struct {
	Status     string   `json:"status"`
	Query      string   `json:"query"`
	Candidates []string `json:"candidates"`
}

// CheckNow runs the fallback scan without processing anything or moving the
// history marker.
func (s *Service) CheckNow(ctx context.Context) (CheckResult, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	mailbox, err := s.provider.Mailbox(ctx)
	if err != nil {
		if !errors.Is(err, ErrAuthenticationUnavailable) {
			err = fmt.Errorf("%w: %v", ErrAuthenticationUnavailable, err)
		}
		return CheckResult{}, err
	}
	ids, err := s.resolver.Resolve(ctx, mailbox, "")
	if err != nil {
		return CheckResult{}, err
	}
	if ids == nil {
		ids = []string{}
	}
	return CheckResult{Status: "ok", Query: s.resolver.ScanQuery(), Candidates: ids}, nil
}
