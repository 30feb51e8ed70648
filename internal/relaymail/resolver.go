package relaymail

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
)

const DefaultScanPageSize = 10

type ResolverOptions struct {
	PageSize int64
	Logger   Logger
}

// Resolver turns a notification's history id into the ids of messages that
// still need processing.
type Resolver struct {
	store    *WatermarkStore
	pageSize int64
	logger   Logger
}

func NewResolver(store *WatermarkStore, opts ResolverOptions) *Resolver {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultScanPageSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Resolver{store: store, pageSize: pageSize, logger: logger}
}

// Resolve prefers a history diff from the remembered marker and falls back to
// a bounded scan of unread mail received since the epoch start. Messages
// older than the scan window are missed when the diff is unavailable.
func (r *Resolver) Resolve(ctx context.Context, mailbox Mailbox, historyID string) ([]string, error) {
	historyID = strings.TrimSpace(historyID)
	usable := isHistoryID(historyID)
	marker := r.store.LastHistoryID()

	var (
		ids  []string
		done bool
	)
	if usable && marker != "" {
		added, err := mailbox.ListHistory(ctx, marker)
		switch {
		case err == nil:
			ids, done = added, true
		case errors.Is(err, ErrHistoryExpired):
			r.logger.Printf("relaymail: history from %s expired, scanning recent unread mail", marker)
		default:
			r.logger.Printf("relaymail: history diff from %s failed, scanning recent unread mail: %v", marker, err)
		}
	}
	if !done {
		scanned, err := mailbox.ListMessages(ctx, r.ScanQuery(), r.pageSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrResolutionFailure, err)
		}
		ids = scanned
	}

	ids = r.store.FilterUnprocessed(ids)

	if usable {
		if err := r.advanceMarker(historyID); err != nil {
			r.logger.Printf("warning: relaymail: %v", err)
		}
	}
	return ids, nil
}

// ScanQuery is the fallback search bounded by the epoch start.
func (r *Resolver) ScanQuery() string {
	return fmt.Sprintf("is:unread after:%d", r.store.EpochStart().Unix())
}

// advanceMarker never moves the marker backwards, so a late redelivery of an
// older notification does not widen the next diff.
func (r *Resolver) advanceMarker(historyID string) error {
	current := r.store.LastHistoryID()
	if current != "" && isHistoryID(current) {
		next, _ := strconv.ParseUint(historyID, 10, 64)
		prev, _ := strconv.ParseUint(current, 10, 64)
		if next < prev {
			return nil
		}
	}
	return r.store.SetLastHistoryID(historyID)
}

func isHistoryID(id string) bool {
	if id == "" {
		return false
	}
	_, err := strconv.ParseUint(id, 10, 64)
	return err == nil
}
