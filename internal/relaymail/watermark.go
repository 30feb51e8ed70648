package relaymail

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	recordAppStartTime        = "app_start_time"
	recordProcessedMessageIDs = "processed_message_ids"
	recordProcessedHistoryIDs = "processed_history_ids"
	recordLastHistoryID       = "last_history_id"
)

// Watermark is the durable processing checkpoint. The id sets only grow until
// Reset, and EpochStart only moves on Reset.
type Watermark struct {
	EpochStart               time.Time
	ProcessedMessageIDs      map[string]struct{}
	ProcessedNotificationIDs map[string]struct{}
	LastHistoryID            string
}

func newWatermark(now time.Time) Watermark {
	return Watermark{
		EpochStart:               now,
		ProcessedMessageIDs:      map[string]struct{}{},
		ProcessedNotificationIDs: map[string]struct{}{},
	}
}

func (w Watermark) clone() Watermark {
	out := Watermark{
		EpochStart:               w.EpochStart,
		ProcessedMessageIDs:      make(map[string]struct{}, len(w.ProcessedMessageIDs)),
		ProcessedNotificationIDs: make(map[string]struct{}, len(w.ProcessedNotificationIDs)),
		LastHistoryID:            w.LastHistoryID,
	}
	for id := range w.ProcessedMessageIDs {
		out.ProcessedMessageIDs[id] = struct{}{}
	}
	for id := range w.ProcessedNotificationIDs {
		out.ProcessedNotificationIDs[id] = struct{}{}
	}
	return out
}

type WatermarkOptions struct {
	Logger Logger
	Now    func() time.Time
}

// WatermarkStore owns the process-wide Watermark. Every load-modify-persist
// cycle runs under mu, so concurrent notifications cannot lose updates.
type WatermarkStore struct {
	backend StateBackend
	logger  Logger
	now     func() time.Time

	mu    sync.Mutex
	state Watermark
}

type epochRecord struct {
	StartTime time.Time `json:"start_time"`
}

type historyRecord struct {
	HistoryID string `json:"history_id"`
}

// OpenWatermarkStore loads the watermark from backend. Missing or corrupt
// records fall back to their defaults; a fresh epoch is written back.
// Single-writer backends are locked before anything is read.
func OpenWatermarkStore(backend StateBackend, opts WatermarkOptions) (*WatermarkStore, error) {
	if backend == nil {
		return nil, ErrInvalidInput
	}
	if locker, ok := backend.(stateBackendLocker); ok {
		if err := locker.Lock(); err != nil {
			return nil, fmt.Errorf("open watermark: %w", err)
		}
	}
	s := &WatermarkStore{
		backend: backend,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadLocked() {
		if err := s.saveEpochLocked(); err != nil {
			s.logger.Printf("warning: relaymail: %v", err)
		}
	}
	return s, nil
}

// Load re-reads every record from the backend. It reports whether the epoch
// record had to be defaulted.
func (s *WatermarkStore) Load() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *WatermarkStore) loadLocked() (freshEpoch bool) {
	state := newWatermark(s.now().UTC())
	freshEpoch = true

	var epoch epochRecord
	if s.loadRecord(recordAppStartTime, &epoch) && !epoch.StartTime.IsZero() {
		state.EpochStart = epoch.StartTime
		freshEpoch = false
	}
	var messages []string
	if s.loadRecord(recordProcessedMessageIDs, &messages) {
		for _, id := range messages {
			if id = strings.TrimSpace(id); id != "" {
				state.ProcessedMessageIDs[id] = struct{}{}
			}
		}
	}
	var notifications []string
	if s.loadRecord(recordProcessedHistoryIDs, &notifications) {
		for _, id := range notifications {
			if id = strings.TrimSpace(id); id != "" {
				state.ProcessedNotificationIDs[id] = struct{}{}
			}
		}
	}
	var last historyRecord
	if s.loadRecord(recordLastHistoryID, &last) {
		state.LastHistoryID = strings.TrimSpace(last.HistoryID)
	}
	s.state = state
	return freshEpoch
}

func (s *WatermarkStore) loadRecord(key string, dst any) bool {
	data, err := s.backend.Load(key)
	if err != nil {
		s.logger.Printf("warning: relaymail: load %s: %v", key, err)
		return false
	}
	if data == nil {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		s.logger.Printf("warning: relaymail: corrupt %s record, using default: %v", key, err)
		return false
	}
	return true
}

// Save writes all four records.
func (s *WatermarkStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, save := range []func() error{
		s.saveEpochLocked,
		s.saveMessagesLocked,
		s.saveNotificationsLocked,
		s.saveLastHistoryLocked,
	} {
		if err := save(); err != nil {
			return err
		}
	}
	return nil
}

// Reset starts a new epoch at the current time and forgets every processed id
// and the history marker.
func (s *WatermarkStore) Reset() (Watermark, error) {
	s.mu.Lock()
	s.state = newWatermark(s.now().UTC())
	snapshot := s.state.clone()
	s.mu.Unlock()
	return snapshot, s.Save()
}

func (s *WatermarkStore) Snapshot() Watermark {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

func (s *WatermarkStore) EpochStart() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.EpochStart
}

func (s *WatermarkStore) LastHistoryID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LastHistoryID
}

func (s *WatermarkStore) IsMessageProcessed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.state.ProcessedMessageIDs[id]
	return ok
}

// FilterUnprocessed keeps the order of ids and drops the ones already handled.
func (s *WatermarkStore) FilterUnprocessed(ids []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := s.state.ProcessedMessageIDs[id]; ok {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (s *WatermarkStore) MarkMessageProcessed(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ProcessedMessageIDs[id] = struct{}{}
	return s.saveMessagesLocked()
}

// MarkNotificationSeen adds historyID to the seen set and persists it in one
// critical section. fresh is false when the id was already present. A
// persistence error leaves the in-memory mark in place.
func (s *WatermarkStore) MarkNotificationSeen(historyID string) (fresh bool, err error) {
	historyID = strings.TrimSpace(historyID)
	if historyID == "" {
		return false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.ProcessedNotificationIDs[historyID]; ok {
		return false, nil
	}
	s.state.ProcessedNotificationIDs[historyID] = struct{}{}
	return true, s.saveNotificationsLocked()
}

func (s *WatermarkStore) UnmarkNotification(historyID string) error {
	historyID = strings.TrimSpace(historyID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.ProcessedNotificationIDs[historyID]; !ok {
		return nil
	}
	delete(s.state.ProcessedNotificationIDs, historyID)
	return s.saveNotificationsLocked()
}

func (s *WatermarkStore) SetLastHistoryID(historyID string) error {
	historyID = strings.TrimSpace(historyID)
	if historyID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastHistoryID = historyID
	return s.saveLastHistoryLocked()
}

func (s *WatermarkStore) saveEpochLocked() error {
	return s.saveRecord(recordAppStartTime, epochRecord{StartTime: s.state.EpochStart})
}

func (s *WatermarkStore) saveMessagesLocked() error {
	return s.saveRecord(recordProcessedMessageIDs, sortedIDs(s.state.ProcessedMessageIDs))
}

func (s *WatermarkStore) saveNotificationsLocked() error {
	return s.saveRecord(recordProcessedHistoryIDs, sortedIDs(s.state.ProcessedNotificationIDs))
}

func (s *WatermarkStore) saveLastHistoryLocked() error {
	return s.saveRecord(recordLastHistoryID, historyRecord{HistoryID: s.state.LastHistoryID})
}

func (s *WatermarkStore) saveRecord(key string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrPersistenceDegraded, key, err)
	}
	if err := s.backend.Save(key, data); err != nil {
		return fmt.Errorf("%w: save %s: %v", ErrPersistenceDegraded, key, err)
	}
	return nil
}

func sortedIDs(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
