package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"droidfleet-cloud/internal/eventing"
)

// OutboxStore keeps outbox records in memory.
type OutboxStore struct {
	mu      sync.Mutex
	next    int
	records map[string]*outboxEntry
}

type outboxEntry struct {
	seq    int
	status string
	record eventing.OutboxRecord
}

// NewOutboxStore constructs an outbox store.
func NewOutboxStore() *OutboxStore {
	return &OutboxStore{records: make(map[string]*outboxEntry)}
}

// Insert appends a pending record.
func (s *OutboxStore) Insert(_ context.Context, env eventing.Envelope) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := "outbox-" + strconv.Itoa(s.next)
	s.records[id] = &outboxEntry{seq: s.next, status: "pending", record: eventing.OutboxRecord{ID: id, Envelope: env}}
	return id, nil
}

// ListPending returns pending records, oldest first.
func (s *OutboxStore) ListPending(_ context.Context, limit int) ([]eventing.OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []*outboxEntry
	for _, entry := range s.records {
		if entry.status == "pending" {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	result := make([]eventing.OutboxRecord, 0, len(entries))
	for _, entry := range entries {
		result = append(result, entry.record)
	}
	return result, nil
}

// MarkSent marks a record delivered.
func (s *OutboxStore) MarkSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.records[id]; ok && entry.status == "pending" {
		entry.status = "sent"
	}
	return nil
}

// MarkFailed counts a failed delivery.
func (s *OutboxStore) MarkFailed(_ context.Context, id string, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.records[id]
	if !ok || entry.status != "pending" {
		return nil
	}
	entry.record.Attempts++
	if entry.record.Attempts >= maxAttempts {
		entry.status = "failed"
	}
	return nil
}

// Status reports a record's delivery status.
func (s *OutboxStore) Status(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.records[id]; ok {
		return entry.status
	}
	return ""
}

// ProcessedStore tracks handled events in memory.
type ProcessedStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewProcessedStore constructs a processed store.
func NewProcessedStore() *ProcessedStore {
	return &ProcessedStore{seen: make(map[string]struct{})}
}

// HasProcessed checks if a consumer already handled an event.
func (s *ProcessedStore) HasProcessed(_ context.Context, eventID, consumerName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[consumerName+"|"+eventID]
	return ok, nil
}

// MarkProcessed records an event as handled.
func (s *ProcessedStore) MarkProcessed(_ context.Context, eventID, consumerName string) error {
	s.mu.Lock()
	s.seen[consumerName+"|"+eventID] = struct{}{}
	s.mu.Unlock()
	return nil
}
