// Package changes records mutations that still need to reach the remote copy.
// It is a durable, bounded queue with no knowledge of networking.
package changes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentworkforce/boardsync/internal/clock"
	"github.com/agentworkforce/boardsync/internal/errs"
	"github.com/agentworkforce/boardsync/internal/logging"
	"github.com/agentworkforce/boardsync/internal/metrics"
	"github.com/agentworkforce/boardsync/internal/scheduler"
	"github.com/agentworkforce/boardsync/internal/storage"
)

const (
	StorageKey      = "pending_changes"
	DefaultCapacity = 1000
)

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func (o Operation) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

type Change struct {
	ID        string          `json:"id"`
	DataType  string          `json:"dataType"`
	Operation Operation       `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	OwnerID   string          `json:"ownerId"`
	Synced    bool            `json:"synced"`
	Attempts  int             `json:"attempts"`
}

func (c Change) clone() Change {
	c.Payload = append(json.RawMessage(nil), c.Payload...)
	if c.Metadata != nil {
		c.Metadata = append(json.RawMessage(nil), c.Metadata...)
	}
	return c
}

// Store is the durable medium the queue is loaded from and written to.
type Store interface {
	scheduler.Writer
	Retrieve(ctx context.Context, key string, dst any) (storage.Envelope, error)
}

type snapshot struct {
	Items []Change `json:"items"`
}

type Tracker struct {
	store     Store
	scheduler *scheduler.Scheduler
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Collector
	owner     func() string
	capacity  int

	mu    sync.Mutex
	items []Change
}

type Option func(*Tracker)

func WithScheduler(s *scheduler.Scheduler) Option {
	return func(t *Tracker) { t.scheduler = s }
}

func WithClock(c clock.Clock) Option {
	return func(t *Tracker) {
		if c != nil {
			t.clock = c
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) { t.logger = logging.OrNop(logger) }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithOwner supplies the user id stamped on new changes.
func WithOwner(owner func() string) Option {
	return func(t *Tracker) { t.owner = owner }
}

func WithCapacity(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.capacity = n
		}
	}
}

func New(store Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:    store,
		clock:    clock.Real(),
		logger:   zap.NewNop(),
		owner:    func() string { return "" },
		capacity: DefaultCapacity,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Load restores the queue from the store. A missing key is an empty queue.
func (t *Tracker) Load(ctx context.Context) error {
	var snap snapshot
	_, err := t.store.Retrieve(ctx, StorageKey, &snap)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = snap.Items
	sort.SliceStable(t.items, func(i, j int) bool {
		return t.items[i].Timestamp.Before(t.items[j].Timestamp)
	})
	if t.compactLocked() > 0 {
		return t.persistLocked(ctx)
	}
	t.metrics.SetPendingChanges(len(t.items))
	return nil
}

// Track snapshots payload and metadata and queues them under dataType.
func (t *Tracker) Track(ctx context.Context, dataType string, op Operation, payload any, metadata map[string]any) (string, error) {
	const opName = "changes.track"
	if strings.TrimSpace(dataType) == "" {
		return "", errs.Validation(opName, "data type is required")
	}
	if !op.Valid() {
		return "", errs.Validation(opName, fmt.Sprintf("unknown operation %q", op))
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", errs.Wrap(errs.KindValidation, opName, err)
	}
	var meta json.RawMessage
	if len(metadata) > 0 {
		if meta, err = json.Marshal(metadata); err != nil {
			return "", errs.Wrap(errs.KindValidation, opName, err)
		}
	}
	change := Change{
		ID:        uuid.NewString(),
		DataType:  dataType,
		Operation: op,
		Payload:   raw,
		Metadata:  meta,
		Timestamp: t.clock.Now().UTC(),
		OwnerID:   t.owner(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	previous := t.items
	t.items = append(append([]Change(nil), t.items...), change)
	t.compactLocked()
	if err := t.persistLocked(ctx); err != nil {
		t.items = previous
		return "", err
	}
	return change.ID, nil
}

// Pending returns copies of queued changes of dataType ("" for all), oldest
// first.
func (t *Tracker) Pending(dataType string) []Change {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Change, 0, len(t.items))
	for _, c := range t.items {
		if dataType == "" || c.DataType == dataType {
			out = append(out, c.clone())
		}
	}
	return out
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

func (t *Tracker) Capacity() int {
	return t.capacity
}

// MarkSynced removes the change with id.
func (t *Tracker) MarkSynced(ctx context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, c := range t.items {
		if c.ID != id {
			continue
		}
		previous := t.items
		t.items = append(append([]Change(nil), t.items[:i]...), t.items[i+1:]...)
		if err := t.persistLocked(ctx); err != nil {
			t.items = previous
			return err
		}
		return nil
	}
	return errs.NotFound("changes.mark_synced", "change "+id)
}

// MarkSyncedThrough removes every change of dataType recorded at or before
// through and reports how many were removed.
func (t *Tracker) MarkSyncedThrough(ctx context.Context, dataType string, through time.Time) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := make([]Change, 0, len(t.items))
	for _, c := range t.items {
		if c.DataType == dataType && !c.Timestamp.After(through) {
			continue
		}
		kept = append(kept, c)
	}
	removed := len(t.items) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	previous := t.items
	t.items = kept
	if err := t.persistLocked(ctx); err != nil {
		t.items = previous
		return 0, err
	}
	return removed, nil
}

// RecordAttempt increments the attempt counter of each listed change.
func (t *Tracker) RecordAttempt(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	updated := append([]Change(nil), t.items...)
	touched := false
	for i := range updated {
		if _, ok := want[updated[i].ID]; ok {
			updated[i].Attempts++
			touched = true
		}
	}
	if !touched {
		return nil
	}
	previous := t.items
	t.items = updated
	if err := t.persistLocked(ctx); err != nil {
		t.items = previous
		return err
	}
	return nil
}

// compactLocked enforces capacity. Superseded entries (older entries of a data
// type that has a newer one) go first, oldest first; then the oldest entries.
func (t *Tracker) compactLocked() int {
	excess := len(t.items) - t.capacity
	if excess <= 0 {
		return 0
	}
	newest := map[string]int{}
	for i, c := range t.items {
		newest[c.DataType] = i
	}
	drop := make(map[int]struct{}, excess)
	for i, c := range t.items {
		if len(drop) == excess {
			break
		}
		if newest[c.DataType] != i {
			drop[i] = struct{}{}
		}
	}
	for i := range t.items {
		if len(drop) == excess {
			break
		}
		drop[i] = struct{}{}
	}
	kept := make([]Change, 0, t.capacity)
	for i, c := range t.items {
		if _, ok := drop[i]; !ok {
			kept = append(kept, c)
		}
	}
	t.logger.Warn("pending change queue over capacity; dropped entries",
		zap.Int("dropped", len(drop)),
		zap.Int("capacity", t.capacity),
	)
	t.items = kept
	return len(drop)
}

func (t *Tracker) persistLocked(ctx context.Context) error {
	snap := snapshot{Items: t.items}
	t.metrics.SetPendingChanges(len(t.items))
	return scheduler.Persist(ctx, t.scheduler, t.store, StorageKey, snap, scheduler.Options{Priority: scheduler.PriorityLow})
}
