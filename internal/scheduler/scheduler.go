// Package scheduler collapses bursts of saves for the same key into a single
// durable write.
//
// Each key has at most one armed timer. Re-scheduling a key replaces its timer
// and payload, so only the latest payload is written. Writes for one key pass
// through a FIFO ticket lock taken in request order, so they are never
// reordered or interleaved; different keys proceed independently.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/boardsync/internal/clock"
	"github.com/agentworkforce/boardsync/internal/errs"
	"github.com/agentworkforce/boardsync/internal/logging"
	"github.com/agentworkforce/boardsync/internal/metrics"
)

type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

type Options struct {
	Priority  Priority
	Immediate bool
}

type Delays struct {
	High   time.Duration
	Medium time.Duration
	Low    time.Duration
}

func DefaultDelays() Delays {
	return Delays{
		High:   250 * time.Millisecond,
		Medium: time.Second,
		Low:    3 * time.Second,
	}
}

func (d Delays) For(p Priority) time.Duration {
	defaults := DefaultDelays()
	var v, fallback time.Duration
	switch p {
	case PriorityHigh:
		v, fallback = d.High, defaults.High
	case PriorityMedium:
		v, fallback = d.Medium, defaults.Medium
	default:
		v, fallback = d.Low, defaults.Low
	}
	if v <= 0 {
		return fallback
	}
	return v
}

// Writer is the durable sink; *storage.Store satisfies it.
type Writer interface {
	Store(ctx context.Context, key string, data any) error
}

const writeTimeout = 10 * time.Second

type pendingWrite struct {
	data     json.RawMessage
	priority Priority
	timer    clock.Timer
	gen      uint64
}

type Scheduler struct {
	writer  Writer
	clock   clock.Clock
	delays  Delays
	logger  *zap.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	gen     uint64
	pending map[string]*pendingWrite
	latest  map[string]uint64
	tails   map[string]chan struct{}
	closed  bool
}

type Option func(*Scheduler)

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithDelays(d Delays) Option {
	return func(s *Scheduler) {
		s.delays = d
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logging.OrNop(logger)
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

func New(writer Writer, opts ...Option) *Scheduler {
	s := &Scheduler{
		writer:  writer,
		clock:   clock.Real(),
		delays:  DefaultDelays(),
		logger:  zap.NewNop(),
		pending: map[string]*pendingWrite{},
		latest:  map[string]uint64{},
		tails:   map[string]chan struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ready reports whether the scheduler accepts work.
func (s *Scheduler) Ready() bool {
	if s == nil || s.writer == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Schedule persists data under key. The payload is snapshotted before
// Schedule returns, so later mutation of data has no effect on what is
// written.
func (s *Scheduler) Schedule(ctx context.Context, key string, data any, opts Options) error {
	const op = "scheduler.schedule"
	raw, err := json.Marshal(data)
	if err != nil {
		return errs.Wrap(errs.KindValidation, op, fmt.Errorf("encode %s: %w", key, err))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errs.Wrap(errs.KindInternal, op, errs.ErrClosed)
	}
	s.gen++
	s.latest[key] = s.gen
	if opts.Immediate {
		s.cancelLocked(key)
		wait, release := s.ticketLocked(key)
		s.mu.Unlock()
		s.metrics.ObserveSave(key, "immediate")
		return s.write(ctx, key, raw, wait, release)
	}

	s.cancelLocked(key)
	p := &pendingWrite{data: raw, priority: opts.Priority, gen: s.gen}
	s.armLocked(key, p)
	s.mu.Unlock()
	s.metrics.ObserveSave(key, "debounced")
	return nil
}

// Flush writes every pending key now.
func (s *Scheduler) Flush(ctx context.Context) error {
	type job struct {
		key     string
		p       *pendingWrite
		wait    <-chan struct{}
		release func()
	}
	s.mu.Lock()
	keys := make([]string, 0, len(s.pending))
	for key := range s.pending {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	jobs := make([]job, 0, len(keys))
	for _, key := range keys {
		p := s.pending[key]
		s.cancelLocked(key)
		wait, release := s.ticketLocked(key)
		jobs = append(jobs, job{key: key, p: p, wait: wait, release: release})
	}
	s.mu.Unlock()

	var failed []error
	for _, j := range jobs {
		if err := s.write(ctx, j.key, j.p.data, j.wait, j.release); err != nil {
			failed = append(failed, err)
			s.rearm(j.key, j.p)
		}
	}
	return errors.Join(failed...)
}

// Close flushes pending writes and then refuses new work.
func (s *Scheduler) Close(ctx context.Context) error {
	err := s.Flush(ctx)
	s.mu.Lock()
	s.closed = true
	for key := range s.pending {
		s.cancelLocked(key)
	}
	s.mu.Unlock()
	return err
}

func (s *Scheduler) armLocked(key string, p *pendingWrite) {
	gen := p.gen
	p.timer = s.clock.AfterFunc(s.delays.For(p.priority), func() {
		s.fire(key, gen)
	})
	s.pending[key] = p
}

func (s *Scheduler) cancelLocked(key string) {
	if p, ok := s.pending[key]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(s.pending, key)
	}
}

// ticketLocked enqueues a writer for key. The caller must wait on the
// returned channel before writing and call release afterwards.
func (s *Scheduler) ticketLocked(key string) (<-chan struct{}, func()) {
	prev := s.tails[key]
	done := make(chan struct{})
	s.tails[key] = done
	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			if s.tails[key] == done {
				delete(s.tails, key)
			}
			s.mu.Unlock()
			close(done)
		})
	}
	return prev, release
}

func (s *Scheduler) fire(key string, gen uint64) {
	s.mu.Lock()
	p, ok := s.pending[key]
	if !ok || p.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	wait, release := s.ticketLocked(key)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.write(ctx, key, p.data, wait, release); err != nil {
		s.logger.Warn("debounced write failed; re-armed",
			zap.String("key", key),
			zap.Stringer("priority", p.priority),
			zap.Error(err),
		)
		s.rearm(key, p)
	}
}

// rearm schedules a failed payload again unless a newer request for the key
// superseded it.
func (s *Scheduler) rearm(key string, p *pendingWrite) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.latest[key] != p.gen {
		return
	}
	s.gen++
	s.latest[key] = s.gen
	s.armLocked(key, &pendingWrite{data: p.data, priority: p.priority, gen: s.gen})
}

func (s *Scheduler) write(ctx context.Context, key string, data json.RawMessage, wait <-chan struct{}, release func()) error {
	defer release()
	// Writers for a key run strictly in ticket order.
	if wait != nil {
		<-wait
	}
	if err := s.writer.Store(ctx, key, data); err != nil {
		s.metrics.ObserveSaveFailure(key)
		return err
	}
	return nil
}

// Persist routes a save through s, or writes synchronously to w when s is
// nil, not ready, or closes concurrently. A save is never dropped.
func Persist(ctx context.Context, s *Scheduler, w Writer, key string, data any, opts Options) error {
	if s.Ready() {
		err := s.Schedule(ctx, key, data, opts)
		if !errors.Is(err, errs.ErrClosed) {
			return err
		}
	}
	if w == nil {
		return errs.New(errs.KindStorage, "scheduler.persist", "no writer available for "+key)
	}
	if s != nil {
		s.metrics.ObserveSave(key, "fallback")
	}
	return w.Store(ctx, key, data)
}
