package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/boardsync/internal/clock"
	"github.com/agentworkforce/boardsync/internal/errs"
	"github.com/agentworkforce/boardsync/internal/logging"
)

// CurrentVersion is the envelope version written by this build.
const CurrentVersion = 1

// Envelope wraps every persisted value.
type Envelope struct {
	Payload      json.RawMessage `json:"payload"`
	LastModified time.Time       `json:"lastModified"`
	Version      int             `json:"version"`
}

// MigrationFunc upgrades a payload by one registered step.
type MigrationFunc func(key string, payload json.RawMessage) (json.RawMessage, error)

type migration struct {
	to int
	fn MigrationFunc
}

type Store struct {
	backend Backend
	clock   clock.Clock
	logger  *zap.Logger
	version int

	mu         sync.RWMutex
	migrations map[int]migration
}

type Option func(*Store)

func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logging.OrNop(logger)
	}
}

// WithVersion overrides the version stamped on writes. Used when a build
// ships new migrations ahead of CurrentVersion.
func WithVersion(v int) Option {
	return func(s *Store) {
		if v > 0 {
			s.version = v
		}
	}
}

func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:    backend,
		clock:      clock.Real(),
		logger:     zap.NewNop(),
		version:    CurrentVersion,
		migrations: map[int]migration{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.migrations[0] = migration{to: 1, fn: func(_ string, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	}}
	return s
}

// Open builds the backend for dsn and wraps it in a Store.
func Open(dsn string, opts ...Option) (*Store, error) {
	probe := &Store{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(probe)
	}
	backend, err := OpenBackend(dsn, probe.logger)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "storage.open", err)
	}
	return NewStore(backend, opts...), nil
}

func (s *Store) Version() int {
	return s.version
}

// RegisterMigration installs fn to upgrade payloads stored at version from to
// version to. Registering the same from twice replaces the earlier step.
func (s *Store) RegisterMigration(from, to int, fn MigrationFunc) error {
	if fn == nil || from < 0 || to <= from {
		return errs.Validation("storage.register_migration", fmt.Sprintf("invalid migration %d -> %d", from, to))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.migrations[from] = migration{to: to, fn: fn}
	return nil
}

func (s *Store) Store(ctx context.Context, key string, data any) error {
	const op = "storage.store"
	if err := checkKey(op, key); err != nil {
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return errs.Wrap(errs.KindValidation, op, fmt.Errorf("encode %s: %w", key, err))
	}
	env := Envelope{
		Payload:      payload,
		LastModified: s.clock.Now().UTC(),
		Version:      s.version,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return errs.Wrap(errs.KindStorage, op, err)
	}
	if err := s.backend.Put(ctx, key, raw); err != nil {
		return errs.Wrap(errs.KindStorage, op, fmt.Errorf("put %s: %w", key, err))
	}
	return nil
}

// Retrieve loads key, migrates it to the current version and decodes the
// payload into dst when dst is non-nil.
func (s *Store) Retrieve(ctx context.Context, key string, dst any) (Envelope, error) {
	const op = "storage.retrieve"
	if err := checkKey(op, key); err != nil {
		return Envelope{}, err
	}
	raw, err := s.backend.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return Envelope{}, errs.NotFound(op, key)
	}
	if err != nil {
		return Envelope{}, errs.Wrap(errs.KindStorage, op, fmt.Errorf("get %s: %w", key, err))
	}
	env, err := decodeEnvelope(raw)
	if err != nil {
		return Envelope{}, errs.Wrap(errs.KindStorage, op, fmt.Errorf("decode %s: %w", key, err))
	}
	env, err = s.migrate(key, env)
	if err != nil {
		return Envelope{}, errs.Wrap(errs.KindStorage, op, err)
	}
	if dst != nil {
		if err := json.Unmarshal(env.Payload, dst); err != nil {
			return Envelope{}, errs.Wrap(errs.KindStorage, op, fmt.Errorf("decode payload %s: %w", key, err))
		}
	}
	return env, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	const op = "storage.delete"
	if err := checkKey(op, key); err != nil {
		return err
	}
	if err := s.backend.Delete(ctx, key); err != nil {
		return errs.Wrap(errs.KindStorage, op, fmt.Errorf("delete %s: %w", key, err))
	}
	return nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.backend.Keys(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "storage.keys", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Close() error {
	if err := s.backend.Close(); err != nil {
		return errs.Wrap(errs.KindStorage, "storage.close", err)
	}
	return nil
}

func (s *Store) migrate(key string, env Envelope) (Envelope, error) {
	if env.Version > s.version {
		return Envelope{}, fmt.Errorf("%s has version %d, newer than supported %d", key, env.Version, s.version)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	from := env.Version
	for env.Version < s.version {
		step, ok := s.migrations[env.Version]
		if !ok {
			return Envelope{}, fmt.Errorf("no migration registered from version %d for %s", env.Version, key)
		}
		payload, err := step.fn(key, env.Payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("migrate %s %d -> %d: %w", key, env.Version, step.to, err)
		}
		env.Payload = payload
		env.Version = step.to
	}
	if env.Version != s.version {
		return Envelope{}, fmt.Errorf("migration of %s overshot to version %d", key, env.Version)
	}
	if from != env.Version {
		s.logger.Debug("migrated stored value",
			zap.String("key", key),
			zap.Int("from", from),
			zap.Int("to", env.Version),
		)
	}
	return env, nil
}

// decodeEnvelope accepts both the envelope shape and bare legacy JSON, which
// is treated as a version 0 payload.
func decodeEnvelope(raw []byte) (Envelope, error) {
	var probe struct {
		Payload      json.RawMessage `json:"payload"`
		LastModified *time.Time      `json:"lastModified"`
		Version      *int            `json:"version"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil && probe.Version != nil && probe.Payload != nil {
		env := Envelope{Payload: probe.Payload, Version: *probe.Version}
		if probe.LastModified != nil {
			env.LastModified = *probe.LastModified
		}
		return env, nil
	}
	if !json.Valid(raw) {
		return Envelope{}, errors.New("stored value is not valid JSON")
	}
	return Envelope{Payload: append(json.RawMessage(nil), raw...), Version: 0}, nil
}

func checkKey(op, key string) error {
	if strings.TrimSpace(key) == "" {
		return errs.Validation(op, "key is required")
	}
	return nil
}
