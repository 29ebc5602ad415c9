// Package identity issues and persists the anonymous per-device identity that
// owns workspaces and stamps pending changes.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentworkforce/boardsync/internal/clock"
	"github.com/agentworkforce/boardsync/internal/errs"
	"github.com/agentworkforce/boardsync/internal/logging"
	"github.com/agentworkforce/boardsync/internal/storage"
)

const (
	KeyIdentity     = "identity"
	KeyUserID       = "identity.user_id"
	KeySessionID    = "identity.session_id"
	KeyFingerprint  = "identity.fingerprint"
	KeyCreatedAt    = "identity.created_at"
	KeyLastActivity = "identity.last_activity"

	MaxAge        = 365 * 24 * time.Hour
	MaxInactivity = 90 * 24 * time.Hour
)

var (
	ErrExpired  = errors.New("identity exceeded maximum age")
	ErrInactive = errors.New("identity exceeded maximum inactivity")
)

type Identity struct {
	UserID            string    `json:"userId" validate:"required"`
	SessionID         string    `json:"sessionId"`
	DeviceFingerprint string    `json:"deviceFingerprint"`
	CreatedAt         time.Time `json:"createdAt" validate:"required"`
	LastActivity      time.Time `json:"lastActivity" validate:"required"`
}

// Store is a backend the identity is restored from and written to.
type Store interface {
	Store(ctx context.Context, key string, data any) error
	Retrieve(ctx context.Context, key string, dst any) (storage.Envelope, error)
}

type source struct {
	name    string
	store   Store
	session bool
}

type Provider struct {
	sources       []source
	clock         clock.Clock
	logger        *zap.Logger
	fingerprint   func() string
	maxAge        time.Duration
	maxInactivity time.Duration

	mu      sync.RWMutex
	current *Identity
}

type Option func(*Provider)

func WithClock(c clock.Clock) Option {
	return func(p *Provider) {
		if c != nil {
			p.clock = c
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Provider) { p.logger = logging.OrNop(logger) }
}

func WithFingerprint(fn func() string) Option {
	return func(p *Provider) {
		if fn != nil {
			p.fingerprint = fn
		}
	}
}

// NewProvider restores from primary first and then from session, the
// session-scoped fallback. session may be nil.
func NewProvider(primary, session Store, opts ...Option) *Provider {
	p := &Provider{
		clock:         clock.Real(),
		logger:        zap.NewNop(),
		fingerprint:   DefaultFingerprint,
		maxAge:        MaxAge,
		maxInactivity: MaxInactivity,
	}
	if primary != nil {
		p.sources = append(p.sources, source{name: "primary", store: primary})
	}
	if session != nil {
		p.sources = append(p.sources, source{name: "session", store: session, session: true})
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Initialize restores, validates and re-persists the identity, minting a new
// one when nothing valid is stored. It fails only when no backend accepts
// the write.
func (p *Provider) Initialize(ctx context.Context) (Identity, error) {
	now := p.clock.Now().UTC()
	fingerprint := p.fingerprint()

	restored, from := p.restore(ctx)
	if restored != nil {
		if err := p.Validate(*restored); err != nil {
			p.logger.Info("discarding stored identity",
				zap.String("source", from.name),
				zap.String("user_id", restored.UserID),
				zap.Error(err),
			)
			restored = nil
		}
	}

	var id Identity
	if restored == nil {
		id = p.mint(now, fingerprint)
		p.logger.Info("minted identity", zap.String("user_id", id.UserID))
	} else {
		id = *restored
		if id.DeviceFingerprint != "" && id.DeviceFingerprint != fingerprint {
			p.logger.Warn("device fingerprint changed since identity was stored",
				zap.String("user_id", id.UserID),
				zap.String("stored", id.DeviceFingerprint),
				zap.String("current", fingerprint),
			)
		}
		id.DeviceFingerprint = fingerprint
		id.LastActivity = now
		if !from.session {
			id.SessionID = p.liveSession(ctx, id.UserID)
		}
		if id.SessionID == "" {
			id.SessionID = uuid.NewString()
		}
		p.logger.Debug("restored identity",
			zap.String("user_id", id.UserID),
			zap.String("source", from.name),
		)
	}

	if err := p.persist(ctx, id); err != nil {
		return Identity{}, err
	}
	p.set(id)
	return id, nil
}

// Validate rejects identities past the maximum age or inactivity ceiling.
func (p *Provider) Validate(id Identity) error {
	if err := validate.Struct(id); err != nil {
		return errs.Wrap(errs.KindValidation, "identity.validate", err)
	}
	now := p.clock.Now()
	if now.Sub(id.CreatedAt) > p.maxAge {
		return errs.Wrap(errs.KindValidation, "identity.validate", ErrExpired)
	}
	if now.Sub(id.LastActivity) > p.maxInactivity {
		return errs.Wrap(errs.KindValidation, "identity.validate", ErrInactive)
	}
	return nil
}

func (p *Provider) Current() (Identity, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return Identity{}, false
	}
	return *p.current, true
}

// UserID returns the current user id or "" before Initialize.
func (p *Provider) UserID() string {
	id, _ := p.Current()
	return id.UserID
}

// Touch refreshes lastActivity and re-persists.
func (p *Provider) Touch(ctx context.Context) (Identity, error) {
	id, ok := p.Current()
	if !ok {
		return Identity{}, errs.New(errs.KindInitialization, "identity.touch", "identity not initialized")
	}
	id.LastActivity = p.clock.Now().UTC()
	if err := p.persist(ctx, id); err != nil {
		return Identity{}, err
	}
	p.set(id)
	return id, nil
}

// Reset discards the current identity and mints a fresh one.
func (p *Provider) Reset(ctx context.Context) (Identity, error) {
	id := p.mint(p.clock.Now().UTC(), p.fingerprint())
	if err := p.persist(ctx, id); err != nil {
		return Identity{}, err
	}
	p.set(id)
	p.logger.Info("identity reset", zap.String("user_id", id.UserID))
	return id, nil
}

func (p *Provider) set(id Identity) {
	p.mu.Lock()
	p.current = &id
	p.mu.Unlock()
}

func (p *Provider) mint(now time.Time, fingerprint string) Identity {
	return Identity{
		UserID:            uuid.NewString(),
		SessionID:         uuid.NewString(),
		DeviceFingerprint: fingerprint,
		CreatedAt:         now,
		LastActivity:      now,
	}
}

// restore walks the structured record of every source, then per-field
// reconstruction of every source.
func (p *Provider) restore(ctx context.Context) (*Identity, source) {
	for _, src := range p.sources {
		var id Identity
		if _, err := src.store.Retrieve(ctx, KeyIdentity, &id); err != nil {
			if !errors.Is(err, errs.ErrNotFound) {
				p.logger.Warn("identity backend unreadable", zap.String("source", src.name), zap.Error(err))
			}
			continue
		}
		if id.UserID != "" {
			return &id, src
		}
	}
	for _, src := range p.sources {
		if id, ok := p.fromFields(ctx, src.store); ok {
			p.logger.Info("reconstructed identity from individual fields", zap.String("source", src.name))
			return id, src
		}
	}
	return nil, source{}
}

// liveSession returns the session id a session-scoped backend holds for
// userID, so a restart within one session keeps it.
func (p *Provider) liveSession(ctx context.Context, userID string) string {
	for _, src := range p.sources {
		if !src.session {
			continue
		}
		var id Identity
		if _, err := src.store.Retrieve(ctx, KeyIdentity, &id); err == nil && id.UserID == userID {
			return id.SessionID
		}
	}
	return ""
}

func (p *Provider) fromFields(ctx context.Context, store Store) (*Identity, bool) {
	var id Identity
	if _, err := store.Retrieve(ctx, KeyUserID, &id.UserID); err != nil || id.UserID == "" {
		return nil, false
	}
	if _, err := store.Retrieve(ctx, KeyCreatedAt, &id.CreatedAt); err != nil {
		return nil, false
	}
	_, _ = store.Retrieve(ctx, KeySessionID, &id.SessionID)
	_, _ = store.Retrieve(ctx, KeyFingerprint, &id.DeviceFingerprint)
	if _, err := store.Retrieve(ctx, KeyLastActivity, &id.LastActivity); err != nil {
		id.LastActivity = id.CreatedAt
	}
	return &id, true
}

// persist writes the record and each field to every backend. A backend that
// rejects any write is skipped; at least one must accept everything.
func (p *Provider) persist(ctx context.Context, id Identity) error {
	writes := []struct {
		key   string
		value any
	}{
		{KeyIdentity, id},
		{KeyUserID, id.UserID},
		{KeySessionID, id.SessionID},
		{KeyFingerprint, id.DeviceFingerprint},
		{KeyCreatedAt, id.CreatedAt},
		{KeyLastActivity, id.LastActivity},
	}
	var failures []error
	accepted := 0
	for _, src := range p.sources {
		ok := true
		for _, w := range writes {
			if err := src.store.Store(ctx, w.key, w.value); err != nil {
				p.logger.Warn("identity write failed",
					zap.String("source", src.name),
					zap.String("key", w.key),
					zap.Error(err),
				)
				failures = append(failures, fmt.Errorf("%s: %w", src.name, err))
				ok = false
				break
			}
		}
		if ok {
			accepted++
		}
	}
	if accepted == 0 {
		cause := errors.Join(failures...)
		if cause == nil {
			cause = errors.New("no identity backend configured")
		}
		return errs.Wrap(errs.KindInitialization, "identity.persist", cause)
	}
	return nil
}

var validate = validator.New()
