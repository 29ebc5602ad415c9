// Package syncserver is the reference remote endpoint for boardsync devices.
// It stores the latest envelope per user and data type, refuses pushes built
// on a stale base and tells the user's other devices about accepted pushes.
package syncserver

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/boardsync/internal/clock"
	"github.com/agentworkforce/boardsync/internal/errs"
	"github.com/agentworkforce/boardsync/internal/logging"
	"github.com/agentworkforce/boardsync/internal/metrics"
	"github.com/agentworkforce/boardsync/internal/storage"
	"github.com/agentworkforce/boardsync/internal/syncmgr"
)

const envelopeSchemaURL = "https://schemas.boardsync.dev/envelope.json"

//go:embed schema/envelope.schema.json
var envelopeSchemaJSON []byte

var dataTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

type Config struct {
	JWTSecret    string
	RateLimit    float64
	RateBurst    int
	CORSOrigins  []string
	MaxBodyBytes int64
}

type Server struct {
	store   *storage.Store
	cfg     Config
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Collector
	schema  *jsonschema.Schema
	hub     *hub

	// writeMu serializes the base check and the store of a push.
	writeMu sync.Mutex

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
}

type Option func(*Server)

func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logging.OrNop(logger)
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

func New(store *storage.Store, cfg Config, opts ...Option) (*Server, error) {
	if store == nil {
		return nil, errs.New(errs.KindInitialization, "syncserver.new", "store is required")
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimit < 0 {
		cfg.RateLimit = 0
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = int(math.Max(1, math.Ceil(cfg.RateLimit)))
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 8 << 20
	}
	schema, err := compileEnvelopeSchema()
	if err != nil {
		return nil, errs.Wrap(errs.KindInitialization, "syncserver.new", err)
	}
	s := &Server{
		store:    store,
		cfg:      cfg,
		clock:    clock.Real(),
		logger:   zap.NewNop(),
		schema:   schema,
		hub:      newHub(),
		limiters: map[string]*rate.Limiter{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func compileEnvelopeSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(envelopeSchemaJSON))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(envelopeSchemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(envelopeSchemaURL)
}

// Handler returns the routed endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.observe)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.allowedOrigins(),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-User-Id", "X-Device-Id", "X-Correlation-Id"},
		ExposedHeaders:   []string{"Retry-After", "X-Correlation-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.Route("/sync", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.limit)
		r.Get("/events", s.handleEvents)
		r.Get("/{dataType}", s.handlePull)
		r.Post("/{dataType}", s.handlePush)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	return r
}

func (s *Server) allowedOrigins() []string {
	if len(s.cfg.CORSOrigins) == 0 {
		return []string{"*"}
	}
	return s.cfg.CORSOrigins
}

type userKey struct{}

func userFrom(ctx context.Context) string {
	userID, _ := ctx.Value(userKey{}).(string)
	return userID
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, authErr := parseBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, s.clock.Now())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
	})
}

func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.RateLimit > 0 && !s.limiter(userFrom(r.Context())).AllowN(s.clock.Now(), 1) {
			retryAfter := int(math.Ceil(1 / s.cfg.RateLimit))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiter(userID string) *rate.Limiter {
	s.limitMu.Lock()
	defer s.limitMu.Unlock()
	l, ok := s.limiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)
		s.limiters[userID] = l
	}
	return l
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := s.clock.Now()
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveHTTP(route, strconv.Itoa(status))
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("elapsed", s.clock.Now().Sub(start)),
			zap.String("correlation_id", getCorrelationID(r)),
		)
	})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	dataType, ok := dataTypeParam(w, r)
	if !ok {
		return
	}
	userID := userFrom(r.Context())

	var env syncmgr.Envelope
	_, err := s.store.Retrieve(r.Context(), envelopeKey(userID, dataType), &env)
	if errors.Is(err, errs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no envelope stored for "+dataType, correlationID)
		return
	}
	if err != nil {
		s.logger.Error("load envelope", zap.String("user_id", userID), zap.String("data_type", dataType), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load envelope", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	dataType, ok := dataTypeParam(w, r)
	if !ok {
		return
	}
	userID := userFrom(r.Context())

	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if err := s.schema.Validate(inst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_envelope", err.Error(), correlationID)
		return
	}
	var env syncmgr.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_envelope", err.Error(), correlationID)
		return
	}
	if env.Schema.DataType != dataType {
		writeError(w, http.StatusBadRequest, "invalid_envelope", "envelope data type does not match route", correlationID)
		return
	}
	if env.Schema.Version > syncmgr.SchemaVersion {
		writeError(w, http.StatusBadRequest, "unsupported_schema", "envelope schema version is newer than this server", correlationID)
		return
	}

	key := envelopeKey(userID, dataType)
	s.writeMu.Lock()
	var stored syncmgr.Envelope
	_, err = s.store.Retrieve(r.Context(), key, &stored)
	switch {
	case errors.Is(err, errs.ErrNotFound):
	case err != nil:
		s.writeMu.Unlock()
		s.logger.Error("load envelope", zap.String("user_id", userID), zap.String("data_type", dataType), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load envelope", correlationID)
		return
	default:
		base := env.SyncMeta.BaseTimestamp
		if base == nil || !base.Equal(stored.SyncMeta.LocalTimestamp) {
			s.writeMu.Unlock()
			writeJSON(w, http.StatusConflict, map[string]any{
				"code":            "stale_base",
				"message":         "remote copy changed since the base this push was built on",
				"correlationId":   correlationID,
				"remoteTimestamp": stored.SyncMeta.LocalTimestamp,
			})
			return
		}
	}
	if err := s.store.Store(r.Context(), key, env); err != nil {
		s.writeMu.Unlock()
		s.logger.Error("store envelope", zap.String("user_id", userID), zap.String("data_type", dataType), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to store envelope", correlationID)
		return
	}
	s.writeMu.Unlock()

	delivered := s.hub.publish(syncmgr.RemoteEvent{
		DataType:  dataType,
		UserID:    userID,
		DeviceID:  env.SyncMeta.DeviceID,
		Timestamp: env.SyncMeta.LocalTimestamp,
	})
	s.logger.Info("envelope accepted",
		zap.String("user_id", userID),
		zap.String("data_type", dataType),
		zap.String("device_id", env.SyncMeta.DeviceID),
		zap.Int("notified", delivered),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":         "accepted",
		"dataType":       dataType,
		"localTimestamp": env.SyncMeta.LocalTimestamp,
	})
}

func dataTypeParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	dataType := chi.URLParam(r, "dataType")
	if unescaped, err := url.PathUnescape(dataType); err == nil {
		dataType = unescaped
	}
	if !dataTypePattern.MatchString(dataType) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid data type", getCorrelationID(r))
		return "", false
	}
	return dataType, true
}

func envelopeKey(userID, dataType string) string {
	return "sync/" + userID + "/" + dataType
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
