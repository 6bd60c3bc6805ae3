// ABOUTME: Single-use resumption records that let a start interrupted by navigation or login resume once
// ABOUTME: Records are keyed per origin, expire after five minutes and are deleted on every read

package resume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/2389/coven-council/internal/clock"
)

// KeyPrefix namespaces record keys in the backend.
const KeyPrefix = "council:resume:"

// DefaultTTL is how long a captured record stays fresh.
const DefaultTTL = 5 * time.Minute

// Known origins, highest priority first.
const (
	OriginQuickStart  = "quickStart"
	OriginMarketplace = "marketplace"
)

// DefaultOrigins is the fixed origin set in priority order.
var DefaultOrigins = []string{OriginQuickStart, OriginMarketplace}

// ErrUnknownOrigin is returned when capturing for an origin outside the configured set.
var ErrUnknownOrigin = errors.New("unknown resume origin")

// Record is the selection a user made before being interrupted. Attached
// files are never part of it.
type Record struct {
	Origin         string    `json:"origin"`
	AgentIDs       []string  `json:"agent_ids"`
	InitialMessage string    `json:"initial_message"`
	CreatedAt      time.Time `json:"created_at"`
}

// Key returns the backend key for origin.
func Key(origin string) string { return KeyPrefix + origin }

// Store captures and consumes records for a fixed set of origins.
type Store struct {
	backend Backend
	origins []string
	ttl     time.Duration
	clock   clock.Clock
	logger  *slog.Logger
}

// NewStore creates a Store. Empty origins select DefaultOrigins, a
// non-positive ttl selects DefaultTTL, and nil clock or logger select defaults.
func NewStore(backend Backend, origins []string, ttl time.Duration, clk clock.Clock, logger *slog.Logger) *Store {
	if len(origins) == 0 {
		origins = DefaultOrigins
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend: backend,
		origins: slices.Clone(origins),
		ttl:     ttl,
		clock:   clk,
		logger:  logger.With("component", "resume"),
	}
}

// Origins returns the configured origins in priority order.
func (s *Store) Origins() []string { return slices.Clone(s.origins) }

// Capture writes a record for origin, replacing any earlier one.
func (s *Store) Capture(ctx context.Context, origin string, agentIDs []string, message string) error {
	if !slices.Contains(s.origins, origin) {
		return fmt.Errorf("%w: %q", ErrUnknownOrigin, origin)
	}

	data, err := json.Marshal(Record{
		Origin:         origin,
		AgentIDs:       slices.Clone(agentIDs),
		InitialMessage: message,
		CreatedAt:      s.clock.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding resume record: %w", err)
	}
	if err := s.backend.Put(ctx, Key(origin), data); err != nil {
		return err
	}

	s.logger.Debug("resume record captured", "origin", origin, "agents", len(agentIDs))
	return nil
}

// ConsumeIfFresh takes the record for origin. The record is deleted whether
// or not it is returned; stale, unparseable and missing records all report
// false.
func (s *Store) ConsumeIfFresh(ctx context.Context, origin string) (*Record, bool) {
	if !slices.Contains(s.origins, origin) {
		s.logger.Warn("consume for unknown origin", "origin", origin)
		return nil, false
	}

	data, ok, err := s.backend.Take(ctx, Key(origin))
	if err != nil {
		s.logger.Error("reading resume record", "origin", origin, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("discarding unparseable resume record", "origin", origin, "error", err)
		return nil, false
	}
	if rec.CreatedAt.IsZero() {
		s.logger.Warn("discarding resume record without timestamp", "origin", origin)
		return nil, false
	}

	age := s.clock.Now().Sub(rec.CreatedAt)
	if age > s.ttl {
		s.logger.Info("discarding stale resume record", "origin", origin, "age", age)
		return nil, false
	}

	rec.Origin = origin
	return &rec, true
}
