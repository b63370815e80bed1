// Package audit keeps a capped, append-only trail of sync operations in the
// local store.
package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/store"
)

// Prefix is the key prefix of audit entries.
const Prefix = "audit_"

// DefaultCap is the number of entries kept when no cap is configured.
const DefaultCap = 1000

// Entry is one audited operation.
type Entry struct {
	Key       string         `json:"-"`
	Operation string         `json:"operation"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	UserID    string         `json:"userId"`
	SessionID string         `json:"sessionId"`
}

// Trail appends entries and trims the oldest beyond the cap.
type Trail struct {
	store     store.Store
	cap       int
	sessionID string
	now       func() time.Time
	log       zerolog.Logger

	mu  sync.Mutex
	seq uint64
}

// Option configures a Trail.
type Option func(*Trail)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Trail) { t.now = now }
}

// New creates a trail with a fresh session id.
func New(s store.Store, limit int, log zerolog.Logger, opts ...Option) *Trail {
	if limit <= 0 {
		limit = DefaultCap
	}
	t := &Trail{
		store:     s,
		cap:       limit,
		sessionID: uuid.NewString(),
		now:       time.Now,
		log:       log,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// SessionID identifies this process run in every entry it writes.
func (t *Trail) SessionID() string { return t.sessionID }

// Record appends an entry and trims the trail.
func (t *Trail) Record(ctx context.Context, operation, userID string, details map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	e := Entry{
		Operation: operation,
		Details:   details,
		Timestamp: t.now().UTC(),
		UserID:    userID,
		SessionID: t.sessionID,
	}
	key := fmt.Sprintf("%s%020d_%06d", Prefix, e.Timestamp.UnixNano(), t.seq)
	if err := store.SetJSON(ctx, t.store, key, e); err != nil {
		return fmt.Errorf("audit %s: %w", operation, err)
	}
	return t.trim(ctx)
}

// Entries returns the trail oldest first.
func (t *Trail) Entries(ctx context.Context) ([]Entry, error) {
	keys, err := t.store.Keys(ctx, Prefix)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		var e Entry
		ok, err := store.GetJSON(ctx, t.store, k, &e)
		if err != nil {
			t.log.Warn().Err(err).Str("key", k).Msg("skipping unreadable audit entry")
			continue
		}
		if !ok {
			continue
		}
		e.Key = k
		entries = append(entries, e)
	}
	// Order by the recorded timestamp; the key breaks ties. Keys from other
	// sessions or clocks do not sort chronologically on their own.
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		}
		return entries[i].Key < entries[j].Key
	})
	return entries, nil
}

func (t *Trail) trim(ctx context.Context) error {
	keys, err := t.store.Keys(ctx, Prefix)
	if err != nil {
		return err
	}
	if len(keys) <= t.cap {
		return nil
	}
	entries, err := t.Entries(ctx)
	if err != nil {
		return err
	}
	excess := len(entries) - t.cap
	if excess <= 0 {
		return nil
	}
	for _, e := range entries[:excess] {
		if err := t.store.Delete(ctx, e.Key); err != nil {
			return fmt.Errorf("trim audit: %w", err)
		}
	}
	return nil
}
