package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Store.Get when a key is absent or expired.
// Absence is the authoritative "not present" signal, not a cache miss to
// recover from.
var ErrNotFound = errors.New("presence: not found")

// Store is a TTL-keyed byte store. Values are opaque to the store; the
// Manager owns the record model. Implementations: Redis for deployments,
// in-memory for tests and Redis-less development.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
	// Scan returns every live key with the given prefix mapped to its
	// value. O(matches); invoked only on join and on the REST snapshot,
	// never per event.
	Scan(ctx context.Context, prefix string) (map[string][]byte, error)
}

// Cursor is a caret location inside a proposal section.
type Cursor struct {
	SectionID string `json:"sectionId"`
	Position  int    `json:"position"`
}

// Record is the ephemeral per-user-per-room presence state. A missing
// record means "not actively present".
type Record struct {
	UserID          string    `json:"userId"`
	Email           string    `json:"email,omitempty"`
	ConnectionID    string    `json:"connectionId,omitempty"`
	Cursor          *Cursor   `json:"cursor,omitempty"`
	IsTyping        bool      `json:"isTyping,omitempty"`
	TypingSectionID string    `json:"typingSectionId,omitempty"`
	LastActivity    time.Time `json:"lastActivity"`
}

const keyPrefix = "collab:"

func joinKey(proposalID, userID string) string {
	return keyPrefix + "presence:" + proposalID + ":" + userID
}

func cursorKey(proposalID, userID string) string {
	return keyPrefix + "cursor:" + proposalID + ":" + userID
}

func joinPrefix(proposalID string) string {
	return keyPrefix + "presence:" + proposalID + ":"
}

func cursorPrefix(proposalID string) string {
	return keyPrefix + "cursor:" + proposalID + ":"
}

// Manager composes a Store with the record model and the two TTL tiers:
// a coarse join record that survives brief disconnect blips, and a fine
// cursor/typing record that must be continuously refreshed to stay alive.
// Collapsing the tiers would either flicker users offline between
// keystrokes or leave dead cursors on screen, so they stay separate.
type Manager struct {
	store       Store
	presenceTTL time.Duration
	cursorTTL   time.Duration
	now         func() time.Time
}

func NewManager(store Store, presenceTTL, cursorTTL time.Duration) *Manager {
	return &Manager{
		store:       store,
		presenceTTL: presenceTTL,
		cursorTTL:   cursorTTL,
		now:         time.Now,
	}
}

// MarkJoined writes the coarse join record for (proposalID, user).
func (m *Manager) MarkJoined(ctx context.Context, proposalID string, userID, email, connectionID string) error {
	rec := Record{
		UserID:       userID,
		Email:        email,
		ConnectionID: connectionID,
		LastActivity: m.now(),
	}
	return m.set(ctx, joinKey(proposalID, userID), rec, m.presenceTTL)
}

// UpdateCursor refreshes the short-lived cursor record.
func (m *Manager) UpdateCursor(ctx context.Context, proposalID, userID string, cursor Cursor) error {
	rec, _ := m.getCursorRecord(ctx, proposalID, userID)
	rec.UserID = userID
	rec.Cursor = &cursor
	rec.LastActivity = m.now()
	return m.set(ctx, cursorKey(proposalID, userID), rec, m.cursorTTL)
}

// SetTyping flips the typing flag on the short-lived record. Both starting
// and stopping refresh the TTL; the flag going stale simply expires with
// the record.
func (m *Manager) SetTyping(ctx context.Context, proposalID, userID, sectionID string, typing bool) error {
	rec, _ := m.getCursorRecord(ctx, proposalID, userID)
	rec.UserID = userID
	rec.IsTyping = typing
	if typing {
		rec.TypingSectionID = sectionID
	} else {
		rec.TypingSectionID = ""
	}
	rec.LastActivity = m.now()
	return m.set(ctx, cursorKey(proposalID, userID), rec, m.cursorTTL)
}

// Clear removes both records for (proposalID, user). Used on leave and
// disconnect; unclean disconnects skip this and the TTLs clean up instead.
func (m *Manager) Clear(ctx context.Context, proposalID, userID string) error {
	return m.store.Delete(ctx, joinKey(proposalID, userID), cursorKey(proposalID, userID))
}

// Snapshot reconstructs who is present in the room: join records form the
// base, cursor records overlay live cursor/typing state. A user with only
// a live cursor record (join record expired, still active) is included.
func (m *Manager) Snapshot(ctx context.Context, proposalID string) (map[string]Record, error) {
	joined, err := m.store.Scan(ctx, joinPrefix(proposalID))
	if err != nil {
		return nil, fmt.Errorf("scan join records: %w", err)
	}
	cursors, err := m.store.Scan(ctx, cursorPrefix(proposalID))
	if err != nil {
		return nil, fmt.Errorf("scan cursor records: %w", err)
	}

	out := make(map[string]Record, len(joined))
	for key, raw := range joined {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.UserID == "" {
			rec.UserID = key[len(joinPrefix(proposalID)):]
		}
		out[rec.UserID] = rec
	}
	for key, raw := range cursors {
		var cur Record
		if err := json.Unmarshal(raw, &cur); err != nil {
			continue
		}
		if cur.UserID == "" {
			cur.UserID = key[len(cursorPrefix(proposalID)):]
		}
		base, ok := out[cur.UserID]
		if !ok {
			out[cur.UserID] = cur
			continue
		}
		base.Cursor = cur.Cursor
		base.IsTyping = cur.IsTyping
		base.TypingSectionID = cur.TypingSectionID
		if cur.LastActivity.After(base.LastActivity) {
			base.LastActivity = cur.LastActivity
		}
		out[cur.UserID] = base
	}
	return out, nil
}

func (m *Manager) set(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal presence record: %w", err)
	}
	return m.store.Set(ctx, key, raw, ttl)
}

func (m *Manager) getCursorRecord(ctx context.Context, proposalID, userID string) (Record, error) {
	raw, err := m.store.Get(ctx, cursorKey(proposalID, userID))
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}
