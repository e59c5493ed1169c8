package convlog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kizunalab/kizuna/pkg/errs"
	"github.com/kizunalab/kizuna/pkg/logger"
)

const (
	defaultPullLimit = 100
	maxPullLimit     = 200
)

// SyncService implements the client sync protocol on top of the store:
// idempotent appends, incremental pulls, cascading deletes with tombstones,
// and anchor-based pruning for edit-and-regenerate flows.
type SyncService struct {
	store *SQLiteStore
	log   zerolog.Logger
}

func NewSyncService(store *SQLiteStore) *SyncService {
	return &SyncService{
		store: store,
		log:   logger.C("convlog"),
	}
}

// Append upserts an entry. Clients may send their own id for idempotent
// retries; entries without one get a server-generated id. Writes that
// target a tombstoned id, or reply to one, are acknowledged but dropped so
// a lagging device cannot resurrect a deleted message.
func (s *SyncService) Append(ctx context.Context, e Entry) (AppendResult, error) {
	if strings.TrimSpace(e.UserID) == "" {
		return AppendResult{}, fmt.Errorf("append: empty userId: %w", errs.ErrValidation)
	}
	if e.Role != RoleUser && e.Role != RoleCompanion {
		return AppendResult{}, fmt.Errorf("append: invalid role %q: %w", e.Role, errs.ErrValidation)
	}
	if strings.TrimSpace(e.Content) == "" {
		return AppendResult{}, fmt.Errorf("append: empty content: %w", errs.ErrValidation)
	}
	if strings.TrimSpace(e.ID) == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp <= 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	if e.Date == "" {
		e.Date = DateForTimestamp(e.Timestamp, e.TimeZone)
	}

	ack := AppendResult{ID: e.ID, Date: e.Date, Timestamp: e.Timestamp}

	deleted, err := s.store.IsDeleted(ctx, e.UserID, e.ID)
	if err != nil {
		return AppendResult{}, fmt.Errorf("append: %w", err)
	}
	if !deleted && e.ReplyTo != "" {
		deleted, err = s.store.IsDeleted(ctx, e.UserID, e.ReplyTo)
		if err != nil {
			return AppendResult{}, fmt.Errorf("append: %w", err)
		}
	}
	if deleted {
		s.log.Debug().Str("user", e.UserID).Str("id", e.ID).Msg("append dropped, tombstoned target")
		return ack, nil
	}

	if err := s.store.UpsertEntry(ctx, e); err != nil {
		return AppendResult{}, fmt.Errorf("append: %w", err)
	}
	return ack, nil
}

// PullSince returns entries newer than after in ascending timeline order.
// limit is clamped to [1, 200]; zero means the default page size.
func (s *SyncService) PullSince(ctx context.Context, userID string, after int64, limit int, roles []string) ([]Entry, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("pull: empty userId: %w", errs.ErrValidation)
	}
	limit = clampLimit(limit)
	for _, r := range roles {
		if r != RoleUser && r != RoleCompanion {
			return nil, fmt.Errorf("pull: invalid role %q: %w", r, errs.ErrValidation)
		}
	}
	entries, err := s.store.ListAfter(ctx, userID, after, limit, roles)
	if err != nil {
		return nil, fmt.Errorf("pull: %w", err)
	}
	return entries, nil
}

// PullTombstonesSince returns the deletion feed for offline clients.
func (s *SyncService) PullTombstonesSince(ctx context.Context, userID string, after int64, limit int) ([]Tombstone, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("pull tombstones: empty userId: %w", errs.ErrValidation)
	}
	limit = clampLimit(limit)
	ts, err := s.store.ListTombstonesAfter(ctx, userID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("pull tombstones: %w", err)
	}
	return ts, nil
}

// DeleteCascade deletes the given ids plus the entries that reply to them
// (one hop), tombstoning everything before the physical delete. Ids that
// no longer exist are tombstoned anyway and otherwise ignored. Returns the
// number of rows actually removed.
func (s *SyncService) DeleteCascade(ctx context.Context, userID string, ids []string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, fmt.Errorf("delete: empty userId: %w", errs.ErrValidation)
	}
	ids = uniqueNonEmpty(ids)
	if len(ids) == 0 {
		return 0, nil
	}

	replies, err := s.store.EntriesReplyingTo(ctx, userID, ids)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	all := uniqueNonEmpty(append(ids, replies...))

	// Tombstones and the physical delete commit together, so sync
	// clients either see both or neither and always converge.
	n, err := s.store.DeleteWithTombstones(ctx, userID, all, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	s.log.Info().Str("user", userID).Int("requested", len(ids)).Int("deleted", n).Msg("cascade delete")
	return n, nil
}

// PruneAfterAnchor cascade-deletes every entry strictly newer than the
// anchor. Used when the client edits a message and regenerates the reply.
func (s *SyncService) PruneAfterAnchor(ctx context.Context, userID, anchorID string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, fmt.Errorf("prune: empty userId: %w", errs.ErrValidation)
	}
	if strings.TrimSpace(anchorID) == "" {
		return 0, fmt.Errorf("prune: empty anchorId: %w", errs.ErrValidation)
	}
	anchor, err := s.store.GetEntry(ctx, userID, anchorID)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	ids, err := s.store.IDsAfterTimestamp(ctx, userID, anchor.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return s.DeleteCascade(ctx, userID, ids)
}

// LastActivity reports the date of the newest entry and how long ago it was.
func (s *SyncService) LastActivity(ctx context.Context, userID string) (Activity, error) {
	if strings.TrimSpace(userID) == "" {
		return Activity{}, fmt.Errorf("last activity: empty userId: %w", errs.ErrValidation)
	}
	latest, err := s.store.LatestEntry(ctx, userID)
	if err != nil {
		return Activity{}, fmt.Errorf("last activity: %w", err)
	}
	days := float64(time.Now().UnixMilli()-latest.Timestamp) / float64(24*time.Hour/time.Millisecond)
	if days < 0 {
		days = 0
	}
	return Activity{Date: latest.Date, DaysSince: days, Timestamp: latest.Timestamp, TimeZone: latest.TimeZone}, nil
}

// Window returns entries in [from, to) for prompt building.
func (s *SyncService) Window(ctx context.Context, userID string, from, to time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 500
	}
	entries, err := s.store.ListRange(ctx, userID, from.UnixMilli(), to.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("window: %w", err)
	}
	return entries, nil
}

// ActiveUsersSince enumerates scheduler candidates.
func (s *SyncService) ActiveUsersSince(ctx context.Context, since time.Time) ([]string, error) {
	users, err := s.store.ActiveUsersSince(ctx, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("active users: %w", err)
	}
	return users, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPullLimit
	}
	if limit > maxPullLimit {
		return maxPullLimit
	}
	return limit
}

func uniqueNonEmpty(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
