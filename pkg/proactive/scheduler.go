package proactive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kizunalab/kizuna/pkg/config"
	"github.com/kizunalab/kizuna/pkg/convlog"
	"github.com/kizunalab/kizuna/pkg/errs"
	"github.com/kizunalab/kizuna/pkg/logger"
	"github.com/kizunalab/kizuna/pkg/notify"
	"github.com/kizunalab/kizuna/pkg/relationship"
)

const (
	messageTTL  = 72 * time.Hour
	windowLimit = 500
)

// Scheduler runs the per-tick gate chain and, for eligible users, drives
// the agent and records the outgoing message.
type Scheduler struct {
	conv     *convlog.SyncService
	rel      *relationship.SQLiteStore
	store    *SQLiteStore
	agent    *Agent
	notifier notify.Notifier
	log      zerolog.Logger
	now      func() time.Time
}

// NewScheduler wires the scheduler. notifier may be nil when no push
// channel is configured.
func NewScheduler(conv *convlog.SyncService, rel *relationship.SQLiteStore, store *SQLiteStore, agent *Agent, notifier notify.Notifier) *Scheduler {
	return &Scheduler{
		conv:     conv,
		rel:      rel,
		store:    store,
		agent:    agent,
		notifier: notifier,
		log:      logger.C("proactive"),
		now:      time.Now,
	}
}

// Tick evaluates every recently active user against the settings
// snapshot. One user failing never stops the others; their result
// carries the error instead.
func (s *Scheduler) Tick(ctx context.Context, cfg config.ProactiveConfig) (TickReport, error) {
	now := s.now()
	since := now.Add(-time.Duration(cfg.LookbackDays) * 24 * time.Hour)
	users, err := s.conv.ActiveUsersSince(ctx, since)
	if err != nil {
		return TickReport{}, fmt.Errorf("list candidates: %w", err)
	}

	report := TickReport{Candidates: len(users)}
	for _, userID := range users {
		res := s.runUser(ctx, cfg, now, userID)
		if res.Sent {
			report.Sent++
		}
		report.Results = append(report.Results, res)
	}

	s.log.Info().Int("candidates", report.Candidates).Int("sent", report.Sent).Msg("proactive tick complete")
	return report, nil
}

func (s *Scheduler) runUser(ctx context.Context, cfg config.ProactiveConfig, now time.Time, userID string) UserResult {
	res := UserResult{UserID: userID}

	state, err := s.store.UserState(ctx, userID)
	if err != nil {
		return errorResult(res, err)
	}
	relState, err := s.rel.ReadState(ctx, userID)
	if err != nil {
		return errorResult(res, err)
	}

	var lastActive time.Time
	var hoursSince float64
	userZone := ""
	act, err := s.conv.LastActivity(ctx, userID)
	switch {
	case err == nil:
		lastActive = time.UnixMilli(act.Timestamp)
		hoursSince = now.Sub(lastActive).Hours()
		userZone = act.TimeZone
	case errors.Is(err, errs.ErrNotFound):
		// never spoke; gates below treat them as long idle
	default:
		return errorResult(res, err)
	}

	// Quiet hours and the daily counter run on the user's clock, taken
	// from their latest entry. Users who never sent a zone fall back to
	// the configured default.
	loc, zoneName := s.userLocation(cfg, userZone)

	res.Reason = evaluateGates(cfg, now, loc, state, relState.Intimacy, lastActive)
	if res.Reason != ReasonEligible {
		s.log.Debug().Str("user", userID).Str("reason", string(res.Reason)).Msg("proactive skip")
		return res
	}

	local := now.In(loc)
	windowStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, -1)
	entries, err := s.conv.Window(ctx, userID, windowStart, now, windowLimit)
	if err != nil {
		return errorResult(res, err)
	}

	decision, err := s.agent.Decide(ctx, AgentInput{
		UserID:            userID,
		Intimacy:          relState.Intimacy,
		HoursSinceContact: hoursSince,
		Entries:           entries,
		Now:               now,
		Location:          loc,
	})
	if err != nil {
		return errorResult(res, err)
	}
	if decision.Skip {
		res.Reason = ReasonAgentDeclined
		s.log.Debug().Str("user", userID).Msg("agent declined to reach out")
		return res
	}

	// Message lands in the conversation log first, then the pending
	// queue, then the counter. A crash in between leaves the user a
	// message without a charge, never a charge without a message.
	nowMS := now.UnixMilli()
	if _, err := s.conv.Append(ctx, convlog.Entry{
		ID:        "proactive:" + uuid.NewString(),
		UserID:    userID,
		Role:      convlog.RoleCompanion,
		Content:   decision.Message,
		Timestamp: nowMS,
		TimeZone:  zoneName,
	}); err != nil {
		return errorResult(res, err)
	}

	msg := Message{
		ID:             uuid.NewString(),
		UserID:         userID,
		Content:        decision.Message,
		Status:         StatusPending,
		CreatedAt:      nowMS,
		ExpiresAt:      now.Add(messageTTL).UnixMilli(),
		TriggerContext: triggerContext(relState.Intimacy, hoursSince, now),
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		return errorResult(res, err)
	}
	if err := s.store.MarkSent(ctx, userID, nowMS, local.Format("2006-01-02")); err != nil {
		return errorResult(res, err)
	}

	s.pushNotification(ctx, msg, decision.Notification)

	res.Sent = true
	s.log.Info().Str("user", userID).Str("message", msg.ID).Msg("proactive message sent")
	return res
}

// pushNotification runs the out-of-band push if the agent asked for one.
// Push failures are recorded on the message and never undo the send.
func (s *Scheduler) pushNotification(ctx context.Context, msg Message, req *NotificationRequest) {
	if s.notifier == nil || req == nil {
		return
	}
	body := req.Body
	if body == "" {
		body = msg.Content
	}
	sendErr := s.notifier.Send(ctx, "", req.Title, body)
	errMsg := ""
	if sendErr != nil {
		errMsg = sendErr.Error()
		s.log.Warn().Err(sendErr).Str("message", msg.ID).Msg("push notification failed")
	}
	if err := s.store.RecordNotification(ctx, msg.ID, s.notifier.Name(), sendErr == nil, errMsg); err != nil {
		s.log.Warn().Err(err).Str("message", msg.ID).Msg("record notification outcome failed")
	}
}

// userLocation resolves the zone to run the gates in: the user's own
// zone when their entries carry one, the configured default otherwise.
func (s *Scheduler) userLocation(cfg config.ProactiveConfig, userZone string) (*time.Location, string) {
	if userZone != "" {
		if loc, err := time.LoadLocation(userZone); err == nil {
			return loc, userZone
		}
		s.log.Warn().Str("zone", userZone).Msg("unknown user time zone, using default")
	}
	return cfg.Location(), cfg.DefaultTimeZone
}

// triggerContext captures why the scheduler reached out, stored alongside
// the message for later inspection.
func triggerContext(intimacy int, hoursSince float64, now time.Time) string {
	b, err := json.Marshal(map[string]any{
		"intimacy":          intimacy,
		"hoursSinceContact": hoursSince,
		"tickAt":            now.UnixMilli(),
	})
	if err != nil {
		return ""
	}
	return string(b)
}

// evaluateGates walks the gate chain in order and returns the first gate
// that blocks the send, or ReasonEligible. loc decides whose midnight the
// quiet window and daily counter roll over at.
func evaluateGates(cfg config.ProactiveConfig, now time.Time, loc *time.Location, state UserState, intimacy int, lastActive time.Time) SkipReason {
	if !cfg.Enabled {
		return ReasonDisabled
	}

	local := now.In(loc)
	if inQuietHours(local.Hour(), cfg.QuietStartHour, cfg.QuietEndHour) {
		return ReasonQuietHours
	}

	today := local.Format("2006-01-02")
	count := 0
	if state.DailyCountDate == today {
		count = state.DailyCount
	}
	if count >= cfg.MaxDaily {
		return ReasonDailyLimit
	}

	if state.LastProactiveAt > 0 {
		since := now.Sub(time.UnixMilli(state.LastProactiveAt))
		if since < time.Duration(cfg.CooldownHours)*time.Hour {
			return ReasonCooldown
		}
	}

	if intimacy < cfg.IntimacyThreshold {
		return ReasonIntimacyLow
	}

	if !lastActive.IsZero() && now.Sub(lastActive) < time.Duration(cfg.RecentActiveMinutes)*time.Minute {
		return ReasonRecentActive
	}

	return ReasonEligible
}

// inQuietHours treats a window with start > end as wrapping past
// midnight, e.g. 23..7. start == end means no quiet window.
func inQuietHours(hour, start, end int) bool {
	switch {
	case start == end:
		return false
	case start < end:
		return hour >= start && hour < end
	default:
		return hour >= start || hour < end
	}
}

func errorResult(res UserResult, err error) UserResult {
	res.Reason = ReasonError
	res.Error = err.Error()
	return res
}
