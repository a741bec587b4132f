// Package automation runs the per-user rule cycle: gate, collect signals,
// select a rule, program the device, persist the outcome.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/wattrules/wattrules/pkg/credentials"
	"github.com/wattrules/wattrules/pkg/device"
	"github.com/wattrules/wattrules/pkg/log"
	"github.com/wattrules/wattrules/pkg/price"
	"github.com/wattrules/wattrules/pkg/rules"
	"github.com/wattrules/wattrules/pkg/schedule"
	"github.com/wattrules/wattrules/pkg/signal"
	"github.com/wattrules/wattrules/pkg/storage"
	"github.com/wattrules/wattrules/pkg/types"
)

// Orchestrator wires the storage, signal, rule, and schedule layers into one
// cycle per user. All mutable per-user state lives in storage; the
// orchestrator itself is stateless and safe to share.
type Orchestrator struct {
	db            storage.Database
	devices       *device.Map
	prices        *price.Map
	collector     *signal.Collector
	dispatcher    *schedule.Dispatcher
	encryptionKey string

	now func() time.Time
}

// New creates an Orchestrator over the given collaborators.
func New(db storage.Database, devices *device.Map, prices *price.Map, collector *signal.Collector, dispatcher *schedule.Dispatcher, encryptionKey string) *Orchestrator {
	return &Orchestrator{
		db:            db,
		devices:       devices,
		prices:        prices,
		collector:     collector,
		dispatcher:    dispatcher,
		encryptionKey: encryptionKey,
		now:           time.Now,
	}
}

// RunCycle executes one automation cycle for the user. It never panics on
// upstream failures; every outcome is reported through the CycleResult and,
// except for high-frequency throttle skips, recorded as an audit entry.
func (o *Orchestrator) RunCycle(ctx context.Context, userID string) types.CycleResult {
	now := o.now()
	res := types.CycleResult{Timestamp: now}

	state, err := o.db.GetAutomationState(ctx, userID)
	if err != nil {
		return o.fail(ctx, userID, res, fmt.Errorf("failed to get automation state: %w", err))
	}

	settings, err := o.settingsWithMigration(ctx, userID)
	if err != nil {
		return o.fail(ctx, userID, res, err)
	}

	// 1. Throttle. The lastCheck read-then-write is the only serialization
	// point between the session trigger and the periodic trigger; whichever
	// invocation sees a stale timestamp first claims the interval.
	interval := settings.CheckIntervalSeconds
	if interval <= 0 {
		interval = defaultCheckIntervalSeconds
	}
	if !state.LastCheck.IsZero() && now.Sub(state.LastCheck) < time.Duration(interval)*time.Second {
		res.Skipped = types.SkipReasonTooSoon
		return res
	}
	state.LastCheck = now
	if err := o.db.SetAutomationState(ctx, userID, state); err != nil {
		return o.fail(ctx, userID, res, fmt.Errorf("failed to claim cycle: %w", err))
	}

	// 2. Gates that need no signals.
	if !state.Enabled {
		res.Skipped = types.SkipReasonDisabled
		return res
	}
	wasInBlackout := state.InBlackout
	if inErrorBlackout(&state, now) {
		log.Ctx(ctx).InfoContext(ctx, "cycle skipped: error blackout",
			slog.String("userID", userID),
			slog.Time("until", state.BlackoutUntil),
		)
		res.Skipped = types.SkipReasonErrorBlackout
		o.audit(ctx, userID, res, nil)
		return res
	}
	if wasInBlackout {
		// the elapsed blackout was cleared in place
		if err := o.db.SetAutomationState(ctx, userID, state); err != nil {
			return o.fail(ctx, userID, res, fmt.Errorf("failed to save automation state: %w", err))
		}
	}

	// 3. Configuration gates.
	creds, err := credentials.Decrypt(ctx, o.encryptionKey, settings.EncryptedCredentials)
	if err != nil {
		return o.fail(ctx, userID, res, fmt.Errorf("failed to decrypt credentials: %w", err))
	}
	if settings.DeviceSN == "" || creds.Device == nil {
		res.Skipped = types.SkipReasonNothingToDo
		o.audit(ctx, userID, res, nil)
		return res
	}

	ruleSet, err := o.db.ListRules(ctx, userID)
	if err != nil {
		return o.fail(ctx, userID, res, fmt.Errorf("failed to list rules: %w", err))
	}
	if !anyActionable(ruleSet) {
		res.Skipped = types.SkipReasonNothingToDo
		o.audit(ctx, userID, res, nil)
		return res
	}

	devClient := o.devices.User(userID)
	if err := devClient.ApplySettings(ctx, settings, creds); err != nil {
		return o.fail(ctx, userID, res, fmt.Errorf("failed to apply device settings: %w", err))
	}
	if err := o.prices.User(userID).ApplySettings(ctx, settings, creds); err != nil {
		// price conditions degrade to a signal gap, the cycle still runs
		log.Ctx(ctx).WarnContext(ctx, "failed to apply price settings", slog.String("userID", userID), slog.Any("error", err))
	}

	// 4. Signals.
	snap, err := o.collector.Collect(ctx, userID, settings)
	if err != nil {
		return o.fail(ctx, userID, res, fmt.Errorf("failed to collect signals: %w", err))
	}
	res.SignalGaps = snap.Gaps

	// 5. Time-window blackout, checked against the user's local clock.
	if inTimeBlackout(ctx, settings, snap.Now) {
		res.Skipped = types.SkipReasonBlackout
		o.audit(ctx, userID, res, &snap)
		return res
	}

	// 6. Active-rule lifecycle.
	if state.ActiveRuleID != "" {
		if now.Before(state.ActiveUntil) {
			res.Skipped = types.SkipReasonRuleActive
			res.MatchedRuleID = state.ActiveRuleID
			res.MatchedRuleName = state.ActiveRuleName
			o.audit(ctx, userID, res, &snap)
			return res
		}
		// natural expiry: the segment has run out on the device on its own,
		// only the bookkeeping needs clearing. Cooldown stays in effect.
		log.Ctx(ctx).InfoContext(ctx, "active rule expired",
			slog.String("userID", userID),
			slog.String("ruleID", state.ActiveRuleID),
			slog.Time("activeUntil", state.ActiveUntil),
		)
		clearActiveRule(&state)
	}

	// 7. Curtailment, independent of rule selection.
	o.runCurtailment(ctx, userID, devClient, settings, snap, &state)

	// 8. Select and dispatch.
	cooldowns, err := o.db.GetCooldowns(ctx, userID)
	if err != nil {
		return o.fail(ctx, userID, res, fmt.Errorf("failed to get cooldowns: %w", err))
	}

	match, evaluated := rules.SelectMatch(ruleSet, snap, cooldowns, now)
	res.Evaluated = evaluated

	if match == nil {
		// no rule matching is the common case, not an error
		if err := o.db.SetAutomationState(ctx, userID, state); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to save automation state", slog.Any("error", err))
		}
		o.audit(ctx, userID, res, &snap)
		return res
	}

	log.Ctx(ctx).InfoContext(ctx, "rule matched", slog.String("userID", userID), slog.Any("match", match))

	built, err := schedule.BuildSegment(ctx, snap.Now, match.Rule.Action)
	if err != nil {
		// invalid segment leaves the device untouched and the state unchanged
		res.Error = fmt.Sprintf("failed to build segment: %v", err)
		if serr := o.db.SetAutomationState(ctx, userID, state); serr != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to save automation state", slog.Any("error", serr))
		}
		o.audit(ctx, userID, res, &snap)
		return res
	}

	action := match.Rule.Action
	res.MatchedRuleID = match.Rule.ID
	res.MatchedRuleName = match.Rule.Name
	res.Action = &action
	res.Segment = &built.Segment
	res.EffectiveDurationMinutes = built.EffectiveDurationMinutes
	res.CappedAtMidnight = built.CappedAtMidnight

	if settings.DryRun {
		res.Triggered = true
		res.DryRun = true
		if err := o.db.SetAutomationState(ctx, userID, state); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to save automation state", slog.Any("error", err))
		}
		o.audit(ctx, userID, res, &snap)
		return res
	}

	if err := o.dispatcher.Program(ctx, userID, built.Segment); err != nil {
		if errors.Is(err, schedule.ErrUnverifiedWrite) {
			// the write may have landed; do not mark the rule active and do
			// not count it toward the circuit breaker, the next cycle
			// re-reads the device and retries
			res.Error = err.Error()
		} else {
			recordDeviceFailure(ctx, &state, settings, now)
			res.Error = fmt.Sprintf("device write failed: %v", err)
		}
		if serr := o.db.SetAutomationState(ctx, userID, state); serr != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to save automation state", slog.Any("error", serr))
		}
		o.audit(ctx, userID, res, &snap)
		return res
	}

	recordDeviceSuccess(&state)
	state.ActiveRuleID = match.Rule.ID
	state.ActiveRuleName = match.Rule.Name
	state.ActiveUntil = now.Add(time.Duration(built.EffectiveDurationMinutes) * time.Minute)
	res.Triggered = true

	if err := o.db.SetCooldown(ctx, userID, types.CooldownRecord{
		RuleID:          match.Rule.ID,
		LastTriggered:   now,
		CooldownMinutes: match.Rule.CooldownMinutes,
	}); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to set cooldown", slog.String("ruleID", match.Rule.ID), slog.Any("error", err))
	}
	if err := o.db.SetAutomationState(ctx, userID, state); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save automation state", slog.Any("error", err))
	}

	log.Ctx(ctx).InfoContext(ctx, "rule triggered",
		slog.String("userID", userID),
		slog.String("ruleID", match.Rule.ID),
		slog.String("workMode", string(action.WorkMode)),
		slog.Int("effectiveDurationMinutes", built.EffectiveDurationMinutes),
		slog.Bool("cappedAtMidnight", built.CappedAtMidnight),
		slog.Time("activeUntil", state.ActiveUntil),
	)

	o.audit(ctx, userID, res, &snap)
	return res
}

// Cancel manually stops the active rule: the device scheduler is cleared
// entirely (slot identity cannot be trusted) and, unlike natural expiry, the
// rule's cooldown is dropped so it may re-trigger immediately.
func (o *Orchestrator) Cancel(ctx context.Context, userID string) error {
	state, err := o.db.GetAutomationState(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get automation state: %w", err)
	}

	if err := o.applyDeviceSettings(ctx, userID); err != nil {
		return err
	}
	if err := o.dispatcher.Clear(ctx, userID); err != nil {
		return fmt.Errorf("failed to clear device schedule: %w", err)
	}

	if state.ActiveRuleID != "" {
		if err := o.db.ClearCooldown(ctx, userID, state.ActiveRuleID); err != nil {
			return fmt.Errorf("failed to clear cooldown: %w", err)
		}
	}
	clearActiveRule(&state)
	if err := o.db.SetAutomationState(ctx, userID, state); err != nil {
		return fmt.Errorf("failed to save automation state: %w", err)
	}

	log.Ctx(ctx).InfoContext(ctx, "automation cancelled", slog.String("userID", userID))
	return nil
}

// Disable turns automation off, clears the device scheduler, and drops every
// cooldown record.
func (o *Orchestrator) Disable(ctx context.Context, userID string) error {
	state, err := o.db.GetAutomationState(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get automation state: %w", err)
	}

	if err := o.applyDeviceSettings(ctx, userID); err != nil {
		return err
	}
	if err := o.dispatcher.Clear(ctx, userID); err != nil {
		return fmt.Errorf("failed to clear device schedule: %w", err)
	}

	if err := o.db.ClearCooldowns(ctx, userID); err != nil {
		return fmt.Errorf("failed to clear cooldowns: %w", err)
	}
	state.Enabled = false
	clearActiveRule(&state)
	recordDeviceSuccess(&state)
	if err := o.db.SetAutomationState(ctx, userID, state); err != nil {
		return fmt.Errorf("failed to save automation state: %w", err)
	}

	log.Ctx(ctx).InfoContext(ctx, "automation disabled", slog.String("userID", userID))
	return nil
}

// Enable turns automation on. The next cycle does the rest.
func (o *Orchestrator) Enable(ctx context.Context, userID string) error {
	state, err := o.db.GetAutomationState(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get automation state: %w", err)
	}
	state.Enabled = true
	if err := o.db.SetAutomationState(ctx, userID, state); err != nil {
		return fmt.Errorf("failed to save automation state: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "automation enabled", slog.String("userID", userID))
	return nil
}

// runCurtailment flips the device export limit when the feed-in price
// crosses the configured threshold. Writes happen only on a crossing so a
// stable price costs no device calls.
func (o *Orchestrator) runCurtailment(ctx context.Context, userID string, devClient device.Client, settings types.Settings, snap types.Snapshot, state *types.AutomationState) {
	if !settings.CurtailmentEnabled || settings.DryRun || snap.Current == nil {
		return
	}

	cur, err := o.db.GetCurtailmentState(ctx, userID)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to get curtailment state", slog.String("userID", userID), slog.Any("error", err))
		return
	}

	feedIn := snap.Current.FeedInDollarsPerKWH
	shouldCurtail := feedIn < settings.CurtailmentThresholdDollarsPerKWH
	if shouldCurtail == cur.Active {
		return
	}

	limit := -1 // restore device maximum
	if shouldCurtail {
		limit = 0
	}
	if err := devClient.SetExportLimit(ctx, limit); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to set export limit", slog.String("userID", userID), slog.Int("limit", limit), slog.Any("error", err))
		recordDeviceFailure(ctx, state, settings, o.now())
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "curtailment transition",
		slog.String("userID", userID),
		slog.Bool("active", shouldCurtail),
		slog.Float64("feedInPrice", feedIn),
		slog.Float64("threshold", settings.CurtailmentThresholdDollarsPerKWH),
	)

	if err := o.db.SetCurtailmentState(ctx, userID, types.CurtailmentState{
		Active:           shouldCurtail,
		LastPrice:        feedIn,
		LastTransitionAt: o.now(),
	}); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save curtailment state", slog.String("userID", userID), slog.Any("error", err))
	}
}

// settingsWithMigration loads the user's settings and applies any pending
// version migrations, persisting the migrated document.
func (o *Orchestrator) settingsWithMigration(ctx context.Context, userID string) (types.Settings, error) {
	settings, version, err := o.db.GetSettings(ctx, userID)
	if err != nil {
		return types.Settings{}, fmt.Errorf("failed to get settings: %w", err)
	}
	migrated, changed, err := types.MigrateSettings(settings, version)
	if err != nil {
		return types.Settings{}, fmt.Errorf("failed to migrate settings: %w", err)
	}
	if changed {
		if err := o.db.SetSettings(ctx, userID, migrated, types.CurrentSettingsVersion); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to save migrated settings", slog.String("userID", userID), slog.Any("error", err))
		}
	}
	return migrated, nil
}

// applyDeviceSettings configures the device client with the user's settings
// and credentials, for entry points that bypass RunCycle.
func (o *Orchestrator) applyDeviceSettings(ctx context.Context, userID string) error {
	settings, err := o.settingsWithMigration(ctx, userID)
	if err != nil {
		return err
	}
	creds, err := credentials.Decrypt(ctx, o.encryptionKey, settings.EncryptedCredentials)
	if err != nil {
		return fmt.Errorf("failed to decrypt credentials: %w", err)
	}
	if err := o.devices.User(userID).ApplySettings(ctx, settings, creds); err != nil {
		return fmt.Errorf("failed to apply device settings: %w", err)
	}
	return nil
}

// anyActionable reports whether at least one enabled rule has at least one
// enabled condition. A rule with no conditions can never match.
func anyActionable(ruleSet []types.Rule) bool {
	for _, r := range ruleSet {
		if r.Enabled && r.Conditions.EnabledCount() > 0 {
			return true
		}
	}
	return false
}

// fail finalizes a cycle that could not run its pipeline.
func (o *Orchestrator) fail(ctx context.Context, userID string, res types.CycleResult, err error) types.CycleResult {
	log.Ctx(ctx).ErrorContext(ctx, "cycle failed", slog.String("userID", userID), slog.Any("error", err))
	res.Error = err.Error()
	o.audit(ctx, userID, res, nil)
	return res
}

// audit appends the cycle outcome. Audit failures are logged, never fatal.
func (o *Orchestrator) audit(ctx context.Context, userID string, res types.CycleResult, snap *types.Snapshot) {
	entry := types.AuditEntry{
		ID:        uuid.New().String(),
		Timestamp: res.Timestamp,
		Result:    res,
	}
	if snap != nil {
		entry.Snapshot = snap.Summary()
	}
	if err := o.db.InsertAuditEntry(ctx, userID, entry); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to insert audit entry", slog.String("userID", userID), slog.Any("error", err))
	}
}
