package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/google/uuid"
	"github.com/wattrules/wattrules/pkg/log"
	"github.com/wattrules/wattrules/pkg/rules"
	"github.com/wattrules/wattrules/pkg/types"
)

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user := s.getUser(r)
	if user.ID == "" {
		writeJSONError(w, "missing authentication", http.StatusUnauthorized)
		return
	}

	ruleSet, err := s.storage.ListRules(ctx, user.ID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list rules", slog.Any("error", err))
		writeJSONError(w, "failed to list rules", http.StatusInternalServerError)
		return
	}

	// storage returns rules in document order, present them in evaluation order
	sort.SliceStable(ruleSet, func(i, j int) bool {
		return ruleSet[i].Priority < ruleSet[j].Priority
	})

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, ruleSet)
}

func (s *Server) handleUpsertRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user := s.getUser(r)
	if user.ID == "" {
		writeJSONError(w, "missing authentication", http.StatusUnauthorized)
		return
	}

	var rule types.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode rule", slog.Any("error", err))
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := validateRule(rule); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}

	// names are unique per user so audit entries and cooldown reasons stay
	// unambiguous
	existing, err := s.storage.ListRules(ctx, user.ID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list rules", slog.Any("error", err))
		writeJSONError(w, "failed to save rule", http.StatusInternalServerError)
		return
	}
	for _, other := range existing {
		if other.Name == rule.Name && other.ID != rule.ID {
			writeJSONError(w, fmt.Sprintf("rule name %q is already in use", rule.Name), http.StatusBadRequest)
			return
		}
	}

	if err := s.storage.UpsertRule(ctx, user.ID, rule); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save rule", slog.String("ruleID", rule.ID), slog.Any("error", err))
		writeJSONError(w, "failed to save rule", http.StatusInternalServerError)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "rule saved", slog.String("ruleID", rule.ID), slog.String("name", rule.Name))
	writeJSON(w, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user := s.getUser(r)
	if user.ID == "" {
		writeJSONError(w, "missing authentication", http.StatusUnauthorized)
		return
	}

	ruleID := r.PathValue("ruleID")
	if ruleID == "" {
		writeJSONError(w, "ruleID is required", http.StatusBadRequest)
		return
	}

	// drop the cooldown record too so a future rule reusing the ID starts
	// fresh
	if err := s.storage.ClearCooldown(ctx, user.ID, ruleID); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to clear cooldown for deleted rule", slog.String("ruleID", ruleID), slog.Any("error", err))
	}

	if err := s.storage.DeleteRule(ctx, user.ID, ruleID); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to delete rule", slog.String("ruleID", ruleID), slog.Any("error", err))
		writeJSONError(w, "failed to delete rule", http.StatusInternalServerError)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "rule deleted", slog.String("ruleID", ruleID))
	w.WriteHeader(http.StatusOK)
}

func validateRule(rule types.Rule) error {
	if rule.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if !rule.Action.WorkMode.Valid() {
		return fmt.Errorf("invalid work mode: %s", rule.Action.WorkMode)
	}
	if rule.Action.DurationMinutes < 1 {
		return fmt.Errorf("action duration must be at least 1 minute")
	}
	if rule.CooldownMinutes < 0 {
		return fmt.Errorf("cooldown cannot be negative")
	}

	cs := rule.Conditions
	for _, tc := range []struct {
		name string
		c    *types.ThresholdCondition
	}{
		{"priceImport", cs.PriceImport},
		{"priceExport", cs.PriceExport},
		{"batterySoC", cs.BatterySoC},
		{"temperature", cs.Temperature},
	} {
		if err := validateThreshold(tc.name, tc.c); err != nil {
			return err
		}
	}
	for _, fc := range []struct {
		name     string
		c        *types.ForecastCondition
		allowAny bool
	}{
		{"solarRadiationForecast", cs.SolarRadiationForecast, false},
		{"cloudCoverForecast", cs.CloudCoverForecast, false},
		{"priceForecast", cs.PriceForecast, true},
	} {
		if fc.c == nil || !fc.c.Enabled {
			continue
		}
		if err := validateThreshold(fc.name, &fc.c.ThresholdCondition); err != nil {
			return err
		}
		if fc.c.LookAheadHours < 1 {
			return fmt.Errorf("%s: look-ahead must be at least 1 hour", fc.name)
		}
		switch fc.c.CheckType {
		case types.CheckTypeAverage, types.CheckTypeMin, types.CheckTypeMax:
		case types.CheckTypeAny:
			if !fc.allowAny {
				return fmt.Errorf("%s: check type %q is only supported for price forecasts", fc.name, fc.c.CheckType)
			}
		default:
			return fmt.Errorf("%s: invalid check type: %s", fc.name, fc.c.CheckType)
		}
	}
	if tw := cs.TimeWindow; tw != nil && tw.Enabled {
		if _, err := rules.ParseClock(tw.StartTime); err != nil {
			return fmt.Errorf("timeWindow: invalid start time: %v", err)
		}
		if _, err := rules.ParseClock(tw.EndTime); err != nil {
			return fmt.Errorf("timeWindow: invalid end time: %v", err)
		}
	}
	return nil
}

func validateThreshold(name string, c *types.ThresholdCondition) error {
	if c == nil || !c.Enabled {
		return nil
	}
	if !c.Operator.Valid() {
		return fmt.Errorf("%s: invalid operator: %s", name, c.Operator)
	}
	if c.Operator == types.OperatorBetween && c.UpperValue < c.Value {
		return fmt.Errorf("%s: between upper bound must not be below the lower bound", name)
	}
	return nil
}
