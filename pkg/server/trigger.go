package server

import (
	"log/slog"
	"net/http"

	"github.com/wattrules/wattrules/pkg/log"
)

// handleCycle runs one automation cycle for the calling user. This is the
// session-driven trigger; the throttle inside the orchestrator decides
// whether it actually evaluates anything.
func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user := s.getUser(r)
	if user.ID == "" {
		writeJSONError(w, "missing authentication", http.StatusUnauthorized)
		return
	}

	res := s.automation.RunCycle(ctx, user.ID)
	if res.Error != "" {
		log.Ctx(ctx).WarnContext(ctx, "cycle finished with error", slog.String("userID", user.ID), slog.String("error", res.Error))
	}

	writeJSON(w, res)
}

// handleUpdate is the periodic trigger (Cloud Scheduler). It runs a cycle
// for every known user; per-user failures are reported in the summary, never
// as an HTTP error.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// cookie-authenticated callers must be admins; the scheduler path is
	// validated in the middleware and carries no user
	user := s.getUser(r)
	if user.ID != "" && !user.Admin {
		log.Ctx(ctx).WarnContext(ctx, "unauthorized for update", slog.String("userID", user.ID), slog.String("email", user.Email))
		writeJSONError(w, "unauthorized", http.StatusForbidden)
		return
	}

	userIDs, err := s.storage.ListUserIDs(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list users", slog.Any("error", err))
		writeJSONError(w, "failed to list users", http.StatusInternalServerError)
		return
	}

	var triggered, skipped, failed int
	for _, userID := range userIDs {
		res := s.automation.RunCycle(ctx, userID)
		switch {
		case res.Error != "":
			failed++
			log.Ctx(ctx).ErrorContext(ctx, "update cycle failed", slog.String("userID", userID), slog.String("error", res.Error))
		case res.Triggered:
			triggered++
		case res.Skipped != "":
			skipped++
		}
	}

	log.Ctx(ctx).InfoContext(ctx, "update finished",
		slog.Int("users", len(userIDs)),
		slog.Int("triggered", triggered),
		slog.Int("skipped", skipped),
		slog.Int("failed", failed),
	)

	// We return 200 OK even with per-user failures so the scheduler doesn't
	// think the run itself failed
	writeJSON(w, map[string]interface{}{
		"status":    "success",
		"users":     len(userIDs),
		"triggered": triggered,
		"skipped":   skipped,
		"failed":    failed,
	})
}
