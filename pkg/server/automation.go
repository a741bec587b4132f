package server

import (
	"log/slog"
	"net/http"

	"github.com/wattrules/wattrules/pkg/log"
	"github.com/wattrules/wattrules/pkg/types"
)

// AutomationRes is the response type for GET /api/automation.
type AutomationRes struct {
	State       types.AutomationState  `json:"state"`
	Curtailment types.CurtailmentState `json:"curtailment"`
}

func (s *Server) handleAutomationStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user := s.getUser(r)
	if user.ID == "" {
		writeJSONError(w, "missing authentication", http.StatusUnauthorized)
		return
	}

	state, err := s.storage.GetAutomationState(ctx, user.ID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get automation state", slog.Any("error", err))
		writeJSONError(w, "failed to get automation state", http.StatusInternalServerError)
		return
	}
	curtailment, err := s.storage.GetCurtailmentState(ctx, user.ID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get curtailment state", slog.Any("error", err))
		writeJSONError(w, "failed to get curtailment state", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, AutomationRes{
		State:       state,
		Curtailment: curtailment,
	})
}

func (s *Server) handleEnableAutomation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user := s.getUser(r)
	if user.ID == "" {
		writeJSONError(w, "missing authentication", http.StatusUnauthorized)
		return
	}

	if err := s.automation.Enable(ctx, user.ID); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to enable automation", slog.Any("error", err))
		writeJSONError(w, "failed to enable automation", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDisableAutomation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user := s.getUser(r)
	if user.ID == "" {
		writeJSONError(w, "missing authentication", http.StatusUnauthorized)
		return
	}

	if err := s.automation.Disable(ctx, user.ID); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to disable automation", slog.Any("error", err))
		writeJSONError(w, "failed to disable automation", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCancelAutomation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user := s.getUser(r)
	if user.ID == "" {
		writeJSONError(w, "missing authentication", http.StatusUnauthorized)
		return
	}

	if err := s.automation.Cancel(ctx, user.ID); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to cancel active rule", slog.Any("error", err))
		writeJSONError(w, "failed to cancel active rule", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
