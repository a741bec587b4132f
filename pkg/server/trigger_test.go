package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/wattrules/wattrules/pkg/storage/storagemock"
	"github.com/wattrules/wattrules/pkg/types"
)

func TestHandleCycle(t *testing.T) {
	t.Run("RunsForCallingUser", func(t *testing.T) {
		runner := &mockRunner{}
		srv := &Server{automation: runner}

		runner.On("RunCycle", mock.Anything, "subject-1").Return(types.CycleResult{
			Triggered:     true,
			MatchedRuleID: "rule-1",
		}).Once()

		req := httptest.NewRequest("POST", "/api/cycle", nil)
		req = withUser(req, types.User{ID: "subject-1", Email: "user@example.com"})
		w := httptest.NewRecorder()

		srv.handleCycle(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var res types.CycleResult
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.True(t, res.Triggered)
		assert.Equal(t, "rule-1", res.MatchedRuleID)
		runner.AssertExpectations(t)
	})

	t.Run("Throttled", func(t *testing.T) {
		runner := &mockRunner{}
		srv := &Server{automation: runner}

		runner.On("RunCycle", mock.Anything, "subject-1").Return(types.CycleResult{
			Skipped: types.SkipReasonTooSoon,
		}).Once()

		req := httptest.NewRequest("POST", "/api/cycle", nil)
		req = withUser(req, types.User{ID: "subject-1"})
		w := httptest.NewRecorder()

		srv.handleCycle(w, req)

		// a skipped cycle is still a successful request
		assert.Equal(t, http.StatusOK, w.Code)
		var res types.CycleResult
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.Equal(t, types.SkipReasonTooSoon, res.Skipped)
	})

	t.Run("MissingAuth", func(t *testing.T) {
		runner := &mockRunner{}
		srv := &Server{automation: runner}

		req := httptest.NewRequest("POST", "/api/cycle", nil)
		w := httptest.NewRecorder()

		srv.handleCycle(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		runner.AssertNotCalled(t, "RunCycle", mock.Anything, mock.Anything)
	})
}

func TestHandleUpdate(t *testing.T) {
	t.Run("RunsEveryUser", func(t *testing.T) {
		runner := &mockRunner{}
		mockDB := &storagemock.MockDatabase{}
		srv := &Server{automation: runner, storage: mockDB}

		mockDB.On("ListUserIDs", mock.Anything).Return([]string{"u1", "u2", "u3"}, nil).Once()
		runner.On("RunCycle", mock.Anything, "u1").Return(types.CycleResult{Triggered: true}).Once()
		runner.On("RunCycle", mock.Anything, "u2").Return(types.CycleResult{Skipped: types.SkipReasonDisabled}).Once()
		runner.On("RunCycle", mock.Anything, "u3").Return(types.CycleResult{Error: "device write failed"}).Once()

		req := httptest.NewRequest("POST", "/api/update", nil)
		w := httptest.NewRecorder()

		srv.handleUpdate(w, req)

		// per-user failures never fail the scheduler request
		assert.Equal(t, http.StatusOK, w.Code)

		var resp map[string]interface{}
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "success", resp["status"])
		assert.EqualValues(t, 3, resp["users"])
		assert.EqualValues(t, 1, resp["triggered"])
		assert.EqualValues(t, 1, resp["skipped"])
		assert.EqualValues(t, 1, resp["failed"])
		runner.AssertExpectations(t)
	})

	t.Run("AdminCookieAllowed", func(t *testing.T) {
		runner := &mockRunner{}
		mockDB := &storagemock.MockDatabase{}
		srv := &Server{automation: runner, storage: mockDB}

		mockDB.On("ListUserIDs", mock.Anything).Return([]string{}, nil).Once()

		req := httptest.NewRequest("POST", "/api/update", nil)
		req = withUser(req, types.User{ID: "subject-1", Email: "admin@example.com", Admin: true})
		w := httptest.NewRecorder()

		srv.handleUpdate(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("NonAdminForbidden", func(t *testing.T) {
		runner := &mockRunner{}
		srv := &Server{automation: runner, storage: &storagemock.MockDatabase{}}

		req := httptest.NewRequest("POST", "/api/update", nil)
		req = withUser(req, types.User{ID: "subject-1", Email: "user@example.com"})
		w := httptest.NewRecorder()

		srv.handleUpdate(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
		runner.AssertNotCalled(t, "RunCycle", mock.Anything, mock.Anything)
	})

	t.Run("ListUsersFails", func(t *testing.T) {
		runner := &mockRunner{}
		mockDB := &storagemock.MockDatabase{}
		srv := &Server{automation: runner, storage: mockDB}

		mockDB.On("ListUserIDs", mock.Anything).Return(nil, assert.AnError).Once()

		req := httptest.NewRequest("POST", "/api/update", nil)
		w := httptest.NewRecorder()

		srv.handleUpdate(w, req)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}
