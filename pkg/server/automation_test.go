package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/wattrules/wattrules/pkg/storage/storagemock"
	"github.com/wattrules/wattrules/pkg/types"
)

func TestHandleAutomationStatus(t *testing.T) {
	mockDB := &storagemock.MockDatabase{}
	srv := &Server{storage: mockDB}

	mockDB.On("GetAutomationState", mock.Anything, "subject-1").Return(types.AutomationState{
		Enabled:      true,
		ActiveRuleID: "rule-1",
		ActiveUntil:  time.Now().Add(20 * time.Minute),
	}, nil).Once()
	mockDB.On("GetCurtailmentState", mock.Anything, "subject-1").Return(types.CurtailmentState{
		Active: true,
	}, nil).Once()

	w := httptest.NewRecorder()
	srv.handleAutomationStatus(w, authedReq("GET", "/api/automation", ""))

	assert.Equal(t, http.StatusOK, w.Code)

	var resp AutomationRes
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.State.Enabled)
	assert.Equal(t, "rule-1", resp.State.ActiveRuleID)
	assert.True(t, resp.Curtailment.Active)
}

func TestHandleEnableDisableCancel(t *testing.T) {
	t.Run("Enable", func(t *testing.T) {
		runner := &mockRunner{}
		srv := &Server{automation: runner}
		runner.On("Enable", mock.Anything, "subject-1").Return(nil).Once()

		w := httptest.NewRecorder()
		srv.handleEnableAutomation(w, authedReq("POST", "/api/automation/enable", ""))

		assert.Equal(t, http.StatusOK, w.Code)
		runner.AssertExpectations(t)
	})

	t.Run("Disable", func(t *testing.T) {
		runner := &mockRunner{}
		srv := &Server{automation: runner}
		runner.On("Disable", mock.Anything, "subject-1").Return(nil).Once()

		w := httptest.NewRecorder()
		srv.handleDisableAutomation(w, authedReq("POST", "/api/automation/disable", ""))

		assert.Equal(t, http.StatusOK, w.Code)
		runner.AssertExpectations(t)
	})

	t.Run("Cancel", func(t *testing.T) {
		runner := &mockRunner{}
		srv := &Server{automation: runner}
		runner.On("Cancel", mock.Anything, "subject-1").Return(nil).Once()

		w := httptest.NewRecorder()
		srv.handleCancelAutomation(w, authedReq("POST", "/api/automation/cancel", ""))

		assert.Equal(t, http.StatusOK, w.Code)
		runner.AssertExpectations(t)
	})

	t.Run("CancelFails", func(t *testing.T) {
		runner := &mockRunner{}
		srv := &Server{automation: runner}
		runner.On("Cancel", mock.Anything, "subject-1").Return(assert.AnError).Once()

		w := httptest.NewRecorder()
		srv.handleCancelAutomation(w, authedReq("POST", "/api/automation/cancel", ""))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("MissingAuth", func(t *testing.T) {
		runner := &mockRunner{}
		srv := &Server{automation: runner}

		w := httptest.NewRecorder()
		srv.handleEnableAutomation(w, httptest.NewRequest("POST", "/api/automation/enable", nil))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		runner.AssertNotCalled(t, "Enable", mock.Anything, mock.Anything)
	})
}
