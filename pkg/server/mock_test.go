package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/stretchr/testify/mock"
	"github.com/wattrules/wattrules/pkg/types"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) RunCycle(ctx context.Context, userID string) types.CycleResult {
	args := m.Called(ctx, userID)
	if len(args) > 0 {
		res, _ := args.Get(0).(types.CycleResult)
		return res
	}
	return types.CycleResult{}
}

func (m *mockRunner) Enable(ctx context.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

func (m *mockRunner) Disable(ctx context.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

func (m *mockRunner) Cancel(ctx context.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

// withUser attaches an authenticated user the way authMiddleware does.
func withUser(req *http.Request, user types.User) *http.Request {
	ctx := context.WithValue(req.Context(), userContextKey, user)
	return req.WithContext(ctx)
}

func newJSONRequest(method, target, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}
