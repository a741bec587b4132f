package storagemock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/wattrules/wattrules/pkg/storage"
	"github.com/wattrules/wattrules/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context, userID string) (types.Settings, int, error) {
	args := m.Called(ctx, userID)
	if len(args) > 0 {
		return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
	}
	return types.Settings{}, 0, nil
}

func (m *MockDatabase) SetSettings(ctx context.Context, userID string, settings types.Settings, version int) error {
	args := m.Called(ctx, userID, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) ListRules(ctx context.Context, userID string) ([]types.Rule, error) {
	args := m.Called(ctx, userID)
	if len(args) > 0 {
		rules, _ := args.Get(0).([]types.Rule)
		return rules, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) UpsertRule(ctx context.Context, userID string, rule types.Rule) error {
	args := m.Called(ctx, userID, rule)
	return args.Error(0)
}

func (m *MockDatabase) DeleteRule(ctx context.Context, userID, ruleID string) error {
	args := m.Called(ctx, userID, ruleID)
	return args.Error(0)
}

func (m *MockDatabase) GetAutomationState(ctx context.Context, userID string) (types.AutomationState, error) {
	args := m.Called(ctx, userID)
	if len(args) > 0 {
		return args.Get(0).(types.AutomationState), args.Error(1)
	}
	return types.AutomationState{}, nil
}

func (m *MockDatabase) SetAutomationState(ctx context.Context, userID string, state types.AutomationState) error {
	args := m.Called(ctx, userID, state)
	return args.Error(0)
}

func (m *MockDatabase) GetCurtailmentState(ctx context.Context, userID string) (types.CurtailmentState, error) {
	args := m.Called(ctx, userID)
	if len(args) > 0 {
		return args.Get(0).(types.CurtailmentState), args.Error(1)
	}
	return types.CurtailmentState{}, nil
}

func (m *MockDatabase) SetCurtailmentState(ctx context.Context, userID string, state types.CurtailmentState) error {
	args := m.Called(ctx, userID, state)
	return args.Error(0)
}

func (m *MockDatabase) GetCooldowns(ctx context.Context, userID string) (map[string]types.CooldownRecord, error) {
	args := m.Called(ctx, userID)
	if len(args) > 0 {
		cooldowns, _ := args.Get(0).(map[string]types.CooldownRecord)
		return cooldowns, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) SetCooldown(ctx context.Context, userID string, record types.CooldownRecord) error {
	args := m.Called(ctx, userID, record)
	return args.Error(0)
}

func (m *MockDatabase) ClearCooldown(ctx context.Context, userID, ruleID string) error {
	args := m.Called(ctx, userID, ruleID)
	return args.Error(0)
}

func (m *MockDatabase) ClearCooldowns(ctx context.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

func (m *MockDatabase) InsertAuditEntry(ctx context.Context, userID string, entry types.AuditEntry) error {
	args := m.Called(ctx, userID, entry)
	return args.Error(0)
}

func (m *MockDatabase) GetAuditHistory(ctx context.Context, userID string, start, end time.Time) ([]types.AuditEntry, error) {
	args := m.Called(ctx, userID, start, end)
	if len(args) > 0 {
		entries, _ := args.Get(0).([]types.AuditEntry)
		return entries, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetUser(ctx context.Context, userID string) (types.User, error) {
	args := m.Called(ctx, userID)
	if len(args) > 0 {
		return args.Get(0).(types.User), args.Error(1)
	}
	return types.User{}, nil
}

func (m *MockDatabase) CreateUser(ctx context.Context, user types.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockDatabase) UpdateUser(ctx context.Context, user types.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockDatabase) ListUserIDs(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		ids, _ := args.Get(0).([]string)
		return ids, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
