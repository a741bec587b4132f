package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/wattrules/wattrules/pkg/types"
)

var (
	ErrUserNotFound = errors.New("user not found")
)

// Database defines the interface for persisting per-user automation data.
type Database interface {
	// Settings
	GetSettings(ctx context.Context, userID string) (types.Settings, int, error)
	SetSettings(ctx context.Context, userID string, settings types.Settings, version int) error

	// Rules
	ListRules(ctx context.Context, userID string) ([]types.Rule, error)
	UpsertRule(ctx context.Context, userID string, rule types.Rule) error
	DeleteRule(ctx context.Context, userID, ruleID string) error

	// Automation state
	GetAutomationState(ctx context.Context, userID string) (types.AutomationState, error)
	SetAutomationState(ctx context.Context, userID string, state types.AutomationState) error
	GetCurtailmentState(ctx context.Context, userID string) (types.CurtailmentState, error)
	SetCurtailmentState(ctx context.Context, userID string, state types.CurtailmentState) error

	// Cooldowns
	GetCooldowns(ctx context.Context, userID string) (map[string]types.CooldownRecord, error)
	SetCooldown(ctx context.Context, userID string, record types.CooldownRecord) error
	ClearCooldown(ctx context.Context, userID, ruleID string) error
	ClearCooldowns(ctx context.Context, userID string) error

	// Audit history
	InsertAuditEntry(ctx context.Context, userID string, entry types.AuditEntry) error
	GetAuditHistory(ctx context.Context, userID string, start, end time.Time) ([]types.AuditEntry, error)

	// Users
	GetUser(ctx context.Context, userID string) (types.User, error)
	CreateUser(ctx context.Context, user types.User) error
	UpdateUser(ctx context.Context, user types.User) error
	ListUserIDs(ctx context.Context) ([]string, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore)")

	var p struct{ Database }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
