package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/wattrules/wattrules/pkg/log"
	"github.com/wattrules/wattrules/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Documents hold a JSON string blob so the Go types stay the
// source of truth for the schema.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) getCollection(userID, name string) (*firestore.CollectionRef, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID cannot be empty")
	}
	return f.client.Collection("users").Doc(userID).Collection(name), nil
}

// docJSON extracts the "json" field of a document as a string.
func docJSON(doc *firestore.DocumentSnapshot) (string, error) {
	val, err := doc.DataAt("json")
	if err != nil {
		return "", fmt.Errorf("document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("document %s 'json' field is not a string", doc.Ref.ID)
	}
	return jsonStr, nil
}

// GetSettings retrieves the dynamic configuration from the "config/settings"
// document. Missing documents return default settings at version 0 so callers
// run the full migration chain.
func (f *FirestoreProvider) GetSettings(ctx context.Context, userID string) (types.Settings, int, error) {
	coll, err := f.getCollection(userID, "config")
	if err != nil {
		return types.Settings{}, 0, err
	}
	doc, err := coll.Doc("settings").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Settings{}, 0, nil
		}
		return types.Settings{}, 0, fmt.Errorf("failed to fetch settings doc: %w", err)
	}

	// Read version if available (default 0)
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	jsonStr, err := docJSON(doc)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "bad settings doc", slog.String("userID", userID), slog.Any("err", err))
		return types.Settings{}, 0, fmt.Errorf("bad settings document: %w", err)
	}

	var s types.Settings
	if err := json.Unmarshal([]byte(jsonStr), &s); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal settings json", slog.String("userID", userID), slog.Any("err", err))
		return types.Settings{}, 0, fmt.Errorf("failed to unmarshal settings json: %w", err)
	}
	return s, version, nil
}

// SetSettings saves the dynamic configuration to the "config/settings"
// document. It stores the settings as a JSON string for portability.
func (f *FirestoreProvider) SetSettings(ctx context.Context, userID string, settings types.Settings, version int) error {
	jsonBytes, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	coll, err := f.getCollection(userID, "config")
	if err != nil {
		return err
	}
	_, err = coll.Doc("settings").Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// ListRules retrieves all rules for a user from the "rules" collection.
func (f *FirestoreProvider) ListRules(ctx context.Context, userID string) ([]types.Rule, error) {
	coll, err := f.getCollection(userID, "rules")
	if err != nil {
		return nil, err
	}
	iter := coll.Documents(ctx)
	defer iter.Stop()

	var rules []types.Rule
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating rules: %w", err)
		}

		jsonStr, err := docJSON(doc)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "bad rule doc", slog.String("ruleID", doc.Ref.ID), slog.String("userID", userID), slog.Any("err", err))
			return nil, fmt.Errorf("bad rule document: %w", err)
		}

		var r types.Rule
		if err := json.Unmarshal([]byte(jsonStr), &r); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal rule", slog.String("ruleID", doc.Ref.ID), slog.String("userID", userID), slog.Any("err", err))
			return nil, fmt.Errorf("failed to unmarshal rule (id=%s): %w", doc.Ref.ID, err)
		}
		// The document ID is authoritative
		r.ID = doc.Ref.ID
		rules = append(rules, r)
	}
	return rules, nil
}

// UpsertRule adds or updates a rule document keyed by the rule ID.
func (f *FirestoreProvider) UpsertRule(ctx context.Context, userID string, rule types.Rule) error {
	if rule.ID == "" {
		return fmt.Errorf("rule missing id")
	}
	jsonBytes, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to marshal rule: %w", err)
	}

	coll, err := f.getCollection(userID, "rules")
	if err != nil {
		return err
	}
	_, err = coll.Doc(rule.ID).Set(ctx, map[string]interface{}{
		"json": string(jsonBytes),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert rule %s: %w", rule.ID, err)
	}
	return nil
}

// DeleteRule removes a rule document. Deleting a rule that does not exist is
// not an error.
func (f *FirestoreProvider) DeleteRule(ctx context.Context, userID, ruleID string) error {
	if ruleID == "" {
		return fmt.Errorf("ruleID cannot be empty")
	}
	coll, err := f.getCollection(userID, "rules")
	if err != nil {
		return err
	}
	if _, err := coll.Doc(ruleID).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", ruleID, err)
	}
	return nil
}

// GetAutomationState retrieves the "state/automation" document. Missing
// documents return the zero state, which has automation disabled.
func (f *FirestoreProvider) GetAutomationState(ctx context.Context, userID string) (types.AutomationState, error) {
	coll, err := f.getCollection(userID, "state")
	if err != nil {
		return types.AutomationState{}, err
	}
	doc, err := coll.Doc("automation").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.AutomationState{}, nil
		}
		return types.AutomationState{}, fmt.Errorf("failed to fetch automation state doc: %w", err)
	}

	jsonStr, err := docJSON(doc)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "bad automation state doc", slog.String("userID", userID), slog.Any("err", err))
		return types.AutomationState{}, fmt.Errorf("bad automation state document: %w", err)
	}

	var s types.AutomationState
	if err := json.Unmarshal([]byte(jsonStr), &s); err != nil {
		return types.AutomationState{}, fmt.Errorf("failed to unmarshal automation state: %w", err)
	}
	return s, nil
}

// SetAutomationState saves the "state/automation" document.
func (f *FirestoreProvider) SetAutomationState(ctx context.Context, userID string, state types.AutomationState) error {
	jsonBytes, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal automation state: %w", err)
	}
	coll, err := f.getCollection(userID, "state")
	if err != nil {
		return err
	}
	_, err = coll.Doc("automation").Set(ctx, map[string]interface{}{
		"json": string(jsonBytes),
	})
	if err != nil {
		return fmt.Errorf("failed to save automation state: %w", err)
	}
	return nil
}

// GetCurtailmentState retrieves the "state/curtailment" document. Missing
// documents return the zero state, which has curtailment inactive.
func (f *FirestoreProvider) GetCurtailmentState(ctx context.Context, userID string) (types.CurtailmentState, error) {
	coll, err := f.getCollection(userID, "state")
	if err != nil {
		return types.CurtailmentState{}, err
	}
	doc, err := coll.Doc("curtailment").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.CurtailmentState{}, nil
		}
		return types.CurtailmentState{}, fmt.Errorf("failed to fetch curtailment state doc: %w", err)
	}

	jsonStr, err := docJSON(doc)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "bad curtailment state doc", slog.String("userID", userID), slog.Any("err", err))
		return types.CurtailmentState{}, fmt.Errorf("bad curtailment state document: %w", err)
	}

	var s types.CurtailmentState
	if err := json.Unmarshal([]byte(jsonStr), &s); err != nil {
		return types.CurtailmentState{}, fmt.Errorf("failed to unmarshal curtailment state: %w", err)
	}
	return s, nil
}

// SetCurtailmentState saves the "state/curtailment" document.
func (f *FirestoreProvider) SetCurtailmentState(ctx context.Context, userID string, state types.CurtailmentState) error {
	jsonBytes, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal curtailment state: %w", err)
	}
	coll, err := f.getCollection(userID, "state")
	if err != nil {
		return err
	}
	_, err = coll.Doc("curtailment").Set(ctx, map[string]interface{}{
		"json": string(jsonBytes),
	})
	if err != nil {
		return fmt.Errorf("failed to save curtailment state: %w", err)
	}
	return nil
}

// GetCooldowns retrieves all cooldown records for a user keyed by rule ID.
func (f *FirestoreProvider) GetCooldowns(ctx context.Context, userID string) (map[string]types.CooldownRecord, error) {
	coll, err := f.getCollection(userID, "cooldowns")
	if err != nil {
		return nil, err
	}
	iter := coll.Documents(ctx)
	defer iter.Stop()

	cooldowns := make(map[string]types.CooldownRecord)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating cooldowns: %w", err)
		}

		jsonStr, err := docJSON(doc)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "bad cooldown doc", slog.String("ruleID", doc.Ref.ID), slog.String("userID", userID), slog.Any("err", err))
			return nil, fmt.Errorf("bad cooldown document: %w", err)
		}

		var c types.CooldownRecord
		if err := json.Unmarshal([]byte(jsonStr), &c); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cooldown (id=%s): %w", doc.Ref.ID, err)
		}
		c.RuleID = doc.Ref.ID
		cooldowns[doc.Ref.ID] = c
	}
	return cooldowns, nil
}

// SetCooldown adds or updates a cooldown record keyed by the rule ID.
func (f *FirestoreProvider) SetCooldown(ctx context.Context, userID string, record types.CooldownRecord) error {
	if record.RuleID == "" {
		return fmt.Errorf("cooldown record missing ruleID")
	}
	jsonBytes, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal cooldown: %w", err)
	}
	coll, err := f.getCollection(userID, "cooldowns")
	if err != nil {
		return err
	}
	_, err = coll.Doc(record.RuleID).Set(ctx, map[string]interface{}{
		"json": string(jsonBytes),
	})
	if err != nil {
		return fmt.Errorf("failed to set cooldown %s: %w", record.RuleID, err)
	}
	return nil
}

// ClearCooldown removes the cooldown record for one rule.
func (f *FirestoreProvider) ClearCooldown(ctx context.Context, userID, ruleID string) error {
	if ruleID == "" {
		return fmt.Errorf("ruleID cannot be empty")
	}
	coll, err := f.getCollection(userID, "cooldowns")
	if err != nil {
		return err
	}
	if _, err := coll.Doc(ruleID).Delete(ctx); err != nil {
		return fmt.Errorf("failed to clear cooldown %s: %w", ruleID, err)
	}
	return nil
}

// ClearCooldowns removes all cooldown records for a user.
func (f *FirestoreProvider) ClearCooldowns(ctx context.Context, userID string) error {
	coll, err := f.getCollection(userID, "cooldowns")
	if err != nil {
		return err
	}
	iter := coll.DocumentRefs(ctx)
	for {
		ref, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("error iterating cooldowns: %w", err)
		}
		if _, err := ref.Delete(ctx); err != nil {
			return fmt.Errorf("failed to clear cooldown %s: %w", ref.ID, err)
		}
	}
	return nil
}

// InsertAuditEntry adds a cycle audit record to the "audit_history"
// collection as a JSON blob. The document ID is the RFC3339 timestamp for
// efficient range queries.
func (f *FirestoreProvider) InsertAuditEntry(ctx context.Context, userID string, entry types.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		return fmt.Errorf("audit entry missing timestamp")
	}
	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	coll, err := f.getCollection(userID, "audit_history")
	if err != nil {
		return err
	}
	// Use RFC3339 as document ID for lexicographic ordering and efficient range queries
	docID := entry.Timestamp.UTC().Format(time.RFC3339)
	_, err = coll.Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": entry.Timestamp,
		"version":   types.CurrentAuditVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// GetAuditHistory retrieves audit records within the specified time range.
// Uses document ID range queries for efficient filtering without reading all
// documents.
func (f *FirestoreProvider) GetAuditHistory(ctx context.Context, userID string, start, end time.Time) ([]types.AuditEntry, error) {
	startDocID := start.UTC().Format(time.RFC3339)
	endDocID := end.UTC().Format(time.RFC3339)

	coll, err := f.getCollection(userID, "audit_history")
	if err != nil {
		return nil, err
	}
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var entries []types.AuditEntry
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating audit entries: %w", err)
		}

		jsonStr, err := docJSON(doc)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "bad audit doc", slog.String("docID", doc.Ref.ID), slog.String("userID", userID), slog.Any("err", err))
			return nil, fmt.Errorf("bad audit document: %w", err)
		}

		var e types.AuditEntry
		if err := json.Unmarshal([]byte(jsonStr), &e); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal audit entry", slog.String("docID", doc.Ref.ID), slog.String("userID", userID), slog.Any("err", err))
			return nil, fmt.Errorf("failed to unmarshal audit entry (id=%s): %w", doc.Ref.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// GetUser retrieves a user from the "users" collection.
func (f *FirestoreProvider) GetUser(ctx context.Context, userID string) (types.User, error) {
	doc, err := f.client.Collection("users").Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.User{}, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return types.User{}, fmt.Errorf("failed to get user %s: %w", userID, err)
	}

	jsonStr, err := docJSON(doc)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "bad user doc", slog.String("userID", userID), slog.Any("err", err))
		return types.User{}, fmt.Errorf("bad user document: %w", err)
	}

	var user types.User
	if err := json.Unmarshal([]byte(jsonStr), &user); err != nil {
		return types.User{}, fmt.Errorf("failed to unmarshal user %s: %w", userID, err)
	}
	return user, nil
}

// CreateUser creates a new user document in the "users" collection. Fails if
// the user already exists.
func (f *FirestoreProvider) CreateUser(ctx context.Context, user types.User) error {
	userJSON, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user %s: %w", user.ID, err)
	}
	_, err = f.client.Collection("users").Doc(user.ID).Create(ctx, map[string]interface{}{
		"json": string(userJSON),
	})
	if err != nil {
		return fmt.Errorf("failed to create user %s: %w", user.ID, err)
	}
	return nil
}

// UpdateUser updates an existing user document in the "users" collection.
func (f *FirestoreProvider) UpdateUser(ctx context.Context, user types.User) error {
	userJSON, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user %s: %w", user.ID, err)
	}
	_, err = f.client.Collection("users").Doc(user.ID).Set(ctx, map[string]interface{}{
		"json": string(userJSON),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to update user %s: %w", user.ID, err)
	}
	return nil
}

// ListUserIDs retrieves the IDs of all users without reading the documents.
func (f *FirestoreProvider) ListUserIDs(ctx context.Context) ([]string, error) {
	iter := f.client.Collection("users").DocumentRefs(ctx)

	var ids []string
	for {
		ref, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating users: %w", err)
		}
		ids = append(ids, ref.ID)
	}
	return ids, nil
}
