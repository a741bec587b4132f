package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wattrules/wattrules/pkg/credentials"
	"github.com/wattrules/wattrules/pkg/log"
	"github.com/wattrules/wattrules/pkg/rules"
	"github.com/wattrules/wattrules/pkg/types"
)

func (s *Server) getSettingsWithMigration(ctx context.Context, userID string) (types.Settings, types.Credentials, error) {
	settings, version, err := s.storage.GetSettings(ctx, userID)
	if err != nil {
		return types.Settings{}, types.Credentials{}, err
	}

	// Check for migration
	if version < types.CurrentSettingsVersion {
		log.Ctx(ctx).InfoContext(ctx, "migrating settings", slog.Int("oldVersion", version), slog.Int("newVersion", types.CurrentSettingsVersion))
		newSettings, changed, err := types.MigrateSettings(settings, version)
		if err != nil {
			// Log error but return settings as is (best effort)
			log.Ctx(ctx).ErrorContext(ctx, "failed to migrate settings", slog.Int("currentVersion", version), slog.Any("error", err))
		} else if changed {
			settings = newSettings
			if err := s.storage.SetSettings(ctx, userID, newSettings, types.CurrentSettingsVersion); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to save migrated settings", slog.Any("error", err))
				// Return migrated settings even if save failed, so current request works with new defaults
			}
		}
	}

	var creds types.Credentials
	if len(settings.EncryptedCredentials) > 0 {
		creds, err = credentials.Decrypt(ctx, s.encryptionKey, settings.EncryptedCredentials)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to decrypt credentials", slog.Any("error", err))
			return types.Settings{}, types.Credentials{}, err
		}
	}

	return settings, creds, nil
}

// SettingsRes is the response type for GetSettings
type SettingsRes struct {
	types.Settings
	HasCredentials map[string]bool `json:"hasCredentials"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user := s.getUser(r)
	if user.ID == "" {
		writeJSONError(w, "missing authentication", http.StatusUnauthorized)
		return
	}

	settings, creds, err := s.getSettingsWithMigration(ctx, user.ID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}
	// remove encrypted credentials from response
	settings.EncryptedCredentials = nil

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, SettingsRes{
		Settings:       settings,
		HasCredentials: creds.Has(),
	})
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user := s.getUser(r)
	if user.ID == "" {
		writeJSONError(w, "missing authentication", http.StatusUnauthorized)
		return
	}

	var req struct {
		types.Settings
		Credentials *types.Credentials `json:"credentials,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode settings", slog.Any("error", err))
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	newSettings := req.Settings
	if err := validateSettings(newSettings); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Get existing settings to preserve the stored credentials
	existing, _, err := s.storage.GetSettings(ctx, user.ID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}

	if req.Credentials != nil {
		var existingCreds types.Credentials
		if len(existing.EncryptedCredentials) > 0 {
			existingCreds, err = credentials.Decrypt(ctx, s.encryptionKey, existing.EncryptedCredentials)
			if err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to decrypt credentials", slog.Any("error", err))
				writeJSONError(w, "failed to decrypt credentials", http.StatusInternalServerError)
				return
			}
		}

		// only the groups present in the request are replaced
		if req.Credentials.Device != nil {
			existingCreds.Device = req.Credentials.Device
		}
		if req.Credentials.Price != nil {
			existingCreds.Price = req.Credentials.Price
		}

		encrypted, err := credentials.Encrypt(ctx, s.encryptionKey, existingCreds)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to encrypt credentials", slog.Any("error", err))
			writeJSONError(w, "failed to encrypt credentials", http.StatusInternalServerError)
			return
		}
		newSettings.EncryptedCredentials = encrypted
	} else {
		// Preserve existing encrypted credentials if not updating
		newSettings.EncryptedCredentials = existing.EncryptedCredentials
	}

	if err := s.storage.SetSettings(ctx, user.ID, newSettings, types.CurrentSettingsVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save settings", slog.Any("error", err))
		writeJSONError(w, "failed to save settings", http.StatusInternalServerError)
		return
	}

	// cached signals may have been fetched with the old site or location
	s.collector.Invalidate(user.ID)

	log.Ctx(ctx).InfoContext(ctx, "settings updated")

	w.WriteHeader(http.StatusOK)
}

func validateSettings(settings types.Settings) error {
	if settings.CheckIntervalSeconds < 0 {
		return fmt.Errorf("check interval cannot be negative")
	}
	if settings.ErrorBlackoutMinutes < 0 {
		return fmt.Errorf("error blackout minutes cannot be negative")
	}
	if settings.ErrorBlackoutThreshold < 0 {
		return fmt.Errorf("error blackout threshold cannot be negative")
	}
	if settings.Latitude < -90 || settings.Latitude > 90 {
		return fmt.Errorf("latitude must be between -90 and 90")
	}
	if settings.Longitude < -180 || settings.Longitude > 180 {
		return fmt.Errorf("longitude must be between -180 and 180")
	}
	if (settings.BlackoutStart == "") != (settings.BlackoutEnd == "") {
		return fmt.Errorf("blackout start and end must be set together")
	}
	if settings.BlackoutStart != "" {
		if _, err := rules.ParseClock(settings.BlackoutStart); err != nil {
			return fmt.Errorf("invalid blackout start: %v", err)
		}
		if _, err := rules.ParseClock(settings.BlackoutEnd); err != nil {
			return fmt.Errorf("invalid blackout end: %v", err)
		}
	}
	if settings.Timezone != "" {
		if _, err := time.LoadLocation(settings.Timezone); err != nil {
			return fmt.Errorf("invalid timezone: %v", err)
		}
	}
	return nil
}
