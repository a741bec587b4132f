// Package credentials encrypts and decrypts per-user API credentials with
// AES-256-GCM. The key is shared service-wide; the ciphertext lives inside
// the user's settings document.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/wattrules/wattrules/pkg/log"
	"github.com/wattrules/wattrules/pkg/types"
)

// Decrypt unseals the credentials blob. An empty blob returns empty
// credentials without requiring a key.
func Decrypt(ctx context.Context, key string, encrypted []byte) (types.Credentials, error) {
	if len(encrypted) == 0 {
		return types.Credentials{}, nil
	}

	gcm, err := newGCM(ctx, key)
	if err != nil {
		return types.Credentials{}, err
	}

	if len(encrypted) < gcm.NonceSize() {
		log.Ctx(ctx).ErrorContext(ctx, "malformed encrypted credentials", slog.Int("length", len(encrypted)))
		return types.Credentials{}, errors.New("malformed encrypted credentials")
	}

	nonce, ciphertext := encrypted[:gcm.NonceSize()], encrypted[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decrypt credentials", slog.Any("error", err))
		return types.Credentials{}, fmt.Errorf("failed to decrypt credentials: %w", err)
	}

	var creds types.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to unmarshal credentials", slog.Any("error", err))
		return types.Credentials{}, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}

	return creds, nil
}

// Encrypt seals the credentials for storage.
func Encrypt(ctx context.Context, key string, creds types.Credentials) ([]byte, error) {
	jsonBytes, err := json.Marshal(creds)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to marshal credentials", slog.Any("error", err))
		return nil, fmt.Errorf("failed to marshal credentials: %w", err)
	}

	gcm, err := newGCM(ctx, key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to generate nonce", slog.Any("error", err))
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, jsonBytes, nil), nil
}

func newGCM(ctx context.Context, key string) (cipher.AEAD, error) {
	if key == "" {
		log.Ctx(ctx).ErrorContext(ctx, "no encryption key configured")
		return nil, errors.New("no encryption key configured")
	}
	keyBytes := []byte(key)
	if len(keyBytes) != 32 {
		log.Ctx(ctx).ErrorContext(ctx, "invalid encryption key length (must be 32 bytes)", slog.Int("length", len(keyBytes)))
		return nil, errors.New("invalid encryption key length (must be 32 bytes)")
	}

	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to create cipher", slog.Any("error", err))
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to create gcm", slog.Any("error", err))
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return gcm, nil
}
