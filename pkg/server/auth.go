package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/wattrules/wattrules/pkg/log"
	"github.com/wattrules/wattrules/pkg/storage"
	"github.com/wattrules/wattrules/pkg/types"
)

// updateSpecificClient is the verifier used only for the /api/update
// scheduler token.
const updateSpecificClient = "google_update_specific"

// oidcTokenVerifier adapts a go-oidc verifier into a tokenVerifier.
func oidcTokenVerifier(v *oidc.IDTokenVerifier) tokenVerifier {
	return func(ctx context.Context, rawIDToken string) (string, string, time.Time, error) {
		idToken, err := v.Verify(ctx, rawIDToken)
		if err != nil {
			return "", "", time.Time{}, err
		}
		var claims struct {
			Email string `json:"email"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return "", "", time.Time{}, err
		}
		return claims.Email, idToken.Subject, idToken.Expiry, nil
	}
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("reqPath", r.URL.Path)))

		allowNoLogin := r.URL.Path == "/api/auth/login" || r.URL.Path == "/api/auth/status" || r.URL.Path == "/api/join"
		ignoreUserNotFound := allowNoLogin || r.URL.Path == "/api/auth/logout"
		isUpdatePath := r.URL.Path == "/api/update"

		var email string
		var userID string
		// userFound is true if the user is a real user found in the database
		var userFound bool
		var user types.User
		var authViaUpdateSpecific bool
		// handle authentication
		if s.bypassAuth {
			user = types.User{
				ID:    devUserID,
				Email: devUserID + "@localhost",
				Admin: true,
			}
			ctx = context.WithValue(ctx, userContextKey, user)
		} else {
			var authSuccess bool

			// Check /api/update specific auth
			if isUpdatePath {
				authHeader := r.Header.Get("Authorization")
				if authHeader != "" {
					if !strings.HasPrefix(authHeader, "Bearer ") {
						log.Ctx(ctx).ErrorContext(ctx, "invalid auth header", slog.String("header", authHeader))
						writeJSONError(w, "invalid auth header", http.StatusBadRequest)
						return
					}
					token := strings.TrimPrefix(authHeader, "Bearer ")
					specificClient := ""
					if _, ok := s.oidcVerifiers[updateSpecificClient]; ok {
						specificClient = updateSpecificClient
					}
					emailRet, subjectRet, _, err := s.authenticateToken(ctx, token, specificClient)
					if err != nil {
						log.Ctx(ctx).WarnContext(ctx, "update token validation failed", slog.Any("error", err))
					} else {
						email = emailRet
						userID = subjectRet
						if s.updateSpecificEmail != "" && subtle.ConstantTimeCompare([]byte(email), []byte(s.updateSpecificEmail)) == 1 {
							authSuccess = true
							authViaUpdateSpecific = true
						} else {
							log.Ctx(ctx).WarnContext(ctx, "update email mismatch", slog.String("got", email), slog.String("want", s.updateSpecificEmail))
							email = "" // invalid
						}
					}
				}
			}

			// normal user auth (cookie)
			if !authSuccess {
				authCookie, err := r.Cookie(authTokenCookie)
				if err != nil && !errors.Is(err, http.ErrNoCookie) {
					log.Ctx(ctx).ErrorContext(ctx, "failed to get auth cookie", slog.Any("error", err))
					writeJSONError(w, "missing auth cookie", http.StatusBadRequest)
					return
				}
				if authCookie != nil {
					emailRet, subjectRet, _, err := s.authenticateToken(ctx, authCookie.Value, "")
					if err != nil {
						log.Ctx(ctx).ErrorContext(ctx, "auth token validation failed", slog.Any("error", err))
						writeJSONError(w, "invalid auth token", http.StatusBadRequest)
						return
					}
					email = emailRet
					userID = subjectRet
					authSuccess = true
				} else if !allowNoLogin {
					log.Ctx(ctx).WarnContext(ctx, "no auth cookie found")
					writeJSONError(w, "missing auth cookie", http.StatusBadRequest)
					return
				}
			}

			if authViaUpdateSpecific && isUpdatePath {
				// allowed to update without a user record
			} else if authSuccess {
				var err error
				user, err = s.storage.GetUser(ctx, userID)
				if err != nil {
					if ignoreUserNotFound && errors.Is(err, storage.ErrUserNotFound) {
						log.Ctx(ctx).InfoContext(ctx, "user not found, will register on join", slog.String("userID", userID), slog.String("email", email))
						// Put a stub user in context so the join handler can create it
						ctx = context.WithValue(ctx, userToRegisterContextKey, types.User{
							ID:    userID,
							Email: email,
						})
					} else {
						log.Ctx(ctx).WarnContext(ctx, "user lookup failed", slog.String("userID", userID), slog.String("email", email), slog.Any("error", err))
						writeJSONError(w, "user lookup failed", http.StatusForbidden)
						return
					}
				} else {
					userFound = true
					for _, admin := range s.adminEmails {
						if email == admin {
							user.Admin = true
							break
						}
					}
				}
				ctx = context.WithValue(ctx, userContextKey, user)
			} else if !allowNoLogin {
				log.Ctx(ctx).WarnContext(ctx, "unauthenticated request")
				s.clearCookie(w)
				writeJSONError(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}

		if userID != "" {
			ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("authUserID", userID)))
		}

		log.Ctx(ctx).DebugContext(
			ctx,
			"authenticated request",
			slog.String("email", email),
			slog.Bool("userFound", userFound),
		)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	// expecting a JSON body with the raw ID token
	var req struct {
		Token  string `json:"token"`
		Client string `json:"client"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// since we failed to read, don't return JSON error
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	email, subject, expires, err := s.authenticateToken(r.Context(), req.Token, req.Client)
	if err != nil {
		log.Ctx(r.Context()).WarnContext(r.Context(), "failed to validate id token", slog.Any("error", err))
		writeJSONError(w, "invalid id token", http.StatusUnauthorized)
		return
	}

	if email == "" {
		log.Ctx(r.Context()).WarnContext(r.Context(), "invalid email in id token")
		writeJSONError(w, "invalid oidc claims", http.StatusUnauthorized)
		return
	}

	log.Ctx(r.Context()).InfoContext(r.Context(), "login token validated successfully", slog.String("email", email), slog.String("subject", subject))

	// Set the cookie
	http.SetCookie(w, &http.Cookie{
		Name:     authTokenCookie,
		Value:    req.Token,
		Expires:  expires,
		HttpOnly: true,
		Secure:   true,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
	})

	w.WriteHeader(http.StatusOK)
}

func (s *Server) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     authTokenCookie,
		Value:    "",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   true,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.clearCookie(w)
	w.WriteHeader(http.StatusOK)
}

type authStatusResponse struct {
	LoggedIn     bool              `json:"loggedIn"`
	Registered   bool              `json:"registered"`
	Email        string            `json:"email"`
	AuthRequired bool              `json:"authRequired"`
	ClientIDs    map[string]string `json:"clientIDs"`
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	var loggedIn, registered bool
	user := s.getUser(r)
	if user.ID != "" {
		loggedIn = true
		registered = true
	} else if userToRegister, ok := r.Context().Value(userToRegisterContextKey).(types.User); ok {
		user = userToRegister
		loggedIn = true
	}

	writeJSON(w, authStatusResponse{
		LoggedIn:     loggedIn,
		Registered:   registered,
		Email:        user.Email,
		AuthRequired: len(s.oidcAudiences) > 0,
		ClientIDs:    s.oidcAudiences,
	})
}

// handleJoin creates the user record for a freshly-authenticated identity.
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if user := s.getUser(r); user.ID != "" {
		// already registered
		writeJSON(w, user)
		return
	}

	userToRegister, ok := ctx.Value(userToRegisterContextKey).(types.User)
	if !ok || userToRegister.ID == "" {
		writeJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	if err := s.storage.CreateUser(ctx, userToRegister); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to create user", slog.String("userID", userToRegister.ID), slog.Any("error", err))
		writeJSONError(w, "failed to create user", http.StatusInternalServerError)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "user registered", slog.String("userID", userToRegister.ID), slog.String("email", userToRegister.Email))
	writeJSON(w, userToRegister)
}

func (s *Server) authenticateToken(ctx context.Context, token string, specificClient string) (string, string, time.Time, error) {
	var errs []error

	for providerName, verify := range s.oidcVerifiers {
		if specificClient != "" && providerName != specificClient {
			continue
		}
		email, subject, expiry, err := verify(ctx, token)
		if err == nil {
			return email, subject, expiry, nil
		}
		errs = append(errs, fmt.Errorf("%s verifier failed: %v", providerName, err))
	}

	if len(errs) > 1 {
		return "", "", time.Time{}, errors.Join(errs...)
	}
	if len(errs) == 1 {
		return "", "", time.Time{}, errs[0]
	}
	return "", "", time.Time{}, errors.New("no valid audiences configured or token invalid")
}
