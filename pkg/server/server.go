package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/wattrules/wattrules/pkg/automation"
	"github.com/wattrules/wattrules/pkg/device"
	"github.com/wattrules/wattrules/pkg/log"
	"github.com/wattrules/wattrules/pkg/price"
	"github.com/wattrules/wattrules/pkg/schedule"
	"github.com/wattrules/wattrules/pkg/signal"
	"github.com/wattrules/wattrules/pkg/storage"
	"github.com/wattrules/wattrules/pkg/types"
	"github.com/wattrules/wattrules/pkg/weather"
)

const (
	authTokenCookie = "auth_token"

	// devUserID is the user everything is keyed under when auth is bypassed.
	devUserID = "dev"
)

type contextKey string

const (
	userContextKey           contextKey = "user"
	userToRegisterContextKey contextKey = "userToRegister"
)

// tokenVerifier validates a raw ID token and returns the email claim, the
// subject, and the token expiry.
type tokenVerifier func(ctx context.Context, rawIDToken string) (string, string, time.Time, error)

// cycleRunner is the automation surface the HTTP handlers drive.
type cycleRunner interface {
	RunCycle(ctx context.Context, userID string) types.CycleResult
	Enable(ctx context.Context, userID string) error
	Disable(ctx context.Context, userID string) error
	Cancel(ctx context.Context, userID string) error
}

// Server handles the HTTP API for the WattRules system. It exposes the two
// cycle triggers, the rule and settings CRUD, and the audit history.
type Server struct {
	devices    *device.Map
	prices     *price.Map
	storage    storage.Database
	collector  *signal.Collector
	automation cycleRunner

	listenAddr string
	httpServer *http.Server

	updateSpecificEmail string
	adminEmails         []string
	oidcAudiences       map[string]string
	oidcVerifiers       map[string]tokenVerifier
	bypassAuth          bool
	encryptionKey       string
	serverName          string
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(d *device.Map, p *price.Map, w weather.Provider, db storage.Database) *Server {
	collector := signal.NewCollector(d, p, w)
	srv := &Server{
		devices:    d,
		prices:     p,
		storage:    db,
		collector:  collector,
		serverName: "wattrules",
	}
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	updateSpecificEmail := lflag.String("update-specific-email", "", "email to validate for /api/update")
	adminEmails := lflag.String("admin-emails", "", "comma-delimited list of email addresses with admin access")
	oidcAudiences := map[string]string{}
	lflag.JSON(&oidcAudiences, "oidc-audiences", oidcAudiences, "JSON map of provider (google/apple) to audience/client ID")
	updateSpecificAudience := lflag.String("update-specific-audience", "", "Google audience to validate for /api/update")
	bypassAuthFlag := lflag.Bool("bypass-auth", false, "Disable authentication, local development only")
	encryptionKey := lflag.RequiredString("credentials-encryption-key", "Key for encrypting credentials")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.updateSpecificEmail = *updateSpecificEmail
		if *adminEmails != "" {
			srv.adminEmails = strings.Split(*adminEmails, ",")
			for i, email := range srv.adminEmails {
				srv.adminEmails[i] = strings.TrimSpace(email)
			}
		}
		if len(oidcAudiences) > 0 {
			srv.oidcAudiences = make(map[string]string, len(oidcAudiences))
			srv.oidcVerifiers = make(map[string]tokenVerifier, len(oidcAudiences))
			for n, a := range oidcAudiences {
				var issuer string
				switch n {
				case "google":
					issuer = "https://accounts.google.com"
				case "apple":
					issuer = "https://appleid.apple.com"
				default:
					log.Ctx(context.Background()).Error("unsupported oidc audience client", slog.String("client", n))
					os.Exit(1)
				}
				provider, err := oidc.NewProvider(context.Background(), issuer)
				if err != nil {
					log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.String("client", n), slog.Any("error", err))
					os.Exit(1)
				}
				srv.oidcVerifiers[n] = oidcTokenVerifier(provider.Verifier(&oidc.Config{ClientID: a}))
				srv.oidcAudiences[n] = a
			}
		}
		if *updateSpecificAudience != "" {
			if srv.oidcVerifiers == nil {
				srv.oidcVerifiers = map[string]tokenVerifier{}
			}
			provider, err := oidc.NewProvider(context.Background(), "https://accounts.google.com")
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.oidcVerifiers[updateSpecificClient] = oidcTokenVerifier(provider.Verifier(&oidc.Config{ClientID: *updateSpecificAudience}))
		}

		if len(*encryptionKey) != 32 {
			log.Ctx(context.Background()).Error("credentials-encryption-key must be 32 characters")
			os.Exit(1)
		}
		srv.encryptionKey = *encryptionKey
		srv.automation = automation.New(db, d, p, collector, schedule.NewDispatcher(d), srv.encryptionKey)

		if *bypassAuthFlag && len(srv.oidcAudiences) == 0 {
			srv.bypassAuth = true
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/cycle", s.handleCycle)
	apiMux.HandleFunc("POST /api/update", s.handleUpdate)
	apiMux.HandleFunc("GET /api/rules", s.handleListRules)
	apiMux.HandleFunc("POST /api/rules", s.handleUpsertRule)
	apiMux.HandleFunc("DELETE /api/rules/{ruleID}", s.handleDeleteRule)
	apiMux.HandleFunc("GET /api/settings", s.handleGetSettings)
	apiMux.HandleFunc("POST /api/settings", s.handleUpdateSettings)
	apiMux.HandleFunc("GET /api/automation", s.handleAutomationStatus)
	apiMux.HandleFunc("POST /api/automation/enable", s.handleEnableAutomation)
	apiMux.HandleFunc("POST /api/automation/disable", s.handleDisableAutomation)
	apiMux.HandleFunc("POST /api/automation/cancel", s.handleCancelAutomation)
	apiMux.HandleFunc("GET /api/history", s.handleHistory)
	apiMux.HandleFunc("GET /api/auth/status", s.handleAuthStatus)
	apiMux.HandleFunc("POST /api/auth/login", s.handleLogin)
	apiMux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	apiMux.HandleFunc("POST /api/join", s.handleJoin)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

func (s *Server) getUser(r *http.Request) types.User {
	if user, ok := r.Context().Value(userContextKey).(types.User); ok {
		return user
	}
	return types.User{}
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		// Context canceled, shut down gracefully
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
