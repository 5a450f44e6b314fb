package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-chi/cors"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/agilerudder/pkg/controller"
	"github.com/raterudder/agilerudder/pkg/log"
	"github.com/raterudder/agilerudder/pkg/types"
)

type contextKey string

const emailContextKey contextKey = "email"

// tokenVerifier validates an ID token and returns the email it was issued to.
type tokenVerifier func(ctx context.Context, rawIDToken string) (string, error)

// Planner is everything the API needs from the planner.
type Planner interface {
	CurrentState(ctx context.Context) types.PlannerState
	OverrideSlotAction(ctx context.Context, slotStart time.Time, action types.SlotAction) error
	ClearManualOverrides(ctx context.Context) error
	Recalculate(ctx context.Context) error
	ChargeBattery(ctx context.Context) error
	DischargeBattery(ctx context.Context) error
	DumpAndChargeBattery(ctx context.Context) error
	TestCharge(ctx context.Context) error
	GetHistory(ctx context.Context, start, end time.Time) ([]types.HistoryEntry, error)
	Projection(ctx context.Context) ([]controller.SimSlot, error)
	Settings(ctx context.Context) (types.Settings, map[string]bool)
	SaveSettings(ctx context.Context, settings types.Settings, creds *types.Credentials) error
}

// Server exposes the planner over a JSON HTTP API.
type Server struct {
	planner Planner

	listenAddr     string
	devProxy       string
	allowedOrigins []string
	adminEmails    []string
	verifier       tokenVerifier
	showHidden     bool
	serverName     string
	httpServer     *http.Server
}

// Configured creates the Server from flags.
func Configured(p Planner) *Server {
	srv := &Server{
		planner:    p,
		serverName: "agilerudder",
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	devProxy := lflag.String("dev-proxy", "", "Address of a UI dev server to proxy non-API requests to (e.g. http://localhost:5173)")
	allowedOrigins := lflag.String("cors-allowed-origins", "", "comma-delimited list of origins allowed to call the API from a browser")
	oidcAudience := lflag.String("oidc-audience", "", "Google client ID that ID tokens must be issued for, empty disables authentication")
	adminEmails := lflag.String("admin-emails", "", "comma-delimited list of email addresses allowed to change anything, empty allows every authenticated user")
	showHidden := lflag.Bool("show-hidden", false, "Expose hidden inverters such as the simulator in lists via the API")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.devProxy = *devProxy
		srv.allowedOrigins = splitList(*allowedOrigins)
		srv.adminEmails = splitList(*adminEmails)
		srv.showHidden = *showHidden
		if *oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), "https://accounts.google.com")
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.verifier = oidcVerifier(provider.Verifier(&oidc.Config{ClientID: *oidcAudience}))
		}
	})
	return srv
}

// New creates a Server without authentication, mostly for tests.
func New(p Planner) *Server {
	return &Server{planner: p}
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/state", s.handleState)
	apiMux.HandleFunc("GET /api/projection", s.handleProjection)
	apiMux.HandleFunc("POST /api/override", s.handleOverride)
	apiMux.HandleFunc("POST /api/overrides/clear", s.handleClearOverrides)
	apiMux.HandleFunc("POST /api/recalculate", s.handleRecalculate)
	apiMux.HandleFunc("POST /api/battery/charge", s.handleBatteryAction(s.planner.ChargeBattery))
	apiMux.HandleFunc("POST /api/battery/discharge", s.handleBatteryAction(s.planner.DischargeBattery))
	apiMux.HandleFunc("POST /api/battery/dump", s.handleBatteryAction(s.planner.DumpAndChargeBattery))
	apiMux.HandleFunc("POST /api/battery/test", s.handleBatteryAction(s.planner.TestCharge))
	apiMux.HandleFunc("GET /api/history", s.handleHistory)
	apiMux.HandleFunc("GET /api/settings", s.handleGetSettings)
	apiMux.HandleFunc("POST /api/settings", s.handleUpdateSettings)
	apiMux.HandleFunc("GET /api/list/tariffs", s.handleListTariffs)
	apiMux.HandleFunc("GET /api/list/inverters", s.handleListInverters)

	var api http.Handler = s.authMiddleware(apiMux)
	if len(s.allowedOrigins) > 0 {
		api = cors.Handler(cors.Options{
			AllowedOrigins:   s.allowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		})(api)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", api)
	if s.devProxy != "" {
		u, err := url.Parse(s.devProxy)
		if err != nil {
			panic(fmt.Errorf("invalid dev-proxy url (%s): %w", s.devProxy, err))
		}
		mux.Handle("/", httputil.NewSingleHostReverseProxy(u))
	}
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until ctx is canceled, then shuts it
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr), slog.Bool("auth", s.verifier != nil))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
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

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
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
