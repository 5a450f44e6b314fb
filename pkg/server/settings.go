package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/raterudder/agilerudder/pkg/log"
	"github.com/raterudder/agilerudder/pkg/types"
)

// SettingsRes is the response type for GetSettings
type SettingsRes struct {
	types.Settings
	HasCredentials map[string]bool `json:"hasCredentials"`
}

type updateSettingsReq struct {
	types.Settings
	Credentials *types.Credentials `json:"credentials,omitempty"`
}

func (s *Server) writeSettings(w http.ResponseWriter, r *http.Request) {
	settings, has := s.planner.Settings(r.Context())
	// never echo the ciphertext back
	settings.EncryptedCredentials = nil

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, SettingsRes{
		Settings:       settings,
		HasCredentials: has,
	})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.writeSettings(w, r)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req updateSettingsReq
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode settings", slog.Any("error", err))
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	// credentials only arrive through the credentials field
	req.Settings.EncryptedCredentials = nil

	if err := s.planner.SaveSettings(ctx, req.Settings, req.Credentials); err != nil {
		var verr *types.ValidationError
		if errors.As(err, &verr) {
			log.Ctx(ctx).WarnContext(ctx, "invalid settings", slog.String("field", verr.Field), slog.String("message", verr.Message))
			writeJSONError(w, verr.Error(), http.StatusBadRequest)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to save settings", slog.Any("error", err))
		writeJSONError(w, "failed to save settings", http.StatusInternalServerError)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "settings updated", slog.String("by", requestEmail(r)))
	s.writeSettings(w, r)
}
