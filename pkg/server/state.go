package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/raterudder/agilerudder/pkg/controller"
	"github.com/raterudder/agilerudder/pkg/log"
	"github.com/raterudder/agilerudder/pkg/manager"
	"github.com/raterudder/agilerudder/pkg/types"
)

func (s *Server) writeState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, s.planner.CurrentState(r.Context()))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeState(w, r)
}

// writePlannerError maps a planner error to a status and writes it.
func writePlannerError(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, manager.ErrNotConfigured):
		log.Ctx(ctx).WarnContext(ctx, msg, slog.Any("error", err))
		writeJSONError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, manager.ErrSlotNotFound):
		writeJSONError(w, err.Error(), http.StatusNotFound)
	default:
		log.Ctx(ctx).ErrorContext(ctx, msg, slog.Any("error", err))
		writeJSONError(w, msg, http.StatusInternalServerError)
	}
}

type overrideReq struct {
	SlotStart time.Time        `json:"slotStart"`
	Action    types.SlotAction `json:"action"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req overrideReq
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode override", slog.Any("error", err))
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SlotStart.IsZero() {
		writeJSONError(w, "slotStart is required", http.StatusBadRequest)
		return
	}
	if req.Action == types.SlotActionChargeIfLowBattery {
		writeJSONError(w, "ChargeIfLowBattery cannot be used as an override", http.StatusBadRequest)
		return
	}

	if err := s.planner.OverrideSlotAction(ctx, req.SlotStart, req.Action); err != nil {
		writePlannerError(ctx, w, "failed to override slot", err)
		return
	}
	s.writeState(w, r)
}

func (s *Server) handleClearOverrides(w http.ResponseWriter, r *http.Request) {
	if err := s.planner.ClearManualOverrides(r.Context()); err != nil {
		writePlannerError(r.Context(), w, "failed to clear overrides", err)
		return
	}
	s.writeState(w, r)
}

func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	if err := s.planner.Recalculate(r.Context()); err != nil {
		writePlannerError(r.Context(), w, "failed to recalculate", err)
		return
	}
	s.writeState(w, r)
}

// handleBatteryAction runs one of the bulk override operations.
func (s *Server) handleBatteryAction(fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			writePlannerError(r.Context(), w, "failed to change battery plan", err)
			return
		}
		s.writeState(w, r)
	}
}

func (s *Server) handleProjection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sim, err := s.planner.Projection(ctx)
	if err != nil {
		writePlannerError(ctx, w, "failed to project plan", err)
		return
	}
	if sim == nil {
		sim = []controller.SimSlot{}
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, sim)
}
