package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"turnoq/internal/models"
	"turnoq/internal/store"

	"github.com/google/uuid"
)

const minCedulaLength = 5

type Handler struct {
	store store.TurnoStore
}

func NewHandler(turnoStore store.TurnoStore) *Handler {
	return &Handler{store: turnoStore}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/turnos", h.handleCreateTurno)
	mux.HandleFunc("/api/turnos/activos", h.handleActiveTurnos)
	mux.HandleFunc("/api/turnos/actual", h.handleCurrentCall)
	mux.HandleFunc("/api/turnos/sede", h.handleTurnosByDate)
	mux.HandleFunc("/api/turnos/", h.handleTurnoSubtree)
	mux.HandleFunc("/api/eventos", h.handleEventos)
	mux.HandleFunc("/api/motivos", h.handleMotivos)
	mux.HandleFunc("/api/modulos", h.handleModulos)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type createTurnoRequest struct {
	RequestID string `json:"request_id"`
	SedeID    string `json:"sede_id"`
	MotivoID  string `json:"motivo_id"`
	Cedula    string `json:"cedula"`
}

func (h *Handler) handleCreateTurno(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createTurnoRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.SedeID = strings.TrimSpace(req.SedeID)
	req.MotivoID = strings.TrimSpace(req.MotivoID)
	req.Cedula = strings.TrimSpace(req.Cedula)

	if req.RequestID == "" || req.SedeID == "" || req.MotivoID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id, sede_id, and motivo_id are required")
		return
	}
	if !isValidUUID(req.RequestID) || !isValidUUID(req.SedeID) || !isValidUUID(req.MotivoID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id, sede_id, and motivo_id must be UUIDs")
		return
	}
	if len(req.Cedula) < minCedulaLength {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "cedula must have at least 5 characters")
		return
	}

	turno, _, err := h.store.CreateTurno(r.Context(), store.CreateTurnoInput{
		RequestID: req.RequestID,
		SedeID:    req.SedeID,
		MotivoID:  req.MotivoID,
		Cedula:    req.Cedula,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		h.writeStoreError(w, r.Context(), req.RequestID, req.SedeID, "", err)
		return
	}

	writeJSON(w, http.StatusCreated, turno)
}

func (h *Handler) handleActiveTurnos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sedeID := strings.TrimSpace(r.URL.Query().Get("sede_id"))
	if sedeID == "" || !isValidUUID(sedeID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "sede_id must be a UUID")
		return
	}

	turnos, err := h.store.ListActiveTurnos(r.Context(), sedeID)
	if err != nil {
		h.writeStoreError(w, r.Context(), "", sedeID, "", err)
		return
	}

	now := time.Now().UTC()
	for i := range turnos {
		turnos[i].ComputeTiempoEspera(now)
	}
	writeJSON(w, http.StatusOK, turnos)
}

func (h *Handler) handleCurrentCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sedeID := strings.TrimSpace(r.URL.Query().Get("sede_id"))
	moduloID := strings.TrimSpace(r.URL.Query().Get("modulo_id"))
	if sedeID == "" || moduloID == "" || !isValidUUID(sedeID) || !isValidUUID(moduloID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "sede_id and modulo_id must be UUIDs")
		return
	}

	turno, found, err := h.store.GetCurrentCall(r.Context(), sedeID, moduloID)
	if err != nil {
		h.writeStoreError(w, r.Context(), "", sedeID, "", err)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	turno.ComputeTiempoEspera(time.Now().UTC())
	writeJSON(w, http.StatusOK, turno)
}

func (h *Handler) handleTurnosByDate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sedeID := strings.TrimSpace(r.URL.Query().Get("sede_id"))
	if sedeID == "" || !isValidUUID(sedeID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "sede_id must be a UUID")
		return
	}
	if !requireSedeAccess(w, r, sedeID) {
		return
	}

	fecha := strings.TrimSpace(r.URL.Query().Get("fecha"))
	if fecha == "" {
		fecha = time.Now().UTC().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", fecha); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "fecha must be YYYY-MM-DD")
		return
	}

	turnos, err := h.store.ListTurnosByDate(r.Context(), sedeID, fecha)
	if err != nil {
		h.writeStoreError(w, r.Context(), "", sedeID, "", err)
		return
	}

	now := time.Now().UTC()
	for i := range turnos {
		turnos[i].ComputeTiempoEspera(now)
	}
	writeJSON(w, http.StatusOK, turnos)
}

func (h *Handler) handleTurnoSubtree(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/turnos/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.handleGetTurno(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "acciones" && r.Method == http.MethodPost:
		h.handleTurnoAction(w, r, parts[0], parts[2])
	case len(parts) == 3 && parts[1] == "acciones":
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetTurno(w http.ResponseWriter, r *http.Request, turnoID string) {
	sedeID := strings.TrimSpace(r.URL.Query().Get("sede_id"))
	if sedeID == "" || !isValidUUID(sedeID) || !isValidUUID(turnoID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "sede_id and turno id must be UUIDs")
		return
	}
	if !requireSedeAccess(w, r, sedeID) {
		return
	}

	turno, err := h.store.GetTurno(r.Context(), sedeID, turnoID)
	if err != nil {
		h.writeStoreError(w, r.Context(), "", sedeID, "", err)
		return
	}

	turno.ComputeTiempoEspera(time.Now().UTC())
	writeJSON(w, http.StatusOK, turno)
}

type turnoActionRequest struct {
	RequestID string `json:"request_id"`
	SedeID    string `json:"sede_id"`
	ModuloID  string `json:"modulo_id"`
}

func (h *Handler) handleTurnoAction(w http.ResponseWriter, r *http.Request, turnoID, action string) {
	if !isValidUUID(turnoID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "turno id must be a UUID")
		return
	}

	var req turnoActionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.SedeID = strings.TrimSpace(req.SedeID)
	req.ModuloID = strings.TrimSpace(req.ModuloID)

	if req.RequestID == "" || req.SedeID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and sede_id are required")
		return
	}
	if !isValidUUID(req.RequestID) || !isValidUUID(req.SedeID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and sede_id must be UUIDs")
		return
	}
	if !requireSedeAccess(w, r, req.SedeID) {
		return
	}

	input := store.TurnoActionInput{
		RequestID:  req.RequestID,
		SedeID:     req.SedeID,
		TurnoID:    turnoID,
		ModuloID:   req.ModuloID,
		OccurredAt: time.Now().UTC(),
	}

	var fn func(context.Context, store.TurnoActionInput) (models.Turno, bool, error)
	switch action {
	case "llamar", "atender":
		if req.ModuloID == "" || !isValidUUID(req.ModuloID) {
			writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "modulo_id must be a UUID")
			return
		}
		if action == "llamar" {
			fn = h.store.CallTurno
		} else {
			fn = h.store.AttendTurno
		}
	case "cancelar":
		fn = h.store.CancelTurno
	case "derivar":
		fn = h.store.DeriveTurno
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	turno, _, err := fn(r.Context(), input)
	if err != nil {
		h.writeStoreError(w, r.Context(), req.RequestID, req.SedeID, turnoID, err)
		return
	}
	writeJSON(w, http.StatusOK, turno)
}

func (h *Handler) handleEventos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	sedeID := strings.TrimSpace(query.Get("sede_id"))
	if sedeID == "" || !isValidUUID(sedeID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "sede_id must be a UUID")
		return
	}

	var cursor store.EventCursor
	if afterRaw := strings.TrimSpace(query.Get("after")); afterRaw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, afterRaw)
		if err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "after must be an RFC3339 timestamp")
			return
		}
		cursor.After = parsed
	}
	if afterID := strings.TrimSpace(query.Get("after_id")); afterID != "" {
		if !isValidUUID(afterID) {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "after_id must be a UUID")
			return
		}
		cursor.AfterID = afterID
	}

	limit := 100
	if limitRaw := strings.TrimSpace(query.Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := h.store.ListOutboxEvents(r.Context(), sedeID, cursor, limit)
	if err != nil {
		h.writeStoreError(w, r.Context(), "", sedeID, "", err)
		return
	}

	next := cursor
	if len(events) > 0 {
		last := events[len(events)-1]
		next = store.EventCursor{After: last.CreatedAt, AfterID: last.EventID}
	}
	writeJSON(w, http.StatusOK, eventosResponse{
		Eventos:     events,
		NextAfter:   next.After,
		NextAfterID: next.AfterID,
	})
}

type eventosResponse struct {
	Eventos     []store.OutboxEvent `json:"eventos"`
	NextAfter   time.Time           `json:"next_after"`
	NextAfterID string              `json:"next_after_id,omitempty"`
}

func (h *Handler) handleMotivos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sedeID := strings.TrimSpace(r.URL.Query().Get("sede_id"))
	if sedeID == "" || !isValidUUID(sedeID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "sede_id must be a UUID")
		return
	}

	motivos, err := h.store.ListMotivos(r.Context(), sedeID)
	if err != nil {
		h.writeStoreError(w, r.Context(), "", sedeID, "", err)
		return
	}
	writeJSON(w, http.StatusOK, motivos)
}

func (h *Handler) handleModulos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sedeID := strings.TrimSpace(r.URL.Query().Get("sede_id"))
	if sedeID == "" || !isValidUUID(sedeID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "sede_id must be a UUID")
		return
	}
	if !requireSedeAccess(w, r, sedeID) {
		return
	}

	modulos, err := h.store.ListModulos(r.Context(), sedeID)
	if err != nil {
		h.writeStoreError(w, r.Context(), "", sedeID, "", err)
		return
	}
	writeJSON(w, http.StatusOK, modulos)
}

// writeStoreError maps a store error to HTTP. Conflict-class errors carry
// the turno's committed estado so the client can resync before retrying.
func (h *Handler) writeStoreError(w http.ResponseWriter, ctx context.Context, requestID, sedeID, turnoID string, err error) {
	status, code, msg := mapError(err)
	if status == http.StatusConflict && turnoID != "" {
		if current, getErr := h.store.GetTurno(ctx, sedeID, turnoID); getErr == nil {
			writeConflict(w, requestID, code, msg, current.Estado)
			return
		}
	}
	writeError(w, requestID, status, code, msg)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrSedeNotFound):
		return http.StatusNotFound, "sede_not_found", "sede not found"
	case errors.Is(err, store.ErrMotivoNotFound):
		return http.StatusNotFound, "motivo_not_found", "motivo not found"
	case errors.Is(err, store.ErrModuloNotFound):
		return http.StatusNotFound, "modulo_not_found", "modulo not found"
	case errors.Is(err, store.ErrTurnoNotFound):
		return http.StatusNotFound, "turno_not_found", "turno not found"
	case errors.Is(err, store.ErrAlreadyCalled):
		return http.StatusConflict, "already_called", "turno was already called"
	case errors.Is(err, store.ErrModuloBusy):
		return http.StatusConflict, "modulo_busy", "modulo already has an active call"
	case errors.Is(err, store.ErrNotOwner):
		return http.StatusConflict, "not_owner", "turno is assigned to another modulo"
	case errors.Is(err, store.ErrAlreadyTerminal):
		return http.StatusConflict, "already_terminal", "turno is already in a terminal state"
	case errors.Is(err, store.ErrWrongState):
		return http.StatusConflict, "wrong_state", "turno state does not allow this action"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "transition not allowed"
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusUnauthorized, "unauthorized", "invalid session"
	case errors.Is(err, store.ErrAccessDenied):
		return http.StatusForbidden, "access_denied", "access denied"
	case errors.Is(err, store.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable", "storage unavailable, retry later"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

type errorResponse struct {
	RequestID string        `json:"request_id,omitempty"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	EstadoActual string `json:"estado_actual,omitempty"`
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error:     responseError{Code: code, Message: message},
	})
}

func writeConflict(w http.ResponseWriter, requestID, code, message, estado string) {
	writeJSON(w, http.StatusConflict, errorResponse{
		RequestID: requestID,
		Error:     responseError{Code: code, Message: message, EstadoActual: estado},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}
