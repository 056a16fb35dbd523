package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-odometer/internal/db"
	"github.com/ukydev/fleet-odometer/internal/middleware"
	"github.com/ukydev/fleet-odometer/internal/models"
	"github.com/ukydev/fleet-odometer/internal/odometer"
)

// Ledger is the odometer engine surface used by the API.
type Ledger interface {
	RegisterVehicle(ctx context.Context, vehicleID string, initialValue int64) (*models.Vehicle, error)
	Record(ctx context.Context, r odometer.Reading) (odometer.RecordResult, error)
	Correct(ctx context.Context, c odometer.Correction) (models.CorrectionRecord, error)
	History(ctx context.Context, vehicleID string) (odometer.History, error)
	Verify(ctx context.Context, vehicleID string) (odometer.Consistency, error)
}

// StatusReader computes maintenance status on demand.
type StatusReader interface {
	Status(ctx context.Context, vehicleID string) (models.MaintenanceStatus, error)
}

// DocumentStore keeps the tracked documents the alert scan reads.
type DocumentStore interface {
	GetVehicle(ctx context.Context, id string) (*models.Vehicle, error)
	PutDocument(ctx context.Context, doc models.Document) error
	Documents(ctx context.Context, vehicleID string) ([]models.Document, error)
}

// OdometerHandler serves the producer-facing odometer API.
type OdometerHandler struct {
	ledger      Ledger
	maintenance StatusReader
	documents   DocumentStore
	log         logrus.FieldLogger
}

// NewOdometerHandler creates the odometer API handler.
func NewOdometerHandler(ledger Ledger, maintenance StatusReader, documents DocumentStore, logger logrus.FieldLogger) *OdometerHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &OdometerHandler{
		ledger:      ledger,
		maintenance: maintenance,
		documents:   documents,
		log:         logger,
	}
}

// Routes registers the API on mux behind authentication and per-route permissions.
func (h *OdometerHandler) Routes(mux *http.ServeMux, authn *middleware.AuthMiddleware) {
	route := func(pattern, permission string, fn http.HandlerFunc) {
		mux.Handle(pattern, authn.Authenticate(authn.RequirePermission(permission)(fn)))
	}
	route("POST /api/vehicles", models.PermManageVehicles, h.RegisterVehicle)
	route("POST /api/vehicles/{id}/odometer", models.PermRecordOdometer, h.RecordReading)
	route("POST /api/vehicles/{id}/odometer/corrections", models.PermCorrectOdometer, h.Correct)
	route("GET /api/vehicles/{id}/odometer/history", models.PermViewOdometer, h.History)
	route("GET /api/vehicles/{id}/odometer/verify", models.PermViewOdometer, h.Verify)
	route("GET /api/vehicles/{id}/maintenance", models.PermViewMaintenance, h.MaintenanceStatus)
	route("PUT /api/vehicles/{id}/documents/{type}", models.PermManageVehicles, h.PutDocument)
	route("GET /api/vehicles/{id}/documents", models.PermViewMaintenance, h.Documents)
}

// Kilometers accepts a JSON number or a numeric string, as typed into producer forms.
type Kilometers int64

func (k *Kilometers) UnmarshalJSON(data []byte) error {
	raw := string(bytes.TrimSpace(data))
	if strings.HasPrefix(raw, `"`) {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	}
	value, err := odometer.ParseReading(raw)
	if err != nil {
		return err
	}
	*k = Kilometers(value)
	return nil
}

type registerVehicleRequest struct {
	ID           string     `json:"id"`
	InitialValue Kilometers `json:"initial_value"`
}

type readingRequest struct {
	Producer         models.Producer `json:"producer"`
	SourceRecordID   string          `json:"source_record_id"`
	Field            string          `json:"field,omitempty"`
	Value            *Kilometers     `json:"value"`
	Note             string          `json:"note,omitempty"`
	CompletesService bool            `json:"completes_service,omitempty"`
}

type readingResponse struct {
	Accepted       bool                `json:"accepted"`
	EffectiveValue int64               `json:"effective_value"`
	Suspicious     bool                `json:"suspicious"`
	Entry          *models.LedgerEntry `json:"entry,omitempty"`
}

type correctionRequest struct {
	NewValue      *Kilometers `json:"new_value"`
	Justification string      `json:"justification"`
	RelatedActor  string      `json:"related_actor,omitempty"`
}

type documentRequest struct {
	ExpiresAt time.Time `json:"expires_at"`
}

type historyResponse struct {
	odometer.History
	Timeline []odometer.Transition `json:"timeline"`
}

type errorResponse struct {
	Error        string `json:"error"`
	CurrentValue *int64 `json:"current_value,omitempty"`
}

// RegisterVehicle creates the register row of a vehicle.
func (h *OdometerHandler) RegisterVehicle(w http.ResponseWriter, r *http.Request) {
	var req registerVehicleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "vehicle id is required"})
		return
	}

	vehicle, err := h.ledger.RegisterVehicle(r.Context(), req.ID, int64(req.InitialValue))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, vehicle)
}

// RecordReading submits one producer reading for the vehicle in the path.
func (h *OdometerHandler) RecordReading(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		http.Error(w, "User context not found", http.StatusUnauthorized)
		return
	}
	var req readingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Value == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "value is required"})
		return
	}

	result, err := h.ledger.Record(r.Context(), odometer.Reading{
		VehicleID:        r.PathValue("id"),
		Producer:         req.Producer,
		SourceRecordID:   req.SourceRecordID,
		Field:            req.Field,
		Actor:            claims.Username,
		Value:            int64(*req.Value),
		Note:             req.Note,
		CompletesService: req.CompletesService,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, readingResponse{
		Accepted:       result.Accepted,
		EffectiveValue: result.EffectiveValue,
		Suspicious:     result.Suspicious,
		Entry:          result.Entry,
	})
}

// Correct applies a privileged override authorized by the calling user.
func (h *OdometerHandler) Correct(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		http.Error(w, "User context not found", http.StatusUnauthorized)
		return
	}
	var req correctionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.NewValue == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "new_value is required"})
		return
	}

	record, err := h.ledger.Correct(r.Context(), odometer.Correction{
		VehicleID:     r.PathValue("id"),
		NewValue:      int64(*req.NewValue),
		Justification: req.Justification,
		AuthorizedBy:  claims.Username,
		RelatedActor:  req.RelatedActor,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

// History returns the audit trail with its merged register timeline.
func (h *OdometerHandler) History(w http.ResponseWriter, r *http.Request) {
	history, err := h.ledger.History(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{History: history, Timeline: history.Timeline()})
}

// Verify audits the ledger of the vehicle against its register and producer records.
func (h *OdometerHandler) Verify(w http.ResponseWriter, r *http.Request) {
	report, err := h.ledger.Verify(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// MaintenanceStatus returns the computed service status of the vehicle.
func (h *OdometerHandler) MaintenanceStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.maintenance.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// PutDocument sets the expiry of one tracked document type of a vehicle.
func (h *OdometerHandler) PutDocument(w http.ResponseWriter, r *http.Request) {
	vehicleID, docType := r.PathValue("id"), r.PathValue("type")
	var req documentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ExpiresAt.IsZero() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "expires_at is required"})
		return
	}
	if _, err := h.documents.GetVehicle(r.Context(), vehicleID); err != nil {
		h.writeError(w, r, err)
		return
	}

	doc := models.Document{
		ID:        vehicleID + "|" + docType,
		VehicleID: vehicleID,
		Type:      docType,
		ExpiresAt: req.ExpiresAt.UTC(),
	}
	if err := h.documents.PutDocument(r.Context(), doc); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// Documents lists the tracked documents of the vehicle.
func (h *OdometerHandler) Documents(w http.ResponseWriter, r *http.Request) {
	vehicleID := r.PathValue("id")
	if _, err := h.documents.GetVehicle(r.Context(), vehicleID); err != nil {
		h.writeError(w, r, err)
		return
	}
	docs, err := h.documents.Documents(r.Context(), vehicleID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if docs == nil {
		docs = []models.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

// writeError maps engine and store errors to HTTP statuses.
func (h *OdometerHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var regression *odometer.RegressionError
	switch {
	case errors.As(err, &regression):
		current := regression.Current
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), CurrentValue: &current})
	case errors.Is(err, odometer.ErrInvalidReading), errors.Is(err, odometer.ErrJustificationRequired):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, odometer.ErrCorrectionUnauthorized):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: err.Error()})
	case errors.Is(err, odometer.ErrVehicleNotFound), errors.Is(err, db.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, db.ErrDuplicate):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case odometer.IsRetryable(err):
		h.log.WithField("path", r.URL.Path).WithError(err).Warn("Retryable odometer failure")
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		h.log.WithField("path", r.URL.Path).WithError(err).Error("Odometer request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		if errors.Is(err, odometer.ErrInvalidReading) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return false
		}
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
