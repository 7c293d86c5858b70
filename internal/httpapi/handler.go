package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ivalet/internal/models"
	"ivalet/internal/store"

	"github.com/google/uuid"
)

// VoiceChannel is the message exchange attached to a ticket.
type VoiceChannel interface {
	Send(ctx context.Context, ticketID, sender, storagePath string) (models.VoiceMessage, error)
	List(ctx context.Context, ticketID string) ([]models.VoiceMessage, error)
}

type Handler struct {
	store      store.TicketStore
	voice      VoiceChannel
	staffToken string
}

type Options struct {
	StaffToken string
}

func NewHandler(store store.TicketStore, voice VoiceChannel, options Options) *Handler {
	return &Handler{
		store:      store,
		voice:      voice,
		staffToken: options.StaffToken,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/api/tickets", h.handleTickets)
	mux.HandleFunc("/api/tickets/scan", h.handleScan)
	mux.HandleFunc("/api/tickets/", h.handleTicketSubtree)
	mux.HandleFunc("/api/slots", h.handleSlots)
	mux.HandleFunc("/api/slots/capacity", h.handleCapacity)
	mux.HandleFunc("/api/slots/", h.handleGetSlot)
	return mux
}

type createTicketRequest struct {
	RequestID   string `json:"request_id"`
	PlateNumber string `json:"plate_number"`
	CarModel    string `json:"car_model"`
}

type actionRequest struct {
	RequestID      string `json:"request_id"`
	ExpectedStatus string `json:"expected_status"`
	Worker         string `json:"worker"`
	ETAMinutes     int    `json:"eta_minutes"`
}

type capacityRequest struct {
	Slots int `json:"slots"`
}

type sendMessageRequest struct {
	Sender      string `json:"sender"`
	StoragePath string `json:"storage_path"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleTickets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleCreateTicket(w, r)
	case http.MethodGet:
		h.handleListTickets(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.PlateNumber = strings.TrimSpace(req.PlateNumber)
	req.CarModel = strings.TrimSpace(req.CarModel)

	if req.RequestID == "" || req.PlateNumber == "" || req.CarModel == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id, plate_number, and car_model are required")
		return
	}
	if !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return
	}

	ticket, _, err := h.store.CreateTicket(r.Context(), store.CreateTicketInput{
		RequestID:   req.RequestID,
		PlateNumber: req.PlateNumber,
		CarModel:    req.CarModel,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleListTickets(w http.ResponseWriter, r *http.Request) {
	tickets, err := h.store.ListTickets(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

// handleScan resolves a scanned QR code to its ticket. The code is the deep
// link printed on the ticket, so the ticket ID is the path segment after
// "/ticket/"; a bare UUID is accepted too.
func (h *Handler) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if code == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "code is required")
		return
	}

	ticketID := ticketIDFromCode(code)
	if ticketID == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "code does not contain a ticket ID")
		return
	}

	ticket, err := h.store.GetTicket(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func ticketIDFromCode(code string) string {
	if isValidUUID(code) {
		return code
	}
	marker := "/ticket/"
	idx := strings.Index(code, marker)
	if idx < 0 {
		return ""
	}
	rest := code[idx+len(marker):]
	if cut := strings.IndexAny(rest, "/?#"); cut >= 0 {
		rest = rest[:cut]
	}
	if !isValidUUID(rest) {
		return ""
	}
	return rest
}

func (h *Handler) handleTicketSubtree(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	ticketID := parts[0]
	if !isValidUUID(ticketID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "ticket_id must be a UUID")
		return
	}

	switch {
	case len(parts) == 1:
		h.handleGetTicket(w, r, ticketID)
	case len(parts) == 2 && parts[1] == "messages":
		h.handleMessages(w, r, ticketID)
	case len(parts) == 3 && parts[1] == "actions":
		h.handleAction(w, r, ticketID, parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ticket, err := h.store.GetTicket(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request, ticketID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var target string
	switch action {
	case "request":
		target = models.StatusRequested
	case "assign":
		target = models.StatusAssigned
	case "complete":
		target = models.StatusCompleted
	case "cancel":
		target = models.StatusCancelled
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	// Assignment and completion are driver-desk actions; requesting and
	// cancelling stay open to the guest holding the QR code.
	if (target == models.StatusAssigned || target == models.StatusCompleted) && !h.authorized(r) {
		writeError(w, "", http.StatusUnauthorized, "unauthorized", "staff token required")
		return
	}

	var req actionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.ExpectedStatus = strings.TrimSpace(req.ExpectedStatus)
	req.Worker = strings.TrimSpace(req.Worker)

	if req.RequestID == "" || !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return
	}
	if target == models.StatusAssigned && (req.Worker == "" || req.ETAMinutes <= 0) {
		writeError(w, req.RequestID, http.StatusBadRequest, "missing_assignment", "worker and eta_minutes are required for assignment")
		return
	}

	ticket, _, err := h.store.Transition(r.Context(), store.TransitionInput{
		RequestID:      req.RequestID,
		TicketID:       ticketID,
		Target:         target,
		ExpectedStatus: req.ExpectedStatus,
		Worker:         req.Worker,
		ETAMinutes:     req.ETAMinutes,
		OccurredAt:     time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request, ticketID string) {
	if h.voice == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		messages, err := h.voice.List(r.Context(), ticketID)
		if err != nil {
			writeError(w, "", http.StatusInternalServerError, "internal_error", "internal server error")
			return
		}
		if messages == nil {
			messages = []models.VoiceMessage{}
		}
		writeJSON(w, http.StatusOK, messages)
	case http.MethodPost:
		var req sendMessageRequest
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		req.Sender = strings.TrimSpace(req.Sender)
		req.StoragePath = strings.TrimSpace(req.StoragePath)
		if req.Sender != models.SenderClient && req.Sender != models.SenderAdmin {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "sender must be client or admin")
			return
		}
		if req.StoragePath == "" {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "storage_path is required")
			return
		}
		message, err := h.voice.Send(r.Context(), ticketID, req.Sender, req.StoragePath)
		if err != nil {
			writeError(w, "", http.StatusInternalServerError, "internal_error", "internal server error")
			return
		}
		// Best effort: the message is already stored and published; the
		// event only nudges the fleet board to re-check unread flags.
		if err := h.store.RecordVoiceMessage(r.Context(), ticketID); err != nil {
			log.Printf("record voice message %s: %v", ticketID, err)
		}
		writeJSON(w, http.StatusOK, message)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleSlots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	slots, err := h.store.ListSlots(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if slots == nil {
		slots = []models.ParkingSlot{}
	}
	writeJSON(w, http.StatusOK, slots)
}

func (h *Handler) handleGetSlot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/slots/"), "/")
	slotNumber, err := strconv.Atoi(raw)
	if err != nil || slotNumber <= 0 {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "slot number must be a positive integer")
		return
	}

	slot, err := h.store.GetSlot(r.Context(), slotNumber)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

func (h *Handler) handleCapacity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		writeError(w, "", http.StatusUnauthorized, "unauthorized", "staff token required")
		return
	}

	var req capacityRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	if err := h.store.ProvisionCapacity(r.Context(), req.Slots); err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	slots, err := h.store.ListSlots(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, slots)
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.staffToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return token == h.staffToken
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "ticket status does not allow this action"
	case errors.Is(err, store.ErrUnknownStatus):
		return http.StatusBadRequest, "unknown_status", "unknown ticket status"
	case errors.Is(err, store.ErrMissingAssignment):
		return http.StatusBadRequest, "missing_assignment", "worker and eta_minutes are required for assignment"
	case errors.Is(err, store.ErrInvalidCapacity):
		return http.StatusBadRequest, "invalid_capacity", "slot capacity must be positive"
	case errors.Is(err, store.ErrSlotNotFound):
		return http.StatusNotFound, "slot_not_found", "slot not found"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
