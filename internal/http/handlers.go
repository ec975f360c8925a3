package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-escrow/internal/feed"
	"github.com/example/ride-escrow/internal/ledger"
	"github.com/example/ride-escrow/internal/lifecycle"
	"github.com/example/ride-escrow/internal/models"
	"github.com/example/ride-escrow/internal/notify"
	"github.com/example/ride-escrow/internal/payments"
	"github.com/example/ride-escrow/internal/reconcile"
)

const maxBodyBytes = 1 << 20

type Server struct {
	Controller *lifecycle.Controller
	Reconciler *reconcile.Reconciler
	Browser    feed.Browser
	WSReg      *notify.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(ctrl *lifecycle.Controller, rec *reconcile.Reconciler, browser feed.Browser, wsreg *notify.WSRegistry, logger *slog.Logger) *Server {
	s := &Server{
		Controller: ctrl,
		Reconciler: rec,
		Browser:    browser,
		WSReg:      wsreg,
		logger:     logger,
		mux:        mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides", s.handleCreateRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/open", s.handleOpenRides).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/claim", s.handleClaim).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/confirm", s.handleConfirm).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/complete", s.handleComplete).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/refund", s.handleRefund).Methods("POST")
	s.mux.HandleFunc("/webhooks/payments", s.handlePaymentWebhook).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createRideRequest struct {
	RiderID     string          `json:"rider_id"`
	Pickup      models.Location `json:"pickup"`
	Destination models.Location `json:"destination"`
	FeeCents    int64           `json:"fee_cents"`
	Currency    string          `json:"currency"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req createRideRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed body")
		return
	}
	rec, err := s.Controller.CreateRequest(r.Context(), req.RiderID, req.Pickup, req.Destination, req.FeeCents, req.Currency)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Controller.Get(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleOpenRides(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	rides, err := s.Browser.Open(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed body")
		return
	}
	rec, err := s.Controller.Claim(r.Context(), req.DriverID, mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Controller.Confirm(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Controller.Complete(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID string `json:"actor_id"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed body")
		return
	}
	rec, err := s.Controller.Cancel(r.Context(), req.ActorID, mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Controller.Refund(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handlePaymentWebhook needs the raw body: the signature covers the exact
// bytes the provider sent.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	err = s.Reconciler.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, reconcile.ErrBadSignature) {
			writeJSONError(w, http.StatusBadRequest, "signature verification failed")
			return
		}
		// Store-side trouble: ask the provider to redeliver.
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Warn("ws upgrade failed", "user_id", userID, "error", err)
		return
	}
	s.WSReg.Add(userID, conn)
	// Drain the connection so we notice the peer going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.WSReg.Remove(userID, conn)
				return
			}
		}
	}()
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrValidation):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "ride not found")
	case errors.Is(err, lifecycle.ErrAlreadyClaimed):
		writeJSONError(w, http.StatusConflict, "ride already claimed")
	case errors.Is(err, lifecycle.ErrForbidden):
		writeJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, lifecycle.ErrInvalidState):
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, lifecycle.ErrAuthorizationFailed), errors.Is(err, lifecycle.ErrCaptureFailed):
		writeJSONError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, payments.ErrGatewayUnavailable):
		writeJSONError(w, http.StatusServiceUnavailable, "payment gateway unavailable")
	default:
		s.logger.Error("internal error", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
