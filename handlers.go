package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

type server struct {
	router  *mux.Router
	manager *SessionManager
	history *MessageStore
	metrics *Metrics
	apiKey  string
}

func newServer(manager *SessionManager, history *MessageStore, metrics *Metrics, apiKey string) *server {
	s := &server{
		router:  mux.NewRouter(),
		manager: manager,
		history: history,
		metrics: metrics,
		apiKey:  apiKey,
	}
	s.routes()
	return s
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *server) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	s.respondWithJSON(w, statusCode, map[string]interface{}{"error": message})
}

func (s *server) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.respondWithJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func (s *server) ConnectUser() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["user_id"]
		if userID == "" {
			s.respondWithError(w, http.StatusBadRequest, "user id is required")
			return
		}

		snap, err := s.manager.Connect(r.Context(), userID)
		if err != nil {
			log.Error().Err(err).Str("userID", userID).Msg("Connect failed")
			s.respondWithError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.respondWithJSON(w, http.StatusOK, snap)
	}
}

func (s *server) Status() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["user_id"]
		if userID == "" {
			s.respondWithError(w, http.StatusBadRequest, "user id is required")
			return
		}
		s.respondWithJSON(w, http.StatusOK, s.manager.GetStatus(userID))
	}
}

func (s *server) QRCode() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["user_id"]
		if userID == "" {
			s.respondWithError(w, http.StatusBadRequest, "user id is required")
			return
		}

		res, err := s.manager.GetQRCode(r.Context(), userID)
		if err != nil {
			log.Error().Err(err).Str("userID", userID).Msg("QR code request failed")
			s.respondWithError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if res.Connected {
			// Already paired, no code to scan.
			s.respondWithJSON(w, http.StatusOK, res)
			return
		}
		if res.QRCode == "" {
			// Pairing underway but no code yet; the caller should retry.
			s.respondWithJSON(w, http.StatusNotFound, map[string]interface{}{
				"error":     "qr code not available yet",
				"state":     res.State,
				"connected": res.Connected,
			})
			return
		}
		s.respondWithJSON(w, http.StatusOK, res)
	}
}

type sendRequest struct {
	To      string `json:"to"`
	Number  string `json:"number"`
	Message string `json:"message"`
	Text    string `json:"text"`
}

func (s *server) Send() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["user_id"]
		if userID == "" {
			s.respondWithError(w, http.StatusBadRequest, "user id is required")
			return
		}

		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondWithError(w, http.StatusBadRequest, "could not decode request body")
			return
		}
		to := req.To
		if to == "" {
			to = req.Number
		}
		message := req.Message
		if message == "" {
			message = req.Text
		}
		if to == "" || message == "" {
			s.respondWithError(w, http.StatusBadRequest, "to and message are required")
			return
		}

		res, err := s.manager.SendText(r.Context(), userID, to, message)
		switch {
		case errors.Is(err, ErrInvalidPhone):
			s.respondWithError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrNotConnected):
			s.respondWithError(w, http.StatusConflict, err.Error())
		case err != nil:
			log.Error().Err(err).Str("userID", userID).Msg("Send failed")
			s.respondWithError(w, http.StatusInternalServerError, err.Error())
		default:
			s.respondWithJSON(w, http.StatusOK, res)
		}
	}
}

type disconnectRequest struct {
	Logout *bool `json:"logout"`
}

func (s *server) DisconnectUser() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["user_id"]
		if userID == "" {
			s.respondWithError(w, http.StatusBadRequest, "user id is required")
			return
		}

		// Logout defaults to true; only an explicit false keeps credentials.
		var req disconnectRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		logout := req.Logout == nil || *req.Logout

		res, err := s.manager.Disconnect(r.Context(), userID, logout)
		if err != nil {
			log.Error().Err(err).Str("userID", userID).Msg("Disconnect failed")
			s.respondWithError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.respondWithJSON(w, http.StatusOK, res)
	}
}

func (s *server) Messages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["user_id"]
		if userID == "" {
			s.respondWithError(w, http.StatusBadRequest, "user id is required")
			return
		}
		s.respondWithJSON(w, http.StatusOK, map[string]interface{}{
			"items": s.manager.RecentMessages(userID),
		})
	}
}

func (s *server) History() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["user_id"]
		if userID == "" {
			s.respondWithError(w, http.StatusBadRequest, "user id is required")
			return
		}
		if s.history == nil {
			s.respondWithError(w, http.StatusServiceUnavailable, "message history is not configured")
			return
		}

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		items, err := s.history.ListByUser(r.Context(), userID, limit)
		if err != nil {
			log.Error().Err(err).Str("userID", userID).Msg("History query failed")
			s.respondWithError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.respondWithJSON(w, http.StatusOK, map[string]interface{}{"items": items})
	}
}
