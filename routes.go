package main

import (
	"net/http"
	"time"

	"github.com/justinas/alice"
	"github.com/rs/zerolog/log"
)

func (s *server) routes() {
	public := alice.New(s.recoverPanic, s.logRequest)
	protected := public.Append(s.requireAPIKey)

	s.router.Handle("/health", public.Then(s.Health())).Methods(http.MethodGet)
	s.router.Handle("/metrics", public.Then(s.metrics.Handler())).Methods(http.MethodGet)

	s.router.Handle("/whatsapp/connect/{user_id}", protected.Then(s.ConnectUser())).Methods(http.MethodPost)
	s.router.Handle("/whatsapp/status/{user_id}", protected.Then(s.Status())).Methods(http.MethodGet)
	s.router.Handle("/whatsapp/qrcode/{user_id}", protected.Then(s.QRCode())).Methods(http.MethodGet)
	s.router.Handle("/whatsapp/send/{user_id}", protected.Then(s.Send())).Methods(http.MethodPost)
	s.router.Handle("/whatsapp/disconnect/{user_id}", protected.Then(s.DisconnectUser())).Methods(http.MethodPost)
	s.router.Handle("/whatsapp/messages/{user_id}", protected.Then(s.Messages())).Methods(http.MethodGet)
	s.router.Handle("/whatsapp/history/{user_id}", protected.Then(s.History())).Methods(http.MethodGet)
}

// requireAPIKey enforces the shared key on everything except the public
// routes above. An empty configured key disables the check entirely.
func (s *server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get("x-api-key") != s.apiKey {
			s.respondWithError(w, http.StatusUnauthorized, "invalid or missing api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

// recoverPanic converts an unhandled panic in one request into a 500
// without taking the process (and every other session) down with it.
func (s *server) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Interface("panic", rec).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Msg("Recovered from panic in request handler")
				s.respondWithError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
