package main

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

func Find(slice []string, val string) bool {
	for _, item := range slice {
		if item == val {
			return true
		}
	}
	return false
}

func (s *server) respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func stripNonDigits(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// normalizePhone reduces a destination to bare digits and prefixes the
// deployment country code when the digits look like a local number
// (10 or 11 digits, DDD + subscriber). Anything else passes through.
func normalizePhone(phone, countryCode string) string {
	digits := stripNonDigits(phone)
	if digits == "" {
		return ""
	}

	if strings.HasPrefix(digits, countryCode) {
		return digits
	}

	if len(digits) == 10 || len(digits) == 11 {
		return countryCode + digits
	}

	return digits
}

// extractPhoneFromJID pulls the bare digits out of a JID such as
// "5511987654321:12@s.whatsapp.net".
func extractPhoneFromJID(jid string) string {
	withoutDomain, _, _ := strings.Cut(jid, "@")
	base, _, _ := strings.Cut(withoutDomain, ":")
	return stripNonDigits(base)
}
