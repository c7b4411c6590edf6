package web

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"

	"qingping-go-cloud/internal/coordinator"
)

// maxWebhookBody bounds a single push delivery. Real payloads are a few
// hundred bytes.
const maxWebhookBody = 256 << 10

// handleWebhook receives asynchronous data pushes from the cloud. A
// malformed body gets a 400 and changes nothing; a push for a device not in
// the snapshot is acknowledged and dropped, since the next poll reconciles.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhookToken != "" {
		token := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.webhookToken)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	if err := s.coord.Push().Handle(body); err != nil {
		if errors.Is(err, coordinator.ErrBadPayload) {
			s.logger.Warn("webhook payload rejected", "err", err)
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed payload"})
			return
		}
		s.logger.Error("webhook ingestion", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
