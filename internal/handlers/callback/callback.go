// Package callback answers the Strava webhook subscription challenge.
package callback

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"
)

// Handler echoes hub.challenge back to Strava when hub.verify_token matches.
func Handler(verifyToken string, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		challenge, ok := q["hub.challenge"]
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte("missing query param: hub.challenge")) //nolint:gosec // We don't care if this fails
			return
		}
		verify, ok := q["hub.verify_token"]
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte("missing query param: hub.verify_token")) //nolint:gosec // We don't care if this fails
			return
		}
		if verifyToken == "" || verify[0] != verifyToken {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte("verify token mismatch")) //nolint:gosec // We don't care if this fails
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]string{"hub.challenge": challenge[0]}); err != nil {
			log.WithError(err).Error("encoding callback response")
			return
		}
		log.Info("webhook subscription verified")
	}
}
