// Package webhook turns Strava activity events into sync jobs.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/lildude/racesync/internal/athletes"
	"github.com/lildude/racesync/internal/model"
	"github.com/lildude/racesync/internal/strava"
	"github.com/sirupsen/logrus"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, athleteID int64, jobType model.JobType, priority int) (*model.SyncJob, bool, error)
}

type ActivityMarker interface {
	MarkActivity(ctx context.Context, athleteID, activityID int64) (bool, error)
}

// Handler queues an incremental sync for the owner of each newly created
// activity. Strava retries anything but a 2xx, so events we don't act on
// are still acknowledged.
func Handler(q Enqueuer, marker ActivityMarker, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var webhook strava.WebhookPayload
		if r.Body == nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &webhook); err != nil {
			log.WithError(err).Error("unable to unmarshal webhook payload")
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		l := log.WithFields(logrus.Fields{
			"athlete_id":  webhook.OwnerID,
			"activity_id": webhook.ObjectID,
			"aspect_type": webhook.AspectType,
		})

		// We only react to new activities for now
		if webhook.ObjectType != "activity" || webhook.AspectType != "create" {
			l.Info("ignoring non-create webhook")
			w.WriteHeader(http.StatusOK)
			return
		}

		fresh, err := marker.MarkActivity(r.Context(), webhook.OwnerID, webhook.ObjectID)
		if errors.Is(err, athletes.ErrNotFound) {
			l.Warn("ignoring webhook for unknown athlete")
			w.WriteHeader(http.StatusOK)
			return
		}
		if err != nil {
			l.WithError(err).Error("unable to record activity")
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if !fresh {
			l.Info("ignoring repeat event")
			w.WriteHeader(http.StatusOK)
			return
		}

		job, created, err := q.Enqueue(r.Context(), webhook.OwnerID, model.JobIncremental, model.PriorityWebhook)
		if err != nil {
			l.WithError(err).Error("unable to queue sync")
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		l.WithFields(logrus.Fields{"job_id": job.ID, "created": created}).Info("queued incremental sync")

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{"job_id": job.ID, "created": created}); err != nil {
			l.WithError(err).Error("encoding webhook response")
		}
	}
}
