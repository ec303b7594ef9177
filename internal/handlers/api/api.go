// Package api serves the sync pipeline's operational endpoints: the
// scheduler tick, job and session inspection, race edits and event review.
package api

import (
	"net/http"
	"time"

	"github.com/lildude/racesync/internal/athletes"
	"github.com/lildude/racesync/internal/batch"
	"github.com/lildude/racesync/internal/eventgroup"
	"github.com/lildude/racesync/internal/model"
	"github.com/lildude/racesync/internal/queue"
	"github.com/lildude/racesync/internal/races"
	"github.com/lildude/racesync/internal/synclog"
	"github.com/lildude/racesync/internal/worker"
	"github.com/sirupsen/logrus"
)

type Handler struct {
	worker    *worker.Worker
	queue     *queue.Queue
	batches   *batch.Manager
	logs      *synclog.Sink
	races     *races.Store
	athletes  *athletes.Tokens
	grouper   *eventgroup.Grouper
	retention time.Duration
	log       logrus.FieldLogger
}

type Deps struct {
	Worker   *worker.Worker
	Queue    *queue.Queue
	Batches  *batch.Manager
	Logs     *synclog.Sink
	Races    *races.Store
	Athletes *athletes.Tokens
	Grouper  *eventgroup.Grouper
	// LogRetention is how old a sync log entry must be to be purged.
	LogRetention time.Duration
}

func NewHandler(d Deps, log logrus.FieldLogger) *Handler {
	if d.LogRetention <= 0 {
		d.LogRetention = synclog.DefaultRetention
	}
	return &Handler{
		worker:    d.Worker,
		queue:     d.Queue,
		batches:   d.Batches,
		logs:      d.Logs,
		races:     d.Races,
		athletes:  d.Athletes,
		grouper:   d.Grouper,
		retention: d.LogRetention,
		log:       log,
	}
}

// Tick runs one worker tick. It is what the external scheduler calls.
func (h *Handler) Tick(w http.ResponseWriter, r *http.Request) {
	report, err := h.worker.Tick(r.Context())
	if err != nil {
		respondError(w, h.log, http.StatusInternalServerError, "tick failed", err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, report)
}

type syncRequest struct {
	AthleteID int64         `json:"athlete_id"`
	JobType   model.JobType `json:"job_type"`
}

type enqueueResponse struct {
	Job     *model.SyncJob `json:"job"`
	Created bool           `json:"created"`
}

// Sync queues a manually requested sync for one athlete.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := decode(r, &req); err != nil {
		respondError(w, h.log, http.StatusBadRequest, "invalid JSON body", nil)
		return
	}
	if req.AthleteID <= 0 {
		respondError(w, h.log, http.StatusBadRequest, "athlete_id is required", nil)
		return
	}
	switch req.JobType {
	case "":
		req.JobType = model.JobIncremental
	case model.JobInitial, model.JobIncremental, model.JobFull:
	default:
		respondError(w, h.log, http.StatusBadRequest, "job_type must be initial, incremental or full", nil)
		return
	}

	job, created, err := h.queue.Enqueue(r.Context(), req.AthleteID, req.JobType, model.PriorityManual)
	if err != nil {
		respondStoreError(w, h.log, err)
		return
	}
	h.log.WithFields(logrus.Fields{"athlete_id": req.AthleteID, "job_id": job.ID, "created": created}).Info("manual sync requested")
	respondJSON(w, h.log, http.StatusAccepted, enqueueResponse{Job: job, Created: created})
}

type scheduledResponse struct {
	Athletes int `json:"athletes"`
	Created  int `json:"created"`
}

// SyncScheduled queues an incremental sync for every athlete with a token.
// Athletes that already have a job keep it.
func (h *Handler) SyncScheduled(w http.ResponseWriter, r *http.Request) {
	ids, err := h.athletes.IDs(r.Context())
	if err != nil {
		respondStoreError(w, h.log, err)
		return
	}
	resp := scheduledResponse{Athletes: len(ids)}
	for _, id := range ids {
		_, created, err := h.queue.Enqueue(r.Context(), id, model.JobIncremental, model.PriorityScheduled)
		if err != nil {
			respondStoreError(w, h.log, err)
			return
		}
		if created {
			resp.Created++
		}
	}
	respondJSON(w, h.log, http.StatusAccepted, resp)
}

func (h *Handler) Job(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(r, "id")
	if !ok {
		respondError(w, h.log, http.StatusBadRequest, "invalid job id", nil)
		return
	}
	job, err := h.queue.Get(r.Context(), id)
	if err != nil {
		respondStoreError(w, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, job)
}

type sessionResponse struct {
	Summary *batch.Summary    `json:"summary"`
	Batches []model.SyncBatch `json:"batches"`
	Logs    []synclog.Record  `json:"logs"`
}

// Session reports a session's progress with its batches and log.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	summary, err := h.batches.Summary(r.Context(), id)
	if err != nil {
		respondStoreError(w, h.log, err)
		return
	}
	batches, err := h.batches.Batches(r.Context(), id)
	if err != nil {
		respondStoreError(w, h.log, err)
		return
	}
	logs, err := h.logs.ForSession(r.Context(), id)
	if err != nil {
		respondStoreError(w, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, sessionResponse{Summary: summary, Batches: batches, Logs: logs})
}

type cancelResponse struct {
	SessionID string `json:"session_id"`
	Cancelled int64  `json:"cancelled_batches"`
}

func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	n, err := h.worker.CancelSession(r.Context(), id)
	if err != nil {
		respondStoreError(w, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, cancelResponse{SessionID: id, Cancelled: n})
}

// Races lists an athlete's races. Hidden ones are left out unless
// include_hidden=true.
func (h *Handler) Races(w http.ResponseWriter, r *http.Request) {
	athleteID, ok := int64Param(r, "athleteID")
	if !ok {
		respondError(w, h.log, http.StatusBadRequest, "invalid athlete id", nil)
		return
	}
	rs, err := h.races.ListForAthlete(r.Context(), athleteID, r.URL.Query().Get("include_hidden") == "true")
	if err != nil {
		respondStoreError(w, h.log, err)
		return
	}
	if rs == nil {
		rs = []model.Race{}
	}
	respondJSON(w, h.log, http.StatusOK, rs)
}

// raceUpdate holds the fields a PATCH may change. Absent fields are left alone.
type raceUpdate struct {
	EventName      *string  `json:"event_name"`
	Hidden         *bool    `json:"hidden"`
	ManualTime     *int64   `json:"manual_time"`
	ManualDistance *float64 `json:"manual_distance"`
	ClearManual    bool     `json:"clear_manual"`
}

// UpdateRace applies manual edits to a race. Name and visibility changes are
// also recorded as mappings so a re-sync keeps them.
func (h *Handler) UpdateRace(w http.ResponseWriter, r *http.Request) {
	athleteID, ok := int64Param(r, "athleteID")
	raceID, ok2 := uintParam(r, "raceID")
	if !ok || !ok2 {
		respondError(w, h.log, http.StatusBadRequest, "invalid race path", nil)
		return
	}
	var req raceUpdate
	if err := decode(r, &req); err != nil {
		respondError(w, h.log, http.StatusBadRequest, "invalid JSON body", nil)
		return
	}
	if (req.ManualTime != nil && *req.ManualTime <= 0) || (req.ManualDistance != nil && *req.ManualDistance <= 0) {
		respondError(w, h.log, http.StatusBadRequest, "manual results must be positive", nil)
		return
	}

	ctx := r.Context()
	if req.EventName != nil {
		if err := h.races.SetEventName(ctx, athleteID, raceID, *req.EventName); err != nil {
			respondStoreError(w, h.log, err)
			return
		}
	}
	if req.Hidden != nil {
		if err := h.races.SetHidden(ctx, athleteID, raceID, *req.Hidden); err != nil {
			respondStoreError(w, h.log, err)
			return
		}
	}
	if req.ManualTime != nil || req.ManualDistance != nil || req.ClearManual {
		current, err := h.races.Get(ctx, athleteID, raceID)
		if err != nil {
			respondStoreError(w, h.log, err)
			return
		}
		seconds, meters := current.ManualTime, current.ManualDistance
		if req.ClearManual {
			seconds, meters = nil, nil
		}
		if req.ManualTime != nil {
			seconds = req.ManualTime
		}
		if req.ManualDistance != nil {
			meters = req.ManualDistance
		}
		if err := h.races.SetManualResult(ctx, athleteID, raceID, seconds, meters); err != nil {
			respondStoreError(w, h.log, err)
			return
		}
	}

	race, err := h.races.Get(ctx, athleteID, raceID)
	if err != nil {
		respondStoreError(w, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, race)
}

func (h *Handler) DeleteRace(w http.ResponseWriter, r *http.Request) {
	athleteID, ok := int64Param(r, "athleteID")
	raceID, ok2 := uintParam(r, "raceID")
	if !ok || !ok2 {
		respondError(w, h.log, http.StatusBadRequest, "invalid race path", nil)
		return
	}
	if err := h.races.Delete(r.Context(), athleteID, raceID); err != nil {
		respondStoreError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Group runs one event grouping pass.
func (h *Handler) Group(w http.ResponseWriter, r *http.Request) {
	report, err := h.grouper.Run(r.Context())
	if err != nil {
		respondError(w, h.log, http.StatusInternalServerError, "event grouping failed", err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, report)
}

func (h *Handler) Suggestions(w http.ResponseWriter, r *http.Request) {
	pending, err := h.grouper.Pending(r.Context())
	if err != nil {
		respondStoreError(w, h.log, err)
		return
	}
	if pending == nil {
		pending = []model.EventSuggestion{}
	}
	respondJSON(w, h.log, http.StatusOK, pending)
}

type reviewRequest struct {
	Reviewer string `json:"reviewer"`
	Name     string `json:"name"`
	Notes    string `json:"notes"`
}

func (h *Handler) reviewRequest(w http.ResponseWriter, r *http.Request) (uint, *reviewRequest, bool) {
	id, ok := uintParam(r, "id")
	if !ok {
		respondError(w, h.log, http.StatusBadRequest, "invalid suggestion id", nil)
		return 0, nil, false
	}
	req := &reviewRequest{}
	if err := decode(r, req); err != nil {
		respondError(w, h.log, http.StatusBadRequest, "invalid JSON body", nil)
		return 0, nil, false
	}
	if req.Reviewer == "" {
		respondError(w, h.log, http.StatusBadRequest, "reviewer is required", nil)
		return 0, nil, false
	}
	if req.Reviewer == eventgroup.AutoReviewer {
		respondError(w, h.log, http.StatusBadRequest, "reviewer name is reserved", nil)
		return 0, nil, false
	}
	return id, req, true
}

// Approve names the suggestion's races, optionally with a corrected name.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	id, req, ok := h.reviewRequest(w, r)
	if !ok {
		return
	}
	s, err := h.grouper.Approve(r.Context(), id, req.Reviewer, req.Name)
	if err != nil {
		respondStoreError(w, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, s)
}

func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	id, req, ok := h.reviewRequest(w, r)
	if !ok {
		return
	}
	s, err := h.grouper.Reject(r.Context(), id, req.Reviewer, req.Notes)
	if err != nil {
		respondStoreError(w, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, s)
}

type purgeResponse struct {
	Deleted int64 `json:"deleted"`
}

// PurgeLogs drops sync log entries older than the retention period.
func (h *Handler) PurgeLogs(w http.ResponseWriter, r *http.Request) {
	n, err := h.logs.PurgeOlderThan(r.Context(), h.retention)
	if err != nil {
		respondError(w, h.log, http.StatusInternalServerError, "purging sync logs failed", err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, purgeResponse{Deleted: n})
}
