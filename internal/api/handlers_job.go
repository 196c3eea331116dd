package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/sparkpost-monitor/internal/config"
	"github.com/ignite/sparkpost-monitor/internal/domain"
	"github.com/ignite/sparkpost-monitor/internal/pkg/httputil"
	"github.com/ignite/sparkpost-monitor/internal/pmta"
	"github.com/ignite/sparkpost-monitor/internal/worker"
)

// JobHandlers is the Operator Surface over JobController: start / pause /
// resume / stop / delete / status / config, plus the bridge file listing.
type JobHandlers struct {
	controller *worker.JobController
	configs    *config.ConfigStore
	bridge     *pmta.BridgeTailer // nil when the bridge runs in direct mode
}

// NewJobHandlers constructs the Operator Surface handlers.
func NewJobHandlers(controller *worker.JobController, configs *config.ConfigStore) *JobHandlers {
	return &JobHandlers{controller: controller, configs: configs}
}

// SetBridge attaches a Bridge Tailer running in HTTP mode, enabling the
// /bridge/files diagnostic endpoint. Direct-mode deployments leave this
// unset and the endpoint responds 404.
func (h *JobHandlers) SetBridge(bridge *pmta.BridgeTailer) {
	h.bridge = bridge
}

// BridgeFiles reports the accounting files the remote bridge currently
// sees, for operators diagnosing which file the tailer is following.
func (h *JobHandlers) BridgeFiles(w http.ResponseWriter, r *http.Request) {
	if h.bridge == nil {
		httputil.Error(w, http.StatusNotFound, "bridge is not running in http mode")
		return
	}
	kind := r.URL.Query().Get("kind")
	files, err := h.bridge.ListFiles(r.Context(), kind)
	if err != nil {
		httputil.Error(w, http.StatusBadGateway, err.Error())
		return
	}
	httputil.JSON(w, http.StatusOK, files)
}

type startJobRequest struct {
	CampaignID     string                 `json:"campaign_id"`
	SMTPHost       string                 `json:"smtp_host"`
	SMTPPort       int                    `json:"smtp_port"`
	Security       domain.SecurityMode    `json:"security"`
	Username       string                 `json:"username"`
	Password       string                 `json:"password"`
	Recipients     []string               `json:"recipients"`
	Senders        []domain.SenderIdentity `json:"senders"`
	Subjects       []string               `json:"subjects"`
	Bodies         []string               `json:"bodies"`
	URLPool        []string               `json:"url_pool"`
	SrcPool        []string               `json:"src_pool"`
	ReplyTo        string                 `json:"reply_to"`
	ChunkSize      int                    `json:"chunk_size"`
	ThreadWorkers  int                    `json:"thread_workers"`
	DelaySeconds   float64                `json:"delay_seconds"`
	SleepChunks    float64                `json:"sleep_chunks"`
	SpamThreshold  float64                `json:"spam_threshold"`
	ForceNewJob    bool                   `json:"force_new_job"`
}

const maxRecipientsPerJob = 2_000_000

// Start creates and launches a new send job. Responds 409 if the campaign
// already has an active job (unless force_new_job), 400 on invalid input.
func (h *JobHandlers) Start(w http.ResponseWriter, r *http.Request) {
	var req startJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := validateStartRequest(req); err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	spec := domain.JobSpec{
		CampaignID:    req.CampaignID,
		SMTPHost:      req.SMTPHost,
		SMTPPort:      req.SMTPPort,
		Security:      req.Security,
		Username:      req.Username,
		Password:      req.Password,
		Recipients:    req.Recipients,
		Senders:       req.Senders,
		Subjects:      req.Subjects,
		Bodies:        req.Bodies,
		URLPool:       req.URLPool,
		SrcPool:       req.SrcPool,
		ReplyTo:       req.ReplyTo,
		ChunkSize:     req.ChunkSize,
		ThreadWorkers: req.ThreadWorkers,
		DelaySeconds:  req.DelaySeconds,
		SleepChunks:   req.SleepChunks,
		SpamThreshold: req.SpamThreshold,
		ForceNewJob:   req.ForceNewJob,
	}

	job, err := h.controller.Start(r.Context(), spec)
	if err != nil {
		if _, ok := err.(*worker.ConflictError); ok {
			httputil.Error(w, http.StatusConflict, err.Error())
			return
		}
		httputil.Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	httputil.JSON(w, http.StatusOK, job)
}

func validateStartRequest(req startJobRequest) error {
	if req.CampaignID == "" {
		return errBadRequest("campaign_id is required")
	}
	if req.SMTPHost == "" {
		return errBadRequest("smtp_host is required")
	}
	if req.SMTPPort <= 0 {
		return errBadRequest("smtp_port must be positive")
	}
	if len(req.Senders) == 0 {
		return errBadRequest("at least one sender is required")
	}
	if len(req.Recipients) == 0 {
		return errBadRequest("recipient list is empty")
	}
	if len(req.Recipients) > maxRecipientsPerJob {
		return errBadRequest("recipient list exceeds the safety cap")
	}
	return nil
}

type badRequestError string

func (e badRequestError) Error() string { return string(e) }
func errBadRequest(msg string) error    { return badRequestError(msg) }

// Pause marks a job paused; the Scheduler honors it at its next checkpoint.
func (h *JobHandlers) Pause(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := h.controller.Pause(r.Context(), jobID); err != nil {
		respondJobError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// Resume clears a job's paused flag.
func (h *JobHandlers) Resume(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := h.controller.Resume(r.Context(), jobID); err != nil {
		respondJobError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// Stop cooperatively halts a job.
func (h *JobHandlers) Stop(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "stopped by operator"
	}
	if err := h.controller.Stop(r.Context(), jobID, reason); err != nil {
		respondJobError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// Delete forces a stop if active, then purges the job's durable footprint.
func (h *JobHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := h.controller.Delete(r.Context(), jobID); err != nil {
		respondJobError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Status returns the current job snapshot, including bounded history rings.
func (h *JobHandlers) Status(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := h.controller.Status(r.Context(), jobID)
	if err != nil {
		respondJobError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, job)
}

func respondJobError(w http.ResponseWriter, err error) {
	if _, ok := err.(*worker.NotFoundError); ok {
		httputil.Error(w, http.StatusNotFound, err.Error())
		return
	}
	if _, ok := err.(*worker.ConflictError); ok {
		httputil.Error(w, http.StatusConflict, err.Error())
		return
	}
	httputil.Error(w, http.StatusInternalServerError, err.Error())
}

// GetConfig returns the effective value and source layer for a config key.
func (h *JobHandlers) GetConfig(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	v, ok := h.configs.Get(key)
	if !ok {
		httputil.Error(w, http.StatusNotFound, "unknown config key: "+key)
		return
	}
	httputil.JSON(w, http.StatusOK, v)
}

type setConfigRequest struct {
	Value string `json:"value"`
}

// SetConfig writes a new value for key through the Config Store's
// validate-then-persist-then-reload path.
func (h *JobHandlers) SetConfig(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req setConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.configs.Set(r.Context(), key, req.Value); err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
