package web

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meridianhq/ingest/internal/ingest"
	"github.com/meridianhq/ingest/internal/logging"
)

// callerFromRequest builds the caller identity from the gateway headers.
// The gateway authenticates requests and forwards tenant and user identity;
// the operator role allows cross-tenant access to job records.
func callerFromRequest(r *http.Request) ingest.Caller {
	caller := ingest.Caller{
		TenantID: r.Header.Get("X-Tenant-ID"),
		UserID:   r.Header.Get("X-User-ID"),
	}
	for _, role := range strings.Split(r.Header.Get("X-Roles"), ",") {
		if strings.TrimSpace(role) == "operator" {
			caller.Operator = true
		}
	}
	return caller
}

// handleUpload accepts a multipart file upload, stores it in blob storage
// and starts an asynchronous ingestion job. Returns 202 with the job ID.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	caller := callerFromRequest(r)
	if caller.TenantID == "" {
		writeBadRequest(w, "missing X-Tenant-ID header")
		return
	}

	maxSize := s.cfg.Ingest.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+1024*1024)

	if err := r.ParseMultipartForm(maxSize); err != nil {
		s.respondError(w, r, ingest.ErrFileTooLarge)
		return
	}

	workspaceID := r.FormValue("workspace_id")
	if workspaceID == "" {
		writeBadRequest(w, "missing workspace_id")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeBadRequest(w, "no file provided")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	jobID, err := s.service.StartUpload(r.Context(), caller.TenantID, workspaceID, header.Filename, data)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	logging.FromContext(r.Context()).Info("upload accepted",
		"job_id", jobID,
		"tenant_id", caller.TenantID,
		"workspace_id", workspaceID,
		"file_name", header.Filename,
		"file_size", header.Size,
	)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// handleProcessUpload starts ingestion for a file already in blob storage.
// Storage triggers call this with the blob path after an object lands.
func (s *Server) handleProcessUpload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeBadRequest(w, "expected JSON body with a path field")
		return
	}

	jobID, err := s.service.StartFromPath(r.Context(), req.Path)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// handleProcessPartition runs one partition task. The task queue retries on
// non-2xx responses; partition processing is idempotent so retries are safe.
func (s *Server) handleProcessPartition(w http.ResponseWriter, r *http.Request) {
	var task ingest.PartitionTask
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeBadRequest(w, "invalid partition task")
		return
	}
	if task.JobID == "" || task.PartitionID == "" {
		writeBadRequest(w, "partition task missing job_id or partition_id")
		return
	}

	if err := s.service.ProcessPartition(r.Context(), task); err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleJobStatus returns the job record for polling clients.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if jobID == "" {
		writeBadRequest(w, "missing job ID")
		return
	}

	job, err := s.service.Status(r.Context(), callerFromRequest(r), jobID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, jobResponseFrom(job))
}

// handleCancelJob requests cooperative cancellation of an active job.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if jobID == "" {
		writeBadRequest(w, "missing job ID")
		return
	}

	if err := s.service.Cancel(r.Context(), callerFromRequest(r), jobID); err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"job_id": jobID,
		"status": string(ingest.StatusCancelled),
	})
}

// jobResponse is the client view of a job record. The blob path stays
// internal.
type jobResponse struct {
	JobID       string `json:"job_id"`
	TenantID    string `json:"tenant_id"`
	WorkspaceID string `json:"workspace_id"`

	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`

	Status   ingest.JobStatus  `json:"status"`
	Progress ingest.Progress   `json:"progress"`
	Stats    ingest.Stats      `json:"stats"`
	Errors   []ingest.RowError `json:"errors"`

	Partitions          []ingest.PartitionMeta `json:"partitions,omitempty"`
	TotalPartitions     int                    `json:"total_partitions,omitempty"`
	CompletedPartitions int                    `json:"completed_partitions,omitempty"`

	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	CancelledBy  string     `json:"cancelled_by,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

func jobResponseFrom(job *ingest.JobRecord) jobResponse {
	resp := jobResponse{
		JobID:               job.JobID,
		TenantID:            job.TenantID,
		WorkspaceID:         job.WorkspaceID,
		FileName:            job.FileName,
		FileSize:            job.FileSize,
		Status:              job.Status,
		Progress:            job.Progress,
		Stats:               job.Stats,
		Errors:              job.Errors,
		Partitions:          job.Partitions,
		TotalPartitions:     job.TotalPartitions,
		CompletedPartitions: job.CompletedPartitions,
		StartedAt:           job.StartedAt,
		CompletedAt:         job.CompletedAt,
		CancelledAt:         job.CancelledAt,
		CancelledBy:         job.CancelledBy,
		ErrorMessage:        job.ErrorMessage,
	}
	if resp.Errors == nil {
		resp.Errors = []ingest.RowError{}
	}
	return resp
}
