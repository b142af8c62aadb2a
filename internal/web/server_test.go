package web

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/meridianhq/ingest/internal/blob"
	"github.com/meridianhq/ingest/internal/config"
	"github.com/meridianhq/ingest/internal/dispatch"
	"github.com/meridianhq/ingest/internal/ingest"
	"github.com/meridianhq/ingest/internal/jobstore"
	"github.com/meridianhq/ingest/internal/validate"
)

func newTestServer(t *testing.T) (*Server, *ingest.Service, *jobstore.Memory) {
	t.Helper()

	store := jobstore.NewMemory()
	store.AddWorkspace("t1", "ws1")
	blobs := blob.NewMemory()
	limiter := ingest.NewRunLimiter(2, time.Second)
	svc := ingest.NewService(store, blobs, dispatch.Func(func(context.Context, ingest.PartitionTask) error {
		return nil
	}), validate.New(), limiter, ingest.Config{})

	cfg := &config.Config{
		Server: config.ServerConfig{
			Port:         8080,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Ingest: config.IngestConfig{MaxFileSize: 1 << 20},
	}
	return NewServer(svc, cfg), svc, store
}

// waitIdle blocks until the service's background run finishes.
func waitIdle(t *testing.T, svc *ingest.Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Limiter().WaitForDrain(ctx); err != nil {
		t.Fatalf("run did not finish: %v", err)
	}
}

func multipartUpload(t *testing.T, fileName, workspaceID, contents string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if workspaceID != "" {
		if err := w.WriteField("workspace_id", workspaceID); err != nil {
			t.Fatal(err)
		}
	}
	if fileName != "" {
		fw, err := w.CreateFormFile("file", fileName)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write([]byte(contents))
	}
	w.Close()
	return &body, w.FormDataContentType()
}

const uploadCSV = "Document Number,Full Name,Operation Type,Amount,Currency,Operation Date\nDOC1,Alice Smith,transfer,100,EUR,2024-03-01\n"

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestUpload_HappyPath(t *testing.T) {
	srv, svc, _ := newTestServer(t)

	body, contentType := multipartUpload(t, "clients.csv", "ws1", uploadCSV)
	req := httptest.NewRequest(http.MethodPost, "/api/uploads", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Tenant-ID", "t1")
	req.Header.Set("X-User-ID", "u1")

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body: %s)", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	jobID := resp["job_id"]
	if jobID == "" {
		t.Fatal("response missing job_id")
	}

	waitIdle(t, svc)

	// Poll the job record through the API
	req = httptest.NewRequest(http.MethodGet, "/api/jobs/"+jobID, nil)
	req.Header.Set("X-Tenant-ID", "t1")
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}

	var job struct {
		Status string `json:"status"`
		Stats  struct {
			TotalRows int `json:"total_rows"`
			ValidRows int `json:"valid_rows"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if job.Status != "completed" {
		t.Errorf("status = %q, want completed", job.Status)
	}
	if job.Stats.TotalRows != 1 || job.Stats.ValidRows != 1 {
		t.Errorf("stats = %+v, want 1 total, 1 valid", job.Stats)
	}

	// The blob path never leaks to clients
	if strings.Contains(rec.Body.String(), "file_path") {
		t.Error("response should not expose file_path")
	}
}

func TestUpload_Validation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	tests := []struct {
		name       string
		fileName   string
		workspace  string
		tenant     string
		wantStatus int
	}{
		{"missing tenant header", "clients.csv", "ws1", "", http.StatusBadRequest},
		{"missing workspace", "clients.csv", "", "t1", http.StatusBadRequest},
		{"missing file", "", "ws1", "t1", http.StatusBadRequest},
		{"unsupported extension", "report.pdf", "ws1", "t1", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, contentType := multipartUpload(t, tt.fileName, tt.workspace, uploadCSV)
			req := httptest.NewRequest(http.MethodPost, "/api/uploads", body)
			req.Header.Set("Content-Type", contentType)
			if tt.tenant != "" {
				req.Header.Set("X-Tenant-ID", tt.tenant)
			}

			rec := httptest.NewRecorder()
			srv.Router().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body: %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestJobStatus_Authorization(t *testing.T) {
	srv, _, store := newTestServer(t)
	ctx := context.Background()

	store.CreateJob(ctx, &ingest.JobRecord{
		JobID: "j1", TenantID: "t1", WorkspaceID: "ws1",
		Status: ingest.StatusProcessing,
	})

	tests := []struct {
		name       string
		tenant     string
		roles      string
		wantStatus int
	}{
		{"owner", "t1", "", http.StatusOK},
		{"foreign tenant", "t2", "", http.StatusForbidden},
		{"operator crosses tenants", "t2", "operator", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/jobs/j1", nil)
			req.Header.Set("X-Tenant-ID", tt.tenant)
			if tt.roles != "" {
				req.Header.Set("X-Roles", tt.roles)
			}

			rec := httptest.NewRecorder()
			srv.Router().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body: %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestJobStatus_NotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/missing", nil)
	req.Header.Set("X-Tenant-ID", "t1")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON error: %v", err)
	}
	if resp.Code == "" {
		t.Error("error response should carry a code")
	}
}

func TestCancelJob(t *testing.T) {
	srv, _, store := newTestServer(t)
	ctx := context.Background()

	store.CreateJob(ctx, &ingest.JobRecord{
		JobID: "j1", TenantID: "t1", WorkspaceID: "ws1",
		Status: ingest.StatusProcessing,
	})

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/j1/cancel", nil)
	req.Header.Set("X-Tenant-ID", "t1")
	req.Header.Set("X-User-ID", "analyst-1")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}

	job, _ := store.GetJob(ctx, "j1")
	if job.Status != ingest.StatusCancelled {
		t.Errorf("job status = %q, want cancelled", job.Status)
	}
	if job.CancelledBy != "analyst-1" {
		t.Errorf("CancelledBy = %q, want analyst-1", job.CancelledBy)
	}

	// Cancelling a terminal job conflicts
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/jobs/j1/cancel", nil)
	req.Header.Set("X-Tenant-ID", "t1")
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", rec.Code)
	}
}

func TestProcessUpload_BadRequest(t *testing.T) {
	srv, _, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", "nope"},
		{"missing path", `{}`},
		{"malformed path", `{"path":"uploads/bad"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/internal/uploads/process", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			srv.Router().ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body: %s)", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestProcessPartition_BadRequest(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/internal/partitions/process", strings.NewReader(`{"job_id":""}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 (body: %s)", rec.Code, rec.Body.String())
	}
}
