package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Wuni1/InferOps/gateway/store"
)

const (
	maxDatasetBytes    = 64 << 20
	multipartMemoryCap = 32 << 20
)

// handleDatasetUpload accepts a multipart form with a JSON-array file
// and a data_count cap, registers a batch job and answers immediately
// with its id. Processing happens in the background; progress is read
// back through /dataset/status/{job_id}.
func (a *API) handleDatasetUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !a.allowRequest(w, r, "upload", a.uploadLimiter) {
		return
	}

	if err := r.ParseMultipartForm(multipartMemoryCap); err != nil {
		writeDetail(w, http.StatusBadRequest, "request must be multipart/form-data")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxDatasetBytes))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "failed to read uploaded file")
		return
	}

	items, err := ParseDataset(data, r.FormValue("data_count"))
	if err != nil {
		var bad *DatasetError
		if errors.As(err, &bad) {
			writeDetail(w, http.StatusBadRequest, bad.Reason)
			return
		}
		writeDetail(w, http.StatusInternalServerError, "internal error")
		return
	}

	jobID, err := a.batch.CreateJob(r.Context(), items)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"job_id":  jobID,
		"message": fmt.Sprintf("Job accepted with %d items.", len(items)),
	})
}

// handleDatasetStatus returns the full job snapshot, results included.
func (a *API) handleDatasetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	jobID := strings.TrimPrefix(r.URL.Path, "/api/v1/dataset/status/")
	if jobID == "" || strings.Contains(jobID, "/") {
		writeDetail(w, http.StatusNotFound, "Job not found.")
		return
	}

	job, err := a.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			writeDetail(w, http.StatusNotFound, "Job not found.")
			return
		}
		writeDetail(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(job)
}
