package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agriscope/gleaner/internal/model"
)

// maxSubmissionBytes bounds the POST /extractions body.
const maxSubmissionBytes = 1 << 20

// datasetIDPattern is the same alphabet the sweeper trusts for work
// directory names; IDs flow into lease keys and filesystem paths.
var datasetIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var filter model.JobState
	if v := r.URL.Query().Get("state"); v != "" {
		state, ok := parseJobState(v)
		if !ok {
			writeError(w, fmt.Errorf("unknown state %q", v))
			return
		}
		filter = state
	}

	jobs, err := s.store.ListJobs(r.Context())
	if err != nil {
		s.log.Error().Err(err).Str("event", "api.jobs_list_failed").Msg("job store list failed")
		writeInternalError(w)
		return
	}

	if filter != "" {
		filtered := jobs[:0]
		for _, job := range jobs {
			if job.State == filter {
				filtered = append(filtered, job)
			}
		}
		jobs = filtered
	}
	if jobs == nil {
		jobs = []*model.JobRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.log.Error().Err(err).Str("event", "api.job_get_failed").Str("jobId", id).Msg("job store read failed")
		writeInternalError(w)
		return
	}
	if job == nil {
		writeNotFound(w)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// extractionSubmission is the POST /api/v1/extractions body.
type extractionSubmission struct {
	DatasetID string         `json:"datasetId"`
	Extractor string         `json:"extractor,omitempty"`
	Files     []string       `json:"files,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleSubmitExtraction(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSubmissionBytes)

	var sub extractionSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, fmt.Errorf("invalid request body: %w", err))
		return
	}

	if err := validateSubmission(sub); err != nil {
		writeError(w, err)
		return
	}

	req := model.ExtractionRequest{
		ID:             uuid.NewString(),
		DatasetID:      sub.DatasetID,
		Extractor:      sub.Extractor,
		Files:          sub.Files,
		Metadata:       sub.Metadata,
		EnqueuedAtUnix: time.Now().Unix(),
	}

	payload, err := json.Marshal(req)
	if err != nil {
		s.log.Error().Err(err).Str("event", "api.encode_failed").Msg("request encoding failed")
		writeInternalError(w)
		return
	}

	if err := s.bus.Publish(r.Context(), string(model.TopicExtract), payload); err != nil {
		s.log.Error().Err(err).
			Str("event", "api.publish_failed").
			Str("datasetId", req.DatasetID).
			Msg("extraction publish failed")
		writeServiceUnavailable(w, errors.New("queue unavailable"))
		return
	}

	s.log.Info().
		Str("event", "api.extraction_accepted").
		Str("messageId", req.ID).
		Str("datasetId", req.DatasetID).
		Str("extractor", req.Extractor).
		Int("files", len(req.Files)).
		Msg("extraction request accepted")

	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":        req.ID,
		"datasetId": req.DatasetID,
	})
}

func validateSubmission(sub extractionSubmission) error {
	if sub.DatasetID == "" {
		return errors.New("datasetId is required")
	}
	if !datasetIDPattern.MatchString(sub.DatasetID) {
		return fmt.Errorf("datasetId %q contains characters outside [a-zA-Z0-9_-]", sub.DatasetID)
	}
	for _, key := range sub.Files {
		if err := checkFileKey(key); err != nil {
			return err
		}
	}
	return nil
}

// checkFileKey rejects keys that could not survive staging anyway; the
// dataset store validates again before any download.
func checkFileKey(key string) error {
	if key == "" {
		return errors.New("files entries must be non-empty")
	}
	if strings.Contains(key, "\\") {
		return fmt.Errorf("file key %q contains a backslash", key)
	}
	if path.IsAbs(key) {
		return fmt.Errorf("file key %q is absolute", key)
	}
	if clean := path.Clean(key); clean != key || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("file key %q is not a clean relative path", key)
	}
	return nil
}

func parseJobState(v string) (model.JobState, bool) {
	state := model.JobState(strings.ToUpper(v))
	switch state {
	case model.JobQueued, model.JobStarting, model.JobRunning,
		model.JobSucceeded, model.JobFailed, model.JobSkipped, model.JobCancelled:
		return state, true
	}
	return "", false
}
