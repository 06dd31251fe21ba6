// Package httpx provides HTTP handlers and middleware for the analysis job API.
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/threat-thinker/ttserve/internal/domain/model"
	apperrors "github.com/threat-thinker/ttserve/internal/errors"
	"github.com/threat-thinker/ttserve/internal/service"
)

// Client-facing multipart messages.
const (
	MsgFileRequired     = "file is required for multipart/form-data requests."
	MsgInvalidMultipart = "Invalid multipart form."
)

// JobHandlers provides HTTP handlers for job submission and lookup.
type JobHandlers struct {
	Svc          *service.JobService
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Analyze accepts a JSON or multipart submission and answers 202 with the job id.
func (h *JobHandlers) Analyze(w http.ResponseWriter, r *http.Request) {
	if h.MaxBodyBytes > 0 {
		if r.ContentLength > h.MaxBodyBytes {
			WriteAppError(w, apperrors.PayloadTooLarge(MsgBodyTooLarge))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxBodyBytes)
	}

	var (
		accepted *model.JobAccepted
		err      error
	)
	if isMultipart(r) {
		accepted, err = h.submitUpload(r)
	} else {
		accepted, err = h.submitJSON(r)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, accepted)
}

func (h *JobHandlers) submitJSON(r *http.Request) (*model.JobAccepted, error) {
	req := model.NewAnalyzeRequest()
	if err := decodeJSONBody(r, &req); err != nil {
		return nil, err
	}
	return h.Svc.SubmitJSON(r.Context(), &req)
}

func (h *JobHandlers) submitUpload(r *http.Request) (*model.JobAccepted, error) {
	up, err := h.readUpload(r)
	if err != nil {
		return nil, err
	}
	return h.Svc.SubmitUpload(r.Context(), up)
}

func (h *JobHandlers) readUpload(r *http.Request) (service.Upload, error) {
	maxMemory := h.MaxBodyBytes
	if maxMemory <= 0 {
		maxMemory = 32 << 20
	}
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		if isBodyTooLarge(err) {
			return service.Upload{}, apperrors.PayloadTooLarge(MsgBodyTooLarge)
		}
		return service.Upload{}, apperrors.Wrap(err, apperrors.ErrCodeValidation, MsgInvalidMultipart)
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return service.Upload{}, apperrors.ValidationField("file", MsgFileRequired)
		}
		return service.Upload{}, apperrors.Wrap(err, apperrors.ErrCodeValidation, MsgInvalidMultipart)
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		if isBodyTooLarge(err) {
			return service.Upload{}, apperrors.PayloadTooLarge(MsgBodyTooLarge)
		}
		return service.Upload{}, apperrors.Wrap(err, apperrors.ErrCodeValidation, MsgInvalidMultipart)
	}

	opts := model.DefaultAnalyzeOptions()
	if raw := strings.TrimSpace(r.FormValue("options")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts); err != nil {
			return service.Upload{}, apperrors.ValidationField("options",
				fmt.Sprintf("Invalid options JSON: %v", err))
		}
	}

	return service.Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
		Type:        r.FormValue("type"),
		Options:     opts,
	}, nil
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}

// Status returns the client view of a job; unknown ids report expired.
func (h *JobHandlers) Status(w http.ResponseWriter, r *http.Request) {
	view, err := h.Svc.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

// Result returns the reports of a succeeded job.
func (h *JobHandlers) Result(w http.ResponseWriter, r *http.Request) {
	res, err := h.Svc.GetResult(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// ResultArchive streams every report of a succeeded job as one zip download.
func (h *JobHandlers) ResultArchive(w http.ResponseWriter, r *http.Request) {
	data, filename, err := h.Svc.ResultArchive(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(data); err != nil {
		// Nothing more to do if the client connection is gone.
		return
	}
}

func (h *JobHandlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	params := errorParamsFor(err)
	if params.Code >= http.StatusInternalServerError && h.Logger != nil {
		h.Logger.ErrorContext(r.Context(), "job request failed",
			"error", err,
			"path", r.URL.Path,
			"job_id", r.PathValue("id"),
			"request_id", RequestIDFromContext(r.Context()),
		)
	}
	WriteError(w, params)
}
