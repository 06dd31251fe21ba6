package service

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/threat-thinker/ttserve/config"
	"github.com/threat-thinker/ttserve/internal/core"
	"github.com/threat-thinker/ttserve/internal/domain/model"
	apperrors "github.com/threat-thinker/ttserve/internal/errors"
	"github.com/threat-thinker/ttserve/internal/observability/metrics"
	"github.com/threat-thinker/ttserve/internal/observability/statsd"
)

// Client-facing admission messages.
const (
	MsgResultNotAvailable  = "Result not available."
	MsgNoReportContent     = "No report content found for this job."
	MsgStoreUnavailable    = "Job store unavailable."
	MsgInputTypeRequired   = "Input type is required."
	MsgUndetectableType    = "Unable to detect input type from filename."
	MsgImageTypeNotAllowed = "Image content type not allowed."
	MsgImageTooLarge       = "Image exceeds configured size limit."
	MsgTextNotUTF8         = "Uploaded file is not valid UTF-8 text."
	MsgTextTooLarge        = "Diagram text exceeds configured limit."
	MsgImageNeedsUpload    = "Image inputs must be uploaded as multipart/form-data."
)

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo    core.JobRepository  // Required: job store
	Engine  config.EngineConfig // Required: allowed inputs and report defaults
	Limits  config.LimitsConfig // Required: size and content type limits
	Logger  *slog.Logger        // Optional: structured logger
	Metrics statsd.Sink         // Optional: metrics sink (StatsD-compatible)
	// RedactInput keeps diagram bodies out of debug logs.
	RedactInput bool
}

// JobService admits analysis submissions and reads job state back for clients.
type JobService struct {
	repo        core.JobRepository
	engine      config.EngineConfig
	limits      config.LimitsConfig
	logger      *slog.Logger
	metrics     statsd.Sink
	redactInput bool
}

// Upload is a diagram or image received as a multipart file.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
	// Type is the raw "type" form field; empty asks for detection.
	Type    string
	Options model.AnalyzeOptions
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_service")
		logger.Debug("JobService initialized",
			"allowed_inputs", opts.Engine.AllowedInputs,
			"autodetect", opts.Engine.Autodetect,
		)
	}

	return &JobService{
		repo:        opts.Repo,
		engine:      opts.Engine,
		limits:      opts.Limits,
		logger:      logger,
		metrics:     opts.Metrics,
		redactInput: opts.RedactInput,
	}, nil
}

// SubmitJSON admits a request decoded from a JSON body. Images are refused
// here; they must arrive as uploads.
func (s *JobService) SubmitJSON(ctx context.Context, req *model.AnalyzeRequest) (*model.JobAccepted, error) {
	if req == nil {
		return nil, s.reject(apperrors.Validation("Request body is required."), "empty")
	}

	raw := req.Input.Type
	req.Input.Type = model.InputType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(string(raw))), "_", "-"))
	if !req.Input.Type.Valid() {
		return nil, s.reject(apperrors.ValidationField("input.type",
			fmt.Sprintf("Invalid input type: %s", raw)), "input_type")
	}
	if err := s.checkAllowed(req.Input.Type); err != nil {
		return nil, err
	}
	if req.Input.Type == model.InputTypeImage {
		return nil, s.reject(apperrors.Validation(MsgImageNeedsUpload), "image_json")
	}
	if utf8.RuneCountInString(req.Input.Content) > s.limits.MaxTextChars {
		return nil, s.reject(apperrors.PayloadTooLarge(MsgTextTooLarge), "text_size")
	}
	req.Autodetect = s.engine.Autodetect && req.Autodetect

	return s.enqueue(ctx, req)
}

// SubmitUpload admits a multipart upload, detecting the input type from the
// filename when none was given and autodetect is on.
func (s *JobService) SubmitUpload(ctx context.Context, up Upload) (*model.JobAccepted, error) {
	req, err := s.requestFromUpload(up)
	if err != nil {
		return nil, err
	}
	return s.enqueue(ctx, req)
}

func (s *JobService) requestFromUpload(up Upload) (*model.AnalyzeRequest, error) {
	var inputType model.InputType
	if strings.TrimSpace(up.Type) != "" {
		parsed, err := model.ParseInputType(up.Type)
		if err != nil {
			return nil, s.reject(apperrors.ValidationField("type",
				fmt.Sprintf("Invalid input type: %s", up.Type)), "input_type")
		}
		inputType = parsed
	}

	autodetect := s.engine.Autodetect && up.Options.Autodetect
	if inputType == "" && autodetect {
		if detected, ok := model.DetectInputType(up.Filename); ok {
			inputType = detected
		}
	}
	if inputType == "" {
		if !autodetect {
			return nil, s.reject(apperrors.ValidationField("type", MsgInputTypeRequired), "input_type")
		}
		return nil, s.reject(apperrors.ValidationField("file", MsgUndetectableType), "input_type")
	}
	if err := s.checkAllowed(inputType); err != nil {
		return nil, err
	}

	req := &model.AnalyzeRequest{AnalyzeOptions: up.Options}
	req.Autodetect = autodetect
	req.Input = model.InputPayload{
		Type:        inputType,
		Filename:    up.Filename,
		ContentType: up.ContentType,
	}

	if inputType == model.InputTypeImage {
		if !s.limits.ImageTypeAllowed(up.ContentType) {
			return nil, s.reject(apperrors.UnsupportedMedia(MsgImageTypeNotAllowed), "image_type")
		}
		if int64(len(up.Data)) > s.limits.MaxImageBytes {
			return nil, s.reject(apperrors.PayloadTooLarge(MsgImageTooLarge), "image_size")
		}
		req.Input.DataB64 = base64.StdEncoding.EncodeToString(up.Data)
		return req, nil
	}

	if !utf8.Valid(up.Data) {
		return nil, s.reject(apperrors.ValidationField("file", MsgTextNotUTF8), "encoding")
	}
	text := string(up.Data)
	if utf8.RuneCountInString(text) > s.limits.MaxTextChars {
		return nil, s.reject(apperrors.PayloadTooLarge(MsgTextTooLarge), "text_size")
	}
	req.Input.Content = text
	return req, nil
}

func (s *JobService) checkAllowed(t model.InputType) error {
	if s.engine.InputAllowed(string(t)) {
		return nil
	}
	return s.reject(apperrors.ValidationField("input.type",
		fmt.Sprintf("Input type '%s' is not allowed.", t)), "input_not_allowed")
}

// enqueue fills defaults, validates shape and stores the job.
func (s *JobService) enqueue(ctx context.Context, req *model.AnalyzeRequest) (*model.JobAccepted, error) {
	if bad, ok := req.UnknownReportFormat(); ok {
		return nil, s.reject(apperrors.ValidationField("report_formats",
			fmt.Sprintf("Invalid report format: %s", bad)), "report_format")
	}
	req.Normalize(model.ReportFormat(s.engine.DefaultFormat), s.engine.DefaultLanguage)
	if err := req.Validate(); err != nil {
		return nil, s.reject(apperrors.Wrap(err, apperrors.ErrCodeValidation, validationMessage(err)), "invalid")
	}

	id, err := s.repo.Enqueue(ctx, req)
	if err != nil {
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "enqueue failed", "error", err)
		}
		metrics.EmitAdmission(s.metrics, metrics.ResultError, "store")
		return nil, apperrors.Unavailable(err, MsgStoreUnavailable)
	}

	metrics.EmitAdmission(s.metrics, metrics.ResultSuccess, "")
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		InputType:  string(req.Input.Type),
		Transition: metrics.TransitionEnqueue,
		Result:     metrics.ResultSuccess,
	})

	if s.logger != nil {
		logged := *req
		if s.redactInput {
			logged = req.Redacted()
		}
		s.logger.InfoContext(ctx, "enqueued job",
			"job_id", id,
			"input_type", req.Input.Type,
			"report_formats", req.ReportFormats,
		)
		s.logger.DebugContext(ctx, "job payload", "job_id", id, "payload", logged)
	}

	return &model.JobAccepted{JobID: id, Status: model.JobStatusQueued}, nil
}

func (s *JobService) reject(err *apperrors.AppError, reason string) error {
	metrics.EmitAdmission(s.metrics, metrics.ResultRejected, reason)
	return err
}

// validationMessage turns a model validation error into client text.
func validationMessage(err error) string {
	msg := err.Error()
	if msg == "" {
		return "Invalid analyze request."
	}
	return "Invalid analyze request: " + msg + "."
}

// GetStatus returns the client view of a job. Unknown ids report expired.
func (s *JobService) GetStatus(ctx context.Context, id string) (*model.JobStatusView, error) {
	view, err := s.repo.GetStatus(ctx, id)
	if err != nil {
		return nil, apperrors.Unavailable(fmt.Errorf("get status: %w", err), MsgStoreUnavailable)
	}
	return view, nil
}

// GetResult returns the stored result of a succeeded job.
func (s *JobService) GetResult(ctx context.Context, id string) (*model.Result, error) {
	res, err := s.repo.GetResult(ctx, id)
	if err != nil {
		return nil, apperrors.Unavailable(fmt.Errorf("get result: %w", err), MsgStoreUnavailable)
	}
	if res == nil {
		return nil, apperrors.NotFound(MsgResultNotAvailable)
	}
	res.JobID = id
	if res.Reports == nil {
		res.Reports = []model.Report{}
	}
	return res, nil
}

// ResultArchive zips every report of a succeeded job and returns the bytes
// with the download filename.
func (s *JobService) ResultArchive(ctx context.Context, id string) ([]byte, string, error) {
	res, err := s.GetResult(ctx, id)
	if err != nil {
		return nil, "", err
	}

	reports := make([]model.Report, 0, len(res.Reports))
	for _, r := range res.Reports {
		if r.Format != "" {
			reports = append(reports, r)
		}
	}
	if len(reports) == 0 {
		return nil, "", apperrors.NotFound(MsgNoReportContent)
	}

	data, err := BuildReportArchive(id, reports)
	if err != nil {
		return nil, "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "Failed to build report archive.")
	}
	return data, ArchiveBaseName(id) + ".zip", nil
}

// ArchiveBaseName is the file stem shared by the archive and its entries.
func ArchiveBaseName(id string) string {
	return "threat-thinker-" + id
}

// BuildReportArchive writes one deflated entry per report.
func BuildReportArchive(id string, reports []model.Report) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, r := range reports {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:   ArchiveBaseName(id) + r.Format.FileExtension(),
			Method: zip.Deflate,
		})
		if err != nil {
			return nil, fmt.Errorf("create entry: %w", err)
		}
		if _, err := w.Write([]byte(r.Content)); err != nil {
			return nil, fmt.Errorf("write entry: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return buf.Bytes(), nil
}

// Ready pings the store.
func (s *JobService) Ready(ctx context.Context) error {
	if err := s.repo.Ping(ctx); err != nil {
		return apperrors.Unavailable(err, MsgStoreUnavailable)
	}
	if depth, err := s.repo.QueueDepth(ctx); err == nil {
		metrics.EmitQueueDepth(s.metrics, depth)
	}
	return nil
}
