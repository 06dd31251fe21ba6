package model

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// InputType names a supported diagram or image input.
type InputType string

const (
	InputTypeMermaid      InputType = "mermaid"
	InputTypeDrawio       InputType = "drawio"
	InputTypeThreatDragon InputType = "threat-dragon"
	InputTypeImage        InputType = "image"
)

// Valid returns true if the InputType is known.
func (t InputType) Valid() bool {
	switch t {
	case InputTypeMermaid, InputTypeDrawio, InputTypeThreatDragon, InputTypeImage:
		return true
	default:
		return false
	}
}

// ParseInputType accepts both threat_dragon and threat-dragon spellings.
func ParseInputType(raw string) (InputType, error) {
	t := InputType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "_", "-"))
	if !t.Valid() {
		return "", fmt.Errorf("invalid input type: %s", raw)
	}
	return t, nil
}

// DetectInputType infers the input type from an upload filename. It returns
// false when the extension is not recognised.
func DetectInputType(filename string) (InputType, bool) {
	name := strings.ToLower(strings.TrimSpace(filename))
	if strings.HasSuffix(name, ".mermaid") {
		return InputTypeMermaid, true
	}
	switch filepath.Ext(name) {
	case ".mmd":
		return InputTypeMermaid, true
	case ".drawio", ".xml":
		return InputTypeDrawio, true
	case ".json":
		return InputTypeThreatDragon, true
	case ".png", ".jpg", ".jpeg", ".webp":
		return InputTypeImage, true
	default:
		return "", false
	}
}

// InputPayload carries the diagram text or base64 image bytes to analyze.
type InputPayload struct {
	Type        InputType `json:"type"`
	Content     string    `json:"content,omitempty"`
	Filename    string    `json:"filename,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	DataB64     string    `json:"data_b64,omitempty"`
}

// AnalyzeOptions tunes an analysis run. It is also the shape of the
// multipart "options" form field.
type AnalyzeOptions struct {
	ReportFormats []ReportFormat `json:"report_formats"`
	Language      string         `json:"language,omitempty"`
	InferHints    bool           `json:"infer_hints"`
	RequireASVS   bool           `json:"require_asvs"`
	MinConfidence float64        `json:"min_confidence"`
	TopN          int            `json:"topn"`
	Autodetect    bool           `json:"autodetect"`
}

// DefaultAnalyzeOptions returns options prefilled with their defaults so a
// JSON decode only overrides fields the client sent.
func DefaultAnalyzeOptions() AnalyzeOptions {
	return AnalyzeOptions{
		MinConfidence: 0.5,
		TopN:          10,
		Autodetect:    true,
	}
}

// AnalyzeRequest is the job payload stored with every queued job.
type AnalyzeRequest struct {
	Input InputPayload `json:"input"`
	AnalyzeOptions
}

// NewAnalyzeRequest returns a request with default options.
func NewAnalyzeRequest() AnalyzeRequest {
	return AnalyzeRequest{AnalyzeOptions: DefaultAnalyzeOptions()}
}

// UnknownReportFormat returns the first requested format that is not one of
// the rendered formats.
func (o AnalyzeOptions) UnknownReportFormat() (string, bool) {
	for _, f := range o.ReportFormats {
		if !canonicalFormat(f).Valid() {
			return string(f), true
		}
	}
	return "", false
}

func canonicalFormat(f ReportFormat) ReportFormat {
	return ReportFormat(strings.ToLower(strings.TrimSpace(string(f))))
}

// Normalize de-duplicates report formats and fills defaults.
func (r *AnalyzeRequest) Normalize(defaultFormat ReportFormat, defaultLanguage string) {
	r.Input.Type = InputType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(string(r.Input.Type))), "_", "-"))
	r.Input.Filename = strings.TrimSpace(r.Input.Filename)

	seen := make(map[ReportFormat]struct{}, len(r.ReportFormats))
	formats := make([]ReportFormat, 0, len(r.ReportFormats))
	for _, f := range r.ReportFormats {
		f = canonicalFormat(f)
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		formats = append(formats, f)
	}
	if len(formats) == 0 {
		formats = []ReportFormat{defaultFormat}
	}
	r.ReportFormats = formats

	r.Language = strings.TrimSpace(r.Language)
	if r.Language == "" {
		r.Language = defaultLanguage
	}
}

// Validate checks request shape. Size limits are enforced at admission.
func (r *AnalyzeRequest) Validate() error {
	if !r.Input.Type.Valid() {
		return fmt.Errorf("invalid input type: %s", r.Input.Type)
	}
	if r.Input.Type == InputTypeImage {
		if r.Input.DataB64 == "" {
			return errors.New("image input requires data_b64")
		}
	} else if strings.TrimSpace(r.Input.Content) == "" {
		return errors.New("input content is required")
	}
	if r.MinConfidence < 0 || r.MinConfidence > 1 {
		return errors.New("min_confidence must be between 0 and 1")
	}
	if r.TopN < 1 {
		return errors.New("topn must be at least 1")
	}
	for _, f := range r.ReportFormats {
		if !f.Valid() {
			return fmt.Errorf("invalid report format: %s", f)
		}
	}
	return nil
}

// Redacted returns a copy without diagram or image bodies, for logging.
func (r AnalyzeRequest) Redacted() AnalyzeRequest {
	out := r
	if out.Input.Content != "" {
		out.Input.Content = fmt.Sprintf("<redacted %d chars>", len([]rune(out.Input.Content)))
	}
	if out.Input.DataB64 != "" {
		out.Input.DataB64 = "<redacted>"
	}
	return out
}

// AnalysisOutcome is what an engine returns for a successful run.
type AnalysisOutcome struct {
	Reports    []Report `json:"reports"`
	DurationMS int64    `json:"duration_ms"`
	Model      string   `json:"model"`
}
