package analysis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/threat-thinker/ttserve/internal/core"
	"github.com/threat-thinker/ttserve/internal/domain/model"
)

// EchoModel is the model name reported by EchoEngine.
const EchoModel = "echo"

// EchoEngine summarises the submitted input without calling a model. It
// exists for local development and smoke tests.
type EchoEngine struct {
	preflight Preflight
	delay     time.Duration
	now       func() time.Time
}

var _ core.AnalysisEngine = (*EchoEngine)(nil)

// NewEchoEngine builds an EchoEngine. A positive delay simulates a slow model.
func NewEchoEngine(allowedInputs []string, delay time.Duration) *EchoEngine {
	return &EchoEngine{
		preflight: Preflight{Provider: EchoModel, AllowedInputs: allowedInputs},
		delay:     delay,
		now:       time.Now,
	}
}

// Analyze renders one report per requested format.
func (e *EchoEngine) Analyze(ctx context.Context, req *model.AnalyzeRequest) (*model.AnalysisOutcome, error) {
	if req == nil {
		return nil, Errorf("Analyze request is empty.")
	}
	if err := e.preflight.Check(req); err != nil {
		return nil, err
	}
	start := e.now()

	if e.delay > 0 {
		timer := time.NewTimer(e.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	summary, err := summarize(req)
	if err != nil {
		return nil, err
	}

	formats := req.ReportFormats
	if len(formats) == 0 {
		formats = []model.ReportFormat{model.ReportFormatMarkdown}
	}
	reports := make([]model.Report, 0, len(formats))
	for _, f := range formats {
		content, err := renderSummary(f, summary)
		if err != nil {
			return nil, err
		}
		reports = append(reports, model.Report{Format: f, Content: content})
	}

	return &model.AnalysisOutcome{
		Reports:    reports,
		DurationMS: e.now().Sub(start).Milliseconds(),
		Model:      EchoModel,
	}, nil
}

type inputSummary struct {
	InputType string `json:"input_type"`
	Filename  string `json:"filename,omitempty"`
	Lines     int    `json:"lines,omitempty"`
	Bytes     int    `json:"bytes"`
	Language  string `json:"language"`
	TopN      int    `json:"topn"`
}

func summarize(req *model.AnalyzeRequest) (inputSummary, error) {
	s := inputSummary{
		InputType: string(req.Input.Type),
		Filename:  req.Input.Filename,
		Language:  req.Language,
		TopN:      req.TopN,
	}
	if req.Input.Type == model.InputTypeImage {
		data, err := base64.StdEncoding.DecodeString(req.Input.DataB64)
		if err != nil {
			return s, Errorf("Image payload is not valid base64.")
		}
		s.Bytes = len(data)
		return s, nil
	}
	s.Bytes = len(req.Input.Content)
	s.Lines = strings.Count(strings.TrimRight(req.Input.Content, "\n"), "\n") + 1
	return s, nil
}

func renderSummary(format model.ReportFormat, s inputSummary) (string, error) {
	switch format {
	case model.ReportFormatJSON, model.ReportFormatThreatDragon:
		b, err := json.Marshal(s)
		if err != nil {
			return "", fmt.Errorf("encode summary: %w", err)
		}
		return string(b), nil
	case model.ReportFormatHTML:
		return fmt.Sprintf("<h1>Threat Thinker (echo)</h1><p>%s input, %d bytes</p>", s.InputType, s.Bytes), nil
	default:
		var b strings.Builder
		b.WriteString("# Threat Thinker (echo)\n\n")
		fmt.Fprintf(&b, "- Input type: %s\n", s.InputType)
		if s.Filename != "" {
			fmt.Fprintf(&b, "- File: %s\n", s.Filename)
		}
		if s.Lines > 0 {
			fmt.Fprintf(&b, "- Lines: %d\n", s.Lines)
		}
		fmt.Fprintf(&b, "- Bytes: %d\n", s.Bytes)
		fmt.Fprintf(&b, "- Language: %s\n", s.Language)
		return b.String(), nil
	}
}
