package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/threat-thinker/ttserve/internal/core"
	"github.com/threat-thinker/ttserve/internal/domain/model"
)

const maxEngineResponseBytes = 32 << 20

// HTTPEngineConfig configures an HTTPEngine.
type HTTPEngineConfig struct {
	URL       string
	Provider  string
	Model     string
	Preflight Preflight
	Client    *http.Client
	Logger    *slog.Logger
}

// HTTPEngine delegates analysis to a remote engine service. The request
// context carries the job deadline, so a slow engine is abandoned when the
// deadline passes.
type HTTPEngine struct {
	url       string
	provider  string
	model     string
	preflight Preflight
	client    *http.Client
	logger    *slog.Logger
}

var _ core.AnalysisEngine = (*HTTPEngine)(nil)

// NewHTTPEngine builds an HTTPEngine.
func NewHTTPEngine(cfg HTTPEngineConfig) (*HTTPEngine, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("engine url is required")
	}
	hc := cfg.Client
	if hc == nil {
		// Deadlines come from the job context.
		hc = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pf := cfg.Preflight
	if pf.Provider == "" {
		pf.Provider = cfg.Provider
	}
	if pf.Logger == nil {
		pf.Logger = logger
	}

	return &HTTPEngine{
		url:       url,
		provider:  cfg.Provider,
		model:     cfg.Model,
		preflight: pf,
		client:    hc,
		logger:    logger.With("component", "http_engine"),
	}, nil
}

type engineRequest struct {
	*model.AnalyzeRequest
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

type engineErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

// Analyze posts req to the engine and decodes its reports.
func (e *HTTPEngine) Analyze(ctx context.Context, req *model.AnalyzeRequest) (*model.AnalysisOutcome, error) {
	if req == nil {
		return nil, Errorf("Analyze request is empty.")
	}
	if err := e.preflight.Check(req); err != nil {
		return nil, err
	}

	body, err := json.Marshal(engineRequest{AnalyzeRequest: req, Provider: e.provider, Model: e.model})
	if err != nil {
		return nil, fmt.Errorf("encode engine request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create engine request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("engine request: %w", ctxErr)
		}
		return nil, fmt.Errorf("engine request failed: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			e.logger.Debug("close engine response body", "error", cerr)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxEngineResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read engine response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, e.errorFromResponse(resp.StatusCode, raw)
	}

	var out model.AnalysisOutcome
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode engine response: %w", err)
	}
	if out.DurationMS <= 0 {
		out.DurationMS = time.Since(start).Milliseconds()
	}
	if out.Model == "" {
		out.Model = e.model
	}
	return &out, nil
}

// errorFromResponse turns an engine error body into a declared failure when
// it carries a message; otherwise the status alone is an unexpected error.
func (e *HTTPEngine) errorFromResponse(status int, raw []byte) error {
	var body engineErrorBody
	if err := json.Unmarshal(raw, &body); err == nil {
		msg := strings.TrimSpace(body.Message)
		if msg == "" {
			msg = strings.TrimSpace(body.Detail)
		}
		if msg == "" {
			msg = strings.TrimSpace(body.Error)
		}
		if msg != "" {
			return &Error{Message: msg, Cause: fmt.Errorf("engine status %d", status)}
		}
	}
	snippet := strings.TrimSpace(string(raw))
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	return fmt.Errorf("engine status %d: %s", status, snippet)
}
