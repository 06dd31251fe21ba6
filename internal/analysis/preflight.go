package analysis

import (
	"log/slog"
	"os"
	"strings"

	"github.com/threat-thinker/ttserve/internal/domain/model"
)

// Preflight rejects jobs the configured provider cannot run before any work
// is spent on them.
type Preflight struct {
	Provider      string
	AllowedInputs []string
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
	Logger    *slog.Logger
}

// Check returns an *Error when req cannot be analyzed.
func (p Preflight) Check(req *model.AnalyzeRequest) error {
	inputType := string(req.Input.Type)
	if len(p.AllowedInputs) > 0 && !contains(p.AllowedInputs, inputType) {
		return Errorf("Input type '%s' is not allowed.", inputType)
	}

	switch strings.ToLower(strings.TrimSpace(p.Provider)) {
	case "openai":
		if !p.hasEnv("OPENAI_API_KEY") {
			return Errorf("OPENAI_API_KEY is required for analysis.")
		}
	case "anthropic":
		if !p.hasEnv("ANTHROPIC_API_KEY") {
			return Errorf("ANTHROPIC_API_KEY is required for analysis.")
		}
	case "bedrock":
		if !p.hasEnv("AWS_PROFILE") && !(p.hasEnv("AWS_ACCESS_KEY_ID") && p.hasEnv("AWS_SECRET_ACCESS_KEY")) {
			p.logger().Warn("AWS credentials are not fully configured for Bedrock usage")
		}
	case "ollama":
		if req.Input.Type == model.InputTypeImage {
			return Errorf("Image inputs are not supported with the Ollama backend.")
		}
	}

	if req.Input.Type == model.InputTypeImage {
		if req.Input.DataB64 == "" {
			return Errorf("Image payload is empty.")
		}
	} else if strings.TrimSpace(req.Input.Content) == "" {
		return Errorf("Diagram content is empty.")
	}
	return nil
}

func (p Preflight) hasEnv(key string) bool {
	lookup := p.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(key)
	return ok && strings.TrimSpace(v) != ""
}

func (p Preflight) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
