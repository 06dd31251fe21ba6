package config

import (
	"fmt"
	"strings"
	"time"
)

// EngineMode selects the analysis engine implementation.
type EngineMode string

const (
	// EngineModeHTTP delegates analysis to a remote engine over HTTP.
	EngineModeHTTP EngineMode = "http"
	// EngineModeEcho produces a summary report locally; used for development.
	EngineModeEcho EngineMode = "echo"
)

// UnmarshalText implements encoding.TextUnmarshaler for EngineMode.
func (m *EngineMode) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	switch v {
	case "http", "echo":
		*m = EngineMode(v)
		return nil
	default:
		return fmt.Errorf("invalid EngineMode: %q (valid options: http, echo)", v)
	}
}

// EngineConfig describes the analysis engine and the inputs it accepts.
type EngineConfig struct {
	Mode     EngineMode `env:"ENGINE_MODE"     envDefault:"http"`
	URL      string     `env:"ENGINE_URL"      envDefault:"http://localhost:9000/analyze"`
	Provider string     `env:"ENGINE_PROVIDER" envDefault:"openai"`
	Model    string     `env:"ENGINE_MODEL"    envDefault:"gpt-4.1-mini"`

	AllowedInputs   []string `env:"ENGINE_ALLOWED_INPUTS"    envDefault:"mermaid,drawio,threat-dragon,image"`
	Autodetect      bool     `env:"ENGINE_AUTODETECT"        envDefault:"true"`
	DefaultFormat   string   `env:"ENGINE_DEFAULT_FORMAT"    envDefault:"markdown"`
	DefaultLanguage string   `env:"ENGINE_DEFAULT_LANGUAGE"  envDefault:"en"`
}

// Sanitize normalises engine settings.
func (e *EngineConfig) Sanitize() {
	e.URL = strings.TrimSpace(e.URL)
	e.Provider = strings.ToLower(strings.TrimSpace(e.Provider))
	if e.Provider == "" {
		e.Provider = "openai"
	}
	e.Model = strings.TrimSpace(e.Model)

	inputs := make([]string, 0, len(e.AllowedInputs))
	for _, in := range e.AllowedInputs {
		// threat_dragon and threat-dragon name the same input.
		in = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(in)), "_", "-")
		if in != "" {
			inputs = append(inputs, in)
		}
	}
	e.AllowedInputs = inputs

	if e.DefaultFormat = strings.TrimSpace(e.DefaultFormat); e.DefaultFormat == "" {
		e.DefaultFormat = "markdown"
	}
	if e.DefaultLanguage = strings.TrimSpace(e.DefaultLanguage); e.DefaultLanguage == "" {
		e.DefaultLanguage = "en"
	}
}

// InputAllowed reports whether the input type is enabled.
func (e *EngineConfig) InputAllowed(inputType string) bool {
	for _, in := range e.AllowedInputs {
		if in == inputType {
			return true
		}
	}
	return false
}

// TimeoutConfig holds execution deadlines.
type TimeoutConfig struct {
	AnalyzeSeconds int `env:"TIMEOUT_ANALYZE_SECONDS" envDefault:"90"`
}

// Sanitize applies guardrails to timeouts.
func (t *TimeoutConfig) Sanitize() {
	if t.AnalyzeSeconds < 1 {
		t.AnalyzeSeconds = 1
	}
}

// Analyze returns the per-job deadline.
func (t *TimeoutConfig) Analyze() time.Duration {
	return time.Duration(t.AnalyzeSeconds) * time.Second
}
