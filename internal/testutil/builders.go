package testutil

import (
	"github.com/threat-thinker/ttserve/internal/domain/model"
)

// AnalyzeRequestBuilder provides a fluent interface for building AnalyzeRequest objects for testing.
type AnalyzeRequestBuilder struct {
	req model.AnalyzeRequest
}

// NewAnalyzeRequest creates a builder holding a small mermaid diagram and default options.
func NewAnalyzeRequest() *AnalyzeRequestBuilder {
	req := model.NewAnalyzeRequest()
	req.Input = model.InputPayload{
		Type:    model.InputTypeMermaid,
		Content: "graph LR; User-->API; API-->DB",
	}
	req.ReportFormats = []model.ReportFormat{model.ReportFormatMarkdown}
	req.Language = "en"
	return &AnalyzeRequestBuilder{req: req}
}

// WithContent sets a text input of the given type.
func (b *AnalyzeRequestBuilder) WithContent(t model.InputType, content string) *AnalyzeRequestBuilder {
	b.req.Input = model.InputPayload{Type: t, Content: content}
	return b
}

// WithImage sets a base64 image input.
func (b *AnalyzeRequestBuilder) WithImage(contentType, dataB64 string) *AnalyzeRequestBuilder {
	b.req.Input = model.InputPayload{
		Type:        model.InputTypeImage,
		Filename:    "diagram.png",
		ContentType: contentType,
		DataB64:     dataB64,
	}
	return b
}

// WithFormats sets the requested report formats.
func (b *AnalyzeRequestBuilder) WithFormats(formats ...model.ReportFormat) *AnalyzeRequestBuilder {
	b.req.ReportFormats = formats
	return b
}

// WithTopN sets the threat cap.
func (b *AnalyzeRequestBuilder) WithTopN(n int) *AnalyzeRequestBuilder {
	b.req.TopN = n
	return b
}

// Build returns a copy of the constructed request.
func (b *AnalyzeRequestBuilder) Build() *model.AnalyzeRequest {
	out := b.req
	out.ReportFormats = append([]model.ReportFormat(nil), b.req.ReportFormats...)
	return &out
}

// MarkdownResult returns a single-report result as an engine stub would produce it.
func MarkdownResult(content string, durationMS int64, modelName string) *model.Result {
	return &model.Result{
		Reports:    []model.Report{{Format: model.ReportFormatMarkdown, Content: content}},
		DurationMS: durationMS,
		Model:      modelName,
	}
}
