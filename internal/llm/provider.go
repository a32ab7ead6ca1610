package llm

import "context"

// Provider generates free text from a prompt.
// Implementations wrap one backend model; the Chain composes several.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Response, error)

	// ModelID returns the model identifier this provider is configured to use.
	ModelID() string
}

// Request describes what to send to the model.
type Request struct {
	// Prompt is the full instruction text built by the prompts package.
	Prompt string

	// Documents are optional reference materials attached to the prompt.
	Documents []Document

	// Temperature controls randomness. Zero leaves the backend default.
	Temperature float64

	// MaxTokens caps the response length. Zero leaves the backend default.
	MaxTokens int
}

// Document is a reference file attached to a generation request.
type Document struct {
	Name     string
	MIMEType string
	Data     []byte
}

// IsText reports whether the document can be inlined into a prompt as text.
func (d Document) IsText() bool {
	switch d.MIMEType {
	case "text/plain", "text/markdown", "text/csv":
		return true
	}
	return false
}

// Response holds the model output.
type Response struct {
	Text  string
	Model string
}
