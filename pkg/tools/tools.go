// Package tools routes model-issued tool calls to a live or simulated
// provider and keeps the per-session record of every call.
package tools

import (
	"context"
	"errors"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/teslashibe/friday/pkg/live"
)

// Tool names.
const (
	ListEmails     = "listEmails"
	SearchInternet = "searchInternet"
	SendEmail      = "sendEmail"
)

// DefaultEmailCount is used when listEmails gets no usable count.
const DefaultEmailCount = 3

// Errors.
var (
	ErrUnsupported     = errors.New("tools: operation not supported by provider")
	ErrMissingArgument = errors.New("tools: missing required argument")
	ErrNoProvider      = errors.New("tools: no provider configured")
)

// Email is one inbox entry as returned to the model.
type Email struct {
	From    string `json:"from"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Provider implements the three tools. The live (Gmail) and simulated
// providers are interchangeable.
type Provider interface {
	ListEmails(ctx context.Context, count int) ([]Email, error)
	SendEmail(ctx context.Context, to, subject, body string) (string, error)
	SearchInternet(ctx context.Context, query string) (string, error)
}

// Declarations returns the tool declarations sent in the session setup.
func Declarations() []live.ToolDeclaration {
	return []live.ToolDeclaration{
		{
			Name:        ListEmails,
			Description: "List the latest emails from the user's inbox.",
			Parameters: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"count": {Type: "number", Description: "Number of emails to fetch (default 3)"},
				},
			},
		},
		{
			Name:        SearchInternet,
			Description: "Search the internet for real-time information.",
			Parameters: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"query": {Type: "string", Description: "The search query"},
				},
				Required: []string{"query"},
			},
		},
		{
			Name:        SendEmail,
			Description: "Send an email to a recipient.",
			Parameters: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"to":      {Type: "string", Description: "Recipient email address"},
					"subject": {Type: "string", Description: "Email subject"},
					"body":    {Type: "string", Description: "Email body content"},
				},
				Required: []string{"to", "subject", "body"},
			},
		},
	}
}

// Envelope wraps a dispatch result in the tool response body.
func Envelope(result any) map[string]any {
	return map[string]any{"result": result}
}
