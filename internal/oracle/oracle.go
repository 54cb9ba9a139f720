// Package oracle talks to the external scoring oracle, an OpenAI-compatible
// chat completion service treated as a black-box text generator.
package oracle

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ndtrung87864/examgate/internal/apperr"
)

// DefaultModel is used when neither the assessment nor the configuration
// names a model.
const DefaultModel = "llama3.2"

const systemPrompt = "You are an impartial grader for a learning-management system. " +
	"Follow the reply format requested in the user message exactly."

// Attachment is a file sent along with a prompt.
type Attachment struct {
	Name     string
	MimeType string
	Data     []byte
}

// Oracle generates free text for a prompt and an optional file.
type Oracle interface {
	Generate(ctx context.Context, prompt string, file *Attachment, modelID string) (string, error)
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api         *openai.Client
	model       string
	temperature float32
}

// New creates a new oracle client. modelName is the default model for
// calls that do not name one.
func New(baseURL, apiKey, modelName string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	return &Client{
		api:         openai.NewClientWithConfig(config),
		model:       modelName,
		temperature: 0.1,
	}
}

// Model returns the default model name.
func (c *Client) Model() string {
	return c.model
}

// Ping checks that the service is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("%w: list models: %w", apperr.ErrOracleUnavailable, err)
	}
	return nil
}

// Generate sends one prompt, with an optional file, and returns the reply
// text. Transport and API failures wrap apperr.ErrOracleUnavailable; a
// content-policy block wraps apperr.ErrOracleRefusal. Nothing is retried.
func (c *Client) Generate(ctx context.Context, prompt string, file *Attachment, modelID string) (string, error) {
	if modelID == "" {
		modelID = c.model
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: modelID,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			userMessage(prompt, file),
		},
		Temperature: c.temperature,
	})
	if err != nil {
		if isPolicyError(err) {
			return "", fmt.Errorf("%w: %w", apperr.ErrOracleRefusal, err)
		}
		return "", fmt.Errorf("%w: chat completion: %w", apperr.ErrOracleUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", apperr.ErrOracleUnavailable)
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter || choice.Message.Refusal != "" {
		slog.Warn("oracle refused", "model", modelID, "finish_reason", choice.FinishReason)
		return "", fmt.Errorf("%w: %s", apperr.ErrOracleRefusal, choice.Message.Refusal)
	}

	slog.Debug("oracle response", "model", modelID, "raw", choice.Message.Content)
	return choice.Message.Content, nil
}

func userMessage(prompt string, file *Attachment) openai.ChatCompletionMessage {
	if file == nil || len(file.Data) == 0 {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt}
	}

	parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: prompt}}
	mime := strings.ToLower(file.MimeType)
	switch {
	case strings.HasPrefix(mime, "image/"):
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(file.Data),
				Detail: openai.ImageURLDetailAuto,
			},
		})
	case IsText(mime):
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: fmt.Sprintf("Attached file %q:\n\n%s", file.Name, file.Data),
		})
	default:
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: fmt.Sprintf("Attached file %q (%s), base64-encoded:\n\n%s",
				file.Name, mime, base64.StdEncoding.EncodeToString(file.Data)),
		})
	}
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}

// IsText reports whether a mime type can be sent to the oracle as plain text.
func IsText(mime string) bool {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if strings.HasPrefix(mime, "text/") {
		return true
	}
	switch mime {
	case "application/json", "application/xml", "application/x-markdown":
		return true
	}
	return false
}

func isPolicyError(err error) bool {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := strings.ToLower(fmt.Sprint(apiErr.Code))
	return strings.Contains(code, "content_filter") || strings.Contains(code, "content_policy")
}
