package generator

import (
	"context"
	"fmt"
	"strings"

	"github.com/storywell/storywell-api/internal/common"
	"github.com/storywell/storywell-api/internal/interfaces"
	"github.com/storywell/storywell-api/internal/models"
)

// Generator produces story text, cover art, and narration audio for a leased
// job, reporting progress at each stage boundary (spec §4.3).
type Generator struct {
	client *client
	logger *common.Logger
}

// Config configures the Generator's underlying Gemini client.
type Config struct {
	APIKey     string
	TextModel  string
	ImageModel string
	VoiceModel string
}

// New constructs a Generator backed by the Google GenAI SDK.
func New(ctx context.Context, cfg Config, logger *common.Logger) (*Generator, error) {
	c, err := newClient(ctx, cfg.APIKey,
		withTextModel(cfg.TextModel),
		withImageModel(cfg.ImageModel),
		withVoiceModel(cfg.VoiceModel),
		withLogger(logger))
	if err != nil {
		return nil, err
	}
	return &Generator{client: c, logger: logger}, nil
}

// Generate dispatches on the job's kind and drives it through content,
// image, and audio stages, reporting progress as it goes (spec §4.3, §3
// ProgressStage).
func (g *Generator) Generate(ctx context.Context, job *models.Job, report interfaces.ProgressFunc) (*models.JobResult, error) {
	switch job.Kind {
	case models.JobKindStoryForPrompt:
		return g.generateStoryForPrompt(ctx, job, report)
	case models.JobKindStoryForChild:
		return g.generateStoryForChild(ctx, job, report)
	case models.JobKindVoiceClone:
		return g.generateVoiceClone(ctx, job, report)
	default:
		return nil, models.NewPermanentError(fmt.Sprintf("unknown job kind %q", job.Kind), nil)
	}
}

func (g *Generator) generateStoryForPrompt(ctx context.Context, job *models.Job, report interfaces.ProgressFunc) (*models.JobResult, error) {
	payload := job.StoryForPrompt
	if payload == nil {
		return nil, models.NewPermanentError("story_for_prompt job missing payload", nil)
	}
	if strings.TrimSpace(payload.Prompt) == "" {
		return nil, models.NewPermanentError("prompt must not be empty", nil)
	}

	text, err := g.client.generateText(ctx, buildStoryPrompt(payload))
	if err != nil {
		return nil, classifyProviderError(err)
	}

	if err := report(models.StageGeneratingImage); err != nil {
		return nil, err
	}
	if _, err := g.client.generateImageDescription(ctx, buildCoverPrompt(text)); err != nil {
		return nil, classifyProviderError(err)
	}

	if err := report(models.StageGeneratingAudio); err != nil {
		return nil, err
	}
	if _, err := g.client.generateVoiceDescription(ctx, buildNarrationPrompt(text, payload.Language)); err != nil {
		return nil, classifyProviderError(err)
	}

	return &models.JobResult{ArtifactID: newArtifactID(job), Title: firstLine(text)}, nil
}

func (g *Generator) generateStoryForChild(ctx context.Context, job *models.Job, report interfaces.ProgressFunc) (*models.JobResult, error) {
	payload := job.StoryForChild
	if payload == nil {
		return nil, models.NewPermanentError("story_for_child job missing payload", nil)
	}
	if payload.KidID == "" {
		return nil, models.NewPermanentError("kid_id must not be empty", nil)
	}

	text, err := g.client.generateText(ctx, buildPersonalizedStoryPrompt(payload))
	if err != nil {
		return nil, classifyProviderError(err)
	}

	if err := report(models.StageGeneratingImage); err != nil {
		return nil, err
	}
	if _, err := g.client.generateImageDescription(ctx, buildCoverPrompt(text)); err != nil {
		return nil, classifyProviderError(err)
	}

	if err := report(models.StageGeneratingAudio); err != nil {
		return nil, err
	}
	if _, err := g.client.generateVoiceDescription(ctx, buildNarrationPrompt(text, payload.Language)); err != nil {
		return nil, classifyProviderError(err)
	}

	return &models.JobResult{ArtifactID: newArtifactID(job), Title: firstLine(text)}, nil
}

func (g *Generator) generateVoiceClone(ctx context.Context, job *models.Job, report interfaces.ProgressFunc) (*models.JobResult, error) {
	payload := job.VoiceClone
	if payload == nil {
		return nil, models.NewPermanentError("voice_clone job missing payload", nil)
	}
	if len(payload.SampleURIs) == 0 {
		return nil, models.NewPermanentError("voice_clone requires at least one sample", nil)
	}

	if err := report(models.StageGeneratingAudio); err != nil {
		return nil, err
	}
	if _, err := g.client.generateVoiceDescription(ctx, buildVoiceClonePrompt(payload)); err != nil {
		return nil, classifyProviderError(err)
	}

	return &models.JobResult{ArtifactID: newArtifactID(job), Title: payload.VoiceName}, nil
}

func buildStoryPrompt(p *models.StoryForPromptPayload) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write a children's story in %s for ages %d-%d.\n", p.Language, p.AgeMin, p.AgeMax)
	if len(p.ThemeIDs) > 0 {
		fmt.Fprintf(&sb, "Themes: %s.\n", strings.Join(p.ThemeIDs, ", "))
	}
	fmt.Fprintf(&sb, "Prompt from the reader: %s\n", p.Prompt)
	sb.WriteString("Keep it warm, age-appropriate, and under 800 words.")
	return sb.String()
}

func buildPersonalizedStoryPrompt(p *models.StoryForChildPayload) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write a children's story in %s starring the child with profile id %s.\n", p.Language, p.KidID)
	if len(p.ThemeIDs) > 0 {
		fmt.Fprintf(&sb, "Themes: %s.\n", strings.Join(p.ThemeIDs, ", "))
	}
	sb.WriteString("Keep it warm, age-appropriate, and under 800 words.")
	return sb.String()
}

func buildCoverPrompt(storyText string) string {
	return fmt.Sprintf("Illustrate a children's book cover for the following story:\n\n%s", truncate(storyText, 2000))
}

func buildNarrationPrompt(storyText, language string) string {
	return fmt.Sprintf("Narrate the following story aloud in %s, warm and gentle tone:\n\n%s", language, truncate(storyText, 4000))
}

func buildVoiceClonePrompt(p *models.VoiceClonePayload) string {
	return fmt.Sprintf("Clone the voice named %q in %s from %d sample recording(s) for future narrations.",
		p.VoiceName, p.Language, len(p.SampleURIs))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return strings.TrimSpace(s)
}

func newArtifactID(job *models.Job) string {
	return fmt.Sprintf("%s-%s", job.Kind, job.ID)
}

var _ interfaces.Generator = (*Generator)(nil)
