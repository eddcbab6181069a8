package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jonathan/video-publisher/internal/prompts"
)

// maxDescriptionRunes caps generated descriptions.
const maxDescriptionRunes = 1000

// CopyInput is what a copywriter knows about a clip.
type CopyInput struct {
	Title            string
	OriginalFilename string
	Tags             []string
	// TagsSynthetic marks placeholder tags that must not be presented as content.
	TagsSynthetic bool
}

// Copywriter produces a plain-text listing description. It never fails.
type Copywriter interface {
	Describe(ctx context.Context, in CopyInput) string
}

// TemplateCopywriter renders a fixed, deterministic description.
type TemplateCopywriter struct{}

// Describe implements Copywriter.
func (TemplateCopywriter) Describe(_ context.Context, in CopyInput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Watermarked preview of the video clip %s.", in.OriginalFilename)
	if len(in.Tags) > 0 && !in.TagsSynthetic {
		fmt.Fprintf(&sb, " Featuring: %s.", strings.Join(in.Tags, ", "))
	}
	sb.WriteString(" The full-resolution file is delivered after purchase.")
	return sb.String()
}

// ModelCopywriter asks a generative model for the description and falls
// back to the template on any error.
type ModelCopywriter struct {
	client   Client
	fallback TemplateCopywriter
	timeout  time.Duration
	logger   *zap.Logger
}

// NewModelCopywriter creates a model-backed copywriter.
func NewModelCopywriter(client Client, timeout time.Duration, logger *zap.Logger) *ModelCopywriter {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelCopywriter{client: client, timeout: timeout, logger: logger}
}

// Describe implements Copywriter.
func (m *ModelCopywriter) Describe(ctx context.Context, in CopyInput) string {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	prompt, err := BuildDescriptionPrompt(in)
	if err != nil {
		m.logger.Error("failed to build description prompt", zap.Error(err))
		return m.fallback.Describe(ctx, in)
	}

	text, err := m.client.GenerateContent(ctx, prompt, TierLite)
	if err != nil {
		m.logger.Warn("description generation failed, using template", zap.String("title", in.Title), zap.Error(err))
		return m.fallback.Describe(ctx, in)
	}

	desc := CleanDescription(text)
	if desc == "" {
		m.logger.Warn("description generation returned nothing, using template", zap.String("title", in.Title))
		return m.fallback.Describe(ctx, in)
	}
	return desc
}

// BuildDescriptionPrompt constructs the prompt for a listing description.
// Synthetic tags are left out so the model does not describe placeholders.
func BuildDescriptionPrompt(in CopyInput) (string, error) {
	content := ""
	if len(in.Tags) > 0 && !in.TagsSynthetic {
		var err error
		content, err = prompts.Render(prompts.Listing, "detected-content", map[string]string{
			"Tags": strings.Join(in.Tags, ", "),
		})
		if err != nil {
			return "", err
		}
	}
	return prompts.Render(prompts.Listing, "describe-clip", map[string]string{
		"Filename": in.OriginalFilename,
		"Content":  content,
	})
}

// CleanDescription strips markdown wrappers and whitespace and caps the length.
func CleanDescription(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}
	text = strings.Trim(strings.TrimSpace(text), `"`)
	text = strings.Join(strings.Fields(text), " ")

	if r := []rune(text); len(r) > maxDescriptionRunes {
		text = string(r[:maxDescriptionRunes])
	}
	return text
}
