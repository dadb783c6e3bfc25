package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"storyline/internal/domain"
	"storyline/internal/llm"
)

const (
	placeholderUserInput = "{user_input}"
	placeholderTestType  = "{type_test}"
	placeholderLanguage  = "{language}"
)

// buildPrompt fills the task's placeholders. An absent test type or
// language removes its placeholder.
func (e Engine) buildPrompt(ctx context.Context, task domain.TaskPayload) llm.Prompt {
	p := task.PromptPayload
	log := e.logger()

	if !strings.Contains(p.User, placeholderUserInput) && p.UserInput != "" {
		log.Debug(ctx, "user turn has no placeholder", zap.String("placeholder", placeholderUserInput))
	}
	r := strings.NewReplacer(
		placeholderTestType, deref(task.TestType),
		placeholderLanguage, deref(task.TargetLanguage),
	)
	user := strings.ReplaceAll(r.Replace(p.User), placeholderUserInput, p.UserInput)
	joined := p.System + p.User + p.Assistant
	if task.TestType != nil && !strings.Contains(joined, placeholderTestType) {
		log.Debug(ctx, "prompt has no placeholder", zap.String("placeholder", placeholderTestType))
	}
	if task.TargetLanguage != nil && !strings.Contains(joined, placeholderLanguage) {
		log.Debug(ctx, "prompt has no placeholder", zap.String("placeholder", placeholderLanguage))
	}
	return llm.Prompt{
		System:    r.Replace(p.System),
		User:      user,
		Assistant: r.Replace(p.Assistant),
	}
}
