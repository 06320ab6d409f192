// Package prompt assembles per-tenant system prompts and conversation
// histories for the provider clients.
package prompt

import (
	"fmt"
	"strings"

	"embedchat/internal/providers"
	"embedchat/internal/storage"
)

// DefaultSystemPrompt is used when a tenant has not set its own base prompt.
const DefaultSystemPrompt = `You are an expert AI assistant helping software engineers become more AI-native in their development practices.

Your role is to:
1. Help developers use AI tools more effectively in their workflow
2. Provide practical, actionable advice for coding, debugging, and code review
3. Share best practices for prompting and working with AI assistants
4. Guide developers on integrating AI into their development process

Be concise, practical, and focused on immediate value. Use code examples when helpful.`

type Builder struct {
	// BasePrompt overrides DefaultSystemPrompt platform-wide when set.
	BasePrompt string
}

// SystemPrompt concatenates the base prompt with the tenant's optional
// sections in fixed order. Empty sections are dropped entirely, so the
// output never carries consecutive blank lines.
func (b Builder) SystemPrompt(t storage.Tenant) string {
	parts := []string{b.basePrompt(t)}

	if section := strings.TrimSpace(t.Policies); section != "" {
		parts = append(parts, "## Company Policies:\n"+section)
	}
	if section := strings.TrimSpace(t.CodingStandards); section != "" {
		parts = append(parts, "## Coding Standards:\nWhen providing code examples or reviewing code, follow these standards:\n"+section)
	}
	if section := strings.TrimSpace(t.WorkCulture); section != "" {
		parts = append(parts, "## Work Culture:\nKeep in mind the following aspects of our work culture:\n"+section)
	}
	if tech := techStack(t.TechStack); tech != "" {
		parts = append(parts, "## Tech Stack:\nThe company primarily uses: "+tech+"\nTailor your advice and examples to these technologies when relevant.")
	}

	return strings.Join(parts, "\n\n")
}

func (b Builder) basePrompt(t storage.Tenant) string {
	if base := strings.TrimSpace(t.SystemPrompt); base != "" {
		return base
	}
	if base := strings.TrimSpace(b.BasePrompt); base != "" {
		return base
	}
	return DefaultSystemPrompt
}

// History reduces persisted messages to provider form, preserving creation
// order. The caller appends the new user turn itself so the just-persisted
// message is never duplicated.
func History(messages []storage.Message) []providers.Message {
	out := make([]providers.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, providers.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// ContextSuffix renders the session's user context as a block appended to
// the system prompt. Returns "" when no recognized field is present.
func ContextSuffix(userContext map[string]string) string {
	if len(userContext) == 0 {
		return ""
	}

	var lines []string
	if role := strings.TrimSpace(userContext["role"]); role != "" {
		lines = append(lines, "The user's role is: "+role)
	}
	if team := strings.TrimSpace(userContext["team"]); team != "" {
		lines = append(lines, fmt.Sprintf("The user is on the %s team", team))
	}
	if level := strings.TrimSpace(userContext["experience_level"]); level != "" {
		lines = append(lines, "Their experience level is: "+level)
	}
	if len(lines) == 0 {
		return ""
	}

	return "\n## User Context:\n" + strings.Join(lines, "\n")
}

func techStack(stack []string) string {
	cleaned := make([]string, 0, len(stack))
	for _, item := range stack {
		if s := strings.TrimSpace(item); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return strings.Join(cleaned, ", ")
}
