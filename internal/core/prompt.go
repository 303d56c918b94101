package core

import (
	"fmt"
	"strings"

	"sitebot.dev/chatbot/internal/llm"
	"sitebot.dev/chatbot/internal/store"
)

const (
	contextStart = "START CONTEXT BLOCK"
	contextEnd   = "END OF CONTEXT BLOCK"
)

// PriorTurn is a turn the widget sends back with its next question.
type PriorTurn struct {
	Role    store.Role `json:"role"`
	Content string     `json:"content"`
}

// ModelSet maps a chatbot's tier to a concrete model name.
type ModelSet struct {
	Standard string
	Advanced string
}

func (m ModelSet) For(tier store.ModelTier) string {
	if tier == store.TierAdvanced && m.Advanced != "" {
		return m.Advanced
	}
	return m.Standard
}

func lengthDirective(length store.ResponseLength) string {
	switch length {
	case store.ResponseShort:
		return "Keep every answer short: one or two sentences."
	case store.ResponseLong:
		return "Give detailed answers of six to ten sentences when the context allows it."
	default:
		return "Keep answers to a moderate length of three to five sentences."
	}
}

// ComposePrompt builds the completion request for a query. Only prior user
// turns are replayed; the query is always the last turn.
func ComposePrompt(bot *store.Chatbot, contextText string, prior []PriorTurn, query string) llm.Request {
	company := strings.TrimSpace(bot.CompanyName)
	if company == "" {
		company = "the company"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, the AI assistant on the website of %s.\n", bot.Name, company)
	fmt.Fprintf(&sb, "Answer visitor questions about %s using the information inside the context block.\n", company)
	sb.WriteString("If the context does not contain the answer, say you don't know instead of guessing. Never invent facts, prices or links.\n")
	sb.WriteString(lengthDirective(bot.ResponseLength))
	sb.WriteString("\n")
	if guidelines := strings.TrimSpace(bot.Guidelines); guidelines != "" {
		sb.WriteString("\nFollow these guidelines from the site owner:\n")
		sb.WriteString(guidelines)
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "\nIf the visitor needs help you cannot give, point them to the support team of %s.\n", company)
	sb.WriteString("\n")
	sb.WriteString(contextStart)
	sb.WriteString("\n")
	sb.WriteString(contextText)
	sb.WriteString("\n")
	sb.WriteString(contextEnd)

	turns := make([]string, 0, len(prior)+1)
	for _, t := range prior {
		if t.Role != store.RoleUser || strings.TrimSpace(t.Content) == "" {
			continue
		}
		turns = append(turns, t.Content)
	}
	turns = append(turns, query)

	return llm.Request{System: sb.String(), UserTurns: turns}
}
