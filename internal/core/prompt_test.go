package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"sitebot.dev/chatbot/internal/store"
)

func TestComposePrompt_WrapsContextAndEndsWithQuery(t *testing.T) {
	bot := testBot()
	req := ComposePrompt(&bot, "Acme sells widgets.", []PriorTurn{
		{Role: store.RoleUser, Content: "earlier"},
		{Role: store.RoleAssistant, Content: "assistant reply"},
		{Role: store.RoleUser, Content: "  "},
	}, "What do you sell?")

	assert.Contains(t, req.System, "Sunny")
	assert.Contains(t, req.System, "Acme")
	assert.True(t, strings.HasSuffix(req.System, "START CONTEXT BLOCK\nAcme sells widgets.\nEND OF CONTEXT BLOCK"))
	assert.NotContains(t, req.System, "assistant reply")
	assert.Equal(t, []string{"earlier", "What do you sell?"}, req.UserTurns)
	assert.Empty(t, req.Model)
}

func TestComposePrompt_LengthDirective(t *testing.T) {
	tests := []struct {
		length store.ResponseLength
		want   string
	}{
		{store.ResponseShort, "one or two sentences"},
		{store.ResponseMedium, "three to five sentences"},
		{store.ResponseLong, "six to ten sentences"},
		{"", "three to five sentences"},
	}
	for _, tt := range tests {
		t.Run(string(tt.length), func(t *testing.T) {
			bot := testBot()
			bot.ResponseLength = tt.length
			req := ComposePrompt(&bot, "", nil, "q")
			assert.Contains(t, req.System, tt.want)
		})
	}
}

func TestComposePrompt_Guidelines(t *testing.T) {
	bot := testBot()
	req := ComposePrompt(&bot, "", nil, "q")
	assert.NotContains(t, req.System, "guidelines from the site owner")

	bot.Guidelines = "Always answer in a friendly tone."
	req = ComposePrompt(&bot, "", nil, "q")
	assert.Contains(t, req.System, "guidelines from the site owner")
	assert.Contains(t, req.System, "Always answer in a friendly tone.")
}

func TestComposePrompt_MissingCompanyName(t *testing.T) {
	bot := testBot()
	bot.CompanyName = ""
	req := ComposePrompt(&bot, "", nil, "q")
	assert.Contains(t, req.System, "the support team of the company")
}

func TestModelSet_For(t *testing.T) {
	models := ModelSet{Standard: "std", Advanced: "adv"}
	assert.Equal(t, "std", models.For(store.TierStandard))
	assert.Equal(t, "adv", models.For(store.TierAdvanced))
	assert.Equal(t, "std", models.For(""))
	assert.Equal(t, "std", ModelSet{Standard: "std"}.For(store.TierAdvanced))
}
