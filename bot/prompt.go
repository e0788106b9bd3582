package bot

import (
	"github.com/snie2012/family-chat-local-ai/api"
	"github.com/snie2012/family-chat-local-ai/ollama"
)

// BuildPrompt turns history, oldest first, into chat turns behind a system
// turn. The assistant's own messages become assistant turns verbatim; every
// other message becomes a user turn prefixed with its sender's name so the
// model can tell family members apart.
func BuildPrompt(systemPrompt string, history []api.Message) []ollama.Message {
	turns := make([]ollama.Message, 0, len(history)+1)
	turns = append(turns, ollama.Message{Role: ollama.RoleSystem, Content: systemPrompt})
	for _, m := range history {
		if m.Sender.IsBot {
			turns = append(turns, ollama.Message{Role: ollama.RoleAssistant, Content: m.Body})
			continue
		}
		turns = append(turns, ollama.Message{
			Role:    ollama.RoleUser,
			Content: m.Sender.DisplayName + ": " + m.Body,
		})
	}
	return turns
}
