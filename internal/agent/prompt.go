package agent

import (
	"strings"

	"github.com/kalambet/ferret/internal/engine"
	"github.com/kalambet/ferret/internal/memory"
	"github.com/kalambet/ferret/internal/storage"
)

// SystemPrompt frames every research chat.
const SystemPrompt = `You are a research assistant for policy debate.

Your capabilities:
1. Answer questions about policy, evidence and debate arguments accurately
2. Help with debate research and card cutting
3. Explain complex topics plainly
4. Remember context from the current conversation

When given relevant memories from past conversations, use them to give context-aware answers.
Be concise but thorough.`

// buildMessages assembles the chat sent to the generator: the system prompt,
// recalled memories as a second system message, recent turns in order, then
// the query.
func buildMessages(query string, memories []memory.Fragment, history []storage.Turn) []engine.Message {
	msgs := make([]engine.Message, 0, len(history)+3)
	msgs = append(msgs, engine.Message{Role: "system", Content: SystemPrompt})

	if len(memories) > 0 {
		var sb strings.Builder
		sb.WriteString("Relevant information from past conversations:\n")
		for _, m := range memories {
			sb.WriteString("- ")
			sb.WriteString(m.Text)
			sb.WriteString("\n")
		}
		msgs = append(msgs, engine.Message{Role: "system", Content: sb.String()})
	}

	for _, t := range history {
		if t.Role != "user" && t.Role != "assistant" {
			continue
		}
		msgs = append(msgs, engine.Message{Role: t.Role, Content: t.Content})
	}

	msgs = append(msgs, engine.Message{Role: "user", Content: query})
	return msgs
}
