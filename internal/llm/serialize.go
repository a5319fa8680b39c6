package llm

import (
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/chatstream/internal/domain"
)

// AttachmentSeparator sits between a message's own text and the text
// extracted from its attachments.
const AttachmentSeparator = "\n\n--- Attached files ---\n"

// MessageContent returns the text sent to the provider for m: its content,
// followed by one "[name]" block per attachment with extracted text.
func MessageContent(m domain.Message) string {
	var parts []string
	for _, a := range m.Attachments {
		if a.Content != "" {
			parts = append(parts, "["+a.Name+"]\n"+a.Content)
		}
	}
	if len(parts) == 0 {
		return m.Content
	}
	return m.Content + AttachmentSeparator + strings.Join(parts, "\n\n")
}

// ToAPIMessages converts history into the provider's {role, content} shape.
func ToAPIMessages(msgs []domain.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: MessageContent(m),
		})
	}
	return out
}
