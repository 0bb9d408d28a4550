package llm

import (
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

// sanitizeMessages rebuilds an OpenAI message list so that every
// role=tool message (a) carries a tool_call_id, (b) sits immediately
// after the assistant message that announced that id — after any tool
// messages already placed for the same assistant — and (c) appears at
// most once per id. Orphaned or duplicate tool messages are dropped
// with a warning. The API rejects the whole request otherwise.
func sanitizeMessages(msgs []openai.ChatCompletionMessage, log *slog.Logger) []openai.ChatCompletionMessage {
	if log == nil {
		log = slog.Default()
	}

	type block struct {
		msg     openai.ChatCompletionMessage
		results []openai.ChatCompletionMessage
	}

	// Pass 1: every non-tool message becomes a block, remembering
	// which block announced each tool call id.
	var blocks []*block
	announced := make(map[string]*block)
	for _, m := range msgs {
		if m.Role == openai.ChatMessageRoleTool {
			continue
		}
		b := &block{msg: m}
		blocks = append(blocks, b)
		for _, tc := range m.ToolCalls {
			announced[tc.ID] = b
		}
	}

	// Pass 2: splice each tool message after its announcing assistant,
	// preserving input order within the batch.
	used := make(map[string]bool)
	for _, m := range msgs {
		if m.Role != openai.ChatMessageRoleTool {
			continue
		}
		if m.ToolCallID == "" {
			log.Warn("dropping tool message without tool_call_id")
			continue
		}
		b, ok := announced[m.ToolCallID]
		if !ok {
			log.Warn("dropping tool message with unannounced id", "tool_call_id", m.ToolCallID)
			continue
		}
		if used[m.ToolCallID] {
			log.Warn("dropping duplicate tool message", "tool_call_id", m.ToolCallID)
			continue
		}
		used[m.ToolCallID] = true
		b.results = append(b.results, m)
	}

	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, b := range blocks {
		out = append(out, b.msg)
		out = append(out, b.results...)
	}
	return out
}
