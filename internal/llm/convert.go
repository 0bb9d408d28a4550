package llm

import (
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"

	"github.com/ocelotbot/ocelot/internal/parts"
	"github.com/ocelotbot/ocelot/pkg/models"
)

// toGenaiContents converts internal turns to the Gemini wire format.
// Tool results are delivered from the user side, matching what the
// API expects for function responses.
func toGenaiContents(convo []*models.Content) []*genai.Content {
	out := make([]*genai.Content, 0, len(convo))
	for _, turn := range convo {
		content := &genai.Content{}
		switch turn.Role {
		case models.RoleModel:
			content.Role = genai.RoleModel
		default:
			content.Role = genai.RoleUser
		}
		for _, p := range turn.Parts {
			if gp := partToGenai(p); gp != nil {
				content.Parts = append(content.Parts, gp)
			}
		}
		// Empty model turns are kept for structural continuity in OUR
		// history but mean nothing to the API; skip them here.
		if len(content.Parts) == 0 {
			continue
		}
		out = append(out, content)
	}
	return out
}

func partToGenai(p models.Part) *genai.Part {
	switch {
	case p.ToolCall != nil:
		return &genai.Part{FunctionCall: &genai.FunctionCall{
			Name: p.ToolCall.Name,
			Args: p.ToolCall.Args,
		}}
	case p.ToolResponse != nil:
		return &genai.Part{FunctionResponse: &genai.FunctionResponse{
			Name:     p.ToolResponse.Name,
			Response: p.ToolResponse.Response,
		}}
	case p.Text != "":
		return &genai.Part{Text: p.Text}
	default:
		return nil
	}
}

// genaiCandidateTurn converts the first candidate of a response into
// an internal model turn plus its finish reason. Malformed parts
// (empty-name calls) are dropped; a candidate with no usable parts
// yields an empty model turn, which the driver keeps so the transcript
// stays structurally continuous.
func genaiCandidateTurn(codec *parts.Codec, resp *genai.GenerateContentResponse) (*models.Content, string) {
	turn := &models.Content{Role: models.RoleModel}
	if resp == nil || len(resp.Candidates) == 0 {
		return turn, ""
	}
	cand := resp.Candidates[0]
	finish := string(cand.FinishReason)
	if cand.Content == nil {
		return turn, finish
	}
	for _, gp := range cand.Content.Parts {
		if gp == nil {
			continue
		}
		switch {
		case gp.FunctionCall != nil:
			if gp.FunctionCall.Name == "" {
				continue
			}
			turn.Parts = append(turn.Parts,
				models.ToolCallPart(gp.FunctionCall.Name, codec.NormalizeMap(gp.FunctionCall.Args)))
		case gp.FunctionResponse != nil:
			if gp.FunctionResponse.Name == "" {
				continue
			}
			turn.Parts = append(turn.Parts,
				models.ToolResponsePart(gp.FunctionResponse.Name, codec.NormalizeMap(gp.FunctionResponse.Response)))
		case gp.Text != "":
			turn.Parts = append(turn.Parts, models.TextPart(gp.Text))
		}
	}
	return turn, finish
}

// finishAllowsContinue reports whether the loop may keep going after a
// turn with the given finish reason. Anything outside this set (safety
// blocks, recitation) ends the loop.
func finishAllowsContinue(finish string) bool {
	switch finish {
	case "", "STOP", "MAX_TOKENS", "UNSPECIFIED",
		"FINISH_REASON_UNSPECIFIED", "FINISH_REASON_MAX_TOKENS":
		return true
	default:
		return false
	}
}

// toOpenAIMessages converts internal turns to the OpenAI wire format.
// Prepared history carries only text by the time it reaches a driver
// (the history manager strips replayed tool parts), so non-text parts
// are skipped here.
func toOpenAIMessages(convo []*models.Content, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(convo)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, turn := range convo {
		text := turn.JoinedText()
		if text == "" {
			continue
		}
		var role string
		switch turn.Role {
		case models.RoleModel:
			role = openai.ChatMessageRoleAssistant
		case models.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case models.RoleTool:
			continue
		default:
			role = openai.ChatMessageRoleUser
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: text})
	}
	return out
}
