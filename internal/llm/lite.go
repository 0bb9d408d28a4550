package llm

import (
	"context"
	"time"

	"google.golang.org/genai"
)

// LiteModel is the one-shot, tool-less generation path used by the
// pre-filter. It shares the heavy driver's client pool and keyring, so
// lite traffic participates in the same rotation as full requests.
type LiteModel struct {
	driver *GeminiDriver
	model  string
}

// Lite returns a one-shot generator bound to the given model name over
// this driver's key pool.
func (d *GeminiDriver) Lite(model string) *LiteModel {
	if model == "" {
		model = d.defaultModel
	}
	return &LiteModel{driver: d, model: model}
}

// Generate sends a single prompt and returns the joined candidate
// text. Quota errors walk the key pool the same way a full drive does;
// the shared cursor advances once on completion.
func (l *LiteModel) Generate(ctx context.Context, prompt string) (string, error) {
	d := l.driver
	defer d.keyring.Advance()

	contents := []*genai.Content{{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{{Text: prompt}},
	}}

	start := d.keyring.Current()
	var lastErr *ProviderError
	for attempt := 0; attempt < d.keyring.Size(); attempt++ {
		idx := (start + attempt) % d.keyring.Size()
		resp, err := d.gens[idx].generate(ctx, l.model, contents, nil)
		if err == nil {
			return liteText(resp), nil
		}

		pe := classifyGeminiError(geminiProviderName, l.model, err)
		if pe.Reason != ReasonQuota {
			return "", pe
		}
		lastErr = pe
		d.log.Warn("lite model quota exceeded, rotating key", "key_index", idx, "attempt", attempt+1)
		if attempt < d.keyring.Size()-1 {
			select {
			case <-time.After(d.backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", lastErr
}

func liteText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var out string
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil && p.Text != "" {
			out += p.Text
		}
	}
	return out
}
