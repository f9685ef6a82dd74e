package translate

import "kiroproxy/anthropic"

// perMessageOverhead covers role framing and separators per message.
const perMessageOverhead = 3

// EstimateTokens approximates input token usage at roughly four characters
// per token over system text, message contents, and tool declarations.
// Image bytes are not counted.
func EstimateTokens(req *anthropic.MessagesRequest) int {
	chars := len(req.SystemText())

	for i := range req.Messages {
		m := &req.Messages[i]
		blocks, err := m.Blocks()
		if err != nil {
			chars += len(m.Content)
			continue
		}
		for _, b := range blocks {
			chars += len(b.Text) + len(b.Thinking) + len(b.Input) + len(b.Content)
		}
	}

	for _, t := range req.Tools {
		chars += len(t.Name) + len(t.Description) + len(t.InputSchema)
	}

	tokens := (chars+3)/4 + perMessageOverhead*len(req.Messages)
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}
