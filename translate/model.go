package translate

import "strings"

// Upstream model ids. Every requested model resolves to one of these.
const (
	ModelSonnet = "claude-sonnet-4.5"
	ModelOpus   = "claude-opus-4.5"
	ModelHaiku  = "claude-haiku-4.5"
)

// MapModel resolves a requested model name to an upstream model id by
// case-insensitive substring. Unknown names fall back to sonnet.
func MapModel(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "haiku"):
		return ModelHaiku
	case strings.Contains(m, "opus"):
		return ModelOpus
	default:
		return ModelSonnet
	}
}

// KnownModels lists the model ids served by the models endpoint.
func KnownModels() []string {
	return []string{ModelSonnet, ModelOpus, ModelHaiku}
}
