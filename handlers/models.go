package handlers

import (
	"github.com/rohanthewiz/rweb"

	"kiroproxy/anthropic"
	"kiroproxy/translate"
)

// modelInfo carries the static metadata served on /v1/models, keyed by the
// upstream model id.
var modelInfo = map[string]anthropic.Model{
	translate.ModelSonnet: {
		ID: translate.ModelSonnet, Object: "model", Created: 1759104000,
		OwnedBy: "anthropic", DisplayName: "Claude Sonnet 4.5", Type: "model", MaxTokens: 64000,
	},
	translate.ModelOpus: {
		ID: translate.ModelOpus, Object: "model", Created: 1763942400,
		OwnedBy: "anthropic", DisplayName: "Claude Opus 4.5", Type: "model", MaxTokens: 64000,
	},
	translate.ModelHaiku: {
		ID: translate.ModelHaiku, Object: "model", Created: 1760486400,
		OwnedBy: "anthropic", DisplayName: "Claude Haiku 4.5", Type: "model", MaxTokens: 64000,
	},
}

func listModelsHandler(c rweb.Context) error {
	ids := translate.KnownModels()
	out := make([]anthropic.Model, 0, len(ids))
	for _, id := range ids {
		if m, ok := modelInfo[id]; ok {
			out = append(out, m)
		}
	}
	return c.WriteJSON(anthropic.ModelsResponse{Object: "list", Data: out})
}
