// Package handlers wires the HTTP surface: the Anthropic-compatible /v1
// endpoints, the admin API, the status page and the health probe.
package handlers

import (
	"github.com/rohanthewiz/rweb"

	"kiroproxy/credential"
	"kiroproxy/db"
	"kiroproxy/dispatch"
	"kiroproxy/notify"
	"kiroproxy/oauth"
)

// Deps collects the services the handlers operate on.
type Deps struct {
	Store      *credential.Store
	Tokens     *oauth.Refresher
	Dispatcher *dispatch.Dispatcher
	Flows      *db.FlowStore
	Notifier   *notify.Manager
	Version    string
}

var deps Deps

// SetupRoutes configures all HTTP routes for the server
func SetupRoutes(s *rweb.Server, d Deps) {
	deps = d

	// Anthropic-compatible surface
	s.Post("/v1/messages", clientAuth(messagesHandler))
	s.Post("/v1/messages/count_tokens", clientAuth(countTokensHandler))
	s.Get("/v1/models", clientAuth(listModelsHandler))

	// Liveness probe, no auth
	s.Get("/health", healthHandler)

	// Status page
	s.Get("/admin", adminAuth(statusPageHandler))

	// Credential management
	s.Get("/admin/api/credentials", adminAuth(listCredentialsHandler))
	s.Post("/admin/api/credentials", adminAuth(addCredentialHandler))
	s.Delete("/admin/api/credentials/:id", adminAuth(deleteCredentialHandler))
	s.Post("/admin/api/credentials/:id/disabled", adminAuth(setCredentialDisabledHandler))
	s.Post("/admin/api/credentials/:id/priority", adminAuth(setCredentialPriorityHandler))
	s.Post("/admin/api/credentials/:id/reset", adminAuth(resetCredentialHandler))
	s.Get("/admin/api/credentials/:id/balance", adminAuth(credentialBalanceHandler))

	// Runtime configuration
	s.Get("/admin/api/config/load-balancing", adminAuth(getLoadBalancingHandler))
	s.Put("/admin/api/config/load-balancing", adminAuth(setLoadBalancingHandler))
	s.Get("/admin/api/config/webhook", adminAuth(getWebhookConfigHandler))
	s.Put("/admin/api/config/webhook", adminAuth(setWebhookConfigHandler))
	s.Post("/admin/api/config/webhook/test", adminAuth(testWebhookHandler))
	s.Get("/admin/api/config/email", adminAuth(getEmailConfigHandler))
	s.Put("/admin/api/config/email", adminAuth(setEmailConfigHandler))
	s.Post("/admin/api/config/email/test", adminAuth(testEmailHandler))

	// Request flow log
	s.Get("/admin/api/flows", adminAuth(listFlowsHandler))
	s.Delete("/admin/api/flows", adminAuth(clearFlowsHandler))
	s.Get("/admin/api/flows/stats", adminAuth(flowStatsHandler))
}

// healthHandler reports liveness plus pool counts.
func healthHandler(c rweb.Context) error {
	total, available := deps.Store.Counts()
	return c.WriteJSON(map[string]any{
		"status":  "ok",
		"version": deps.Version,
		"credentials": map[string]int{
			"total":     total,
			"available": available,
		},
	})
}
