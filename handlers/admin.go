package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/rohanthewiz/rweb"

	"kiroproxy/config"
	"kiroproxy/credential"
	"kiroproxy/dispatch"
	"kiroproxy/notify"
)

// Admin responses mirror the error envelope of the /v1 surface but without
// the outer type discriminator.
type adminErrorResponse struct {
	Error adminErrorDetail `json:"error"`
}

type adminErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func adminError(errType, message string) adminErrorResponse {
	return adminErrorResponse{Error: adminErrorDetail{Type: errType, Message: message}}
}

// adminFault sets the status and writes the admin error envelope.
func adminFault(c rweb.Context, status int, errType, message string) error {
	c.Response().SetStatus(status)
	return c.WriteJSON(adminError(errType, message))
}

type successResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func adminOK(c rweb.Context, message string) error {
	return c.WriteJSON(successResponse{Success: true, Message: message})
}

// credentialID parses the :id route parameter.
func credentialID(c rweb.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Request().Param("id"), 10, 64)
	return id, err == nil && id > 0
}

type credentialListResponse struct {
	Total       int                   `json:"total"`
	Available   int                   `json:"available"`
	Credentials []credential.Snapshot `json:"credentials"`
}

func listCredentialsHandler(c rweb.Context) error {
	total, available := deps.Store.Counts()
	return c.WriteJSON(credentialListResponse{
		Total:       total,
		Available:   available,
		Credentials: deps.Store.List(),
	})
}

type addCredentialRequest struct {
	RefreshToken  string `json:"refreshToken"`
	AuthMethod    string `json:"authMethod"`
	ClientID      string `json:"clientId"`
	ClientSecret  string `json:"clientSecret"`
	Priority      int    `json:"priority"`
	Region        string `json:"region"`
	AuthRegion    string `json:"authRegion"`
	APIRegion     string `json:"apiRegion"`
	MachineID     string `json:"machineId"`
	Email         string `json:"email"`
	ProfileArn    string `json:"profileArn"`
	ProxyURL      string `json:"proxyUrl"`
	ProxyUsername string `json:"proxyUsername"`
	ProxyPassword string `json:"proxyPassword"`
}

type addCredentialResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	CredentialID int64  `json:"credentialId"`
	Email        string `json:"email,omitempty"`
}

func addCredentialHandler(c rweb.Context) error {
	var req addCredentialRequest
	if err := json.Unmarshal(c.Request().Body(), &req); err != nil {
		return adminFault(c, http.StatusBadRequest, "invalid_request", "malformed JSON body: "+err.Error())
	}

	cred := &credential.Credential{
		Priority:     req.Priority,
		AuthMethod:   req.AuthMethod,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		RefreshToken: req.RefreshToken,
		ProfileArn:   req.ProfileArn,
		AuthRegion:   firstNonEmpty(req.AuthRegion, req.Region),
		APIRegion:    firstNonEmpty(req.APIRegion, req.Region),
		Email:        req.Email,
		ProxyURL:     req.ProxyURL,
		ProxyUser:    req.ProxyUsername,
		ProxyPass:    req.ProxyPassword,
		MachineID:    req.MachineID,
	}

	id, err := deps.Store.Add(cred)
	if err != nil {
		return adminFault(c, http.StatusBadRequest, "invalid_request", err.Error())
	}

	return c.WriteJSON(addCredentialResponse{
		Success:      true,
		Message:      "credential added",
		CredentialID: id,
		Email:        req.Email,
	})
}

func deleteCredentialHandler(c rweb.Context) error {
	id, ok := credentialID(c)
	if !ok {
		return adminFault(c, http.StatusBadRequest, "invalid_request", "invalid credential id")
	}
	cred, found := deps.Store.Get(id)
	if !found {
		return adminFault(c, http.StatusNotFound, "not_found", "credential not found")
	}
	if !cred.Disabled {
		return adminFault(c, http.StatusBadRequest, "invalid_request", "credential must be disabled before deletion")
	}
	if err := deps.Store.Delete(id); err != nil {
		return adminFault(c, http.StatusInternalServerError, "internal_error", err.Error())
	}
	return adminOK(c, "credential deleted")
}

func setCredentialDisabledHandler(c rweb.Context) error {
	id, ok := credentialID(c)
	if !ok {
		return adminFault(c, http.StatusBadRequest, "invalid_request", "invalid credential id")
	}
	var req struct {
		Disabled bool `json:"disabled"`
	}
	if err := json.Unmarshal(c.Request().Body(), &req); err != nil {
		return adminFault(c, http.StatusBadRequest, "invalid_request", "malformed JSON body: "+err.Error())
	}
	if _, found := deps.Store.Get(id); !found {
		return adminFault(c, http.StatusNotFound, "not_found", "credential not found")
	}
	if err := deps.Store.SetDisabled(id, req.Disabled); err != nil {
		return adminFault(c, http.StatusInternalServerError, "internal_error", err.Error())
	}
	if req.Disabled {
		return adminOK(c, "credential disabled")
	}
	return adminOK(c, "credential enabled")
}

func setCredentialPriorityHandler(c rweb.Context) error {
	id, ok := credentialID(c)
	if !ok {
		return adminFault(c, http.StatusBadRequest, "invalid_request", "invalid credential id")
	}
	var req struct {
		Priority int `json:"priority"`
	}
	if err := json.Unmarshal(c.Request().Body(), &req); err != nil {
		return adminFault(c, http.StatusBadRequest, "invalid_request", "malformed JSON body: "+err.Error())
	}
	if req.Priority < 0 {
		return adminFault(c, http.StatusBadRequest, "invalid_request", "priority must not be negative")
	}
	if _, found := deps.Store.Get(id); !found {
		return adminFault(c, http.StatusNotFound, "not_found", "credential not found")
	}
	if err := deps.Store.SetPriority(id, req.Priority); err != nil {
		return adminFault(c, http.StatusInternalServerError, "internal_error", err.Error())
	}
	return adminOK(c, "priority updated")
}

func resetCredentialHandler(c rweb.Context) error {
	id, ok := credentialID(c)
	if !ok {
		return adminFault(c, http.StatusBadRequest, "invalid_request", "invalid credential id")
	}
	if _, found := deps.Store.Get(id); !found {
		return adminFault(c, http.StatusNotFound, "not_found", "credential not found")
	}
	if err := deps.Store.ResetFailures(id); err != nil {
		return adminFault(c, http.StatusInternalServerError, "internal_error", err.Error())
	}
	return adminOK(c, "failure count reset")
}

type balanceResponse struct {
	ID                int64   `json:"id"`
	SubscriptionTitle string  `json:"subscriptionTitle,omitempty"`
	CurrentUsage      float64 `json:"currentUsage"`
	UsageLimit        float64 `json:"usageLimit"`
	Remaining         float64 `json:"remaining"`
	UsagePercentage   float64 `json:"usagePercentage"`
	NextResetAt       string  `json:"nextResetAt,omitempty"`
}

func credentialBalanceHandler(c rweb.Context) error {
	id, ok := credentialID(c)
	if !ok {
		return adminFault(c, http.StatusBadRequest, "invalid_request", "invalid credential id")
	}
	if _, found := deps.Store.Get(id); !found {
		return adminFault(c, http.StatusNotFound, "not_found", "credential not found")
	}
	bal, err := deps.Dispatcher.UsageLimits(context.Background(), id)
	if err != nil {
		return adminFault(c, http.StatusBadGateway, "api_error", "usage query failed: "+err.Error())
	}
	return c.WriteJSON(balanceFrom(id, bal))
}

// balanceFrom derives the remaining quota and usage percentage for display.
func balanceFrom(id int64, bal *dispatch.Balance) balanceResponse {
	remaining := bal.Limit - bal.Used
	if remaining < 0 {
		remaining = 0
	}
	var pct float64
	if bal.Limit > 0 {
		pct = bal.Used / bal.Limit * 100
		if pct > 100 {
			pct = 100
		}
	}
	return balanceResponse{
		ID:                id,
		SubscriptionTitle: bal.Subscription,
		CurrentUsage:      bal.Used,
		UsageLimit:        bal.Limit,
		Remaining:         remaining,
		UsagePercentage:   pct,
		NextResetAt:       bal.NextReset,
	}
}

func getLoadBalancingHandler(c rweb.Context) error {
	return c.WriteJSON(map[string]string{"mode": deps.Store.Mode()})
}

func setLoadBalancingHandler(c rweb.Context) error {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal(c.Request().Body(), &req); err != nil {
		return adminFault(c, http.StatusBadRequest, "invalid_request", "malformed JSON body: "+err.Error())
	}
	if err := deps.Store.SetMode(req.Mode); err != nil {
		return adminFault(c, http.StatusBadRequest, "invalid_request", err.Error())
	}
	if err := config.Update(func(cfg *config.Config) {
		cfg.LoadBalancingMode = req.Mode
	}); err != nil {
		return adminFault(c, http.StatusInternalServerError, "internal_error", err.Error())
	}
	return adminOK(c, "load balancing mode updated")
}

type webhookConfig struct {
	URL  string `json:"url"`
	Body string `json:"body"`
}

func getWebhookConfigHandler(c rweb.Context) error {
	cfg := config.Get()
	return c.WriteJSON(webhookConfig{URL: cfg.WebhookURL, Body: cfg.WebhookBody})
}

func setWebhookConfigHandler(c rweb.Context) error {
	var req webhookConfig
	if err := json.Unmarshal(c.Request().Body(), &req); err != nil {
		return adminFault(c, http.StatusBadRequest, "invalid_request", "malformed JSON body: "+err.Error())
	}
	if req.URL != "" && !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		return adminFault(c, http.StatusBadRequest, "invalid_request", "webhook url must start with http:// or https://")
	}
	if err := config.Update(func(cfg *config.Config) {
		cfg.WebhookURL = req.URL
		cfg.WebhookBody = req.Body
	}); err != nil {
		return adminFault(c, http.StatusInternalServerError, "internal_error", err.Error())
	}
	return adminOK(c, "webhook configuration saved")
}

func testWebhookHandler(c rweb.Context) error {
	var req webhookConfig
	if err := json.Unmarshal(c.Request().Body(), &req); err != nil {
		return adminFault(c, http.StatusBadRequest, "invalid_request", "malformed JSON body: "+err.Error())
	}
	if req.URL == "" {
		return adminFault(c, http.StatusBadRequest, "invalid_request", "url is required")
	}
	if err := notify.TestWebhook(req.URL, req.Body); err != nil {
		return adminFault(c, http.StatusBadGateway, "api_error", "webhook test failed: "+err.Error())
	}
	return adminOK(c, "test webhook delivered")
}

type emailConfigResponse struct {
	Enabled         bool     `json:"enabled"`
	SMTPHost        string   `json:"smtpHost"`
	SMTPPort        int      `json:"smtpPort"`
	SMTPUsername    string   `json:"smtpUsername"`
	SMTPPasswordSet bool     `json:"smtpPasswordSet"`
	SMTPTLS         bool     `json:"smtpTls"`
	FromAddress     string   `json:"fromAddress"`
	ToAddresses     []string `json:"toAddresses"`
}

func getEmailConfigHandler(c rweb.Context) error {
	e := config.Get().Email
	to := e.ToAddresses
	if to == nil {
		to = []string{}
	}
	return c.WriteJSON(emailConfigResponse{
		Enabled:         e.Enabled,
		SMTPHost:        e.SMTPHost,
		SMTPPort:        e.SMTPPort,
		SMTPUsername:    e.SMTPUsername,
		SMTPPasswordSet: e.SMTPPassword != "",
		SMTPTLS:         e.SMTPTLS,
		FromAddress:     e.FromAddress,
		ToAddresses:     to,
	})
}

type emailConfigRequest struct {
	Enabled      bool     `json:"enabled"`
	SMTPHost     string   `json:"smtpHost"`
	SMTPPort     int      `json:"smtpPort"`
	SMTPUsername string   `json:"smtpUsername"`
	SMTPPassword string   `json:"smtpPassword"`
	SMTPTLS      bool     `json:"smtpTls"`
	FromAddress  string   `json:"fromAddress"`
	ToAddresses  []string `json:"toAddresses"`
}

func setEmailConfigHandler(c rweb.Context) error {
	// Absent fields keep these defaults; an empty password keeps the stored
	// one so the UI never has to echo it back.
	req := emailConfigRequest{SMTPPort: 587, SMTPTLS: true}
	if err := json.Unmarshal(c.Request().Body(), &req); err != nil {
		return adminFault(c, http.StatusBadRequest, "invalid_request", "malformed JSON body: "+err.Error())
	}
	if req.Enabled {
		if req.SMTPHost == "" || req.FromAddress == "" {
			return adminFault(c, http.StatusBadRequest, "invalid_request", "smtpHost and fromAddress are required when email is enabled")
		}
		if len(req.ToAddresses) == 0 {
			return adminFault(c, http.StatusBadRequest, "invalid_request", "at least one recipient is required when email is enabled")
		}
	}
	if req.SMTPPort < 1 || req.SMTPPort > 65535 {
		return adminFault(c, http.StatusBadRequest, "invalid_request", "smtpPort out of range")
	}

	if err := config.Update(func(cfg *config.Config) {
		password := req.SMTPPassword
		if password == "" {
			password = cfg.Email.SMTPPassword
		}
		cfg.Email = config.EmailConfig{
			Enabled:      req.Enabled,
			SMTPHost:     req.SMTPHost,
			SMTPPort:     req.SMTPPort,
			SMTPUsername: req.SMTPUsername,
			SMTPPassword: password,
			SMTPTLS:      req.SMTPTLS,
			FromAddress:  req.FromAddress,
			ToAddresses:  req.ToAddresses,
		}
	}); err != nil {
		return adminFault(c, http.StatusInternalServerError, "internal_error", err.Error())
	}
	return adminOK(c, "email configuration saved")
}

func testEmailHandler(c rweb.Context) error {
	e := config.Get().Email
	if !e.Enabled {
		return adminFault(c, http.StatusBadRequest, "invalid_request", "email notifications are disabled")
	}
	if err := notify.TestEmail(e); err != nil {
		return adminFault(c, http.StatusBadGateway, "api_error", "email test failed: "+err.Error())
	}
	return adminOK(c, "test email sent")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
