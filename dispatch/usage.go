package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rohanthewiz/serr"

	"kiroproxy/kiro"
)

// Balance is one credential's subscription usage as reported upstream.
type Balance struct {
	Subscription string  `json:"subscription"`
	Used         float64 `json:"used"`
	Limit        float64 `json:"limit"`
	NextReset    string  `json:"nextReset,omitempty"`
}

const usageTimeout = 10 * time.Second

// UsageLimits queries the upstream usage endpoint for one credential.
func (d *Dispatcher) UsageLimits(ctx context.Context, id int64) (*Balance, error) {
	cred, ok := d.store.Get(id)
	if !ok {
		return nil, serr.New("credential not found", "credential", fmt.Sprint(id))
	}

	token, err := d.tokens.GetToken(ctx, cred, false)
	if err != nil {
		return nil, serr.Wrap(err, "token unavailable for usage query", "credential", fmt.Sprint(id))
	}

	payload, err := json.Marshal(map[string]any{
		"origin":       kiro.OriginAIEditor,
		"profileArn":   cred.ProfileArn,
		"resourceType": "AGENTIC_REQUEST",
	})
	if err != nil {
		return nil, serr.Wrap(err, "marshal usage request")
	}

	ctx, cancel := context.WithTimeout(ctx, usageTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.usageEndpoint(d.credRegion(cred)), bytes.NewReader(payload))
	if err != nil {
		return nil, serr.Wrap(err, "build usage request")
	}
	req.Header.Set("Content-Type", "application/x-amz-json-1.0")
	req.Header.Set("x-amz-target", "AmazonCodeWhispererService.GetUsageLimits")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := d.client(cred).Do(req)
	if err != nil {
		return nil, serr.Wrap(err, "usage request failed", "credential", fmt.Sprint(id))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, serr.Wrap(err, "read usage response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, serr.New("usage query rejected",
			"credential", fmt.Sprint(id), "status", fmt.Sprint(resp.StatusCode), "body", snippet(body))
	}

	var out struct {
		SubscriptionInfo struct {
			SubscriptionTitle string `json:"subscriptionTitle"`
		} `json:"subscriptionInfo"`
		UsageBreakdownList []struct {
			CurrentUsageWithPrecision float64 `json:"currentUsageWithPrecision"`
			UsageLimitWithPrecision   float64 `json:"usageLimitWithPrecision"`
		} `json:"usageBreakdownList"`
		NextDateReset float64 `json:"nextDateReset"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, serr.Wrap(err, "parse usage response")
	}

	bal := &Balance{Subscription: out.SubscriptionInfo.SubscriptionTitle}
	if len(out.UsageBreakdownList) > 0 {
		bal.Used = out.UsageBreakdownList[0].CurrentUsageWithPrecision
		bal.Limit = out.UsageBreakdownList[0].UsageLimitWithPrecision
	}
	if out.NextDateReset > 0 {
		bal.NextReset = time.Unix(int64(out.NextDateReset), 0).UTC().Format(time.RFC3339)
	}
	return bal, nil
}
