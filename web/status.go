// Package web renders the admin status page with the element builder.
package web

import (
	"fmt"
	"time"

	"github.com/rohanthewiz/element"

	"kiroproxy/credential"
	"kiroproxy/db"
)

// StatusData is everything the status page shows. Stats may be nil when the
// flow log is unavailable.
type StatusData struct {
	Version     string
	Mode        string
	Total       int
	Available   int
	Credentials []credential.Snapshot
	Stats       *db.FlowStats
}

// StatusPage renders the full HTML document. The page refreshes itself
// every ten seconds.
func StatusPage(d StatusData) string {
	b := element.NewBuilder()

	b.Html().R(
		b.Head().R(
			b.Title().T("kiroproxy status"),
			b.Meta("charset", "UTF-8"),
			b.Meta("name", "viewport", "content", "width=device-width, initial-scale=1.0"),
			b.Meta("http-equiv", "refresh", "content", "10"),
			b.Style().T(statusCSS()),
		),
		b.Body().R(
			b.Header().R(
				b.H1().T("kiroproxy"),
				b.Span("class", "muted").T(fmt.Sprintf("v%s · %s mode", d.Version, d.Mode)),
			),
			b.Div("class", "cards").R(
				statCard(b, "Credentials", fmt.Sprintf("%d / %d", d.Available, d.Total), "available / total"),
				func() (x any) {
					if d.Stats == nil {
						return
					}
					statCard(b, "Requests", fmt.Sprintf("%d", d.Stats.TotalRequests), fmt.Sprintf("%d errors", d.Stats.ErrorCount))
					statCard(b, "Avg latency", fmt.Sprintf("%.0f ms", d.Stats.AvgDurationMs), "per request")
					statCard(b, "Tokens", fmt.Sprintf("%d in / %d out", d.Stats.TotalInputTokens, d.Stats.TotalOutputTokens), "totals")
					return
				}(),
			),
			b.Section().R(
				b.H2().T("Credential pool"),
				credentialRows(b, d.Credentials),
			),
			func() (x any) {
				if d.Stats == nil || len(d.Stats.PerModel) == 0 {
					return
				}
				b.Section().R(
					b.H2().T("Per model"),
					modelRows(b, d.Stats.PerModel),
				)
				return
			}(),
		),
	)

	return b.String()
}

func statCard(b *element.Builder, label, value, hint string) (x any) {
	b.Div("class", "card").R(
		b.Div("class", "card-label").T(label),
		b.Div("class", "card-value").T(value),
		b.Div("class", "card-hint").T(hint),
	)
	return
}

func credentialRows(b *element.Builder, creds []credential.Snapshot) (x any) {
	if len(creds) == 0 {
		b.P("class", "muted").T("No credentials configured. Add one via POST /admin/api/credentials.")
		return
	}

	b.Div("class", "grid grid-credentials").R(
		b.Div("class", "grid-head").T("ID"),
		b.Div("class", "grid-head").T("Priority"),
		b.Div("class", "grid-head").T("State"),
		b.Div("class", "grid-head").T("Failures"),
		b.Div("class", "grid-head").T("Successes"),
		b.Div("class", "grid-head").T("Auth"),
		b.Div("class", "grid-head").T("Fingerprint"),
		b.Div("class", "grid-head").T("Email"),
		b.Div("class", "grid-head").T("Last used"),
		element.ForEach(creds, func(cr credential.Snapshot) {
			b.Div("class", "grid-cell").T(fmt.Sprintf("%d", cr.ID))
			b.Div("class", "grid-cell").T(fmt.Sprintf("%d", cr.Priority))
			b.Div("class", "grid-cell").R(stateBadge(b, cr))
			b.Div("class", "grid-cell").T(fmt.Sprintf("%d", cr.FailureCount))
			b.Div("class", "grid-cell").T(fmt.Sprintf("%d", cr.SuccessCount))
			b.Div("class", "grid-cell").T(cr.AuthMethod)
			b.Div("class", "grid-cell mono").T(cr.Fingerprint)
			b.Div("class", "grid-cell").T(valueOrDash(cr.Email))
			b.Div("class", "grid-cell").T(timeOrDash(cr.LastUsedAt))
		}),
	)
	return
}

func stateBadge(b *element.Builder, cr credential.Snapshot) (x any) {
	if !cr.Disabled {
		b.Span("class", "badge ok").T("active")
		return
	}
	label := "disabled"
	if cr.DisabledReason != "" {
		label = cr.DisabledReason
	}
	b.Span("class", "badge bad").T(label)
	return
}

func modelRows(b *element.Builder, models []db.ModelStats) (x any) {
	b.Div("class", "grid grid-models").R(
		b.Div("class", "grid-head").T("Model"),
		b.Div("class", "grid-head").T("Requests"),
		b.Div("class", "grid-head").T("Input tokens"),
		b.Div("class", "grid-head").T("Output tokens"),
		element.ForEach(models, func(m db.ModelStats) {
			b.Div("class", "grid-cell mono").T(m.Model)
			b.Div("class", "grid-cell").T(fmt.Sprintf("%d", m.Count))
			b.Div("class", "grid-cell").T(fmt.Sprintf("%d", m.InputTokens))
			b.Div("class", "grid-cell").T(fmt.Sprintf("%d", m.OutputTokens))
		}),
	)
	return
}

func valueOrDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func timeOrDash(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("Jan 2, 15:04")
}

func statusCSS() string {
	return `
:root { color-scheme: dark; }
body { background: #14161a; color: #d8dce2; font-family: -apple-system, "Segoe UI", Roboto, sans-serif; margin: 0; padding: 0 24px 48px; }
header { display: flex; align-items: baseline; gap: 12px; padding: 20px 0; border-bottom: 1px solid #2a2e35; }
h1 { font-size: 22px; margin: 0; }
h2 { font-size: 15px; margin: 28px 0 10px; color: #aab2bd; text-transform: uppercase; letter-spacing: 0.06em; }
.muted { color: #7d8590; font-size: 13px; }
.mono { font-family: "SF Mono", Consolas, monospace; font-size: 12px; }
.cards { display: flex; flex-wrap: wrap; gap: 14px; margin-top: 20px; }
.card { background: #1c1f25; border: 1px solid #2a2e35; border-radius: 8px; padding: 14px 18px; min-width: 160px; }
.card-label { font-size: 12px; color: #7d8590; }
.card-value { font-size: 22px; font-weight: 600; margin: 4px 0; }
.card-hint { font-size: 11px; color: #5c646e; }
.grid { display: grid; gap: 1px; background: #2a2e35; border: 1px solid #2a2e35; border-radius: 8px; overflow: hidden; }
.grid-credentials { grid-template-columns: 3em 5em 10em 5em 6em 6em 7em 1fr 8em; }
.grid-models { grid-template-columns: 1fr 8em 9em 9em; }
.grid-head { background: #22262d; padding: 8px 10px; font-size: 11px; color: #7d8590; text-transform: uppercase; letter-spacing: 0.05em; }
.grid-cell { background: #1c1f25; padding: 8px 10px; font-size: 13px; }
.badge { border-radius: 10px; padding: 2px 9px; font-size: 11px; }
.badge.ok { background: #12351f; color: #4ade80; }
.badge.bad { background: #3b1519; color: #f87171; }
`
}
