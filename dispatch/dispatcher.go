// Package dispatch sends translated requests to the upstream
// generateAssistantResponse endpoint, rotating through the credential pool
// with retries, backoff and failure accounting.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rohanthewiz/logger"

	"kiroproxy/credential"
	"kiroproxy/kiro"
	"kiroproxy/oauth"
)

const (
	maxGlobalPicks  = 9
	maxTriesPerCred = 3

	connectTimeout   = 10 * time.Second
	idleTimeout      = 60 * time.Second
	credentialBudget = 5 * time.Minute

	backoffBase = 500 * time.Millisecond
	backoffCap  = 8 * time.Second

	defaultRegion   = "us-east-1"
	streamMediaType = "application/vnd.amazon.eventstream"
)

// ExhaustedError is returned when no credential produced a usable stream.
// Last carries the classification of the final failed attempt so handlers
// can pick the right status code.
type ExhaustedError struct {
	Attempts   int
	Last       Class
	LastStatus int
}

func (e *ExhaustedError) Error() string {
	if e.Attempts == 0 {
		return "no eligible credentials available"
	}
	return fmt.Sprintf("all credentials exhausted after %d attempt(s), last outcome %s", e.Attempts, e.Last)
}

// Result is a live upstream event stream. Close aborts the request and
// releases the connection; the caller must call it when done.
type Result struct {
	CredentialID int64
	Events       *kiro.EventReader

	body   io.ReadCloser
	cancel context.CancelFunc
}

// Close releases the upstream connection.
func (r *Result) Close() {
	if r.body != nil {
		r.body.Close()
	}
	if r.cancel != nil {
		r.cancel()
	}
}

// Options configures a Dispatcher from application config.
type Options struct {
	Version   string // client version advertised in user-agent headers
	MachineID string
	Region    string // default api region when a credential carries none
}

// Dispatcher owns the upstream HTTP clients and the failover algorithm.
type Dispatcher struct {
	store     *credential.Store
	tokens    *oauth.Refresher
	version   string
	machineID string
	region    string

	mu      sync.Mutex
	clients map[string]*http.Client

	// Replaceable in tests.
	endpoint      func(region string) string
	usageEndpoint func(region string) string
	sleep         func(ctx context.Context, d time.Duration) error
}

// New builds a Dispatcher over the credential store and token refresher.
func New(store *credential.Store, tokens *oauth.Refresher, opts Options) *Dispatcher {
	region := opts.Region
	if region == "" {
		region = defaultRegion
	}
	return &Dispatcher{
		store:     store,
		tokens:    tokens,
		version:   opts.Version,
		machineID: opts.MachineID,
		region:    region,
		clients:   make(map[string]*http.Client),
		endpoint: func(region string) string {
			return fmt.Sprintf("https://q.%s.amazonaws.com/generateAssistantResponse", region)
		},
		usageEndpoint: func(region string) string {
			return fmt.Sprintf("https://codewhisperer.%s.amazonaws.com/", region)
		},
		sleep: sleepCtx,
	}
}

// Dispatch sends the request body upstream, failing over across the pool
// until a stream is obtained or the pool is exhausted. The body's
// agentContinuationId is restamped per attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, body *kiro.Request) (*Result, error) {
	attempted := make(map[int64]bool)
	var last outcome
	attempts := 0

	for pick := 0; pick < maxGlobalPicks; pick++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cred, ok := d.store.PickNext(attempted)
		if !ok {
			break
		}
		attempted[cred.ID] = true
		attempts++

		token, err := d.tokens.GetToken(ctx, cred, false)
		if err != nil {
			logger.LogErr(err, "Token unavailable, skipping credential",
				"credential", fmt.Sprint(cred.ID), "fingerprint", cred.Fingerprint())
			d.store.RecordFailure(cred.ID)
			last = outcome{class: ClassAuthInvalid}
			continue
		}

		res, out := d.tryCredential(ctx, cred, token, body)
		if res != nil {
			d.store.RecordSuccess(cred.ID)
			return res, nil
		}
		last = out
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, &ExhaustedError{Attempts: attempts, Last: last.class, LastStatus: last.status}
}

// tryCredential runs up to maxTriesPerCred attempts on one credential,
// sleeping between retryable failures. It returns a stream or the final
// outcome.
func (d *Dispatcher) tryCredential(parent context.Context, cred *credential.Credential, token string, body *kiro.Request) (*Result, outcome) {
	ctx, cancel := context.WithTimeout(parent, credentialBudget)

	var last outcome
	for try := 1; try <= maxTriesPerCred; try++ {
		res, out := d.attempt(ctx, cancel, cred, token, body, try)
		if res != nil {
			return res, out
		}
		last = out

		logger.Warn("Upstream attempt failed",
			"credential", fmt.Sprint(cred.ID),
			"fingerprint", cred.Fingerprint(),
			"try", fmt.Sprint(try),
			"class", out.class.String(),
			"status", fmt.Sprint(out.status),
			"detail", out.message)

		switch out.class {
		case ClassAuthInvalid:
			d.store.RecordFailure(cred.ID)
			d.tokens.Invalidate(cred.ID)
			cancel()
			return nil, last
		case ClassQuotaExceeded:
			d.store.MarkQuotaExceeded(cred.ID)
			cancel()
			return nil, last
		case ClassFatal4xx:
			d.store.RecordFailure(cred.ID)
			cancel()
			return nil, last
		case ClassRateLimited, ClassTransient:
			if try == maxTriesPerCred {
				break
			}
			wait := out.retryAfter
			if wait <= 0 {
				wait = backoff(try)
			}
			if wait > backoffCap {
				wait = backoffCap
			}
			if err := d.sleep(ctx, wait); err != nil {
				cancel()
				return nil, last
			}
		}
	}

	cancel()
	return nil, last
}

// attempt performs one HTTP exchange. On success the returned Result owns
// the response body and the credential-scoped cancel.
func (d *Dispatcher) attempt(ctx context.Context, cancel context.CancelFunc, cred *credential.Credential, token string, body *kiro.Request, try int) (*Result, outcome) {
	body.ConversationState.AgentContinuationID = uuid.New().String()
	if cred.ProfileArn != "" {
		body.ProfileArn = cred.ProfileArn
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, outcome{class: ClassFatal4xx, message: "request body marshal failed"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint(d.credRegion(cred)), bytes.NewReader(payload))
	if err != nil {
		return nil, outcome{class: ClassTransient, message: "building upstream request failed"}
	}
	d.applyHeaders(req.Header, token, try)

	resp, err := d.client(cred).Do(req)
	if err != nil {
		logger.LogErr(err, "Upstream request error",
			"credential", fmt.Sprint(cred.ID), "fingerprint", cred.Fingerprint())
		return nil, outcome{class: ClassTransient, message: "upstream request failed"}
	}

	if resp.StatusCode == http.StatusOK {
		if !strings.Contains(resp.Header.Get("Content-Type"), streamMediaType) {
			snip, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			resp.Body.Close()
			return nil, outcome{class: ClassTransient, status: resp.StatusCode,
				message: "unexpected content type " + resp.Header.Get("Content-Type") + ": " + snippet(snip)}
		}
		watched := newIdleBody(resp.Body, idleTimeout, cancel)
		return &Result{
			CredentialID: cred.ID,
			Events:       kiro.NewEventReader(watched),
			body:         watched,
			cancel:       cancel,
		}, outcome{class: ClassOk, status: resp.StatusCode}
	}

	snip, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	resp.Body.Close()
	return nil, classify(resp.StatusCode, resp.Header.Get("Retry-After"), snip)
}

// applyHeaders sets the fixed header set the upstream expects.
func (d *Dispatcher) applyHeaders(h http.Header, token string, try int) {
	h.Set("Content-Type", "application/x-amz-json-1.0")
	h.Set("Accept", streamMediaType)
	h.Set("Authorization", "Bearer "+token)
	h.Set("x-amz-target", "AmazonCodeWhispererStreamingService.GenerateAssistantResponse")
	h.Set("x-amzn-kiro-agent-mode", "vibe")
	h.Set("x-amzn-codewhisperer-optout", "true")
	h.Set("x-amz-user-agent", fmt.Sprintf("aws-sdk-js/1.0.27 KiroIDE-%s-%s", d.version, d.machineID))
	h.Set("User-Agent", fmt.Sprintf("aws-sdk-js/1.0.0 ua/2.1 os/darwin lang/js md/nodejs#22.21.1 api/codewhispererruntime#1.0.0 m/N,E KiroIDE-%s-%s", d.version, d.machineID))
	h.Set("amz-sdk-invocation-id", uuid.New().String())
	h.Set("amz-sdk-request", fmt.Sprintf("attempt=%d; max=%d", try, maxTriesPerCred))
	h.Set("Connection", "close")
}

func (d *Dispatcher) credRegion(cred *credential.Credential) string {
	if cred.APIRegion != "" {
		return cred.APIRegion
	}
	return d.region
}

// client returns the pooled HTTP client for the credential's proxy
// settings, building it on first use.
func (d *Dispatcher) client(cred *credential.Credential) *http.Client {
	key := cred.ProxyURL + "|" + cred.ProxyUser

	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.clients[key]; ok {
		return c
	}

	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
		TLSHandshakeTimeout: connectTimeout,
	}
	if cred.ProxyURL != "" {
		if u, err := url.Parse(cred.ProxyURL); err == nil {
			if cred.ProxyUser != "" {
				u.User = url.UserPassword(cred.ProxyUser, cred.ProxyPass)
			}
			transport.Proxy = http.ProxyURL(u)
		} else {
			logger.Warn("Invalid proxy URL, dialing direct", "credential", fmt.Sprint(cred.ID))
		}
	}

	c := &http.Client{Transport: transport}
	d.clients[key] = c
	return c
}

// backoff computes the retry delay for the given 1-based try with jitter.
func backoff(try int) time.Duration {
	d := backoffBase << uint(try)
	if d > backoffCap {
		d = backoffCap
	}
	jittered := time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
	if jittered > backoffCap {
		jittered = backoffCap
	}
	return jittered
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// idleBody aborts the request when no bytes arrive within the idle window
// so a stalled upstream cannot hold a client forever.
type idleBody struct {
	rc     io.ReadCloser
	idle   time.Duration
	timer  *time.Timer
	closed sync.Once
	cancel context.CancelFunc
}

func newIdleBody(rc io.ReadCloser, idle time.Duration, cancel context.CancelFunc) *idleBody {
	b := &idleBody{rc: rc, idle: idle, cancel: cancel}
	b.timer = time.AfterFunc(idle, cancel)
	return b
}

func (b *idleBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err == nil {
		b.timer.Reset(b.idle)
	} else {
		b.timer.Stop()
	}
	return n, err
}

func (b *idleBody) Close() error {
	var err error
	b.closed.Do(func() {
		b.timer.Stop()
		err = b.rc.Close()
	})
	return err
}
