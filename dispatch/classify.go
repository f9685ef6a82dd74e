package dispatch

import (
	"strconv"
	"strings"
	"time"
)

// Class buckets one upstream attempt's outcome and decides the failover
// step that follows.
type Class int

const (
	// ClassOk is a 200 carrying an event stream.
	ClassOk Class = iota
	// ClassAuthInvalid means the bearer token was rejected (401/403).
	ClassAuthInvalid
	// ClassQuotaExceeded means the credential's subscription ran out.
	ClassQuotaExceeded
	// ClassRateLimited is a 429; retry the same credential after a delay.
	ClassRateLimited
	// ClassTransient covers 5xx, I/O failures and malformed 200s.
	ClassTransient
	// ClassFatal4xx is any other 4xx; the request itself is unacceptable.
	ClassFatal4xx
)

func (c Class) String() string {
	switch c {
	case ClassOk:
		return "ok"
	case ClassAuthInvalid:
		return "auth_invalid"
	case ClassQuotaExceeded:
		return "quota_exceeded"
	case ClassRateLimited:
		return "rate_limited"
	case ClassTransient:
		return "transient"
	case ClassFatal4xx:
		return "fatal"
	}
	return "unknown"
}

// quotaMarker appears in upstream error bodies when the subscription's
// monthly request allowance is spent.
const quotaMarker = "MONTHLY_REQUEST_COUNT"

// outcome is the classified result of one attempt.
type outcome struct {
	class      Class
	status     int
	retryAfter time.Duration
	message    string
}

// classify buckets an upstream response by status, Retry-After header and
// a bounded body snippet. A 200 is classified by the caller (it needs the
// content type); this function handles the failure statuses.
func classify(status int, retryAfter string, body []byte) outcome {
	out := outcome{status: status, message: snippet(body)}

	if strings.Contains(string(body), quotaMarker) {
		out.class = ClassQuotaExceeded
		return out
	}

	switch {
	case status == 401 || status == 403:
		out.class = ClassAuthInvalid
	case status == 402:
		out.class = ClassQuotaExceeded
	case status == 429:
		out.class = ClassRateLimited
		out.retryAfter = parseRetryAfter(retryAfter)
	case status >= 500:
		out.class = ClassTransient
	case status >= 400:
		out.class = ClassFatal4xx
	default:
		out.class = ClassTransient
	}
	return out
}

// parseRetryAfter handles the delay-seconds form; anything else falls back
// to computed backoff.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// snippet trims an upstream body to a short single-line form for logging.
func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}
