package scmapi

import (
	"net/http"
	"strconv"
	"time"
)

// RateLimitHeaders contains parsed rate-limit response headers.
// Bitbucket Data Center and GitHub send X-RateLimit-*; SCM-Manager sends none.
type RateLimitHeaders struct {
	Present    bool
	Remaining  int
	ResetUnix  int64
	Used       int
	RetryAfter time.Duration
	Throttled  bool
}

// Decision represents a rate-limit action decision.
type Decision struct {
	Allow   bool
	WaitFor time.Duration
	Reason  string
}

// RateLimitPolicy evaluates rate-limit actions from parsed headers.
type RateLimitPolicy struct {
	MinRemainingThreshold int
	MinResetBuffer        time.Duration
	ThrottleBackoff       time.Duration
	Now                   func() time.Time
}

// ParseRateLimitHeaders parses rate-limit and retry headers.
func ParseRateLimitHeaders(header http.Header, statusCode int) RateLimitHeaders {
	parsed := RateLimitHeaders{}
	if raw := header.Get("X-RateLimit-Remaining"); raw != "" {
		parsed.Present = true
		parsed.Remaining = parseInt(raw)
	}
	parsed.Used = parseInt(header.Get("X-RateLimit-Used"))
	parsed.ResetUnix = parseInt64(header.Get("X-RateLimit-Reset"))

	if seconds := parseInt(header.Get("Retry-After")); seconds > 0 {
		parsed.RetryAfter = time.Duration(seconds) * time.Second
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		parsed.Throttled = true
	case statusCode == http.StatusForbidden && parsed.RetryAfter > 0:
		parsed.Throttled = true
	}
	return parsed
}

// Evaluate decides whether calls may continue or should pause.
func (p RateLimitPolicy) Evaluate(headers RateLimitHeaders) Decision {
	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}

	if headers.Throttled {
		waitFor := p.ThrottleBackoff
		if headers.RetryAfter > waitFor {
			waitFor = headers.RetryAfter
		}
		return Decision{Allow: false, WaitFor: waitFor, Reason: "throttled"}
	}

	if !headers.Present {
		return Decision{Allow: true, Reason: "no_rate_headers"}
	}

	if headers.Remaining >= p.MinRemainingThreshold {
		return Decision{Allow: true, Reason: "within_budget"}
	}

	resetAt := time.Unix(headers.ResetUnix, 0)
	if !resetAt.After(now) {
		return Decision{Allow: true, Reason: "reset_elapsed"}
	}

	return Decision{
		Allow:   false,
		WaitFor: resetAt.Sub(now) + p.MinResetBuffer,
		Reason:  "remaining_below_threshold",
	}
}

func parseInt(raw string) int {
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return parsed
}

func parseInt64(raw string) int64 {
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
