package transport

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/brettbedarf/spattach"
)

// Rate-limit headers read from responses
const (
	HeaderRateLimit          = "RateLimit"
	HeaderRateLimitRemaining = "RateLimit-Remaining"
	HeaderRateLimitReset     = "RateLimit-Reset"
)

// ParseRateLimitHint reads the server's advertised request budget.
// It understands the split RateLimit-Remaining / RateLimit-Reset headers and
// the combined "RateLimit: limit=N, remaining=N, reset=N" form. ok is false
// when no remaining count is advertised.
func ParseRateLimitHint(h http.Header) (hint spattach.RateLimitHint, ok bool) {
	remaining, hasRemaining := parseInt(h.Get(HeaderRateLimitRemaining))
	reset, _ := parseInt(h.Get(HeaderRateLimitReset))

	if !hasRemaining {
		if combined := h.Get(HeaderRateLimit); combined != "" {
			for _, part := range strings.Split(combined, ",") {
				k, v, found := strings.Cut(strings.TrimSpace(part), "=")
				if !found {
					continue
				}
				switch strings.ToLower(strings.TrimSpace(k)) {
				case "remaining", "r":
					remaining, hasRemaining = parseInt(v)
				case "reset", "t":
					reset, _ = parseInt(v)
				}
			}
		}
	}
	if !hasRemaining {
		return spattach.RateLimitHint{}, false
	}
	return spattach.RateLimitHint{
		Remaining:  remaining,
		ResetAfter: seconds(reset),
	}, true
}

// ParseRetryAfter reads Retry-After as delta-seconds or an HTTP date relative
// to now. Missing, malformed or past values give 0.
func ParseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get(spattach.HeaderRetryAfter))
	if v == "" {
		return 0
	}
	if secs, ok := parseInt(v); ok {
		return seconds(secs)
	}
	if at, err := http.ParseTime(v); err == nil {
		return min(max(at.Sub(now), 0), maxHintSeconds*time.Second)
	}
	return 0
}

// maxHintSeconds keeps server-supplied delays far below the int64 nanosecond
// range so adding the backoff term cannot overflow
const maxHintSeconds = math.MaxInt32

// seconds converts a server-supplied second count, clamped to [0, maxHintSeconds]
func seconds(n int) time.Duration {
	return time.Duration(min(max(n, 0), maxHintSeconds)) * time.Second
}

func parseInt(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return n, true
}
