package httptransport

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// SubmitLimiter throttles submissions per client address with a token
// bucket each. Reads are never limited; polling is the whole point of
// the API.
type SubmitLimiter struct {
	rps   rate.Limit
	burst int

	mu    sync.Mutex
	perIP map[string]*rate.Limiter
}

func NewSubmitLimiter(rps float64, burst int) *SubmitLimiter {
	if burst < 1 {
		burst = 1
	}
	return &SubmitLimiter{
		rps:   rate.Limit(rps),
		burst: burst,
		perIP: make(map[string]*rate.Limiter),
	}
}

func (l *SubmitLimiter) limiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.perIP[ip]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.perIP[ip] = lim
	}
	return lim
}

func (l *SubmitLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// RealIP middleware already rewrote RemoteAddr when proxied.
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !l.limiter(host).Allow() {
			writeErr(w, http.StatusTooManyRequests, "too many submissions")
			return
		}
		next.ServeHTTP(w, r)
	})
}
