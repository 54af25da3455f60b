package handler

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Request classes with separate budgets. Appends serialise on the chain
// tail, so writes usually get the smaller budget.
const (
	classRead  = "read"
	classWrite = "write"
)

const (
	limiterIdle  = 10 * time.Minute
	limiterSweep = 5 * time.Minute
)

// RateLimitConfig sets per-client budgets in requests per second. A zero
// WriteRPS falls back to ReadRPS; Burst defaults to twice the class rate.
type RateLimitConfig struct {
	ReadRPS  int
	WriteRPS int
	Burst    int
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// bucketSet holds one token bucket per client and request class.
type bucketSet struct {
	mu      sync.Mutex
	buckets map[string]*clientBucket
	limits  map[string]rate.Limit
	bursts  map[string]int
}

func newBucketSet(cfg RateLimitConfig) *bucketSet {
	if cfg.WriteRPS <= 0 {
		cfg.WriteRPS = cfg.ReadRPS
	}
	burst := func(rps int) int {
		if cfg.Burst > 0 {
			return cfg.Burst
		}
		return rps * 2
	}
	return &bucketSet{
		buckets: make(map[string]*clientBucket),
		limits:  map[string]rate.Limit{classRead: rate.Limit(cfg.ReadRPS), classWrite: rate.Limit(cfg.WriteRPS)},
		bursts:  map[string]int{classRead: burst(cfg.ReadRPS), classWrite: burst(cfg.WriteRPS)},
	}
}

// wait returns how long the client must back off before class is allowed
// again, or zero when the request may proceed now.
func (s *bucketSet) wait(client, class string, now time.Time) time.Duration {
	key := class + "|" + client

	s.mu.Lock()
	b, ok := s.buckets[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(s.limits[class], s.bursts[class])}
		s.buckets[key] = b
	}
	b.lastSeen = now
	s.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return limiterIdle
	}
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
	}
	return delay
}

func (s *bucketSet) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, b := range s.buckets {
		if now.Sub(b.lastSeen) > limiterIdle {
			delete(s.buckets, key)
		}
	}
}

// RateLimiter returns a Gin middleware that rate limits each client IP with
// separate token buckets for reads and writes. Rejected requests get 429 and
// a Retry-After derived from the bucket. Idle buckets are dropped until ctx
// is done.
func RateLimiter(ctx context.Context, cfg RateLimitConfig) gin.HandlerFunc {
	set := newBucketSet(cfg)

	go func() {
		ticker := time.NewTicker(limiterSweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				set.sweep(now)
			}
		}
	}()

	return func(c *gin.Context) {
		class := classRead
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			class = classWrite
		}

		if delay := set.wait(c.ClientIP(), class, time.Now()); delay > 0 {
			rateLimitedTotal.WithLabelValues(class).Inc()
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
				"class": class,
			})
			return
		}
		c.Next()
	}
}
