// Package limiter tracks which requesters are inside their drip cooldown.
package limiter

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ReneKroon/ttlcache/v2"
	"github.com/brojonat/dripper/service/metrics"
)

// Limiter is an in-memory cooldown set. Entries expire on their own; nothing
// survives a restart.
type Limiter struct {
	window    time.Duration
	cooldowns *ttlcache.Cache
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New creates a limiter whose cooldowns last window.
func New(window time.Duration, m *metrics.Metrics, logger *slog.Logger) (*Limiter, error) {
	if window <= 0 {
		return nil, fmt.Errorf("cooldown window must be positive, got %s", window)
	}

	cooldowns := ttlcache.NewCache()
	if err := cooldowns.SetTTL(window); err != nil {
		return nil, fmt.Errorf("failed to set cooldown ttl: %w", err)
	}
	// reads must never push an expiry back
	cooldowns.SkipTTLExtensionOnHit(true)

	l := &Limiter{
		window:    window,
		cooldowns: cooldowns,
		metrics:   m,
		logger:    logger.With("component", "limiter"),
		inFlight:  make(map[string]struct{}),
	}
	cooldowns.SetExpirationCallback(func(key string, _ interface{}) {
		l.logger.Debug("cooldown expired", "requester_id", key)
		go l.reportActive()
	})
	return l, nil
}

// Window is the configured cooldown duration.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// IsLimited reports whether id is inside an active cooldown.
func (l *Limiter) IsLimited(id string) bool {
	return l.Remaining(id) > 0
}

// Remaining is how long id's cooldown has left, zero when not limited.
func (l *Limiter) Remaining(id string) time.Duration {
	v, err := l.cooldowns.Get(id)
	if err != nil {
		return 0
	}
	expiry, ok := v.(time.Time)
	if !ok {
		return 0
	}
	return max(time.Until(expiry), 0)
}

// StartCooldown limits id for d. Restarting an active cooldown is a no-op.
func (l *Limiter) StartCooldown(id string, d time.Duration) error {
	if l.IsLimited(id) {
		return nil
	}
	if err := l.cooldowns.SetWithTTL(id, time.Now().Add(d), d); err != nil {
		return fmt.Errorf("failed to start cooldown: %w", err)
	}
	l.reportActive()
	return nil
}

// Clear lifts id's cooldown early.
func (l *Limiter) Clear(id string) error {
	err := l.cooldowns.Remove(id)
	if err != nil && !errors.Is(err, ttlcache.ErrNotFound) {
		return fmt.Errorf("failed to clear cooldown: %w", err)
	}
	l.reportActive()
	return nil
}

// Begin reserves id for one in-flight drip. It returns false when id is
// limited or already has a drip in flight.
func (l *Limiter) Begin(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.inFlight[id]; busy {
		return false
	}
	if l.IsLimited(id) {
		return false
	}
	l.inFlight[id] = struct{}{}
	return true
}

// End releases the reservation taken by Begin, starting the cooldown first
// when the drip was granted.
func (l *Limiter) End(id string, granted bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer delete(l.inFlight, id)

	if !granted {
		return nil
	}
	return l.StartCooldown(id, l.window)
}

// Count is the number of active cooldowns.
func (l *Limiter) Count() int {
	return l.cooldowns.Count()
}

// Close stops the expiry goroutine.
func (l *Limiter) Close() error {
	return l.cooldowns.Close()
}

func (l *Limiter) reportActive() {
	if l.metrics != nil {
		l.metrics.SetCooldownActive(l.cooldowns.Count())
	}
}

// Describe renders a cooldown window for end users, e.g. "one day".
func Describe(d time.Duration) string {
	units := []struct {
		size time.Duration
		name string
	}{
		{24 * time.Hour, "day"},
		{time.Hour, "hour"},
		{time.Minute, "minute"},
		{time.Second, "second"},
	}
	for _, u := range units {
		if d < u.size || d%u.size != 0 {
			continue
		}
		n := int64(d / u.size)
		if n == 1 {
			return "one " + u.name
		}
		return fmt.Sprintf("%d %ss", n, u.name)
	}
	return d.String()
}
