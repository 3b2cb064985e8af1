package alova

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// CacheMode controls how a cached value is treated by readers.
type CacheMode int

const (
	// ModeMemory entries are authoritative: a hit skips the transport.
	ModeMemory CacheMode = iota
	// ModePlaceholder entries are shown while a fresh value is fetched.
	ModePlaceholder
)

func (m CacheMode) String() string {
	if m == ModePlaceholder {
		return "placeholder"
	}
	return "memory"
}

// CachePolicy describes how long a response stays cached. The zero value
// disables caching.
type CachePolicy struct {
	TTL      time.Duration
	ExpireAt time.Time
	Forever  bool
	Mode     CacheMode
}

// NoCache disables caching for a request.
func NoCache() *CachePolicy { return &CachePolicy{} }

// CacheFor caches for d after the response arrives.
func CacheFor(d time.Duration) *CachePolicy { return &CachePolicy{TTL: d} }

// CacheUntil caches until the absolute instant t.
func CacheUntil(t time.Time) *CachePolicy { return &CachePolicy{ExpireAt: t} }

// CacheForever caches without expiry.
func CacheForever() *CachePolicy { return &CachePolicy{Forever: true} }

// AsPlaceholder returns a copy of p in placeholder mode.
func (p CachePolicy) AsPlaceholder() *CachePolicy {
	p.Mode = ModePlaceholder
	return &p
}

// Enabled reports whether responses should be cached at all.
func (p CachePolicy) Enabled() bool {
	return p.Forever || p.TTL > 0 || !p.ExpireAt.IsZero()
}

// expiry resolves the expiration instant relative to now. A zero time
// means the entry never expires.
func (p CachePolicy) expiry(now time.Time) time.Time {
	switch {
	case p.Forever:
		return time.Time{}
	case !p.ExpireAt.IsZero():
		return p.ExpireAt
	default:
		return now.Add(p.TTL)
	}
}

func (p CachePolicy) String() string {
	switch {
	case !p.Enabled():
		return "disabled"
	case p.Forever:
		return "forever/" + p.Mode.String()
	case !p.ExpireAt.IsZero():
		return "until " + p.ExpireAt.Format(time.RFC3339) + "/" + p.Mode.String()
	default:
		return p.TTL.String() + "/" + p.Mode.String()
	}
}

// ParseCachePolicy converts loosely typed configuration into a policy.
// Accepted shapes: integer milliseconds, time.Duration, false, duration
// strings ("5m", "forever", "infinity"), time.Time, and maps carrying
// "expire" plus an optional "mode" of "memory" or "placeholder".
func ParseCachePolicy(v any) (*CachePolicy, error) {
	switch t := v.(type) {
	case nil:
		return NoCache(), nil
	case *CachePolicy:
		return t, nil
	case CachePolicy:
		return &t, nil
	case bool:
		if t {
			return nil, fmt.Errorf("alova: cache policy true is ambiguous, use a duration")
		}
		return NoCache(), nil
	case time.Duration:
		return durationPolicy(t)
	case time.Time:
		return CacheUntil(t), nil
	case int:
		return millisPolicy(float64(t))
	case int64:
		return millisPolicy(float64(t))
	case uint64:
		return millisPolicy(float64(t))
	case float64:
		return millisPolicy(t)
	case string:
		return parsePolicyString(t)
	case map[string]any:
		return parsePolicyMap(t)
	case map[any]any:
		converted := make(map[string]any, len(t))
		for k, val := range t {
			converted[fmt.Sprint(k)] = val
		}
		return parsePolicyMap(converted)
	default:
		return nil, fmt.Errorf("alova: unsupported cache policy type %T", v)
	}
}

func durationPolicy(d time.Duration) (*CachePolicy, error) {
	if d < 0 {
		return nil, fmt.Errorf("alova: negative cache duration %v", d)
	}
	if d == 0 {
		return NoCache(), nil
	}
	return CacheFor(d), nil
}

func millisPolicy(ms float64) (*CachePolicy, error) {
	if math.IsInf(ms, 1) {
		return CacheForever(), nil
	}
	if math.IsNaN(ms) || ms < 0 {
		return nil, fmt.Errorf("alova: invalid cache duration %v", ms)
	}
	return durationPolicy(time.Duration(ms * float64(time.Millisecond)))
}

func parsePolicyString(s string) (*CachePolicy, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "0", "false", "off", "none":
		return NoCache(), nil
	case "forever", "infinity", "inf":
		return CacheForever(), nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return durationPolicy(d)
	}
	if ms, err := strconv.ParseFloat(s, 64); err == nil {
		return millisPolicy(ms)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return CacheUntil(t), nil
	}
	return nil, fmt.Errorf("alova: cannot parse cache policy %q", s)
}

func parsePolicyMap(m map[string]any) (*CachePolicy, error) {
	expire, ok := m["expire"]
	if !ok {
		return nil, fmt.Errorf("alova: cache policy map requires \"expire\"")
	}
	p, err := ParseCachePolicy(expire)
	if err != nil {
		return nil, err
	}
	if mode, ok := m["mode"]; ok {
		switch strings.ToLower(fmt.Sprint(mode)) {
		case "memory", "":
			p.Mode = ModeMemory
		case "placeholder":
			p.Mode = ModePlaceholder
		default:
			return nil, fmt.Errorf("alova: unknown cache mode %v", mode)
		}
	}
	return p, nil
}
