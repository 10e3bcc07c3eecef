package catalog

import (
	"time"

	"github.com/codefionn/agentlink/internal/fields"
	"github.com/codefionn/agentlink/internal/wire"
)

// RateLimit is one normalized rate-limit window summary.
type RateLimit struct {
	Name             string
	UsedPercent      float64
	RemainingPercent float64
	WindowMinutes    int
	ResetsAt         time.Time
}

// ContextUsage is a normalized context-window token summary.
type ContextUsage struct {
	UsedTokens      int64
	MaxTokens       int64
	RemainingTokens int64
	At              time.Time
}

// ParseRateLimits normalizes a rate-limit payload. Server versions differ
// in both key naming and whether the windows arrive as an array or as
// named fields, so every shape goes through candidate paths.
func ParseRateLimits(v wire.Value) []RateLimit {
	doc := fields.Wrap(v)

	rows, ok := doc.Array("rateLimits", "rate_limits", "limits", "items", "data")
	if !ok {
		// Some versions send primary/secondary windows as named objects.
		var out []RateLimit
		for _, name := range []string{"primary", "secondary"} {
			if windows, ok := doc.Array(name); ok && len(windows) > 0 {
				if rl, ok := parseRateLimit(windows[0], name); ok {
					out = append(out, rl)
				}
				continue
			}
			if pct, ok := doc.Float(name+".usedPercent", name+".used_percent"); ok {
				rl := RateLimit{Name: name, UsedPercent: pct, RemainingPercent: 100 - pct}
				if mins, ok := doc.Int(name+".windowMinutes", name+".window_minutes"); ok {
					rl.WindowMinutes = int(mins)
				}
				if ts, ok := doc.Time(name+".resetsAt", name+".resets_at"); ok {
					rl.ResetsAt = ts
				}
				out = append(out, rl)
			}
		}
		return out
	}

	var out []RateLimit
	for _, row := range rows {
		if rl, ok := parseRateLimit(row, ""); ok {
			out = append(out, rl)
		}
	}
	return out
}

func parseRateLimit(row fields.Doc, fallbackName string) (RateLimit, bool) {
	rl := RateLimit{Name: fallbackName}
	if name, ok := row.Str("name", "window", "label"); ok {
		rl.Name = name
	}

	pct, ok := row.Float("usedPercent", "used_percent", "percentUsed", "percent_used")
	if !ok {
		return RateLimit{}, false
	}
	rl.UsedPercent = pct

	if rem, ok := row.Float("remainingPercent", "remaining_percent"); ok {
		rl.RemainingPercent = rem
	} else {
		rl.RemainingPercent = 100 - pct
	}
	if mins, ok := row.Int("windowMinutes", "window_minutes", "windowDurationMinutes"); ok {
		rl.WindowMinutes = int(mins)
	}
	if ts, ok := row.Time("resetsAt", "resets_at", "resetAt", "reset_at"); ok {
		rl.ResetsAt = ts
	}
	return rl, true
}

// ParseContextUsage normalizes a token-usage payload.
func ParseContextUsage(v wire.Value) (ContextUsage, bool) {
	doc := fields.Wrap(v)

	used, okUsed := doc.Int(
		"usedTokens", "used_tokens",
		"contextWindow.usedTokens", "context_window.used_tokens",
		"tokenUsage.used", "token_usage.used", "totalTokens", "total_tokens")
	max, okMax := doc.Int(
		"maxTokens", "max_tokens",
		"contextWindow.maxTokens", "context_window.max_tokens",
		"tokenUsage.max", "token_usage.max", "contextWindowSize", "context_window_size")
	if !okUsed && !okMax {
		return ContextUsage{}, false
	}

	usage := ContextUsage{UsedTokens: used, MaxTokens: max, At: time.Now()}
	if rem, ok := doc.Int("remainingTokens", "remaining_tokens", "tokenUsage.remaining"); ok {
		usage.RemainingTokens = rem
	} else if max > used {
		usage.RemainingTokens = max - used
	}
	if ts, ok := doc.Time("timestamp", "at", "updatedAt", "updated_at"); ok {
		usage.At = ts
	}
	return usage, true
}
