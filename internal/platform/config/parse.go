package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// parser reads typed values from a Source and records every malformed one instead of falling back
// silently, so a typo in a TTL cannot quietly ship the default.
type parser struct {
	src      Source
	problems []Problem
}

func (p *parser) fail(key, field, raw, want string) {
	p.problems = append(p.problems, Problem{Field: field, Reason: fmt.Sprintf("%s=%q is not %s", key, raw, want)})
}

// duration accepts Go durations plus a whole-day form ("7d") for cart lifetimes.
func (p *parser) duration(key, field string, fallback time.Duration) time.Duration {
	raw := p.src.Get(key)
	if raw == "" {
		return fallback
	}
	d, err := parseDuration(raw)
	if err != nil {
		p.fail(key, field, raw, "a duration")
		return fallback
	}
	return d
}

func (p *parser) integer(key, field string, fallback int) int {
	raw := p.src.Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, field, raw, "an integer")
		return fallback
	}
	return n
}

func (p *parser) boolean(key, field string, fallback bool) bool {
	raw := p.src.Get(key)
	if raw == "" {
		return fallback
	}
	switch strings.ToLower(raw) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	p.fail(key, field, raw, "a boolean")
	return fallback
}

func parseDuration(raw string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(raw, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(raw)
}
