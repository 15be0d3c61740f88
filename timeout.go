package localbuild

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// defaultBuildTimeout applies when the config does not set one. The
// wire format expresses it as "600s".
const defaultBuildTimeout = 10 * time.Minute

// maxBuildTimeout is the upper bound the format allows.
const maxBuildTimeout = 24 * time.Hour

// parseBuildDuration parses duration strings as they appear in build
// configs. Supports the canonical seconds form "1800s" as well as
// "30m", "1h 30m", "1 hour", "90 minutes", and plain seconds "3600".
func parseBuildDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	// Plain integer means seconds
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return time.Duration(n) * time.Second, nil
	}

	var total time.Duration
	matched := false
	parts := strings.Fields(s)
	for i := 0; i < len(parts); i++ {
		part := strings.ToLower(parts[i])

		// Bare number with the unit as the following word: "30 minutes"
		if n, err := strconv.Atoi(part); err == nil {
			if i+1 >= len(parts) {
				return 0, fmt.Errorf("malformed duration %q", s)
			}
			sec := unitSeconds(strings.ToLower(parts[i+1]))
			if sec == 0 {
				return 0, fmt.Errorf("unknown unit %q in %q", parts[i+1], s)
			}
			total += time.Duration(n) * sec
			matched = true
			i++
			continue
		}

		// Inline unit suffixes, possibly chained: "30m", "1h", "1h30m"
		d, ok, err := parseUnitChain(part)
		if err != nil {
			return 0, fmt.Errorf("%w in %q", err, s)
		}
		if !ok {
			return 0, fmt.Errorf("malformed duration %q", s)
		}
		total += d
		matched = true
	}

	if !matched {
		return 0, fmt.Errorf("malformed duration %q", s)
	}
	return total, nil
}

// parseUnitChain parses one or more number+unit segments, e.g. "1h" or
// "1h30m". ok is false when s does not start with a digit; err reports
// a bad or missing unit in a digit-led part.
func parseUnitChain(s string) (time.Duration, bool, error) {
	if s == "" || s[0] < '0' || s[0] > '9' {
		return 0, false, nil
	}
	var total time.Duration
	for i := 0; i < len(s); {
		j := i
		for j < len(s) && s[j] >= '0' && s[j] <= '9' {
			j++
		}
		if j == len(s) {
			return 0, true, fmt.Errorf("missing unit after %q", s[i:j])
		}
		n, err := strconv.Atoi(s[i:j])
		if err != nil {
			return 0, true, err
		}
		k := j
		for k < len(s) && (s[k] < '0' || s[k] > '9') {
			k++
		}
		sec := unitSeconds(s[j:k])
		if sec == 0 {
			return 0, true, fmt.Errorf("unknown unit %q", s[j:k])
		}
		total += time.Duration(n) * sec
		i = k
	}
	return total, true, nil
}

func unitSeconds(unit string) time.Duration {
	switch unit {
	case "h", "hr", "hrs", "hour", "hours":
		return time.Hour
	case "m", "min", "mins", "minute", "minutes":
		return time.Minute
	case "s", "sec", "secs", "second", "seconds":
		return time.Second
	}
	return 0
}

// buildTimeout returns the whole-build timeout for a config, applying
// the default when unset. The config is assumed validated.
func buildTimeout(cfg *BuildConfig) time.Duration {
	if cfg.Timeout == "" {
		return defaultBuildTimeout
	}
	d, err := parseBuildDuration(cfg.Timeout)
	if err != nil {
		return defaultBuildTimeout
	}
	return d
}

// stepTimeout returns the per-step timeout, 0 meaning bounded only by
// the build timeout.
func stepTimeout(step *BuildStep) time.Duration {
	if step.Timeout == "" {
		return 0
	}
	d, err := parseBuildDuration(step.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// formatDuration renders a duration in the canonical seconds wire
// form, e.g. "1800s".
func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	return fmt.Sprintf("%ds", int(d/time.Second))
}
