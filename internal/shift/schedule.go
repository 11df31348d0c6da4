package shift

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts 5-field and 6-field (leading seconds) specs plus
// descriptors such as "@daily" and "@every 2h".
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// ParseSchedule compiles a shift schedule.
//
// Supported forms:
//   - cron: "0 7 * * *", "0 0 22 * * 1-5", "@hourly", "@every 90m"
//   - wall clock "HH:MM": every day at that time in the service timezone
//   - Go duration "90m": shorthand for "@every 90m"
//
// A "cron:" prefix forces cron parsing.
func ParseSchedule(raw string) (cron.Schedule, error) {
	expr, err := normalize(raw)
	if err != nil {
		return nil, err
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", raw, err)
	}
	return sched, nil
}

// normalize turns the accepted forms into a cron expression.
func normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("schedule required")
	}
	if strings.HasPrefix(strings.ToLower(s), "cron:") {
		s = strings.TrimSpace(s[len("cron:"):])
		if s == "" {
			return "", fmt.Errorf("cron schedule required after 'cron:'")
		}
		return s, nil
	}
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if hh > 23 || mm > 59 {
			return "", fmt.Errorf("invalid time of day %q", raw)
		}
		return fmt.Sprintf("%d %d * * *", mm, hh), nil
	}
	if !strings.ContainsAny(s, " \t@") {
		if d, err := time.ParseDuration(s); err == nil {
			if d <= 0 {
				return "", fmt.Errorf("interval must be > 0")
			}
			return "@every " + d.String(), nil
		}
	}
	return s, nil
}
