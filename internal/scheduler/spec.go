package scheduler

import (
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSpec accepts a Go duration ("90m"), "@every <duration>", a 5-field
// cron expression or a descriptor such as "@daily".
func ParseSpec(spec string) (cronlib.Schedule, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return nil, fmt.Errorf("empty interval spec")
	}
	if rest, ok := strings.CutPrefix(s, "@every "); ok {
		return every(strings.TrimSpace(rest))
	}
	if d, err := time.ParseDuration(s); err == nil {
		return fixed(d)
	}
	sched, err := cronParser.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid interval spec %q: %w", spec, err)
	}
	return sched, nil
}

func every(raw string) (cronlib.Schedule, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid @every duration %q: %w", raw, err)
	}
	return fixed(d)
}

func fixed(d time.Duration) (cronlib.Schedule, error) {
	if d < time.Second {
		return nil, fmt.Errorf("interval %v is shorter than 1s", d)
	}
	return cronlib.Every(d), nil
}
