package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidCron is returned when a cron expression uses a field form
// outside the restricted grammar: literal integer, `*`, or `*/step` (§6).
// The teacher's own fallback silently substituted "run in one hour" for any
// expression it could not pattern-match; that behaviour is a documented
// defect (§9) and is replaced here by outright rejection at schedule-
// creation time.
var ErrInvalidCron = errors.New("invalid cron expression")

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCron checks that every field of a five-field cron expression is
// either a literal integer, `*`, or `*/step`. Ranges, lists, and named
// values are rejected even though the underlying robfig/cron parser would
// accept them, because the restricted grammar is what this platform
// guarantees to callers of validate_cron.
func ValidateCron(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return fmt.Errorf("%w: expected 5 fields, got %d", ErrInvalidCron, len(fields))
	}
	for _, f := range fields {
		if !isRestrictedField(f) {
			return fmt.Errorf("%w: unsupported field %q", ErrInvalidCron, f)
		}
	}
	// Defer to the real parser for range/overflow validation now that the
	// grammar is known to be restricted.
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	return nil
}

func isRestrictedField(f string) bool {
	if f == "*" {
		return true
	}
	if strings.HasPrefix(f, "*/") {
		step := f[2:]
		if step == "" {
			return false
		}
		n, err := strconv.Atoi(step)
		return err == nil && n > 0
	}
	_, err := strconv.Atoi(f)
	return err == nil
}

// NextRun computes the next execution strictly after from, for an
// expression already accepted by ValidateCron.
func NextRun(expr string, from time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	next := schedule.Next(from)
	if !next.After(from) {
		// robfig/cron guarantees a strictly-future result for a valid
		// schedule; this is a defensive invariant check (property 7).
		return time.Time{}, fmt.Errorf("computed next-run %s is not after %s", next, from)
	}
	return next, nil
}
