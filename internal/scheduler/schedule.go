// Package scheduler fires scheduled tasks by opening new agent sessions
// at their computed execution times.
package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/robfig/cron/v3"
)

// Schedule types.
const (
	ScheduleTypeAt   = "at"
	ScheduleTypeCron = "cron"
)

// atRelativeRe matches "at now + N <unit>", case-insensitive, plural
// optional.
var atRelativeRe = regexp.MustCompile(`(?i)^at\s+now\s*\+\s*(\d+)\s+(second|minute|hour|day|week|month)s?$`)

// ParseError is a schedule expression rejection; it never reaches
// persistence.
type ParseError struct {
	Expression string
	Reason     string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid schedule %q: %s", e.Expression, e.Reason)
}

// ResolveAt parses an "at" expression to a concrete time. The relative
// "at now + N unit" form is handled directly; anything else goes through
// the natural-language date parser. The resolved time must be strictly in
// the future.
func ResolveAt(expr string, now time.Time) (time.Time, error) {
	trimmed := strings.TrimSpace(expr)

	if m := atRelativeRe.FindStringSubmatch(trimmed); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return time.Time{}, &ParseError{Expression: expr, Reason: "offset must be a positive integer"}
		}
		resolved := addUnit(now, n, strings.ToLower(m[2]))
		return resolved, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	result, err := w.Parse(trimmed, now)
	if err != nil {
		return time.Time{}, &ParseError{Expression: expr, Reason: err.Error()}
	}
	if result == nil {
		return time.Time{}, &ParseError{Expression: expr, Reason: "not a recognizable date expression"}
	}
	if !result.Time.After(now) {
		return time.Time{}, &ParseError{Expression: expr, Reason: "resolved time is not in the future"}
	}
	return result.Time, nil
}

func addUnit(now time.Time, n int, unit string) time.Time {
	switch unit {
	case "second":
		return now.Add(time.Duration(n) * time.Second)
	case "minute":
		return now.Add(time.Duration(n) * time.Minute)
	case "hour":
		return now.Add(time.Duration(n) * time.Hour)
	case "day":
		return now.AddDate(0, 0, n)
	case "week":
		return now.AddDate(0, 0, 7*n)
	case "month":
		return now.AddDate(0, n, 0)
	}
	return now
}

// ResolveCron validates a standard 5-field cron expression and returns
// its next fire time after now.
func ResolveCron(expr string, now time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, &ParseError{Expression: expr, Reason: err.Error()}
	}
	return schedule.Next(now), nil
}

// ComputeNext resolves a schedule expression of either type to its next
// execution time from now.
func ComputeNext(scheduleType, expr string, now time.Time) (time.Time, error) {
	switch scheduleType {
	case ScheduleTypeAt:
		return ResolveAt(expr, now)
	case ScheduleTypeCron:
		return ResolveCron(expr, now)
	default:
		return time.Time{}, &ParseError{Expression: expr, Reason: "unknown schedule type " + scheduleType}
	}
}
