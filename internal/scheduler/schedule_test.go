package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func TestResolveAtRelative(t *testing.T) {
	tests := []struct {
		name string
		expr string
		want time.Time
	}{
		{"seconds", "at now + 30 seconds", baseTime.Add(30 * time.Second)},
		{"singular minute", "at now + 1 minute", baseTime.Add(time.Minute)},
		{"minutes", "at now + 5 minutes", baseTime.Add(5 * time.Minute)},
		{"hours", "at now + 2 hours", baseTime.Add(2 * time.Hour)},
		{"days", "at now + 3 days", baseTime.AddDate(0, 0, 3)},
		{"weeks", "at now + 1 week", baseTime.AddDate(0, 0, 7)},
		{"months", "at now + 2 months", baseTime.AddDate(0, 2, 0)},
		{"uppercase", "AT NOW + 10 MINUTES", baseTime.Add(10 * time.Minute)},
		{"tight spacing", "at now +1 hour", baseTime.Add(time.Hour)},
		{"surrounding whitespace", "  at now + 5 minutes  ", baseTime.Add(5 * time.Minute)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveAt(tt.expr, baseTime)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveAtRejectsZeroOffset(t *testing.T) {
	_, err := ResolveAt("at now + 0 minutes", baseTime)
	require.Error(t, err)

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "at now + 0 minutes", parseErr.Expression)
}

func TestResolveAtNaturalLanguage(t *testing.T) {
	got, err := ResolveAt("tomorrow at 5pm", baseTime)
	require.NoError(t, err)
	assert.True(t, got.After(baseTime))
}

func TestResolveAtRejectsGibberish(t *testing.T) {
	_, err := ResolveAt("whenever you feel like it maybe", baseTime)
	require.Error(t, err)

	var parseErr *ParseError
	assert.ErrorAs(t, err, &parseErr)
}

func TestResolveAtRejectsPastTime(t *testing.T) {
	_, err := ResolveAt("yesterday", baseTime)
	require.Error(t, err)

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Contains(t, parseErr.Reason, "future")
}

func TestResolveCron(t *testing.T) {
	next, err := ResolveCron("0 * * * *", baseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(time.Hour), next)
}

func TestResolveCronRejectsInvalid(t *testing.T) {
	_, err := ResolveCron("61 * * * *", baseTime)
	require.Error(t, err)

	var parseErr *ParseError
	assert.ErrorAs(t, err, &parseErr)
}

func TestComputeNext(t *testing.T) {
	next, err := ComputeNext(ScheduleTypeAt, "at now + 1 hour", baseTime)
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(time.Hour), next)

	next, err = ComputeNext(ScheduleTypeCron, "*/15 * * * *", baseTime)
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(15*time.Minute), next)

	_, err = ComputeNext("interval", "every 5m", baseTime)
	require.Error(t, err)
	var parseErr *ParseError
	assert.True(t, errors.As(err, &parseErr))
}
