package scraper

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParsePriority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{in: "", want: PriorityMedium},
		{in: "high", want: PriorityHigh},
		{in: " Low ", want: PriorityLow},
		{in: "MEDIUM", want: PriorityMedium},
		{in: "urgent", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParsePriority(tt.in)
		if tt.wantErr {
			require.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got)
	}
}

func TestFallbackSettingsActive(t *testing.T) {
	t.Parallel()

	require.False(t, FallbackSettings{}.Active())
	require.False(t, FallbackSettings{Enabled: true}.Active())
	require.False(t, FallbackSettings{ActorID: "user/actor"}.Active())
	require.True(t, FallbackSettings{Enabled: true, ActorID: "user/actor"}.Active())
}

func TestGroupResultDurationNeverNegative(t *testing.T) {
	t.Parallel()

	start := time.Unix(100, 0)
	require.Equal(t, 2*time.Second, GroupResult{StartTime: start, EndTime: start.Add(2 * time.Second)}.Duration())
	require.Zero(t, GroupResult{StartTime: start, EndTime: start.Add(-time.Second)}.Duration())
}

func TestConfigurationErrorDetection(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("load: %w", NewConfigurationError("whatsapp_groups", "must not be empty"))
	require.True(t, IsConfigurationError(err))
	require.Equal(t, "load: configuration error: whatsapp_groups must not be empty", err.Error())
	require.False(t, IsConfigurationError(errors.New("boom")))

	fatal := &FatalManagerError{Op: "run", Err: ErrCancelled}
	require.ErrorIs(t, fatal, ErrCancelled)
}
