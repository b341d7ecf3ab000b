package hostmetrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCollect_ReturnsPlausiblePercentages(t *testing.T) {
	snap := Collect(context.Background(), 0)

	require.GreaterOrEqual(t, snap.CPUPercent, 0.0)
	require.LessOrEqual(t, snap.CPUPercent, 100.0)
	require.GreaterOrEqual(t, snap.MemPercent, 0.0)
	require.LessOrEqual(t, snap.MemPercent, 100.0)
	require.GreaterOrEqual(t, snap.DiskPercent, 0.0)
	require.LessOrEqual(t, snap.DiskPercent, 100.0)
}

func TestCollect_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	snap := Collect(ctx, 0)
	require.Equal(t, 0.0, snap.CPUPercent)
}
