package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleetctl/internal/model"
)

func TestSummarize_Basic(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	rows := []model.DeviceTraffic{
		{BucketStart: now.Add(-2 * time.Hour), DeviceID: 1, UploadBytes: 1000},
		{BucketStart: now.Add(-10 * time.Minute), DeviceID: 1, UploadBytes: 10, DownloadBytes: 0, ConnectCount: 1},
		{BucketStart: now.Add(-5 * time.Minute), DeviceID: 2, UploadBytes: 5, DownloadBytes: 15, ConnectCount: 2},
	}
	s := Summarize(rows, now.Add(-time.Hour))
	require.Equal(t, 2, s.Buckets)
	require.Equal(t, 2, s.Devices)
	require.EqualValues(t, 15, s.UploadBytes)
	require.EqualValues(t, 15, s.DownloadBytes)
	require.EqualValues(t, 3, s.Connects)
	require.InDelta(t, 15, s.AvgBucketBytes, 0.001)
	require.InDelta(t, 20, s.P95BucketBytes, 0.001)
	require.InDelta(t, 20, s.MaxBucketBytes, 0.001)
	require.True(t, now.Add(-10*time.Minute).Equal(s.From))
	require.True(t, now.Add(-5*time.Minute).Equal(s.To))

	require.Equal(t, Summary{}, Summarize(rows, now))
}

func TestPercentile_Edges(t *testing.T) {
	t.Parallel()

	values := []float64{1, 2, 3, 4}
	require.Equal(t, 1.0, percentile(values, 0))
	require.Equal(t, 4.0, percentile(values, 1))
	require.Equal(t, 0.0, percentile(nil, 0.5))
}
