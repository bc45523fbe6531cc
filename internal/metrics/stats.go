package metrics

import (
	"math"
	"sort"
	"time"

	"fleetctl/internal/model"
)

// Summary is a statistics snapshot over traffic buckets.
type Summary struct {
	Buckets        int
	Devices        int
	From           time.Time
	To             time.Time
	UploadBytes    int64
	DownloadBytes  int64
	Connects       int64
	AvgBucketBytes float64
	P95BucketBytes float64
	MaxBucketBytes float64
}

// Summarize computes summary statistics for buckets starting at or after
// since.
func Summarize(rows []model.DeviceTraffic, since time.Time) Summary {
	filtered := make([]model.DeviceTraffic, 0, len(rows))
	for _, r := range rows {
		if !r.BucketStart.Before(since) {
			filtered = append(filtered, r)
		}
	}

	if len(filtered) == 0 {
		return Summary{}
	}

	values := make([]float64, 0, len(filtered))
	devices := map[int64]struct{}{}
	s := Summary{
		Buckets: len(filtered),
		From:    filtered[0].BucketStart,
		To:      filtered[0].BucketStart,
	}
	var sum float64
	for _, r := range filtered {
		total := float64(r.UploadBytes + r.DownloadBytes)
		values = append(values, total)
		sum += total
		s.UploadBytes += r.UploadBytes
		s.DownloadBytes += r.DownloadBytes
		s.Connects += r.ConnectCount
		devices[r.DeviceID] = struct{}{}
		if r.BucketStart.Before(s.From) {
			s.From = r.BucketStart
		}
		if r.BucketStart.After(s.To) {
			s.To = r.BucketStart
		}
	}

	sort.Float64s(values)
	s.Devices = len(devices)
	s.AvgBucketBytes = sum / float64(len(filtered))
	s.P95BucketBytes = percentile(values, 0.95)
	s.MaxBucketBytes = values[len(values)-1]
	return s
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
