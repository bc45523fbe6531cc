package metrics

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"time"

	"golang.org/x/xerrors"

	"fleetctl/internal/model"
)

// ReadTrafficCSV loads device traffic buckets written by WriteTrafficCSV.
func ReadTrafficCSV(path string) ([]model.DeviceTraffic, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readTrafficCSV(file)
}

func readTrafficCSV(r io.Reader) ([]model.DeviceTraffic, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := 0
	if len(records[0]) > 0 && records[0][0] == trafficHeader[0] {
		start = 1
	}

	rows := make([]model.DeviceTraffic, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < len(trafficHeader) {
			return nil, xerrors.Errorf("invalid record at line %d", i+1)
		}
		ts, err := time.Parse(time.RFC3339, rec[0])
		if err != nil {
			return nil, xerrors.Errorf("invalid bucket start at line %d: %w", i+1, err)
		}
		ints := make([]int64, len(trafficHeader)-1)
		for j := range ints {
			ints[j], err = strconv.ParseInt(rec[j+1], 10, 64)
			if err != nil {
				return nil, xerrors.Errorf("invalid %s at line %d: %w", trafficHeader[j+1], i+1, err)
			}
		}
		rows = append(rows, model.DeviceTraffic{
			BucketStart:   ts,
			BucketSeconds: int(ints[0]),
			UserID:        ints[1],
			DeviceID:      ints[2],
			NodeID:        ints[3],
			UploadBytes:   ints[4],
			DownloadBytes: ints[5],
			ConnectCount:  ints[6],
		})
	}

	return rows, nil
}
