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

var trafficHeader = []string{
	"bucket_start",
	"bucket_seconds",
	"user_id",
	"device_id",
	"node_id",
	"upload_bytes",
	"download_bytes",
	"connect_count",
}

// WriteTrafficCSV writes device traffic buckets with a fixed column order.
func WriteTrafficCSV(w io.Writer, rows []model.DeviceTraffic) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(trafficHeader); err != nil {
		return err
	}
	return writeTrafficRows(writer, rows)
}

// AppendTrafficCSV appends rows to the file at path, writing the header only
// when the file is new or empty.
func AppendTrafficCSV(path string, rows []model.DeviceTraffic) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return xerrors.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	writer := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := writer.Write(trafficHeader); err != nil {
			return err
		}
	}
	if err := writeTrafficRows(writer, rows); err != nil {
		return err
	}
	return f.Sync()
}

func writeTrafficRows(writer *csv.Writer, rows []model.DeviceTraffic) error {
	for _, r := range rows {
		record := []string{
			r.BucketStart.UTC().Format(time.RFC3339),
			strconv.Itoa(r.BucketSeconds),
			strconv.FormatInt(r.UserID, 10),
			strconv.FormatInt(r.DeviceID, 10),
			strconv.FormatInt(r.NodeID, 10),
			strconv.FormatInt(r.UploadBytes, 10),
			strconv.FormatInt(r.DownloadBytes, 10),
			strconv.FormatInt(r.ConnectCount, 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
