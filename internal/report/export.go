package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"fleet-report/internal/models"
)

// Format selects how a batch of reports is written.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat accepts json or csv, case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatCSV:
		return f, nil
	case "":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported report format: %s", s)
	}
}

// ContentType is the media type of the written output.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv"
	}
	return "application/json"
}

// Write serializes reports in this format.
func (f Format) Write(w io.Writer, reports []models.SummaryReport) error {
	if f == FormatCSV {
		return WriteCSV(w, reports)
	}
	return WriteJSON(w, reports)
}

// WriteJSON writes reports as a JSON array.
func WriteJSON(w io.Writer, reports []models.SummaryReport) error {
	if reports == nil {
		reports = []models.SummaryReport{}
	}
	return json.NewEncoder(w).Encode(reports)
}

// csvHeader follows the JSON field names of SummaryReport.
var csvHeader = []string{"deviceId", "deviceName", "distance", "averageSpeed", "maxSpeed", "engineHours"}

// WriteCSV writes a header line followed by one line per report.
func WriteCSV(w io.Writer, reports []models.SummaryReport) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range reports {
		record := []string{
			strconv.FormatInt(r.DeviceID, 10),
			r.DeviceName,
			strconv.FormatFloat(r.Distance, 'f', -1, 64),
			strconv.FormatFloat(r.AverageSpeed, 'f', -1, 64),
			strconv.FormatFloat(r.MaxSpeed, 'f', -1, 64),
			strconv.FormatInt(r.EngineHours, 10),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
