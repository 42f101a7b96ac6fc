package parser

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"fleet-report/internal/models"

	"github.com/sirupsen/logrus"
)

// Parser handles parsing of position files
type Parser struct {
	format string
	logger *logrus.Logger
}

// NewParser creates a new parser with the specified format
func NewParser(format string, logger *logrus.Logger) *Parser {
	return &Parser{format: format, logger: logger}
}

// ParseFile parses a position file
func (p *Parser) ParseFile(filename string) ([]models.Position, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return p.Parse(file)
}

// Parse reads positions in the parser's format
func (p *Parser) Parse(r io.Reader) ([]models.Position, error) {
	switch strings.ToLower(p.format) {
	case "csv":
		return p.parseCSV(r)
	case "json":
		return p.parseJSON(r)
	case "log":
		return p.parseLog(r)
	default:
		return nil, fmt.Errorf("unsupported format: %s", p.format)
	}
}

func (p *Parser) warn(line int, err error) {
	p.logger.WithField("line", line).WithError(err).Warn("skipping position")
}

// parseCSV parses CSV with a header row naming the columns
func (p *Parser) parseCSV(r io.Reader) ([]models.Position, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // Allow variable fields

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	indices := make(map[string]int)
	for i, h := range header {
		indices[strings.ToLower(strings.TrimSpace(h))] = i
	}

	var results []models.Position
	lineNum := 1

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		lineNum++
		if err != nil {
			return results, fmt.Errorf("error at line %d: %w", lineNum, err)
		}

		pos, err := recordToPosition(record, indices)
		if err != nil {
			p.warn(lineNum, err)
			continue
		}
		results = append(results, pos)
	}

	return results, nil
}

// recordToPosition converts a CSV record to a Position
func recordToPosition(record []string, indices map[string]int) (models.Position, error) {
	var pos models.Position
	var err error

	getValue := func(keys ...string) string {
		for _, key := range keys {
			if idx, ok := indices[key]; ok && idx < len(record) {
				return strings.TrimSpace(record[idx])
			}
		}
		return ""
	}

	pos.DeviceID, err = strconv.ParseInt(getValue("device_id", "deviceid"), 10, 64)
	if err != nil {
		return pos, fmt.Errorf("invalid device_id: %w", err)
	}

	tsStr := getValue("fix_time", "fixtime", "timestamp")
	if tsStr == "" {
		return pos, fmt.Errorf("missing fix_time")
	}
	pos.FixTime, err = parseTimestamp(tsStr)
	if err != nil {
		return pos, err
	}

	pos.Latitude, _ = strconv.ParseFloat(getValue("latitude", "lat"), 64)
	pos.Longitude, _ = strconv.ParseFloat(getValue("longitude", "lon", "lng"), 64)
	pos.Speed, _ = strconv.ParseFloat(getValue("speed"), 64)
	pos.Course, _ = strconv.ParseFloat(getValue("course", "heading"), 64)
	pos.Altitude, _ = strconv.ParseFloat(getValue("altitude"), 64)
	pos.Ignition = models.ParseIgnition(getValue("ignition"))

	return pos, nil
}

// parseJSON accepts a JSON array or newline-delimited JSON objects
func (p *Parser) parseJSON(r io.Reader) ([]models.Position, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var results []models.Position
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &results); err == nil {
			return results, nil
		}
	}

	return p.parseJSONLines(bytes.NewReader(data))
}

// parseJSONLines parses newline-delimited JSON
func (p *Parser) parseJSONLines(r io.Reader) ([]models.Position, error) {
	var results []models.Position
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == "[" || line == "]" {
			continue
		}

		// Remove trailing comma if present
		line = strings.TrimSuffix(line, ",")

		var pos models.Position
		if err := json.Unmarshal([]byte(line), &pos); err != nil {
			p.warn(lineNum, err)
			continue
		}
		results = append(results, pos)
	}

	return results, scanner.Err()
}

// parseLog parses: fix_time|device_id|lat,lon|speed|course|altitude|ignition
func (p *Parser) parseLog(r io.Reader) ([]models.Position, error) {
	var results []models.Position
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, "|")
		if len(parts) < 4 {
			p.warn(lineNum, fmt.Errorf("insufficient fields"))
			continue
		}

		var pos models.Position
		var err error

		pos.FixTime, err = parseTimestamp(parts[0])
		if err != nil {
			p.warn(lineNum, err)
			continue
		}

		pos.DeviceID, err = strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil {
			p.warn(lineNum, fmt.Errorf("invalid device_id: %w", err))
			continue
		}

		coords := strings.Split(parts[2], ",")
		if len(coords) == 2 {
			pos.Latitude, _ = strconv.ParseFloat(strings.TrimSpace(coords[0]), 64)
			pos.Longitude, _ = strconv.ParseFloat(strings.TrimSpace(coords[1]), 64)
		}

		pos.Speed, _ = strconv.ParseFloat(parts[3], 64)
		if len(parts) > 4 {
			pos.Course, _ = strconv.ParseFloat(parts[4], 64)
		}
		if len(parts) > 5 {
			pos.Altitude, _ = strconv.ParseFloat(parts[5], 64)
		}
		if len(parts) > 6 {
			pos.Ignition = models.ParseIgnition(parts[6])
		}

		results = append(results, pos)
	}

	return results, scanner.Err()
}

// parseTimestamp tries multiple timestamp formats
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	formats := []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006/01/02 15:04:05",
		"01/02/2006 15:04:05",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t.UTC(), nil
		}
	}

	// Unix seconds or milliseconds
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ts > 1e12 {
			return time.UnixMilli(ts).UTC(), nil
		}
		return time.Unix(ts, 0).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}

// ValidatePosition validates a position before it is stored
func ValidatePosition(p *models.Position) []string {
	var errors []string

	if p.DeviceID <= 0 {
		errors = append(errors, "device_id is required")
	}
	if p.FixTime.IsZero() {
		errors = append(errors, "fix_time is required")
	}
	if p.Latitude < -90 || p.Latitude > 90 {
		errors = append(errors, "latitude must be between -90 and 90")
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		errors = append(errors, "longitude must be between -180 and 180")
	}
	if p.Speed < 0 {
		errors = append(errors, "speed cannot be negative")
	}

	return errors
}
