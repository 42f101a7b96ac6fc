package report

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"fleet-report/internal/models"
)

type fakeStore struct {
	names     map[int64]string
	positions map[int64][]models.Position
	allowed   map[int64]bool
	posErr    error

	summarized []int64
	checked    []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		names:     map[int64]string{},
		positions: map[int64][]models.Position{},
		allowed:   map[int64]bool{},
	}
}

func (f *fakeStore) add(id int64, name string, fixes ...models.Position) {
	f.names[id] = name
	f.positions[id] = fixes
	f.allowed[id] = true
}

func (f *fakeStore) Positions(_ context.Context, deviceID int64, _, _ time.Time) ([]models.Position, error) {
	if f.posErr != nil {
		return nil, f.posErr
	}
	f.summarized = append(f.summarized, deviceID)
	return f.positions[deviceID], nil
}

func (f *fakeStore) DeviceName(_ context.Context, deviceID int64) (string, error) {
	name, ok := f.names[deviceID]
	if !ok {
		return "", models.ErrDeviceNotFound
	}
	return name, nil
}

func (f *fakeStore) ResolveDevices(_ context.Context, deviceIDs, groupIDs []int64) ([]int64, error) {
	if len(groupIDs) > 0 {
		return nil, errors.New("groups unsupported")
	}
	return deviceIDs, nil
}

func (f *fakeStore) CheckDevice(_ context.Context, userID, deviceID int64) error {
	f.checked = append(f.checked, deviceID)
	if !f.allowed[deviceID] {
		return &models.AccessDeniedError{UserID: userID, DeviceID: deviceID}
	}
	return nil
}

func newTestReporter(f *fakeStore) *Reporter {
	return NewReporter(f, f, f, f)
}

var (
	from = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to   = from.Add(24 * time.Hour)
)

func TestRunPreservesResolvedOrder(t *testing.T) {
	f := newFakeStore()
	f.add(5, "five", models.Position{Speed: 50, FixTime: from})
	f.add(3, "three")
	f.add(9, "nine", models.Position{Speed: 90, FixTime: from})

	reports, err := newTestReporter(f).Run(context.Background(), models.ReportQuery{
		UserID: 1, DeviceIDs: []int64{5, 3, 9}, From: from, To: to,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(reports) != 3 {
		t.Fatalf("expected 3 reports, got %d", len(reports))
	}
	for i, want := range []int64{5, 3, 9} {
		if reports[i].DeviceID != want {
			t.Fatalf("report %d is device %d, want %d", i, reports[i].DeviceID, want)
		}
	}
	if reports[0].MaxSpeed != 50 || reports[0].DeviceName != "five" {
		t.Fatalf("unexpected report: %+v", reports[0])
	}
	if reports[1] != (models.SummaryReport{DeviceID: 3, DeviceName: "three"}) {
		t.Fatalf("device without fixes should be zero valued: %+v", reports[1])
	}
}

func TestRunAbortsOnDenial(t *testing.T) {
	f := newFakeStore()
	f.add(1, "one")
	f.add(2, "two")
	f.add(3, "three")
	f.allowed[2] = false

	reports, err := newTestReporter(f).Run(context.Background(), models.ReportQuery{
		UserID: 7, DeviceIDs: []int64{1, 2, 3}, From: from, To: to,
	})
	if reports != nil {
		t.Fatalf("expected no reports, got %v", reports)
	}
	var denied *models.AccessDeniedError
	if !errors.As(err, &denied) || denied.DeviceID != 2 || denied.UserID != 7 {
		t.Fatalf("expected access denied for device 2, got %v", err)
	}
	for _, id := range f.summarized {
		if id == 3 {
			t.Fatalf("device after denial should not be summarized")
		}
	}
}

func TestRunPropagatesDataErrors(t *testing.T) {
	f := newFakeStore()
	f.add(1, "one")
	f.posErr = errors.New("disk on fire")

	_, err := newTestReporter(f).Run(context.Background(), models.ReportQuery{DeviceIDs: []int64{1}})
	if !errors.Is(err, f.posErr) {
		t.Fatalf("expected wrapped storage error, got %v", err)
	}

	f.posErr = nil
	f.allowed[4] = true
	_, err = newTestReporter(f).Run(context.Background(), models.ReportQuery{DeviceIDs: []int64{1, 4}})
	if !errors.Is(err, models.ErrDeviceNotFound) {
		t.Fatalf("expected device not found, got %v", err)
	}
}

func TestRunResolveError(t *testing.T) {
	f := newFakeStore()
	_, err := newTestReporter(f).Run(context.Background(), models.ReportQuery{GroupIDs: []int64{1}})
	if err == nil {
		t.Fatalf("expected resolve error")
	}
}

func TestRunCancelledContext(t *testing.T) {
	f := newFakeStore()
	f.add(1, "one")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reports, err := newTestReporter(f).Run(ctx, models.ReportQuery{DeviceIDs: []int64{1}})
	if !errors.Is(err, context.Canceled) || reports != nil {
		t.Fatalf("expected cancellation, got %v %v", reports, err)
	}
}

func TestRunEmptySelection(t *testing.T) {
	reports, err := newTestReporter(newFakeStore()).Run(context.Background(), models.ReportQuery{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if reports == nil || len(reports) != 0 {
		t.Fatalf("expected empty non-nil batch, got %v", reports)
	}
}

func TestSummaryChecksAccess(t *testing.T) {
	f := newFakeStore()
	f.add(1, "one",
		models.Position{Speed: 10, FixTime: from, Ignition: models.IgnitionOn},
		models.Position{Speed: 30, FixTime: from.Add(time.Minute), Ignition: models.IgnitionOn},
	)
	f.names[2] = "two"

	rep, err := newTestReporter(f).Summary(context.Background(), 1, 1, from, to)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if rep.AverageSpeed != 20 || rep.EngineHours != time.Minute.Milliseconds() {
		t.Fatalf("unexpected summary: %+v", rep)
	}

	_, err = newTestReporter(f).Summary(context.Background(), 1, 2, from, to)
	if !errors.Is(err, models.ErrAccessDenied) {
		t.Fatalf("expected access denied, got %v", err)
	}
}

func ExampleWriteCSV() {
	_ = WriteCSV(os.Stdout, []models.SummaryReport{
		{DeviceID: 5, DeviceName: "truck", Distance: 1234.57, AverageSpeed: 31.5, MaxSpeed: 62, EngineHours: 3600000},
	})
	// Output:
	// deviceId,deviceName,distance,averageSpeed,maxSpeed,engineHours
	// 5,truck,1234.57,31.5,62,3600000
}
