package summary

import (
	"math"
	"testing"
	"time"

	"fleet-report/internal/geo"
	"fleet-report/internal/models"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func fix(lat, lon, speed float64, offset time.Duration, ign models.Ignition) models.Position {
	return models.Position{
		DeviceID:  1,
		Latitude:  lat,
		Longitude: lon,
		Speed:     speed,
		FixTime:   t0.Add(offset),
		Ignition:  ign,
	}
}

func TestSummarizeEmpty(t *testing.T) {
	r := Summarize(4, "truck-4", nil)
	if r.DeviceID != 4 || r.DeviceName != "truck-4" {
		t.Fatalf("unexpected identity: %+v", r)
	}
	if r.Distance != 0 || r.AverageSpeed != 0 || r.MaxSpeed != 0 || r.EngineHours != 0 {
		t.Fatalf("expected zero summary, got %+v", r)
	}
}

func TestSummarizeSingleFix(t *testing.T) {
	r := Summarize(1, "van", []models.Position{fix(28.5, -81.3, 42.5, 0, models.IgnitionOn)})
	if r.Distance != 0 || r.EngineHours != 0 {
		t.Fatalf("single fix should have no pairwise totals: %+v", r)
	}
	if r.AverageSpeed != 42.5 || r.MaxSpeed != 42.5 {
		t.Fatalf("unexpected speeds: %+v", r)
	}
}

func TestSummarizeIncreasingSpeeds(t *testing.T) {
	fixes := []models.Position{
		fix(0, 0, 10, 0, models.IgnitionUnknown),
		fix(0, 0, 20, time.Second, models.IgnitionUnknown),
		fix(0, 0, 30, 2*time.Second, models.IgnitionUnknown),
		fix(0, 0, 40, 3*time.Second, models.IgnitionUnknown),
	}
	r := Summarize(1, "", fixes)
	if r.MaxSpeed != 40 {
		t.Fatalf("max speed = %v", r.MaxSpeed)
	}
	if r.AverageSpeed != 25 {
		t.Fatalf("average speed = %v", r.AverageSpeed)
	}
}

func TestSummarizeMaxSpeedIsRunningMax(t *testing.T) {
	fixes := []models.Position{
		fix(0, 0, 15, 0, models.IgnitionOff),
		fix(0, 0, 90, time.Second, models.IgnitionOff),
		fix(0, 0, 30, 2*time.Second, models.IgnitionOff),
	}
	if r := Summarize(1, "", fixes); r.MaxSpeed != 90 {
		t.Fatalf("max speed = %v, want 90", r.MaxSpeed)
	}
}

func TestSummarizeEngineHours(t *testing.T) {
	fixes := []models.Position{
		fix(0, 0, 0, 0, models.IgnitionOn),
		fix(0, 0, 0, 1000*time.Millisecond, models.IgnitionOn),
		fix(0, 0, 0, 3000*time.Millisecond, models.IgnitionOff),
	}
	if r := Summarize(1, "", fixes); r.EngineHours != 1000 {
		t.Fatalf("engine hours = %d, want 1000", r.EngineHours)
	}
}

func TestSummarizeEngineHoursSkipsTransitions(t *testing.T) {
	fixes := []models.Position{
		fix(0, 0, 0, 0, models.IgnitionOff),
		fix(0, 0, 0, time.Minute, models.IgnitionOn),
		fix(0, 0, 0, 2*time.Minute, models.IgnitionOn),
		fix(0, 0, 0, 3*time.Minute, models.IgnitionUnknown),
		fix(0, 0, 0, 4*time.Minute, models.IgnitionOn),
	}
	if r := Summarize(1, "", fixes); r.EngineHours != time.Minute.Milliseconds() {
		t.Fatalf("engine hours = %d, want %d", r.EngineHours, time.Minute.Milliseconds())
	}
}

func TestSummarizeDistanceAdditive(t *testing.T) {
	a := fix(0, 0, 0, 0, models.IgnitionOff)
	b := fix(0, 0.01, 0, time.Second, models.IgnitionOff)
	c := fix(0, 0.02, 0, 2*time.Second, models.IgnitionOff)

	d := geo.Distance(0, 0, 0, 0.01)
	r := Summarize(1, "", []models.Position{a, b, c})
	if math.Abs(r.Distance-2*d) > 0.01 {
		t.Fatalf("distance = %v, want about %v", r.Distance, 2*d)
	}
}

func TestSummarizeRoundsOnlyDistance(t *testing.T) {
	fixes := []models.Position{
		fix(0, 0, 10.111, 0, models.IgnitionOff),
		fix(0, 0.001, 10.222, time.Second, models.IgnitionOff),
	}
	r := Summarize(1, "", fixes)
	if r.Distance != RoundDistance(geo.Distance(0, 0, 0, 0.001)) {
		t.Fatalf("distance not rounded: %v", r.Distance)
	}
	if r.AverageSpeed != (10.111+10.222)/2 {
		t.Fatalf("average speed should not be rounded: %v", r.AverageSpeed)
	}
}

func TestRoundDistanceHalfUp(t *testing.T) {
	cases := map[float64]float64{
		12.345:  12.35,
		12.344:  12.34,
		0.005:   0.01,
		100:     100,
		1.23456: 1.23,
	}
	for in, want := range cases {
		if got := RoundDistance(in); got != want {
			t.Fatalf("RoundDistance(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestAccumulatorMatchesSummarize(t *testing.T) {
	fixes := []models.Position{
		fix(28.53, -81.37, 30, 0, models.IgnitionOn),
		fix(28.54, -81.38, 50, 30*time.Second, models.IgnitionOn),
		fix(28.55, -81.36, 20, 90*time.Second, models.IgnitionOff),
	}
	acc := NewAccumulator(9, "bus")
	for _, p := range fixes {
		acc.Add(p)
	}
	if acc.Report() != Summarize(9, "bus", fixes) {
		t.Fatalf("accumulator and Summarize disagree")
	}
}
