// Package summary reduces an ordered stream of position fixes into a
// per-device movement summary.
package summary

import (
	"fleet-report/internal/geo"
	"fleet-report/internal/models"

	"github.com/shopspring/decimal"
)

// Accumulator holds the running state of one summary. It is not safe for
// concurrent use; fixes must be added in non-decreasing fix time order.
type Accumulator struct {
	deviceID   int64
	deviceName string

	count        int
	distance     float64
	speedSum     float64
	maxSpeed     float64
	engineMillis int64
	previous     *models.Position
}

// NewAccumulator starts an empty summary for a device.
func NewAccumulator(deviceID int64, deviceName string) *Accumulator {
	return &Accumulator{deviceID: deviceID, deviceName: deviceName}
}

// Add folds the next fix into the summary.
func (a *Accumulator) Add(p models.Position) {
	if a.previous != nil {
		a.distance += geo.Distance(a.previous.Latitude, a.previous.Longitude, p.Latitude, p.Longitude)
		// Only intervals with ignition on at both ends count as engine time.
		if a.previous.Ignition.On() && p.Ignition.On() {
			a.engineMillis += p.FixTime.Sub(a.previous.FixTime).Milliseconds()
		}
	}
	a.count++
	a.speedSum += p.Speed
	if p.Speed > a.maxSpeed {
		a.maxSpeed = p.Speed
	}
	a.previous = &p
}

// Report returns the summary of everything added so far.
func (a *Accumulator) Report() models.SummaryReport {
	r := models.SummaryReport{
		DeviceID:    a.deviceID,
		DeviceName:  a.deviceName,
		MaxSpeed:    a.maxSpeed,
		EngineHours: a.engineMillis,
	}
	if a.count > 0 {
		r.AverageSpeed = a.speedSum / float64(a.count)
		r.Distance = RoundDistance(a.distance)
	}
	return r
}

// Summarize computes the summary of fixes in a single pass.
func Summarize(deviceID int64, deviceName string, fixes []models.Position) models.SummaryReport {
	acc := NewAccumulator(deviceID, deviceName)
	for _, p := range fixes {
		acc.Add(p)
	}
	return acc.Report()
}

// RoundDistance rounds meters to two decimal places, halves away from zero.
func RoundDistance(meters float64) float64 {
	f, _ := decimal.NewFromFloat(meters).Round(2).Float64()
	return f
}
