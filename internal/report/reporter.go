// Package report runs summary reports over a set of devices and writes
// them out for export.
package report

import (
	"context"
	"fmt"
	"time"

	"fleet-report/internal/models"
	"fleet-report/internal/summary"
)

// PositionSource returns a device's fixes in [from, to) ordered by fix time.
type PositionSource interface {
	Positions(ctx context.Context, deviceID int64, from, to time.Time) ([]models.Position, error)
}

// DeviceDirectory resolves display names for devices.
type DeviceDirectory interface {
	DeviceName(ctx context.Context, deviceID int64) (string, error)
}

// DeviceResolver expands a device and group selection into device IDs.
type DeviceResolver interface {
	ResolveDevices(ctx context.Context, deviceIDs, groupIDs []int64) ([]int64, error)
}

// AccessChecker returns an error when a user may not read a device.
type AccessChecker interface {
	CheckDevice(ctx context.Context, userID, deviceID int64) error
}

// Reporter builds summary reports from its collaborators.
type Reporter struct {
	positions PositionSource
	devices   DeviceDirectory
	resolver  DeviceResolver
	access    AccessChecker
}

// NewReporter creates a Reporter
func NewReporter(positions PositionSource, devices DeviceDirectory, resolver DeviceResolver, access AccessChecker) *Reporter {
	return &Reporter{
		positions: positions,
		devices:   devices,
		resolver:  resolver,
		access:    access,
	}
}

// Summary reports on a single device after checking the user may read it.
func (r *Reporter) Summary(ctx context.Context, userID, deviceID int64, from, to time.Time) (models.SummaryReport, error) {
	if err := r.access.CheckDevice(ctx, userID, deviceID); err != nil {
		return models.SummaryReport{}, err
	}
	return r.summarize(ctx, deviceID, from, to)
}

// Run reports on every device the query resolves to, in resolution order.
// The first failure, including an access denial, aborts the whole batch
// and no reports are returned.
func (r *Reporter) Run(ctx context.Context, q models.ReportQuery) ([]models.SummaryReport, error) {
	deviceIDs, err := r.resolver.ResolveDevices(ctx, q.DeviceIDs, q.GroupIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve devices: %w", err)
	}

	reports := make([]models.SummaryReport, 0, len(deviceIDs))
	for _, deviceID := range deviceIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.access.CheckDevice(ctx, q.UserID, deviceID); err != nil {
			return nil, err
		}
		rep, err := r.summarize(ctx, deviceID, q.From, q.To)
		if err != nil {
			return nil, err
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

func (r *Reporter) summarize(ctx context.Context, deviceID int64, from, to time.Time) (models.SummaryReport, error) {
	name, err := r.devices.DeviceName(ctx, deviceID)
	if err != nil {
		return models.SummaryReport{}, fmt.Errorf("device %d: %w", deviceID, err)
	}
	positions, err := r.positions.Positions(ctx, deviceID, from, to)
	if err != nil {
		return models.SummaryReport{}, fmt.Errorf("positions for device %d: %w", deviceID, err)
	}
	return summary.Summarize(deviceID, name, positions), nil
}
