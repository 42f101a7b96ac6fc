package db

import (
	"context"
	"time"

	"fleet-report/internal/models"
)

// Store is implemented by the SQLite and PostgreSQL backends.
type Store interface {
	InsertGroup(ctx context.Context, g *models.Group) error
	ListGroups(ctx context.Context) ([]models.Group, error)
	InsertDevice(ctx context.Context, d *models.Device) error
	GetDevice(ctx context.Context, id int64) (*models.Device, error)
	ListDevices(ctx context.Context) ([]models.Device, error)
	InsertUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GrantDevice(ctx context.Context, userID, deviceID int64) error
	GrantGroup(ctx context.Context, userID, groupID int64) error

	InsertPosition(ctx context.Context, p *models.Position) error
	InsertPositionBatch(ctx context.Context, records []models.Position) (int64, error)
	QueryPositions(ctx context.Context, q models.PositionQuery) ([]models.Position, error)
	Positions(ctx context.Context, deviceID int64, from, to time.Time) ([]models.Position, error)

	DeviceName(ctx context.Context, deviceID int64) (string, error)
	ResolveDevices(ctx context.Context, deviceIDs, groupIDs []int64) ([]int64, error)
	CheckDevice(ctx context.Context, userID, deviceID int64) error

	GetStats(ctx context.Context) (*models.Stats, error)
}

var (
	_ Store = (*Database)(nil)
	_ Store = (*PostgresStore)(nil)
)
