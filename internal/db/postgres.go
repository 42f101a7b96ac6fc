package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleet-report/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx used by PostgresStore.
// Both *pgxpool.Pool and pgxmock pools satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// ConnectPostgres opens a pool and verifies it answers.
func ConnectPostgres(ctx context.Context, url string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

// PostgresStore reads positions, devices and permissions from PostgreSQL.
// Call Migrate once before use to create the tables.
type PostgresStore struct {
	db Querier
}

// NewPostgresStore wraps a pool or any other Querier.
func NewPostgresStore(db Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

// postgresSchema mirrors the SQLite schema, with fix_time as TIMESTAMPTZ
// and ignition as a nullable BOOLEAN.
const postgresSchema = `
	CREATE TABLE IF NOT EXISTS device_groups (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS devices (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		unique_id TEXT UNIQUE NOT NULL,
		group_id BIGINT REFERENCES device_groups(id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		admin BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS user_devices (
		user_id BIGINT NOT NULL REFERENCES users(id),
		device_id BIGINT NOT NULL REFERENCES devices(id),
		PRIMARY KEY (user_id, device_id)
	);

	CREATE TABLE IF NOT EXISTS user_groups (
		user_id BIGINT NOT NULL REFERENCES users(id),
		group_id BIGINT NOT NULL REFERENCES device_groups(id),
		PRIMARY KEY (user_id, group_id)
	);

	CREATE TABLE IF NOT EXISTS positions (
		id BIGSERIAL PRIMARY KEY,
		device_id BIGINT NOT NULL REFERENCES devices(id),
		fix_time TIMESTAMPTZ NOT NULL,
		latitude DOUBLE PRECISION NOT NULL,
		longitude DOUBLE PRECISION NOT NULL,
		speed DOUBLE PRECISION NOT NULL,
		course DOUBLE PRECISION NOT NULL DEFAULT 0,
		altitude DOUBLE PRECISION NOT NULL DEFAULT 0,
		ignition BOOLEAN
	);

	CREATE INDEX IF NOT EXISTS idx_positions_device_time ON positions(device_id, fix_time);
	CREATE INDEX IF NOT EXISTS idx_devices_group ON devices(group_id) WHERE group_id IS NOT NULL;
`

// Migrate creates any missing tables and indexes. It is safe to run on
// every start.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to migrate postgres schema: %w", err)
	}
	return nil
}

const pgSelectPositions = `
	SELECT id, device_id, fix_time, latitude, longitude, speed, course, altitude, ignition
	FROM positions
`

// Positions returns a device's fixes in [from, to) ordered by time.
func (s *PostgresStore) Positions(ctx context.Context, deviceID int64, from, to time.Time) ([]models.Position, error) {
	rows, err := s.db.Query(ctx,
		pgSelectPositions+` WHERE device_id = $1 AND fix_time >= $2 AND fix_time < $3 ORDER BY fix_time, id`,
		deviceID, from, to,
	)
	if err != nil {
		return nil, err
	}
	return collectPositions(rows)
}

// QueryPositions returns the newest positions matching q.
func (s *PostgresStore) QueryPositions(ctx context.Context, q models.PositionQuery) ([]models.Position, error) {
	var conditions []string
	var args []any

	if q.DeviceID != 0 {
		args = append(args, q.DeviceID)
		conditions = append(conditions, fmt.Sprintf("device_id = $%d", len(args)))
	}
	if q.UserID != 0 {
		args = append(args, q.UserID)
		conditions = append(conditions, fmt.Sprintf(pgReadableDevices, len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		conditions = append(conditions, fmt.Sprintf("fix_time >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		conditions = append(conditions, fmt.Sprintf("fix_time < $%d", len(args)))
	}

	query := pgSelectPositions
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY fix_time DESC, id DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
		if q.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", q.Offset)
		}
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectPositions(rows)
}

// pgReadableDevices limits positions to devices the user bound at the
// given placeholder may read.
const pgReadableDevices = `device_id IN (
	SELECT d.id FROM devices d
	WHERE EXISTS (SELECT 1 FROM users u WHERE u.id = $%[1]d AND u.admin)
	OR d.id IN (SELECT device_id FROM user_devices WHERE user_id = $%[1]d)
	OR d.group_id IN (SELECT group_id FROM user_groups WHERE user_id = $%[1]d)
)`

func collectPositions(rows pgx.Rows) ([]models.Position, error) {
	defer rows.Close()

	var result []models.Position
	for rows.Next() {
		var p models.Position
		var ignition *bool
		if err := rows.Scan(&p.ID, &p.DeviceID, &p.FixTime, &p.Latitude, &p.Longitude,
			&p.Speed, &p.Course, &p.Altitude, &ignition); err != nil {
			return nil, err
		}
		if ignition != nil {
			p.Ignition = models.IgnitionFromBool(*ignition)
		}
		p.FixTime = p.FixTime.UTC()
		result = append(result, p)
	}
	return result, rows.Err()
}

// DeviceName looks up the display name of a device.
func (s *PostgresStore) DeviceName(ctx context.Context, deviceID int64) (string, error) {
	var name string
	err := s.db.QueryRow(ctx, `SELECT name FROM devices WHERE id = $1`, deviceID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %d", models.ErrDeviceNotFound, deviceID)
	}
	return name, err
}

// ResolveDevices expands device and group IDs into a unique device list,
// explicit devices first.
func (s *PostgresStore) ResolveDevices(ctx context.Context, deviceIDs, groupIDs []int64) ([]int64, error) {
	seen := make(map[int64]bool)
	result := make([]int64, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		if !seen[id] {
			seen[id] = true
			result = append(result, id)
		}
	}

	for _, groupID := range groupIDs {
		rows, err := s.db.Query(ctx, `SELECT id FROM devices WHERE group_id = $1 ORDER BY id`, groupID)
		if err != nil {
			return nil, err
		}
		members, err := pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return nil, err
		}
		for _, id := range members {
			if !seen[id] {
				seen[id] = true
				result = append(result, id)
			}
		}
	}
	return result, nil
}

// CheckDevice returns an AccessDeniedError unless the user may read the device.
func (s *PostgresStore) CheckDevice(ctx context.Context, userID, deviceID int64) error {
	var allowed bool
	err := s.db.QueryRow(ctx, `
		SELECT u.admin OR EXISTS (
			SELECT 1 FROM user_devices WHERE user_id = u.id AND device_id = $2
		) OR EXISTS (
			SELECT 1 FROM user_groups ug
			JOIN devices d ON d.group_id = ug.group_id
			WHERE ug.user_id = u.id AND d.id = $2
		)
		FROM users u WHERE u.id = $1
	`, userID, deviceID).Scan(&allowed)
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.AccessDeniedError{UserID: userID, DeviceID: deviceID}
	}
	if err != nil {
		return err
	}
	if !allowed {
		return &models.AccessDeniedError{UserID: userID, DeviceID: deviceID}
	}
	return nil
}

func ignitionPtr(i models.Ignition) *bool {
	if i == models.IgnitionUnknown {
		return nil
	}
	on := i.On()
	return &on
}

// InsertPosition stores one fix and sets its ID.
func (s *PostgresStore) InsertPosition(ctx context.Context, p *models.Position) error {
	return s.db.QueryRow(ctx, `
		INSERT INTO positions (device_id, fix_time, latitude, longitude, speed, course, altitude, ignition)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, p.DeviceID, p.FixTime, p.Latitude, p.Longitude, p.Speed, p.Course, p.Altitude, ignitionPtr(p.Ignition)).Scan(&p.ID)
}

var positionColumns = []string{"device_id", "fix_time", "latitude", "longitude", "speed", "course", "altitude", "ignition"}

// InsertPositionBatch copies positions into the positions table.
func (s *PostgresStore) InsertPositionBatch(ctx context.Context, records []models.Position) (int64, error) {
	return s.db.CopyFrom(ctx, pgx.Identifier{"positions"}, positionColumns,
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			p := records[i]
			return []any{p.DeviceID, p.FixTime, p.Latitude, p.Longitude, p.Speed, p.Course, p.Altitude, ignitionPtr(p.Ignition)}, nil
		}),
	)
}

// InsertGroup creates a group and sets its ID.
func (s *PostgresStore) InsertGroup(ctx context.Context, g *models.Group) error {
	return s.db.QueryRow(ctx, `INSERT INTO device_groups (name) VALUES ($1) RETURNING id`, g.Name).Scan(&g.ID)
}

// ListGroups returns all groups ordered by ID.
func (s *PostgresStore) ListGroups(ctx context.Context) ([]models.Group, error) {
	rows, err := s.db.Query(ctx, `SELECT id, name FROM device_groups ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Group, error) {
		var g models.Group
		err := row.Scan(&g.ID, &g.Name)
		return g, err
	})
}

// InsertDevice creates a device and sets its ID.
func (s *PostgresStore) InsertDevice(ctx context.Context, d *models.Device) error {
	var groupID *int64
	if d.GroupID != 0 {
		groupID = &d.GroupID
	}
	return s.db.QueryRow(ctx, `
		INSERT INTO devices (name, unique_id, group_id) VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, d.Name, d.UniqueID, groupID).Scan(&d.ID, &d.CreatedAt)
}

func scanDevice(row pgx.Row) (models.Device, error) {
	var d models.Device
	var groupID *int64
	if err := row.Scan(&d.ID, &d.Name, &d.UniqueID, &groupID, &d.CreatedAt); err != nil {
		return d, err
	}
	if groupID != nil {
		d.GroupID = *groupID
	}
	return d, nil
}

// GetDevice retrieves a device by ID.
func (s *PostgresStore) GetDevice(ctx context.Context, id int64) (*models.Device, error) {
	d, err := scanDevice(s.db.QueryRow(ctx,
		`SELECT id, name, unique_id, group_id, created_at FROM devices WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", models.ErrDeviceNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDevices returns all devices ordered by name.
func (s *PostgresStore) ListDevices(ctx context.Context) ([]models.Device, error) {
	rows, err := s.db.Query(ctx, `SELECT id, name, unique_id, group_id, created_at FROM devices ORDER BY name`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Device, error) {
		return scanDevice(row)
	})
}

// InsertUser creates a user and sets its ID.
func (s *PostgresStore) InsertUser(ctx context.Context, u *models.User) error {
	return s.db.QueryRow(ctx, `INSERT INTO users (name, admin) VALUES ($1, $2) RETURNING id`, u.Name, u.Admin).Scan(&u.ID)
}

// GetUser retrieves a user by ID.
func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := s.db.QueryRow(ctx, `SELECT id, name, admin FROM users WHERE id = $1`, id).Scan(&u.ID, &u.Name, &u.Admin)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", models.ErrUserNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GrantDevice lets a user read one device. Repeated grants are ignored.
func (s *PostgresStore) GrantDevice(ctx context.Context, userID, deviceID int64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO user_devices (user_id, device_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, userID, deviceID)
	return err
}

// GrantGroup lets a user read every device in a group.
func (s *PostgresStore) GrantGroup(ctx context.Context, userID, groupID int64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO user_groups (user_id, group_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, userID, groupID)
	return err
}

// GetStats counts rows in the main tables.
func (s *PostgresStore) GetStats(ctx context.Context) (*models.Stats, error) {
	var st models.Stats
	err := s.db.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM devices),
			(SELECT COUNT(*) FROM device_groups),
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM positions)
	`).Scan(&st.Devices, &st.Groups, &st.Users, &st.Positions)
	if err != nil {
		return nil, err
	}
	return &st, nil
}
