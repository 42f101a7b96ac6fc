package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleet-report/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

// Database wraps the SQLite connection
type Database struct {
	conn *sql.DB
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	// Enable WAL mode and other optimizations via connection string
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000&_foreign_keys=on", dbPath)

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1) // SQLite works best with single writer
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	db := &Database{conn: conn}

	if err := db.initialize(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return db, nil
}

// initialize creates tables and indexes
func (db *Database) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS device_groups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS devices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		unique_id TEXT UNIQUE NOT NULL,
		group_id INTEGER REFERENCES device_groups(id),
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		admin INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS user_devices (
		user_id INTEGER NOT NULL REFERENCES users(id),
		device_id INTEGER NOT NULL REFERENCES devices(id),
		PRIMARY KEY (user_id, device_id)
	);

	CREATE TABLE IF NOT EXISTS user_groups (
		user_id INTEGER NOT NULL REFERENCES users(id),
		group_id INTEGER NOT NULL REFERENCES device_groups(id),
		PRIMARY KEY (user_id, group_id)
	);

	-- fix_time is unix milliseconds
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id INTEGER NOT NULL REFERENCES devices(id),
		fix_time INTEGER NOT NULL,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		speed REAL NOT NULL,
		course REAL NOT NULL DEFAULT 0,
		altitude REAL NOT NULL DEFAULT 0,
		ignition INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_positions_device_time ON positions(device_id, fix_time);
	CREATE INDEX IF NOT EXISTS idx_devices_group ON devices(group_id) WHERE group_id IS NOT NULL;
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.conn.Close()
}

// InsertGroup adds a new group
func (db *Database) InsertGroup(ctx context.Context, g *models.Group) error {
	result, err := db.conn.ExecContext(ctx, `INSERT INTO device_groups (name) VALUES (?)`, g.Name)
	if err != nil {
		return err
	}
	g.ID, _ = result.LastInsertId()
	return nil
}

// ListGroups returns all groups
func (db *Database) ListGroups(ctx context.Context) ([]models.Group, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, name FROM device_groups ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []models.Group
	for rows.Next() {
		var g models.Group
		if err := rows.Scan(&g.ID, &g.Name); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// InsertDevice adds a new device
func (db *Database) InsertDevice(ctx context.Context, d *models.Device) error {
	query := `INSERT INTO devices (name, unique_id, group_id) VALUES (?, ?, ?)`
	result, err := db.conn.ExecContext(ctx, query, d.Name, d.UniqueID, nullID(d.GroupID))
	if err != nil {
		return err
	}
	d.ID, _ = result.LastInsertId()
	return nil
}

// GetDevice retrieves a device by ID
func (db *Database) GetDevice(ctx context.Context, id int64) (*models.Device, error) {
	query := `SELECT id, name, unique_id, group_id, created_at FROM devices WHERE id = ?`

	var d models.Device
	var groupID sql.NullInt64
	err := db.conn.QueryRowContext(ctx, query, id).Scan(&d.ID, &d.Name, &d.UniqueID, &groupID, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", models.ErrDeviceNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	d.GroupID = groupID.Int64
	return &d, nil
}

// ListDevices returns all devices
func (db *Database) ListDevices(ctx context.Context) ([]models.Device, error) {
	query := `SELECT id, name, unique_id, group_id, created_at FROM devices ORDER BY name`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		var d models.Device
		var groupID sql.NullInt64
		if err := rows.Scan(&d.ID, &d.Name, &d.UniqueID, &groupID, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.GroupID = groupID.Int64
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// InsertUser adds a new user
func (db *Database) InsertUser(ctx context.Context, u *models.User) error {
	result, err := db.conn.ExecContext(ctx, `INSERT INTO users (name, admin) VALUES (?, ?)`, u.Name, u.Admin)
	if err != nil {
		return err
	}
	u.ID, _ = result.LastInsertId()
	return nil
}

// GetUser retrieves a user by ID
func (db *Database) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := db.conn.QueryRowContext(ctx, `SELECT id, name, admin FROM users WHERE id = ?`, id).Scan(&u.ID, &u.Name, &u.Admin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", models.ErrUserNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GrantDevice lets a user read a device
func (db *Database) GrantDevice(ctx context.Context, userID, deviceID int64) error {
	_, err := db.conn.ExecContext(ctx, `INSERT OR IGNORE INTO user_devices (user_id, device_id) VALUES (?, ?)`, userID, deviceID)
	return err
}

// GrantGroup lets a user read every device in a group
func (db *Database) GrantGroup(ctx context.Context, userID, groupID int64) error {
	_, err := db.conn.ExecContext(ctx, `INSERT OR IGNORE INTO user_groups (user_id, group_id) VALUES (?, ?)`, userID, groupID)
	return err
}

const insertPosition = `
	INSERT INTO positions
	(device_id, fix_time, latitude, longitude, speed, course, altitude, ignition)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

// InsertPosition adds a single position
func (db *Database) InsertPosition(ctx context.Context, p *models.Position) error {
	result, err := db.conn.ExecContext(ctx, insertPosition,
		p.DeviceID, p.FixTime.UnixMilli(), p.Latitude, p.Longitude, p.Speed, p.Course, p.Altitude, ignitionValue(p.Ignition),
	)
	if err != nil {
		return err
	}

	p.ID, _ = result.LastInsertId()
	return nil
}

// InsertPositionBatch efficiently inserts multiple positions
func (db *Database) InsertPositionBatch(ctx context.Context, records []models.Position) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertPosition)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var count int64
	for _, p := range records {
		_, err := stmt.ExecContext(ctx,
			p.DeviceID, p.FixTime.UnixMilli(), p.Latitude, p.Longitude, p.Speed, p.Course, p.Altitude, ignitionValue(p.Ignition),
		)
		if err != nil {
			return count, err
		}
		count++
	}

	return count, tx.Commit()
}

const selectPositions = `
	SELECT id, device_id, fix_time, latitude, longitude, speed, course, altitude, ignition
	FROM positions
`

// Positions returns a device's fixes in [from, to) in fix time order.
func (db *Database) Positions(ctx context.Context, deviceID int64, from, to time.Time) ([]models.Position, error) {
	rows, err := db.conn.QueryContext(ctx,
		selectPositions+` WHERE device_id = ? AND fix_time >= ? AND fix_time < ? ORDER BY fix_time, id`,
		deviceID, from.UnixMilli(), to.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

// QueryPositions retrieves positions based on query parameters
func (db *Database) QueryPositions(ctx context.Context, q models.PositionQuery) ([]models.Position, error) {
	var conditions []string
	var args []interface{}

	query := selectPositions

	if q.DeviceID != 0 {
		conditions = append(conditions, "device_id = ?")
		args = append(args, q.DeviceID)
	}
	if q.UserID != 0 {
		conditions = append(conditions, readableDevices)
		args = append(args, q.UserID, q.UserID, q.UserID)
	}
	if !q.From.IsZero() {
		conditions = append(conditions, "fix_time >= ?")
		args = append(args, q.From.UnixMilli())
	}
	if !q.To.IsZero() {
		conditions = append(conditions, "fix_time < ?")
		args = append(args, q.To.UnixMilli())
	}

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

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

// readableDevices limits positions to devices the user may read: all of
// them for admins, else direct grants and grants on the device's group.
const readableDevices = `device_id IN (
	SELECT d.id FROM devices d
	WHERE EXISTS (SELECT 1 FROM users u WHERE u.id = ? AND u.admin = 1)
	OR d.id IN (SELECT device_id FROM user_devices WHERE user_id = ?)
	OR d.group_id IN (SELECT group_id FROM user_groups WHERE user_id = ?)
)`

func scanPositions(rows *sql.Rows) ([]models.Position, error) {
	var results []models.Position
	for rows.Next() {
		var p models.Position
		var fixMillis int64
		var ignition sql.NullBool

		err := rows.Scan(
			&p.ID, &p.DeviceID, &fixMillis, &p.Latitude, &p.Longitude,
			&p.Speed, &p.Course, &p.Altitude, &ignition,
		)
		if err != nil {
			return nil, err
		}
		p.FixTime = time.UnixMilli(fixMillis).UTC()
		p.Ignition = ignitionFromNull(ignition)
		results = append(results, p)
	}

	return results, rows.Err()
}

// DeviceName returns the display name of a device.
func (db *Database) DeviceName(ctx context.Context, deviceID int64) (string, error) {
	var name string
	err := db.conn.QueryRowContext(ctx, `SELECT name FROM devices WHERE id = ?`, deviceID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %d", models.ErrDeviceNotFound, deviceID)
	}
	return name, err
}

// ResolveDevices returns the requested devices followed by the members of
// the requested groups, without duplicates.
func (db *Database) ResolveDevices(ctx context.Context, deviceIDs, groupIDs []int64) ([]int64, error) {
	seen := make(map[int64]bool)
	result := make([]int64, 0, len(deviceIDs))
	add := func(id int64) {
		if !seen[id] {
			seen[id] = true
			result = append(result, id)
		}
	}

	for _, id := range deviceIDs {
		add(id)
	}

	for _, groupID := range groupIDs {
		rows, err := db.conn.QueryContext(ctx, `SELECT id FROM devices WHERE group_id = ? ORDER BY id`, groupID)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			add(id)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}

	return result, nil
}

// CheckDevice allows admins, direct device grants and group grants.
func (db *Database) CheckDevice(ctx context.Context, userID, deviceID int64) error {
	var admin bool
	err := db.conn.QueryRowContext(ctx, `SELECT admin FROM users WHERE id = ?`, userID).Scan(&admin)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.AccessDeniedError{UserID: userID, DeviceID: deviceID}
	}
	if err != nil {
		return err
	}
	if admin {
		return nil
	}

	var allowed bool
	err = db.conn.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM user_devices WHERE user_id = ? AND device_id = ?
			UNION
			SELECT 1 FROM user_groups ug
			JOIN devices d ON d.group_id = ug.group_id
			WHERE ug.user_id = ? AND d.id = ?
		)
	`, userID, deviceID, userID, deviceID).Scan(&allowed)
	if err != nil {
		return err
	}
	if !allowed {
		return &models.AccessDeniedError{UserID: userID, DeviceID: deviceID}
	}
	return nil
}

// GetStats returns database statistics
func (db *Database) GetStats(ctx context.Context) (*models.Stats, error) {
	var s models.Stats
	counts := []struct {
		table string
		dest  *int64
	}{
		{"devices", &s.Devices},
		{"device_groups", &s.Groups},
		{"users", &s.Users},
		{"positions", &s.Positions},
	}
	for _, c := range counts {
		if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("count %s: %w", c.table, err)
		}
	}
	return &s, nil
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

func ignitionValue(i models.Ignition) sql.NullBool {
	return sql.NullBool{Bool: i.On(), Valid: i != models.IgnitionUnknown}
}

func ignitionFromNull(n sql.NullBool) models.Ignition {
	if !n.Valid {
		return models.IgnitionUnknown
	}
	return models.IgnitionFromBool(n.Bool)
}
