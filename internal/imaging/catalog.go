package imaging

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// timeLayout is a fixed-width RFC 3339 layout so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// CaptureRecord describes one saved capture.
type CaptureRecord struct {
	Identifier   string
	ClientName   string
	ImageID      uint64
	Format       string
	ImagePath    string
	MetadataPath string
	SizeBytes    int

	// CommandTime and CaptureTime are zero when the metadata lacked them.
	CommandTime time.Time
	CaptureTime time.Time
	ReceiveTime time.Time

	// Latency is ReceiveTime minus CommandTime, zero when unknown.
	Latency time.Duration
}

// Catalog indexes saved captures.
type Catalog interface {
	Add(ctx context.Context, rec CaptureRecord) error
}

// ListOptions filters List results.
type ListOptions struct {
	// ClientName restricts results to one camera when set.
	ClientName string

	// Limit caps the number of rows; zero means no limit.
	Limit int
}

// SQLiteCatalog implements Catalog on the captures table.
type SQLiteCatalog struct {
	db *sql.DB
}

// NewSQLiteCatalog creates a catalog on a migrated database.
func NewSQLiteCatalog(db *sql.DB) *SQLiteCatalog {
	return &SQLiteCatalog{db: db}
}

// Add inserts rec. A capture saved again under the same identifier
// replaces the earlier row.
func (c *SQLiteCatalog) Add(ctx context.Context, rec CaptureRecord) error {
	const query = `INSERT INTO captures (identifier, client_name, image_id, format,
		image_path, metadata_path, size_bytes, command_time, capture_time,
		receive_time, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (identifier) DO UPDATE SET
			image_path = excluded.image_path,
			metadata_path = excluded.metadata_path,
			size_bytes = excluded.size_bytes,
			receive_time = excluded.receive_time,
			latency_ms = excluded.latency_ms`
	_, err := c.db.ExecContext(ctx, query,
		rec.Identifier, rec.ClientName, int64(rec.ImageID), rec.Format,
		rec.ImagePath, rec.MetadataPath, rec.SizeBytes,
		nullTime(rec.CommandTime), nullTime(rec.CaptureTime),
		rec.ReceiveTime.UTC().Format(timeLayout), nullLatency(rec.Latency))
	if err != nil {
		return fmt.Errorf("inserting capture %s: %w", rec.Identifier, err)
	}
	return nil
}

// List returns captures, newest first.
func (c *SQLiteCatalog) List(ctx context.Context, opts ListOptions) ([]CaptureRecord, error) {
	query := `SELECT identifier, client_name, image_id, format, image_path,
		metadata_path, size_bytes, command_time, capture_time, receive_time, latency_ms
		FROM captures`
	var args []any
	if opts.ClientName != "" {
		query += ` WHERE client_name = ?`
		args = append(args, opts.ClientName)
	}
	query += ` ORDER BY receive_time DESC, id DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing captures: %w", err)
	}
	defer rows.Close()

	var out []CaptureRecord
	for rows.Next() {
		rec, err := scanCapture(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating captures: %w", err)
	}
	return out, nil
}

// Count returns the number of captures, optionally for one camera.
func (c *SQLiteCatalog) Count(ctx context.Context, clientName string) (int, error) {
	query := `SELECT COUNT(*) FROM captures`
	var args []any
	if clientName != "" {
		query += ` WHERE client_name = ?`
		args = append(args, clientName)
	}
	var n int
	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting captures: %w", err)
	}
	return n, nil
}

func scanCapture(rows *sql.Rows) (CaptureRecord, error) {
	var (
		rec                      CaptureRecord
		imageID                  int64
		commandTime, captureTime sql.NullString
		receiveTime              string
		latency                  sql.NullFloat64
	)
	err := rows.Scan(&rec.Identifier, &rec.ClientName, &imageID, &rec.Format,
		&rec.ImagePath, &rec.MetadataPath, &rec.SizeBytes,
		&commandTime, &captureTime, &receiveTime, &latency)
	if err != nil {
		return rec, fmt.Errorf("scanning capture: %w", err)
	}
	rec.ImageID = uint64(imageID)
	rec.CommandTime = parseNullTime(commandTime)
	rec.CaptureTime = parseNullTime(captureTime)
	rec.ReceiveTime, _ = time.Parse(timeLayout, receiveTime) //nolint:errcheck // written by Add
	if latency.Valid {
		rec.Latency = time.Duration(latency.Float64 * float64(time.Millisecond))
	}
	return rec, nil
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func parseNullTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullLatency(d time.Duration) sql.NullFloat64 {
	if d <= 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: float64(d) / float64(time.Millisecond), Valid: true}
}
