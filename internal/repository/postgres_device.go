package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/xiaoxiaolai/http2-node/internal/models"
)

// pqUniqueViolation is the SQLSTATE for unique_violation.
const pqUniqueViolation = "23505"

// PostgresDeviceStore 设备记录存储（PostgreSQL JSONB 文档表）
// Table devices: serial_number TEXT PK, doc JSONB (record without
// sensorData), sensor_data JSONB. Sensor data lives in its own column so
// concurrent telemetry writers merge field by field.
type PostgresDeviceStore struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

func NewPostgresDeviceStore(db *sql.DB, logger *zap.Logger) *PostgresDeviceStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresDeviceStore{db: db, logger: logger, now: time.Now}
}

func (r *PostgresDeviceStore) Insert(ctx context.Context, rec *models.DeviceRecord) error {
	if err := rec.PrepareInsert(r.now()); err != nil {
		return err
	}
	doc, sensor, err := rec.MarshalDocument()
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO devices (serial_number, doc, sensor_data)
		VALUES ($1, $2::jsonb, $3::jsonb)
	`, rec.SerialNumber, string(doc), string(sensor))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return &models.ValidationError{Field: "serialNumber", Reason: fmt.Sprintf("%s already exists", rec.SerialNumber)}
		}
		return fmt.Errorf("failed to insert device %s: %w", rec.SerialNumber, err)
	}
	return nil
}

// UpsertBySerial merges patch into the stored record, creating it first when
// absent. Field-level patches are a single INSERT ... ON CONFLICT statement;
// patches that replace alarms or flip deployFlag also rewrite the records
// collections and go through a row-locked transaction.
func (r *PostgresDeviceStore) UpsertBySerial(ctx context.Context, serial string, patch models.DevicePatch) (bool, error) {
	if serial == "" {
		return false, &models.ValidationError{Field: "serialNumber", Reason: "must not be empty"}
	}
	if err := patch.Validate(); err != nil {
		return false, err
	}
	if patch.NeedsLockedWrite() {
		return r.upsertLocked(ctx, serial, patch)
	}

	now := r.now()
	fresh := newRecordFor(serial, &patch, now)
	if err := patch.Apply(fresh, now); err != nil {
		return false, err
	}
	doc, sensor, err := fresh.MarshalDocument()
	if err != nil {
		return false, err
	}
	merge, err := patch.Document(now)
	if err != nil {
		return false, err
	}
	mergeDoc, err := json.Marshal(merge)
	if err != nil {
		return false, fmt.Errorf("failed to marshal patch: %w", err)
	}

	// xmax = 0 only for a freshly inserted row version.
	var inserted bool
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO devices (serial_number, doc, sensor_data)
		VALUES ($1, $2::jsonb, $3::jsonb)
		ON CONFLICT (serial_number) DO UPDATE
		SET doc = devices.doc || $4::jsonb,
			sensor_data = devices.sensor_data || EXCLUDED.sensor_data
		RETURNING (xmax = 0) AS inserted
	`, serial, string(doc), string(sensor), string(mergeDoc)).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert device %s: %w", serial, err)
	}
	if inserted {
		r.logger.Info("Device registered", zap.String("serial_number", serial))
	}
	return inserted, nil
}

func (r *PostgresDeviceStore) upsertLocked(ctx context.Context, serial string, patch models.DevicePatch) (bool, error) {
	now := r.now()
	var inserted bool
	err := r.withLockedRecord(ctx, serial, func(tx *sql.Tx) error {
		doc, sensor, err := newRecordFor(serial, &patch, now).MarshalDocument()
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO devices (serial_number, doc, sensor_data)
			VALUES ($1, $2::jsonb, $3::jsonb)
			ON CONFLICT (serial_number) DO NOTHING
		`, serial, string(doc), string(sensor))
		if err != nil {
			return fmt.Errorf("failed to create device %s: %w", serial, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n == 1
		return nil
	}, func(rec *models.DeviceRecord) error {
		return patch.Apply(rec, now)
	})
	return inserted, err
}

func (r *PostgresDeviceStore) Get(ctx context.Context, serial string) (*models.DeviceRecord, error) {
	var doc, sensor []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT doc, sensor_data
		FROM devices
		WHERE serial_number = $1
	`, serial).Scan(&doc, &sensor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %s: %w", serial, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device %s: %w", serial, err)
	}
	return models.UnmarshalDocument(doc, sensor)
}

func (r *PostgresDeviceStore) ApplyEvaluation(ctx context.Context, serial string, e models.Evaluation) (*models.DeviceRecord, error) {
	var out *models.DeviceRecord
	err := r.withLockedRecord(ctx, serial, nil, func(rec *models.DeviceRecord) error {
		if err := rec.ApplyEvaluation(e); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecomputeStatuses walks every record and rewrites the ones whose records
// or aggregates drifted.
func (r *PostgresDeviceStore) RecomputeStatuses(ctx context.Context) (int, error) {
	cursor, err := r.FindForExport(ctx, ExportFilter{})
	if err != nil {
		return 0, err
	}
	defer cursor.Close()

	changed := 0
	for {
		rec, err := cursor.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return changed, err
		}
		probe, err := rec.Clone()
		if err != nil {
			return changed, err
		}
		if dirty, err := probe.Normalize(); err != nil || !dirty {
			if err != nil {
				return changed, err
			}
			continue
		}
		fixed := false
		err = r.withLockedRecord(ctx, rec.SerialNumber, nil, func(locked *models.DeviceRecord) error {
			var err error
			fixed, err = locked.Normalize()
			return err
		})
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return changed, err
		}
		if fixed {
			changed++
		}
	}
	r.logger.Info("Device statuses recomputed", zap.Int("changed", changed))
	return changed, nil
}

// withLockedRecord runs fn on the row locked FOR UPDATE and writes the result
// back in the same transaction. prepare, when set, runs first inside the
// transaction.
func (r *PostgresDeviceStore) withLockedRecord(ctx context.Context, serial string, prepare func(tx *sql.Tx) error, fn func(rec *models.DeviceRecord) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if prepare != nil {
		if err := prepare(tx); err != nil {
			return err
		}
	}

	var doc, sensor []byte
	err = tx.QueryRowContext(ctx, `
		SELECT doc, sensor_data
		FROM devices
		WHERE serial_number = $1
		FOR UPDATE
	`, serial).Scan(&doc, &sensor)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("device %s: %w", serial, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock device %s: %w", serial, err)
	}
	rec, err := models.UnmarshalDocument(doc, sensor)
	if err != nil {
		return err
	}
	if err := fn(rec); err != nil {
		return err
	}

	newDoc, newSensor, err := rec.MarshalDocument()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE devices
		SET doc = $2::jsonb, sensor_data = $3::jsonb
		WHERE serial_number = $1
	`, serial, string(newDoc), string(newSensor)); err != nil {
		return fmt.Errorf("failed to update device %s: %w", serial, err)
	}
	return tx.Commit()
}

func (r *PostgresDeviceStore) FindForExport(_ context.Context, filter ExportFilter) (Cursor, error) {
	where, args := filterClause(filter)
	return &postgresCursor{
		db:    r.db,
		where: where,
		args:  args,
		batch: filter.batchSize(),
	}, nil
}

// filterClause renders the fixed export filter as SQL conditions. Argument
// $1 is reserved for the keyset position.
func filterClause(f ExportFilter) ([]string, []any) {
	where := []string{"serial_number > $1"}
	args := []any{}
	argN := 2
	add := func(cond string, v any) {
		where = append(where, fmt.Sprintf(cond, argN))
		args = append(args, v)
		argN++
	}
	if f.ApplicationID != "" {
		add("doc->>'applicationId' = $%d", f.ApplicationID)
	}
	if f.DeviceGroup != "" {
		add("doc->>'deviceGroup' = $%d", f.DeviceGroup)
	}
	if f.Owner != "" {
		add("doc->>'owner' = $%d", f.Owner)
	}
	if f.SensorType != "" {
		add("doc->'sensorTypes' ? $%d", f.SensorType)
	}
	if f.Status != nil {
		add("(doc->>'status')::int = $%d", int(*f.Status))
	}
	return where, args
}

// postgresCursor pages through devices by serial number. Each page checks
// out a pooled connection only for the duration of the read.
type postgresCursor struct {
	db     *sql.DB
	where  []string
	args   []any
	batch  int
	last   string
	buf    []*models.DeviceRecord
	done   bool
	closed bool
}

func (c *postgresCursor) Next(ctx context.Context) (*models.DeviceRecord, error) {
	if c.closed {
		return nil, ErrCursorClosed
	}
	if len(c.buf) == 0 {
		if c.done {
			return nil, io.EOF
		}
		if err := c.fetch(ctx); err != nil {
			return nil, err
		}
		if len(c.buf) == 0 {
			return nil, io.EOF
		}
	}
	rec := c.buf[0]
	c.buf[0] = nil
	c.buf = c.buf[1:]
	return rec, nil
}

func (c *postgresCursor) fetch(ctx context.Context) error {
	q := `
		SELECT serial_number, doc, sensor_data
		FROM devices
		WHERE ` + strings.Join(c.where, " AND ") + `
		ORDER BY serial_number
		LIMIT ` + fmt.Sprintf("%d", c.batch)
	args := append([]any{c.last}, c.args...)

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("failed to query devices page: %w", err)
	}
	defer rows.Close()

	var page []*models.DeviceRecord
	for rows.Next() {
		var serial string
		var doc, sensor []byte
		if err := rows.Scan(&serial, &doc, &sensor); err != nil {
			return fmt.Errorf("failed to scan device: %w", err)
		}
		rec, err := models.UnmarshalDocument(doc, sensor)
		if err != nil {
			return err
		}
		rec.SerialNumber = serial
		page = append(page, rec)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read devices page: %w", err)
	}
	if len(page) < c.batch {
		c.done = true
	}
	if len(page) > 0 {
		c.last = page[len(page)-1].SerialNumber
	}
	c.buf = page
	return nil
}

func (c *postgresCursor) Close() error {
	c.closed = true
	c.buf = nil
	return nil
}

func (r *PostgresDeviceStore) ListStatusChanged(ctx context.Context, limit int) ([]StatusSnapshot, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT serial_number,
			COALESCE(doc->>'applicationId', ''),
			COALESCE(doc->>'owner', ''),
			COALESCE(doc->>'deviceGroup', ''),
			(doc->>'status')::int,
			(doc->>'statusPriority')::int
		FROM devices
		WHERE (doc->>'statusChanged')::boolean
		ORDER BY serial_number
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list changed statuses: %w", err)
	}
	defer rows.Close()

	out := []StatusSnapshot{}
	for rows.Next() {
		var s StatusSnapshot
		var status int
		if err := rows.Scan(&s.SerialNumber, &s.ApplicationID, &s.Owner, &s.DeviceGroup, &status, &s.StatusPriority); err != nil {
			return nil, fmt.Errorf("failed to scan status snapshot: %w", err)
		}
		s.Status = models.DeviceStatus(status)
		out = append(out, s)
	}
	return out, rows.Err()
}

// ClearStatusChanged clears the dirty flag of every snapshot whose stored
// status is still the snapshot's status. A record whose status moved on in
// the meantime stays dirty for the next flush.
func (r *PostgresDeviceStore) ClearStatusChanged(ctx context.Context, snapshots []StatusSnapshot) (int, error) {
	if len(snapshots) == 0 {
		return 0, nil
	}
	serials := make([]string, len(snapshots))
	statuses := make([]int64, len(snapshots))
	for i, s := range snapshots {
		serials[i] = s.SerialNumber
		statuses[i] = int64(s.Status)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE devices AS d
		SET doc = jsonb_set(d.doc, '{statusChanged}', 'false'::jsonb)
		FROM unnest($1::text[], $2::int[]) AS s(serial_number, status)
		WHERE d.serial_number = s.serial_number
			AND (d.doc->>'status')::int = s.status
			AND (d.doc->>'statusChanged')::boolean
	`, pq.Array(serials), pq.Array(statuses))
	if err != nil {
		return 0, fmt.Errorf("failed to clear changed statuses: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
