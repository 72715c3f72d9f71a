package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements 建表及索引
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		serial_number TEXT PRIMARY KEY,
		doc JSONB NOT NULL,
		sensor_data JSONB NOT NULL DEFAULT '{}'::jsonb
	)`,
	`CREATE INDEX IF NOT EXISTS idx_devices_application_id ON devices ((doc->>'applicationId'))`,
	`CREATE INDEX IF NOT EXISTS idx_devices_owner_create_time ON devices ((doc->>'owner'), (doc->>'createTime') DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_devices_device_group ON devices ((doc->>'deviceGroup'))`,
	`CREATE INDEX IF NOT EXISTS idx_devices_map_id ON devices ((doc->>'mapId'))`,
	`CREATE INDEX IF NOT EXISTS idx_devices_status ON devices (((doc->>'status')::int), serial_number DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_devices_status_priority ON devices (((doc->>'statusPriority')::int), (doc->>'updatedTime') DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_devices_status_changed ON devices (serial_number) WHERE (doc->>'statusChanged')::boolean`,
	`CREATE INDEX IF NOT EXISTS idx_devices_tags ON devices USING GIN ((doc->'tags'))`,
	`CREATE INDEX IF NOT EXISTS idx_devices_sensor_types ON devices USING GIN ((doc->'sensorTypes'))`,
	`CREATE INDEX IF NOT EXISTS idx_devices_signal_quality ON devices ((doc->'signal'->>'quality'))`,
	`CREATE INDEX IF NOT EXISTS idx_devices_battery ON devices (((sensor_data->>'battery')::float8) DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_devices_interval ON devices (((sensor_data->>'interval')::float8) DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_devices_up_coverage ON devices (((doc->>'upCoverage')::float8) DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_devices_up_success_rate ON devices (((doc->>'upSuccessRate')::float8) DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_devices_name ON devices ((doc->>'name') DESC)`,
}

// EnsureSchema creates the devices table and its indexes if missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
