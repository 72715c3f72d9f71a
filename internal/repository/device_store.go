package repository

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/xiaoxiaolai/http2-node/internal/models"
)

// DefaultBatchSize is the export page size when ExportFilter.BatchSize is unset.
const DefaultBatchSize = 100

// MaxBatchSize caps the export page size; larger requests are clamped.
const MaxBatchSize = 1000

// ErrCursorClosed is returned by Next after Close.
var ErrCursorClosed = errors.New("cursor closed")

// DeviceStore 设备记录存储接口
// All writes keep the aggregate invariant: a per-rule record update and the
// recomputed aggregate land in the same atomic write.
type DeviceStore interface {
	// 插入，序列号重复时返回 ValidationError{Field: "serialNumber"}
	Insert(ctx context.Context, rec *models.DeviceRecord) error
	// 按序列号合并写入，不存在则创建；inserted 表示是否新建
	UpsertBySerial(ctx context.Context, serial string, patch models.DevicePatch) (inserted bool, err error)
	Get(ctx context.Context, serial string) (*models.DeviceRecord, error)
	// 报警/故障计算引擎回写
	ApplyEvaluation(ctx context.Context, serial string, e models.Evaluation) (*models.DeviceRecord, error)
	// 全量重算状态，返回被修正的记录数
	RecomputeStatuses(ctx context.Context) (int, error)
	// 导出游标，按序列号分页懒加载
	FindForExport(ctx context.Context, filter ExportFilter) (Cursor, error)

	// status 刷库
	ListStatusChanged(ctx context.Context, limit int) ([]StatusSnapshot, error)
	ClearStatusChanged(ctx context.Context, snapshots []StatusSnapshot) (int, error)
}

// Cursor is a lazy, forward-only sequence of records. Next returns io.EOF
// once exhausted. Close is idempotent and releases whatever the cursor holds.
type Cursor interface {
	Next(ctx context.Context) (*models.DeviceRecord, error)
	Close() error
}

// ExportFilter 导出过滤条件（固定字段，不是查询语言）
type ExportFilter struct {
	ApplicationID string
	DeviceGroup   string
	Owner         string
	SensorType    string
	Status        *models.DeviceStatus
	BatchSize     int
}

func (f ExportFilter) batchSize() int {
	switch {
	case f.BatchSize <= 0:
		return DefaultBatchSize
	case f.BatchSize > MaxBatchSize:
		return MaxBatchSize
	}
	return f.BatchSize
}

// Matches applies the filter to a record in memory.
func (f ExportFilter) Matches(rec *models.DeviceRecord) bool {
	if f.ApplicationID != "" && rec.ApplicationID != f.ApplicationID {
		return false
	}
	if f.DeviceGroup != "" && rec.DeviceGroup != f.DeviceGroup {
		return false
	}
	if f.Owner != "" && rec.Owner != f.Owner {
		return false
	}
	if f.Status != nil && rec.Status != *f.Status {
		return false
	}
	if f.SensorType != "" {
		for _, t := range rec.SensorTypes {
			if t == f.SensorType {
				return true
			}
		}
		return false
	}
	return true
}

// StatusSnapshot is the part of a record the status flusher publishes.
// ClearStatusChanged only clears records whose status still equals Status.
type StatusSnapshot struct {
	SerialNumber   string              `json:"serialNumber"`
	ApplicationID  string              `json:"applicationId"`
	Owner          string              `json:"owner,omitempty"`
	DeviceGroup    string              `json:"deviceGroup,omitempty"`
	Status         models.DeviceStatus `json:"status"`
	StatusPriority int                 `json:"statusPriority"`
}

func snapshotOf(rec *models.DeviceRecord) StatusSnapshot {
	return StatusSnapshot{
		SerialNumber:   rec.SerialNumber,
		ApplicationID:  rec.ApplicationID,
		Owner:          rec.Owner,
		DeviceGroup:    rec.DeviceGroup,
		Status:         rec.Status,
		StatusPriority: rec.StatusPriority,
	}
}

// Drain reads a cursor to the end and closes it.
func Drain(ctx context.Context, c Cursor) ([]*models.DeviceRecord, error) {
	defer c.Close()
	var out []*models.DeviceRecord
	for {
		rec, err := c.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// newRecordFor builds the record created when an upsert finds no row.
func newRecordFor(serial string, patch *models.DevicePatch, now time.Time) *models.DeviceRecord {
	appID := ""
	if patch.ApplicationID != nil {
		appID = *patch.ApplicationID
	}
	return models.NewDeviceRecord(serial, appID, now)
}
