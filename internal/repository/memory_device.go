package repository

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/xiaoxiaolai/http2-node/internal/models"
)

// MemoryDeviceStore: 用于 DB 未就绪时的联测与单元测试
// - 以序列号为键，写操作整体加锁，等价于数据库的行级原子写
// - 游标按序列号分页，每页在读锁内取出副本
type MemoryDeviceStore struct {
	mu      sync.RWMutex
	devices map[string]*models.DeviceRecord
	serials []string // sorted keys of devices
	now     func() time.Time
}

func NewMemoryDeviceStore() *MemoryDeviceStore {
	return &MemoryDeviceStore{
		devices: map[string]*models.DeviceRecord{},
		now:     time.Now,
	}
}

func (s *MemoryDeviceStore) Insert(_ context.Context, rec *models.DeviceRecord) error {
	cp, err := rec.Clone()
	if err != nil {
		return err
	}
	if err := cp.PrepareInsert(s.now()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[cp.SerialNumber]; ok {
		return &models.ValidationError{Field: "serialNumber", Reason: fmt.Sprintf("%s already exists", cp.SerialNumber)}
	}
	out, err := cp.Clone()
	if err != nil {
		return err
	}
	s.put(cp)
	*rec = *out
	return nil
}

func (s *MemoryDeviceStore) UpsertBySerial(_ context.Context, serial string, patch models.DevicePatch) (bool, error) {
	if serial == "" {
		return false, &models.ValidationError{Field: "serialNumber", Reason: "must not be empty"}
	}
	if err := patch.Validate(); err != nil {
		return false, err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.devices[serial]
	var rec *models.DeviceRecord
	if ok {
		var err error
		if rec, err = cur.Clone(); err != nil {
			return false, err
		}
	} else {
		rec = newRecordFor(serial, &patch, now)
	}
	if err := patch.Apply(rec, now); err != nil {
		return false, err
	}
	s.put(rec)
	return !ok, nil
}

func (s *MemoryDeviceStore) Get(_ context.Context, serial string) (*models.DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.devices[serial]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", serial, models.ErrNotFound)
	}
	return rec.Clone()
}

func (s *MemoryDeviceStore) ApplyEvaluation(_ context.Context, serial string, e models.Evaluation) (*models.DeviceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.devices[serial]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", serial, models.ErrNotFound)
	}
	rec, err := cur.Clone()
	if err != nil {
		return nil, err
	}
	if err := rec.ApplyEvaluation(e); err != nil {
		return nil, err
	}
	s.devices[serial] = rec
	return rec.Clone()
}

func (s *MemoryDeviceStore) RecomputeStatuses(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, rec := range s.devices {
		ok, err := rec.Normalize()
		if err != nil {
			return changed, err
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

func (s *MemoryDeviceStore) FindForExport(_ context.Context, filter ExportFilter) (Cursor, error) {
	return &memoryCursor{store: s, filter: filter}, nil
}

func (s *MemoryDeviceStore) ListStatusChanged(_ context.Context, limit int) ([]StatusSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []StatusSnapshot{}
	for _, serial := range s.serials {
		rec := s.devices[serial]
		if !rec.StatusChanged {
			continue
		}
		out = append(out, snapshotOf(rec))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryDeviceStore) ClearStatusChanged(_ context.Context, snapshots []StatusSnapshot) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cleared := 0
	for _, snap := range snapshots {
		rec, ok := s.devices[snap.SerialNumber]
		if !ok || !rec.StatusChanged || rec.Status != snap.Status {
			continue
		}
		rec.StatusChanged = false
		cleared++
	}
	return cleared, nil
}

// put stores rec and keeps the serial index sorted. Caller holds the lock.
func (s *MemoryDeviceStore) put(rec *models.DeviceRecord) {
	if _, ok := s.devices[rec.SerialNumber]; !ok {
		i := sort.SearchStrings(s.serials, rec.SerialNumber)
		s.serials = append(s.serials, "")
		copy(s.serials[i+1:], s.serials[i:])
		s.serials[i] = rec.SerialNumber
	}
	s.devices[rec.SerialNumber] = rec
}

// serialsAfter returns the indexed serials strictly after `after`,
// ascending. Caller holds the lock; the result aliases the index.
func (s *MemoryDeviceStore) serialsAfter(after string) []string {
	i := sort.SearchStrings(s.serials, after)
	if i < len(s.serials) && s.serials[i] == after {
		i++
	}
	return s.serials[i:]
}

// page returns up to n matching records after `after`, as copies.
func (s *MemoryDeviceStore) page(filter ExportFilter, after string, n int) ([]*models.DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.DeviceRecord
	for _, serial := range s.serialsAfter(after) {
		rec := s.devices[serial]
		if !filter.Matches(rec) {
			continue
		}
		cp, err := rec.Clone()
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
		if len(out) == n {
			break
		}
	}
	return out, nil
}

type memoryCursor struct {
	store  *MemoryDeviceStore
	filter ExportFilter
	last   string
	buf    []*models.DeviceRecord
	done   bool
	closed bool
}

func (c *memoryCursor) Next(ctx context.Context) (*models.DeviceRecord, error) {
	if c.closed {
		return nil, ErrCursorClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(c.buf) == 0 {
		if c.done {
			return nil, io.EOF
		}
		n := c.filter.batchSize()
		page, err := c.store.page(c.filter, c.last, n)
		if err != nil {
			return nil, err
		}
		if len(page) < n {
			c.done = true
		}
		if len(page) == 0 {
			return nil, io.EOF
		}
		c.buf = page
		c.last = page[len(page)-1].SerialNumber
	}
	rec := c.buf[0]
	c.buf = c.buf[1:]
	return rec, nil
}

func (c *memoryCursor) Close() error {
	c.closed = true
	c.buf = nil
	return nil
}
