/*
Package models 终端设备（传感器）数据模型

A device record has two halves:
 1. user-owned data: name, tags, coordinates (except GPS devices), alarm
    configuration, indoor map placement, owner, display sensor types, group;
 2. device/system-owned data: serial number, application id, sensor data,
    device type, union type and the derived status fields.

Writers should prefer field-level merges over read-modify-write so that
concurrent telemetry for one device does not lose updates.
*/
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// IndoorPosition 室内地图详细信息
type IndoorPosition struct {
	Level int     `json:"level"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

// Signal 信号状态
type Signal struct {
	SNR     *float64 `json:"snr,omitempty"`
	RSSI    *float64 `json:"rssi,omitempty"`
	Quality string   `json:"quality,omitempty"`
}

// HardwareIdentity 通信模组信息
type HardwareIdentity struct {
	IMEI  string `json:"imei,omitempty"`
	IMSI  string `json:"imsi,omitempty"`
	ICCID string `json:"iccid,omitempty"`
}

// Insurance 投保状态 0 未投保 1 已投保 2 投保过期
type Insurance int

const (
	InsuranceNone    Insurance = 0
	InsuranceActive  Insurance = 1
	InsuranceExpired Insurance = 2
)

func (i Insurance) Valid() bool { return i >= InsuranceNone && i <= InsuranceExpired }

// MalfunctionDetail 故障描述（来自设备上报的 error 元数据）
type MalfunctionDetail struct {
	Type            int                `json:"type"`
	TypeDescription string             `json:"typeDescription,omitempty"`
	Description     string             `json:"description,omitempty"`
	Details         *MalfunctionDetail `json:"details,omitempty"`
}

// MalfunctionData 故障数据，按故障类型名索引
type MalfunctionData struct {
	Types       map[string]MalfunctionDetail `json:"types,omitempty"`
	Description string                       `json:"description,omitempty"`
}

// DeviceRecord 终端设备记录
type DeviceRecord struct {
	SerialNumber  string `json:"serialNumber"`
	ApplicationID string `json:"applicationId"`

	Owner          string          `json:"owner,omitempty"`
	DeviceGroup    string          `json:"deviceGroup,omitempty"`
	MapID          string          `json:"mapId,omitempty"`
	IndoorPosition *IndoorPosition `json:"indoorPosition,omitempty"`
	// [lon, lat]
	Coordinates [2]float64 `json:"coordinates"`

	Name        string   `json:"name,omitempty"`
	Tags        []string `json:"tags"`
	SensorTypes []string `json:"sensorTypes"`
	DeviceType  string   `json:"deviceType,omitempty"`
	UnionType   string   `json:"unionType,omitempty"`

	SensorData SensorData `json:"sensorData"`
	Interval   *float64   `json:"interval,omitempty"`

	Alarms Alarms `json:"alarms"`

	Status             DeviceStatus        `json:"status"`
	StatusPriority     int                 `json:"statusPriority"`
	AlarmStatus        AlarmStatus         `json:"alarmStatus"`
	MalfunctionStatus  MalfunctionStatus   `json:"malfunctionStatus"`
	AlarmsRecords      []AlarmRecord       `json:"alarmsRecords"`
	MalfunctionRecords []MalfunctionRecord `json:"malfunctionRecords"`
	HitsRecords        []HitRecord         `json:"hitsRecords"`
	MalfunctionData    *MalfunctionData    `json:"malfunctionData,omitempty"`
	SelfCheckStatus    bool                `json:"selfCheckStatus"`

	Signal          *Signal           `json:"signal,omitempty"`
	SensorInsurance Insurance         `json:"sensorInsurance"`
	Other           *HardwareIdentity `json:"other,omitempty"`
	Remark          string            `json:"remark,omitempty"`

	// 部署标识位，只有部署的设备才能触发报警、故障等业务逻辑
	DeployFlag bool       `json:"deployFlag"`
	DeployTime *time.Time `json:"deployTime,omitempty"`

	CreateTime      time.Time  `json:"createTime"`
	RelationTime    time.Time  `json:"relationTime"`
	UpdatedTime     *time.Time `json:"updatedTime,omitempty"`
	LastUpdatedTime *time.Time `json:"lastUpdatedTime,omitempty"`

	HardwareVersion string   `json:"hardwareVersion,omitempty"`
	FirmwareVersion string   `json:"firmwareVersion,omitempty"`
	UpCoverage      *float64 `json:"upCoverage,omitempty"`
	UpSuccessRate   *float64 `json:"upSuccessRate,omitempty"`

	// status 刷库标志位
	StatusChanged bool `json:"statusChanged"`

	// 初始配置，内容由设备厂商决定
	Config     map[string]any `json:"config,omitempty"`
	DeployPics []string       `json:"deployPics"`
	DemoMode   int            `json:"demoMode"`
	Geohash    string         `json:"geohash,omitempty"`
}

// NewDeviceRecord returns the minimal record created on first registration.
func NewDeviceRecord(serialNumber, applicationID string, now time.Time) *DeviceRecord {
	rec := &DeviceRecord{
		SerialNumber:      serialNumber,
		ApplicationID:     applicationID,
		Status:            StatusInactive,
		StatusPriority:    StatusInactive.Priority(),
		AlarmStatus:       AlarmStatusNormal,
		MalfunctionStatus: MalfunctionStatusNormal,
		StatusChanged:     true,
		CreateTime:        now,
		RelationTime:      now,
	}
	rec.ensureSlices()
	return rec
}

func (r *DeviceRecord) ensureSlices() {
	if r.Tags == nil {
		r.Tags = []string{}
	}
	if r.SensorTypes == nil {
		r.SensorTypes = []string{}
	}
	if r.AlarmsRecords == nil {
		r.AlarmsRecords = []AlarmRecord{}
	}
	if r.MalfunctionRecords == nil {
		r.MalfunctionRecords = []MalfunctionRecord{}
	}
	if r.HitsRecords == nil {
		r.HitsRecords = []HitRecord{}
	}
	if r.DeployPics == nil {
		r.DeployPics = []string{}
	}
}

// Position returns the indoor position when present, otherwise the 2D
// coordinates.
func (r *DeviceRecord) Position() (indoor *IndoorPosition, coordinates [2]float64) {
	if r.IndoorPosition != nil {
		return r.IndoorPosition, [2]float64{}
	}
	return nil, r.Coordinates
}

// SetStatus changes the presentation status, keeping statusPriority in step
// and marking the record for the status flush.
func (r *DeviceRecord) SetStatus(s DeviceStatus) {
	if r.Status == s && r.StatusPriority == s.Priority() {
		return
	}
	r.Status = s
	r.StatusPriority = s.Priority()
	r.StatusChanged = true
}

// Validate checks every field with a known domain and the records
// invariants.
func (r *DeviceRecord) Validate() error {
	if strings.TrimSpace(r.SerialNumber) == "" {
		return invalid("serialNumber", "must not be empty")
	}
	if !r.Status.Valid() {
		return invalid("status", "unknown status %d", int(r.Status))
	}
	if !r.AlarmStatus.Valid() {
		return invalid("alarmStatus", "unknown alarm status %d", int(r.AlarmStatus))
	}
	if !r.MalfunctionStatus.Valid() {
		return invalid("malfunctionStatus", "unknown malfunction status %d", int(r.MalfunctionStatus))
	}
	if !r.SensorInsurance.Valid() {
		return invalid("sensorInsurance", "unknown insurance state %d", int(r.SensorInsurance))
	}
	if err := r.SensorData.Validate(); err != nil {
		return err
	}
	if err := r.Alarms.Validate(); err != nil {
		return err
	}
	for _, a := range r.AlarmsRecords {
		if !a.AlarmStatus.Valid() {
			return invalid(string(CollectionAlarms), "unknown alarm status %d", int(a.AlarmStatus))
		}
		if !r.Alarms.referencesAlarm(a) {
			return invalid(string(CollectionAlarms), "entry %s references no existing rule", a.key())
		}
	}
	for _, m := range r.MalfunctionRecords {
		if !m.MalfunctionStatus.Valid() {
			return invalid(string(CollectionMalfunction), "unknown malfunction status %d", int(m.MalfunctionStatus))
		}
	}
	for _, h := range r.HitsRecords {
		if !r.Alarms.referencesMapping(h) {
			return invalid(string(CollectionHits), "entry %q references no existing mapping", h.ID)
		}
	}
	if !r.DeployFlag && r.hasRecords() {
		return invalid("deployFlag", "undeployed device cannot carry evaluation records")
	}
	return nil
}

// Consistent reports whether both aggregates agree with their records and
// statusPriority agrees with status.
func (r *DeviceRecord) Consistent() bool {
	alarm := AlarmStatusNormal
	if !AllNormal(r.AlarmsRecords) || !AllNormal(r.HitsRecords) {
		alarm = AlarmStatusAlarming
	}
	malfunction := MalfunctionStatusNormal
	if !AllNormal(r.MalfunctionRecords) {
		malfunction = MalfunctionStatusFaulty
	}
	return r.AlarmStatus == alarm &&
		r.MalfunctionStatus == malfunction &&
		r.StatusPriority == r.Status.Priority()
}

func (r *DeviceRecord) hasRecords() bool {
	return len(r.AlarmsRecords) > 0 || len(r.MalfunctionRecords) > 0 || len(r.HitsRecords) > 0
}

// PruneRecords drops records whose rule or mapping no longer exists.
func (r *DeviceRecord) PruneRecords() {
	alarms := make([]AlarmRecord, 0, len(r.AlarmsRecords))
	for _, a := range r.AlarmsRecords {
		if r.Alarms.referencesAlarm(a) {
			alarms = append(alarms, a)
		}
	}
	hits := make([]HitRecord, 0, len(r.HitsRecords))
	for _, h := range r.HitsRecords {
		if r.Alarms.referencesMapping(h) {
			hits = append(hits, h)
		}
	}
	r.AlarmsRecords = alarms
	r.HitsRecords = hits
}

// resetEvaluation returns an undeployed record to its default status.
func (r *DeviceRecord) resetEvaluation() {
	r.AlarmsRecords = []AlarmRecord{}
	r.MalfunctionRecords = []MalfunctionRecord{}
	r.HitsRecords = []HitRecord{}
	r.AlarmStatus = AlarmStatusNormal
	r.MalfunctionStatus = MalfunctionStatusNormal
}

// Normalize restores every invariant in place: stale records are pruned,
// undeployed devices are reset and aggregates recomputed. It reports whether
// anything changed.
func (r *DeviceRecord) Normalize() (bool, error) {
	before, err := json.Marshal(r)
	if err != nil {
		return false, fmt.Errorf("failed to marshal device %s: %w", r.SerialNumber, err)
	}
	r.ensureSlices()
	r.PruneRecords()
	if !r.DeployFlag {
		r.resetEvaluation()
	}
	recomputeAll(r)
	if r.StatusPriority != r.Status.Priority() {
		r.StatusPriority = r.Status.Priority()
	}
	after, err := json.Marshal(r)
	if err != nil {
		return false, fmt.Errorf("failed to marshal device %s: %w", r.SerialNumber, err)
	}
	return string(before) != string(after), nil
}

// PrepareInsert fills defaults on a caller-built record, validates it and
// recomputes its aggregates.
func (r *DeviceRecord) PrepareInsert(now time.Time) error {
	r.ensureSlices()
	r.Tags = dedupe(r.Tags)
	if r.CreateTime.IsZero() {
		r.CreateTime = now
	}
	if r.RelationTime.IsZero() {
		r.RelationTime = now
	}
	if r.AlarmStatus == 0 {
		r.AlarmStatus = AlarmStatusNormal
	}
	if r.MalfunctionStatus == 0 {
		r.MalfunctionStatus = MalfunctionStatusNormal
	}
	r.Alarms.Normalize(now)
	if err := r.Validate(); err != nil {
		return err
	}
	recomputeAll(r)
	r.StatusPriority = r.Status.Priority()
	r.StatusChanged = true
	return nil
}

// Clone returns a deep copy.
func (r *DeviceRecord) Clone() (*DeviceRecord, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal device %s: %w", r.SerialNumber, err)
	}
	var out DeviceRecord
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device %s: %w", r.SerialNumber, err)
	}
	out.ensureSlices()
	return &out, nil
}

// UnmarshalDocument decodes a stored document and its separately stored
// sensor data into a record.
func UnmarshalDocument(doc, sensorData []byte) (*DeviceRecord, error) {
	var rec DeviceRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device document: %w", err)
	}
	if len(sensorData) > 0 {
		if err := json.Unmarshal(sensorData, &rec.SensorData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sensor data: %w", err)
		}
	}
	rec.ensureSlices()
	return &rec, nil
}

// MarshalDocument splits a record into its stored document (everything but
// sensor data) and sensor data.
func (r *DeviceRecord) MarshalDocument() (doc, sensorData []byte, err error) {
	m, err := toRawMap(r)
	if err != nil {
		return nil, nil, err
	}
	delete(m, "sensorData")
	if doc, err = json.Marshal(m); err != nil {
		return nil, nil, fmt.Errorf("failed to marshal device document: %w", err)
	}
	if sensorData, err = json.Marshal(r.SensorData); err != nil {
		return nil, nil, fmt.Errorf("failed to marshal sensor data: %w", err)
	}
	return doc, sensorData, nil
}

func toRawMap(v any) (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	m := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %T: %w", v, err)
	}
	return m, nil
}

func dedupe(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
