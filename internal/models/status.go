package models

import "fmt"

// DeviceStatus 用于前端展示的状态值
type DeviceStatus int

const (
	StatusAlarm       DeviceStatus = 0
	StatusNormal      DeviceStatus = 1
	StatusUnreachable DeviceStatus = 2
	StatusInactive    DeviceStatus = 3
)

// Valid reports whether s is one of the four presentation codes.
func (s DeviceStatus) Valid() bool {
	return s >= StatusAlarm && s <= StatusInactive
}

// Priority returns the statusPriority sort key. Ascending order lists the
// most urgent devices first.
func (s DeviceStatus) Priority() int {
	switch s {
	case StatusAlarm:
		return 1
	case StatusUnreachable:
		return 2
	case StatusNormal:
		return 3
	default:
		return 4
	}
}

func (s DeviceStatus) String() string {
	switch s {
	case StatusAlarm:
		return "alarm"
	case StatusNormal:
		return "normal"
	case StatusUnreachable:
		return "unreachable"
	case StatusInactive:
		return "inactive"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// AlarmStatus 当前数据是否达到用户设定的报警状态 1 正常, 2 报警
type AlarmStatus int

const (
	AlarmStatusNormal   AlarmStatus = 1
	AlarmStatusAlarming AlarmStatus = 2
)

func (s AlarmStatus) Valid() bool {
	return s == AlarmStatusNormal || s == AlarmStatusAlarming
}

// MalfunctionStatus 故障状态 1 正常, 2 故障
type MalfunctionStatus int

const (
	MalfunctionStatusNormal MalfunctionStatus = 1
	MalfunctionStatusFaulty MalfunctionStatus = 2
)

func (s MalfunctionStatus) Valid() bool {
	return s == MalfunctionStatusNormal || s == MalfunctionStatusFaulty
}

// RecordsCollection names one of the per-rule records collections.
type RecordsCollection string

const (
	CollectionAlarms      RecordsCollection = "alarmsRecords"
	CollectionMalfunction RecordsCollection = "malfunctionRecords"
	CollectionHits        RecordsCollection = "hitsRecords"
)

// StatusEntry is one per-rule record contributing to an aggregate status.
type StatusEntry interface {
	IsNormal() bool
}

// AllNormal is the single aggregation rule shared by every records
// collection: the aggregate is normal iff every entry is normal. An empty
// collection is normal.
func AllNormal[E StatusEntry](entries []E) bool {
	for _, e := range entries {
		if !e.IsNormal() {
			return false
		}
	}
	return true
}

// AlarmRecord 一个报警规则的评估结果
type AlarmRecord struct {
	RuleID      string      `json:"ruleId,omitempty"`
	SensorType  string      `json:"sensorTypes"`
	AlarmStatus AlarmStatus `json:"alarmStatus"`
}

func (r AlarmRecord) IsNormal() bool { return r.AlarmStatus != AlarmStatusAlarming }

func (r AlarmRecord) key() string {
	if r.RuleID != "" {
		return "id:" + r.RuleID
	}
	return "type:" + r.SensorType
}

// MalfunctionRecord 记录之前的故障状态，方便后续判断是否需要推送
type MalfunctionRecord struct {
	MalfunctionType   int               `json:"malfunctionType"`
	MalfunctionStatus MalfunctionStatus `json:"malfunctionStatus"`
}

func (r MalfunctionRecord) IsNormal() bool {
	return r.MalfunctionStatus != MalfunctionStatusFaulty
}

// HitRecord mapping 规则的命中记录
type HitRecord struct {
	ID         string `json:"id"`
	SensorType string `json:"sensorTypes,omitempty"`
	Hit        bool   `json:"hit"`
}

func (r HitRecord) IsNormal() bool { return !r.Hit }

// RecomputeAggregate recomputes the aggregate backed by the named records
// collection and stores it on the record. The hits collection feeds the
// alarm aggregate, so naming either one recomputes alarmStatus.
func RecomputeAggregate(rec *DeviceRecord, collection RecordsCollection) error {
	switch collection {
	case CollectionAlarms, CollectionHits:
		rec.AlarmStatus = AlarmStatusNormal
		if !AllNormal(rec.AlarmsRecords) || !AllNormal(rec.HitsRecords) {
			rec.AlarmStatus = AlarmStatusAlarming
		}
	case CollectionMalfunction:
		rec.MalfunctionStatus = MalfunctionStatusNormal
		if !AllNormal(rec.MalfunctionRecords) {
			rec.MalfunctionStatus = MalfunctionStatusFaulty
		}
	default:
		return &ValidationError{Field: string(collection), Reason: "unknown records collection"}
	}
	return nil
}

// recomputeAll brings both aggregates in line with their collections.
func recomputeAll(rec *DeviceRecord) {
	_ = RecomputeAggregate(rec, CollectionAlarms)
	_ = RecomputeAggregate(rec, CollectionMalfunction)
}
