package models

import (
	"time"

	"github.com/google/uuid"
)

// SecondsPerDay bounds the active-time window offsets.
const SecondsPerDay = 24 * 60 * 60

// BatterySensorType is the sensor type carried by records that reference a
// battery threshold rule.
const BatterySensorType = "battery"

// Condition 阈值比较方式
type Condition string

const (
	ConditionGT  Condition = "gt"
	ConditionGTE Condition = "gte"
	ConditionLT  Condition = "lt"
	ConditionLTE Condition = "lte"
)

func (c Condition) Valid() bool {
	switch c {
	case ConditionGT, ConditionGTE, ConditionLT, ConditionLTE:
		return true
	}
	return false
}

// NotifyChannel 报警通知方式
type NotifyChannel string

const (
	ChannelEmail    NotifyChannel = "email"
	ChannelPhone    NotifyChannel = "phone"
	ChannelLandline NotifyChannel = "landLine"
)

func (c NotifyChannel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelPhone, ChannelLandline:
		return true
	}
	return false
}

// Alarms 绑定的报警规则, 报警规则同时会下行到硬件
type Alarms struct {
	MappingList   []MappingRule   `json:"mappingList"`
	Durations     []ActiveWindow  `json:"durations"`
	Rules         []ThresholdRule `json:"rules"`
	Battery       []ThresholdRule `json:"battery"`
	Notification  *Notification   `json:"notification,omitempty"`
	Notifications []Notification  `json:"notifications"`
	CreateTime    time.Time       `json:"createTime"`
}

// MappingRule mapping 规则（id 唯一）
type MappingRule struct {
	ID          string `json:"id"`
	ProductType string `json:"productType,omitempty"`
	Name        string `json:"name,omitempty"`
	SensorType  string `json:"sensorTypes,omitempty"`
}

// ActiveWindow 是否产生预警记录的时间段（单位秒）
type ActiveWindow struct {
	Begin   int  `json:"begin"`
	End     int  `json:"end"`
	Enabled bool `json:"enabled"`
}

// Contains reports whether secondOfDay falls in the window. A window whose
// begin is after its end wraps past midnight.
func (w ActiveWindow) Contains(secondOfDay int) bool {
	if !w.Enabled {
		return false
	}
	if w.Begin <= w.End {
		return secondOfDay >= w.Begin && secondOfDay <= w.End
	}
	return secondOfDay >= w.Begin || secondOfDay <= w.End
}

// ThresholdRule 预警规则
type ThresholdRule struct {
	ID         string    `json:"id,omitempty"`
	SensorType string    `json:"sensorTypes"`
	Threshold  *float64  `json:"thresholds"`
	Condition  Condition `json:"conditionType"`
	Enabled    *bool     `json:"alarmSwitch,omitempty"`
}

// IsEnabled defaults to true when the switch was never set.
func (r ThresholdRule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Notification 报警联系人
type Notification struct {
	Contact string        `json:"contact"`
	Content string        `json:"content,omitempty"`
	Channel NotifyChannel `json:"types"`
}

// Normalize fills defaults: rule ids, notification channels and the
// configuration timestamp.
func (a *Alarms) Normalize(now time.Time) {
	for i := range a.Rules {
		if a.Rules[i].ID == "" {
			a.Rules[i].ID = uuid.NewString()
		}
	}
	for i := range a.Battery {
		if a.Battery[i].ID == "" {
			a.Battery[i].ID = uuid.NewString()
		}
		if a.Battery[i].SensorType == "" {
			a.Battery[i].SensorType = BatterySensorType
		}
	}
	if a.Notification != nil && a.Notification.Channel == "" {
		a.Notification.Channel = ChannelPhone
	}
	for i := range a.Notifications {
		if a.Notifications[i].Channel == "" {
			a.Notifications[i].Channel = ChannelPhone
		}
	}
	if a.CreateTime.IsZero() {
		a.CreateTime = now
	}
}

// Validate checks enums, required thresholds and window bounds.
func (a *Alarms) Validate() error {
	if a == nil {
		return nil
	}
	seen := map[string]bool{}
	for i, m := range a.MappingList {
		if m.ID == "" {
			return invalid("alarms.mappingList", "entry %d has no id", i)
		}
		if seen[m.ID] {
			return invalid("alarms.mappingList", "duplicate id %q", m.ID)
		}
		seen[m.ID] = true
	}
	for i, d := range a.Durations {
		if d.Begin < 0 || d.Begin > SecondsPerDay || d.End < 0 || d.End > SecondsPerDay {
			return invalid("alarms.durations", "entry %d outside 0..%d seconds", i, SecondsPerDay)
		}
	}
	if err := validateRules("alarms.rules", a.Rules); err != nil {
		return err
	}
	if err := validateRules("alarms.battery", a.Battery); err != nil {
		return err
	}
	if a.Notification != nil && !a.Notification.Channel.Valid() {
		return invalid("alarms.notification.types", "unknown channel %q", a.Notification.Channel)
	}
	for i, n := range a.Notifications {
		if !n.Channel.Valid() {
			return invalid("alarms.notifications", "entry %d has unknown channel %q", i, n.Channel)
		}
	}
	return nil
}

func validateRules(field string, rules []ThresholdRule) error {
	for i, r := range rules {
		if r.Threshold == nil {
			return invalid(field, "entry %d is missing thresholds", i)
		}
		if !r.Condition.Valid() {
			return invalid(field, "entry %d has unknown conditionType %q", i, r.Condition)
		}
	}
	return nil
}

// referencesAlarm reports whether an alarm record points at a rule that
// currently exists.
func (a *Alarms) referencesAlarm(r AlarmRecord) bool {
	if a == nil {
		return false
	}
	for _, set := range [][]ThresholdRule{a.Rules, a.Battery} {
		for _, rule := range set {
			if r.RuleID != "" {
				if rule.ID == r.RuleID {
					return true
				}
				continue
			}
			if rule.SensorType == r.SensorType {
				return true
			}
		}
	}
	return false
}

func (a *Alarms) referencesMapping(h HitRecord) bool {
	if a == nil {
		return false
	}
	for _, m := range a.MappingList {
		if m.ID == h.ID {
			return true
		}
	}
	return false
}
