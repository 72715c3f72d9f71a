package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// DevicePatch 按序列号合并的部分更新
// A nil field leaves the stored value untouched. Status fields are not
// patchable; they change only through ApplyEvaluation.
type DevicePatch struct {
	ApplicationID  *string         `json:"applicationId,omitempty"`
	Owner          *string         `json:"owner,omitempty"`
	DeviceGroup    *string         `json:"deviceGroup,omitempty"`
	MapID          *string         `json:"mapId,omitempty"`
	IndoorPosition *IndoorPosition `json:"indoorPosition,omitempty"`
	Coordinates    *[2]float64     `json:"coordinates,omitempty"`

	Name        *string  `json:"name,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	SensorTypes []string `json:"sensorTypes,omitempty"`
	DeviceType  *string  `json:"deviceType,omitempty"`
	UnionType   *string  `json:"unionType,omitempty"`

	SensorData *SensorData `json:"sensorData,omitempty"`
	Interval   *float64    `json:"interval,omitempty"`

	MalfunctionData *MalfunctionData  `json:"malfunctionData,omitempty"`
	SelfCheckStatus *bool             `json:"selfCheckStatus,omitempty"`
	Signal          *Signal           `json:"signal,omitempty"`
	SensorInsurance *Insurance        `json:"sensorInsurance,omitempty"`
	Other           *HardwareIdentity `json:"other,omitempty"`
	Remark          *string           `json:"remark,omitempty"`
	HardwareVersion *string           `json:"hardwareVersion,omitempty"`
	FirmwareVersion *string           `json:"firmwareVersion,omitempty"`
	UpCoverage      *float64          `json:"upCoverage,omitempty"`
	UpSuccessRate   *float64          `json:"upSuccessRate,omitempty"`
	Config          map[string]any    `json:"config,omitempty"`
	DeployPics      []string          `json:"deployPics,omitempty"`
	DemoMode        *int              `json:"demoMode,omitempty"`
	Geohash         *string           `json:"geohash,omitempty"`

	// Replacing alarms or flipping the deploy flag also rewrites the records
	// collections, so these two fields need a locked write.
	Alarms     *Alarms `json:"alarms,omitempty"`
	DeployFlag *bool   `json:"deployFlag,omitempty"`
}

// structuralKeys are the patch keys that Document never emits.
var structuralKeys = []string{"sensorData", "alarms", "deployFlag"}

// Validate checks the enumerated fields of the patch.
func (p *DevicePatch) Validate() error {
	if err := p.SensorData.Validate(); err != nil {
		return err
	}
	if p.SensorInsurance != nil && !p.SensorInsurance.Valid() {
		return invalid("sensorInsurance", "unknown insurance state %d", int(*p.SensorInsurance))
	}
	if p.Alarms != nil {
		if err := p.Alarms.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// NeedsLockedWrite reports whether the patch rewrites records collections.
func (p *DevicePatch) NeedsLockedWrite() bool {
	return p.Alarms != nil || p.DeployFlag != nil
}

// TouchesTelemetry reports whether the patch carries sensor readings.
func (p *DevicePatch) TouchesTelemetry() bool {
	return p.SensorData != nil && !p.SensorData.IsEmpty()
}

// Document renders the top-level keys the patch sets, ready for a JSONB `||`
// merge. Sensor data is merged separately and structural keys are left to
// Apply. Setting owner or group resets relationTime; sensor readings stamp
// updatedTime and lastUpdatedTime.
func (p *DevicePatch) Document(now time.Time) (map[string]json.RawMessage, error) {
	cp := *p
	if cp.Tags != nil {
		cp.Tags = dedupe(cp.Tags)
	}
	m, err := toRawMap(&cp)
	if err != nil {
		return nil, err
	}
	for _, k := range structuralKeys {
		delete(m, k)
	}
	stamp, err := json.Marshal(now)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal timestamp: %w", err)
	}
	if p.Owner != nil || p.DeviceGroup != nil {
		m["relationTime"] = stamp
	}
	if p.TouchesTelemetry() {
		m["updatedTime"] = stamp
		m["lastUpdatedTime"] = stamp
	}
	return m, nil
}

// Apply merges the patch into rec in place. The result is the same document
// the JSONB merge produces, followed by the structural changes.
func (p *DevicePatch) Apply(rec *DeviceRecord, now time.Time) error {
	if err := p.Validate(); err != nil {
		return err
	}
	doc, err := p.Document(now)
	if err != nil {
		return err
	}
	base, err := toRawMap(rec)
	if err != nil {
		return err
	}
	for k, v := range doc {
		base[k] = v
	}
	raw, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("failed to marshal merged device: %w", err)
	}
	var merged DeviceRecord
	if err := json.Unmarshal(raw, &merged); err != nil {
		return fmt.Errorf("failed to unmarshal merged device: %w", err)
	}
	if merged.SensorData, err = rec.SensorData.Merge(p.SensorData); err != nil {
		return err
	}

	if p.Alarms != nil {
		alarms := *p.Alarms
		alarms.Normalize(now)
		merged.Alarms = alarms
		merged.PruneRecords()
	}
	if p.DeployFlag != nil {
		merged.DeployFlag = *p.DeployFlag
		if merged.DeployFlag && merged.DeployTime == nil {
			t := now
			merged.DeployTime = &t
		}
	}
	if !merged.DeployFlag {
		merged.resetEvaluation()
	}
	merged.ensureSlices()
	recomputeAll(&merged)

	*rec = merged
	return nil
}
