package models

import (
	"encoding/json"
	"fmt"
	"sort"
)

// SensorData 传感器数据
// Every field is optional: a nil field means the measurement does not apply to
// the device, which is different from a zero reading. Wire names follow the
// hardware payload keys.
type SensorData struct {
	// 信号相关值
	SNR  *float64 `json:"SNR,omitempty"`
	CSQ  *float64 `json:"CSQ,omitempty"`
	RSRP *float64 `json:"RSRP,omitempty"`

	Battery *float64 `json:"battery,omitempty"`
	// 传输周期, 单位S
	Interval *float64 `json:"interval,omitempty"`

	// 环境
	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	Light       *float64 `json:"light,omitempty"`
	Pressure    *float64 `json:"pressure,omitempty"`
	PM25        *float64 `json:"pm2_5,omitempty"`
	PM10        *float64 `json:"pm10,omitempty"`
	Temp1       *float64 `json:"temp1,omitempty"`

	// 气体
	CO            *float64 `json:"co,omitempty"`
	CO2           *float64 `json:"co2,omitempty"`
	CH4           *float64 `json:"ch4,omitempty"`
	LPG           *float64 `json:"lpg,omitempty"`
	LEL           *float64 `json:"lel,omitempty"`
	ArtificialGas *float64 `json:"artificialGas,omitempty"`
	Leak          *float64 `json:"leak,omitempty"`

	// 水位（测距）
	Distance    *float64 `json:"distance,omitempty"`
	Calibration *float64 `json:"calibration,omitempty"`
	LevelValue  *float64 `json:"level_val,omitempty"`
	// 滴漏 0 无滴漏 1 滴漏
	Drop *int `json:"drop,omitempty"`

	// 电气
	Voltage       *float64 `json:"vol_val,omitempty"`
	Current       *float64 `json:"curr_val,omitempty"`
	ElecEnergy    *float64 `json:"elec_energy_val,omitempty"`
	Leakage       *float64 `json:"leakage_val,omitempty"`
	WireTemp      *float64 `json:"temp_val,omitempty"`
	Power         *float64 `json:"power_val,omitempty"`
	TotalPower    *float64 `json:"TOTAL_POWER,omitempty"`
	VoltageA      *float64 `json:"VOLTAGE_A,omitempty"`
	VoltageB      *float64 `json:"VOLTAGE_B,omitempty"`
	VoltageC      *float64 `json:"VOLTAGE_C,omitempty"`
	CurrentA      *float64 `json:"CURRENT_A,omitempty"`
	CurrentB      *float64 `json:"CURRENT_B,omitempty"`
	CurrentC      *float64 `json:"CURRENT_C,omitempty"`
	WireTemp1     *float64 `json:"t1_val,omitempty"`
	WireTemp2     *float64 `json:"t2_val,omitempty"`
	WireTemp3     *float64 `json:"t3_val,omitempty"`
	WireTemp4     *float64 `json:"t4_val,omitempty"`
	TotalActive   *float64 `json:"total_yg,omitempty"`
	TotalReactive *float64 `json:"total_wg,omitempty"`
	TotalApparent *float64 `json:"total_sz,omitempty"`
	TotalFactor   *float64 `json:"total_factor,omitempty"`

	// 开关量（true/false 含义见各传感器说明）
	ManholeCover    *bool `json:"cover,omitempty"`
	LevelAlarm      *bool `json:"level,omitempty"`
	Connection      *bool `json:"connection,omitempty"`
	Installed       *bool `json:"installed,omitempty"`
	Infrared        *bool `json:"infrared,omitempty"`
	ManualAlarm     *bool `json:"manual_alarm,omitempty"`
	SoundLightAlarm *bool `json:"sound_light_alarm,omitempty"`
	Smoke           *bool `json:"smoke,omitempty"`
	Door            *bool `json:"door,omitempty"`
	Magnetic        *bool `json:"magnetic,omitempty"`
	Surge           *bool `json:"surge,omitempty"`
	ShortCircuit    *bool `json:"shortCircuit,omitempty"`
	SwitchOn        *bool `json:"swOnOff,omitempty"`
	Spark           *bool `json:"spark,omitempty"`
	Arc             *bool `json:"arc,omitempty"`
	Sprinkler       *bool `json:"switch,omitempty"`
	Hit             *bool `json:"hit,omitempty"`
	WaterRelease    *bool `json:"water_release,omitempty"`
	ACConnection    *bool `json:"ac_connection,omitempty"`

	// GPS
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`

	RFID     *string `json:"rfid,omitempty"`
	Customer *string `json:"customer,omitempty"`
}

// Validate checks the enumerated sensor fields.
func (s *SensorData) Validate() error {
	if s == nil {
		return nil
	}
	if s.Drop != nil && *s.Drop != 0 && *s.Drop != 1 {
		return invalid("sensorData.drop", "must be 0 or 1, got %d", *s.Drop)
	}
	return nil
}

// IsEmpty reports whether no measurement is populated.
func (s *SensorData) IsEmpty() bool {
	return len(s.Fields()) == 0
}

// Fields lists the wire names of the populated measurements, sorted.
func (s *SensorData) Fields() []string {
	m, err := s.toMap()
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Merge overlays the populated fields of patch onto s. Fields absent from
// the patch keep their current value, matching a JSONB `||` merge.
func (s SensorData) Merge(patch *SensorData) (SensorData, error) {
	if patch == nil {
		return s, nil
	}
	base, err := s.toMap()
	if err != nil {
		return s, err
	}
	over, err := patch.toMap()
	if err != nil {
		return s, err
	}
	for k, v := range over {
		base[k] = v
	}
	raw, err := json.Marshal(base)
	if err != nil {
		return s, fmt.Errorf("failed to marshal merged sensor data: %w", err)
	}
	var out SensorData
	if err := json.Unmarshal(raw, &out); err != nil {
		return s, fmt.Errorf("failed to unmarshal merged sensor data: %w", err)
	}
	return out, nil
}

func (s *SensorData) toMap() (map[string]json.RawMessage, error) {
	m := map[string]json.RawMessage{}
	if s == nil {
		return m, nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sensor data: %w", err)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sensor data: %w", err)
	}
	return m, nil
}

// Float returns a pointer to v, for building sensor payloads.
func Float(v float64) *float64 { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }
