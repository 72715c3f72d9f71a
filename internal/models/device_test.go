package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

// deployedDevice returns a deployed record with two threshold rules, one
// battery rule and one mapping.
func deployedDevice(t *testing.T) *DeviceRecord {
	t.Helper()
	rec := NewDeviceRecord("SN-100", "app-1", fixedNow)
	patch := DevicePatch{
		DeployFlag: Bool(true),
		Alarms: &Alarms{
			MappingList: []MappingRule{{ID: "map-1", Name: "door mapping", SensorType: "door"}},
			Rules: []ThresholdRule{
				{ID: "r-temp", SensorType: "temperature", Threshold: Float(60), Condition: ConditionGT},
				{ID: "r-co", SensorType: "co", Threshold: Float(50), Condition: ConditionGTE},
			},
			Battery: []ThresholdRule{{ID: "r-bat", Threshold: Float(20), Condition: ConditionLT}},
		},
	}
	require.NoError(t, patch.Apply(rec, fixedNow))
	return rec
}

func TestNewDeviceRecord_Defaults(t *testing.T) {
	rec := NewDeviceRecord("SN-1", "app", fixedNow)

	assert.Equal(t, StatusInactive, rec.Status)
	assert.Equal(t, StatusInactive.Priority(), rec.StatusPriority)
	assert.Equal(t, AlarmStatusNormal, rec.AlarmStatus)
	assert.Equal(t, MalfunctionStatusNormal, rec.MalfunctionStatus)
	assert.Equal(t, [2]float64{0, 0}, rec.Coordinates)
	assert.True(t, rec.StatusChanged)
	assert.False(t, rec.DeployFlag)
	assert.Equal(t, fixedNow, rec.CreateTime)
	assert.NotNil(t, rec.AlarmsRecords)
	assert.True(t, rec.Consistent())
	require.NoError(t, rec.Validate())
}

func TestPosition_IndoorTakesPrecedence(t *testing.T) {
	rec := NewDeviceRecord("SN-1", "app", fixedNow)
	rec.Coordinates = [2]float64{113.2, 23.1}

	indoor, coords := rec.Position()
	assert.Nil(t, indoor)
	assert.Equal(t, [2]float64{113.2, 23.1}, coords)

	rec.IndoorPosition = &IndoorPosition{Level: 2, X: 10, Y: 4}
	indoor, _ = rec.Position()
	require.NotNil(t, indoor)
	assert.Equal(t, 2, indoor.Level)
}

func TestApplyEvaluation_AggregateFollowsRecords(t *testing.T) {
	rec := deployedDevice(t)

	steps := []struct {
		eval        Evaluation
		alarm       AlarmStatus
		malfunction MalfunctionStatus
	}{
		{Evaluation{AlarmsRecords: []AlarmRecord{{RuleID: "r-temp", SensorType: "temperature", AlarmStatus: AlarmStatusAlarming}}}, AlarmStatusAlarming, MalfunctionStatusNormal},
		{Evaluation{AlarmsRecords: []AlarmRecord{{RuleID: "r-co", SensorType: "co", AlarmStatus: AlarmStatusNormal}}}, AlarmStatusAlarming, MalfunctionStatusNormal},
		{Evaluation{AlarmsRecords: []AlarmRecord{{RuleID: "r-temp", SensorType: "temperature", AlarmStatus: AlarmStatusNormal}}}, AlarmStatusNormal, MalfunctionStatusNormal},
		{Evaluation{HitsRecords: []HitRecord{{ID: "map-1", Hit: true}}}, AlarmStatusAlarming, MalfunctionStatusNormal},
		{Evaluation{HitsRecords: []HitRecord{{ID: "map-1", Hit: false}}, MalfunctionRecords: []MalfunctionRecord{{MalfunctionType: 4, MalfunctionStatus: MalfunctionStatusFaulty}}}, AlarmStatusNormal, MalfunctionStatusFaulty},
		{Evaluation{MalfunctionRecords: []MalfunctionRecord{{MalfunctionType: 4, MalfunctionStatus: MalfunctionStatusNormal}}}, AlarmStatusNormal, MalfunctionStatusNormal},
	}
	for i, step := range steps {
		require.NoError(t, rec.ApplyEvaluation(step.eval), "step %d", i)
		assert.Equal(t, step.alarm, rec.AlarmStatus, "step %d", i)
		assert.Equal(t, step.malfunction, rec.MalfunctionStatus, "step %d", i)
		assert.True(t, rec.Consistent(), "step %d", i)
	}
	assert.Len(t, rec.AlarmsRecords, 2)
	assert.Len(t, rec.HitsRecords, 1)
	assert.Len(t, rec.MalfunctionRecords, 1)
}

func TestApplyEvaluation_BatteryRuleMatchedBySensorType(t *testing.T) {
	rec := deployedDevice(t)

	err := rec.ApplyEvaluation(Evaluation{AlarmsRecords: []AlarmRecord{{SensorType: BatterySensorType, AlarmStatus: AlarmStatusAlarming}}})
	require.NoError(t, err)
	assert.Equal(t, AlarmStatusAlarming, rec.AlarmStatus)
}

func TestApplyEvaluation_RejectsDanglingReferenceWithoutChanges(t *testing.T) {
	rec := deployedDevice(t)
	require.NoError(t, rec.ApplyEvaluation(Evaluation{AlarmsRecords: []AlarmRecord{{RuleID: "r-co", SensorType: "co", AlarmStatus: AlarmStatusAlarming}}}))
	before, err := rec.Clone()
	require.NoError(t, err)

	err = rec.ApplyEvaluation(Evaluation{
		AlarmsRecords: []AlarmRecord{
			{RuleID: "r-co", SensorType: "co", AlarmStatus: AlarmStatusNormal},
			{RuleID: "gone", SensorType: "ch4", AlarmStatus: AlarmStatusAlarming},
		},
	})

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "alarmsRecords", verr.Field)
	assert.Equal(t, before, rec)
}

func TestApplyEvaluation_StatusMarksChanged(t *testing.T) {
	rec := deployedDevice(t)
	rec.StatusChanged = false

	alarm := StatusAlarm
	require.NoError(t, rec.ApplyEvaluation(Evaluation{Status: &alarm}))
	assert.Equal(t, StatusAlarm, rec.Status)
	assert.Equal(t, StatusAlarm.Priority(), rec.StatusPriority)
	assert.True(t, rec.StatusChanged)

	rec.StatusChanged = false
	require.NoError(t, rec.ApplyEvaluation(Evaluation{Status: &alarm}))
	assert.False(t, rec.StatusChanged, "same status must not dirty the record")

	bad := DeviceStatus(9)
	assert.True(t, errors.Is(rec.ApplyEvaluation(Evaluation{Status: &bad}), ErrValidation))
}

func TestDeployGate_UndeployedDeviceKeepsDefaults(t *testing.T) {
	rec := NewDeviceRecord("SN-200", "app-1", fixedNow)
	patch := DevicePatch{
		Alarms: &Alarms{
			Rules: []ThresholdRule{{ID: "r-temp", SensorType: "temperature", Threshold: Float(60), Condition: ConditionGT}},
		},
		SensorData: &SensorData{Temperature: Float(95)},
	}
	require.NoError(t, patch.Apply(rec, fixedNow))

	err := rec.ApplyEvaluation(Evaluation{AlarmsRecords: []AlarmRecord{{RuleID: "r-temp", SensorType: "temperature", AlarmStatus: AlarmStatusAlarming}}})
	assert.True(t, errors.Is(err, ErrValidation))

	assert.Equal(t, AlarmStatusNormal, rec.AlarmStatus)
	assert.Equal(t, MalfunctionStatusNormal, rec.MalfunctionStatus)
	assert.Empty(t, rec.AlarmsRecords)
	assert.Equal(t, 95.0, *rec.SensorData.Temperature)
}

func TestPatchApply_UndeployResetsEvaluation(t *testing.T) {
	rec := deployedDevice(t)
	require.NoError(t, rec.ApplyEvaluation(Evaluation{
		AlarmsRecords:      []AlarmRecord{{RuleID: "r-temp", SensorType: "temperature", AlarmStatus: AlarmStatusAlarming}},
		MalfunctionRecords: []MalfunctionRecord{{MalfunctionType: 2, MalfunctionStatus: MalfunctionStatusFaulty}},
	}))
	require.Equal(t, AlarmStatusAlarming, rec.AlarmStatus)

	require.NoError(t, (&DevicePatch{DeployFlag: Bool(false)}).Apply(rec, fixedNow))

	assert.Equal(t, AlarmStatusNormal, rec.AlarmStatus)
	assert.Equal(t, MalfunctionStatusNormal, rec.MalfunctionStatus)
	assert.Empty(t, rec.AlarmsRecords)
	assert.Empty(t, rec.MalfunctionRecords)
	assert.True(t, rec.Consistent())
}

func TestPatchApply_ReplacingAlarmsPrunesStaleRecords(t *testing.T) {
	rec := deployedDevice(t)
	require.NoError(t, rec.ApplyEvaluation(Evaluation{
		AlarmsRecords: []AlarmRecord{
			{RuleID: "r-temp", SensorType: "temperature", AlarmStatus: AlarmStatusAlarming},
			{RuleID: "r-co", SensorType: "co", AlarmStatus: AlarmStatusNormal},
		},
		HitsRecords: []HitRecord{{ID: "map-1", Hit: true}},
	}))

	patch := DevicePatch{Alarms: &Alarms{
		Rules: []ThresholdRule{{ID: "r-co", SensorType: "co", Threshold: Float(50), Condition: ConditionGTE}},
	}}
	require.NoError(t, patch.Apply(rec, fixedNow))

	require.Len(t, rec.AlarmsRecords, 1)
	assert.Equal(t, "r-co", rec.AlarmsRecords[0].RuleID)
	assert.Empty(t, rec.HitsRecords)
	assert.Equal(t, AlarmStatusNormal, rec.AlarmStatus)
	require.NoError(t, rec.Validate())
}

func TestPatchApply_TimestampsAndMerge(t *testing.T) {
	rec := NewDeviceRecord("SN-1", "app", fixedNow)
	later := fixedNow.Add(time.Hour)

	require.NoError(t, (&DevicePatch{Name: strPtr("boiler room")}).Apply(rec, later))
	assert.Equal(t, fixedNow, rec.RelationTime)
	assert.Nil(t, rec.UpdatedTime)

	require.NoError(t, (&DevicePatch{Owner: strPtr("user-9"), Tags: []string{"a", "b", "a"}}).Apply(rec, later))
	assert.True(t, rec.RelationTime.Equal(later))
	assert.Equal(t, []string{"a", "b"}, rec.Tags)
	assert.Equal(t, "boiler room", rec.Name)

	require.NoError(t, (&DevicePatch{SensorData: &SensorData{Battery: Float(80)}}).Apply(rec, later))
	require.NoError(t, (&DevicePatch{SensorData: &SensorData{Temperature: Float(21.5)}}).Apply(rec, later))
	require.NotNil(t, rec.UpdatedTime)
	assert.True(t, rec.LastUpdatedTime.Equal(later))
	assert.Equal(t, 80.0, *rec.SensorData.Battery)
	assert.Equal(t, 21.5, *rec.SensorData.Temperature)
	assert.True(t, rec.CreateTime.Equal(fixedNow))
}

func TestPatchValidate(t *testing.T) {
	drop := 3
	assert.True(t, errors.Is((&DevicePatch{SensorData: &SensorData{Drop: &drop}}).Validate(), ErrValidation))

	bad := Insurance(5)
	assert.True(t, errors.Is((&DevicePatch{SensorInsurance: &bad}).Validate(), ErrValidation))
}

func TestNormalize_RepairsDriftedRecord(t *testing.T) {
	rec := deployedDevice(t)
	rec.AlarmsRecords = append(rec.AlarmsRecords, AlarmRecord{RuleID: "deleted", SensorType: "ch4", AlarmStatus: AlarmStatusAlarming})
	rec.AlarmStatus = AlarmStatusAlarming
	rec.StatusPriority = 0

	changed, err := rec.Normalize()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Empty(t, rec.AlarmsRecords)
	assert.Equal(t, AlarmStatusNormal, rec.AlarmStatus)
	assert.True(t, rec.Consistent())

	changed, err = rec.Normalize()
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestPrepareInsert(t *testing.T) {
	rec := &DeviceRecord{SerialNumber: "SN-7", Status: StatusNormal, Tags: []string{"x", "x"}}
	require.NoError(t, rec.PrepareInsert(fixedNow))
	assert.Equal(t, []string{"x"}, rec.Tags)
	assert.Equal(t, StatusNormal.Priority(), rec.StatusPriority)
	assert.Equal(t, AlarmStatusNormal, rec.AlarmStatus)
	assert.True(t, rec.CreateTime.Equal(fixedNow))

	empty := &DeviceRecord{}
	var verr *ValidationError
	require.True(t, errors.As(empty.PrepareInsert(fixedNow), &verr))
	assert.Equal(t, "serialNumber", verr.Field)
}

func TestMarshalDocument_SplitsSensorData(t *testing.T) {
	rec := NewDeviceRecord("SN-1", "app", fixedNow)
	rec.SensorData.Battery = Float(55)

	doc, sensor, err := rec.MarshalDocument()
	require.NoError(t, err)
	assert.NotContains(t, string(doc), "sensorData")
	assert.JSONEq(t, `{"battery":55}`, string(sensor))

	back, err := UnmarshalDocument(doc, sensor)
	require.NoError(t, err)
	assert.Equal(t, 55.0, *back.SensorData.Battery)
	assert.Equal(t, "SN-1", back.SerialNumber)
}

func strPtr(s string) *string { return &s }
