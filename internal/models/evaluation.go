package models

// Evaluation is what the external evaluation engine writes back for one
// device: per-rule records (merged by key into the stored collections) and
// optionally a new presentation status.
type Evaluation struct {
	AlarmsRecords      []AlarmRecord       `json:"alarmsRecords,omitempty"`
	MalfunctionRecords []MalfunctionRecord `json:"malfunctionRecords,omitempty"`
	HitsRecords        []HitRecord         `json:"hitsRecords,omitempty"`
	Status             *DeviceStatus       `json:"status,omitempty"`
}

func (e *Evaluation) hasRecords() bool {
	return len(e.AlarmsRecords) > 0 || len(e.MalfunctionRecords) > 0 || len(e.HitsRecords) > 0
}

// ApplyEvaluation merges the evaluation into rec and recomputes both
// aggregates. Nothing on rec changes unless the whole evaluation is valid.
func (r *DeviceRecord) ApplyEvaluation(e Evaluation) error {
	if e.Status != nil && !e.Status.Valid() {
		return invalid("status", "unknown status %d", int(*e.Status))
	}
	if e.hasRecords() && !r.DeployFlag {
		return invalid("deployFlag", "device %s is not deployed", r.SerialNumber)
	}

	alarms := append([]AlarmRecord(nil), r.AlarmsRecords...)
	for _, a := range e.AlarmsRecords {
		if !a.AlarmStatus.Valid() {
			return invalid(string(CollectionAlarms), "unknown alarm status %d", int(a.AlarmStatus))
		}
		if !r.Alarms.referencesAlarm(a) {
			return invalid(string(CollectionAlarms), "entry %s references no existing rule", a.key())
		}
		alarms = upsertAlarm(alarms, a)
	}
	malfunctions := append([]MalfunctionRecord(nil), r.MalfunctionRecords...)
	for _, m := range e.MalfunctionRecords {
		if !m.MalfunctionStatus.Valid() {
			return invalid(string(CollectionMalfunction), "unknown malfunction status %d", int(m.MalfunctionStatus))
		}
		malfunctions = upsertMalfunction(malfunctions, m)
	}
	hits := append([]HitRecord(nil), r.HitsRecords...)
	for _, h := range e.HitsRecords {
		if !r.Alarms.referencesMapping(h) {
			return invalid(string(CollectionHits), "entry %q references no existing mapping", h.ID)
		}
		hits = upsertHit(hits, h)
	}

	r.AlarmsRecords = alarms
	r.MalfunctionRecords = malfunctions
	r.HitsRecords = hits
	r.ensureSlices()
	recomputeAll(r)
	if e.Status != nil {
		r.SetStatus(*e.Status)
	}
	return nil
}

func upsertAlarm(list []AlarmRecord, rec AlarmRecord) []AlarmRecord {
	for i := range list {
		if list[i].key() == rec.key() {
			list[i] = rec
			return list
		}
	}
	return append(list, rec)
}

func upsertMalfunction(list []MalfunctionRecord, rec MalfunctionRecord) []MalfunctionRecord {
	for i := range list {
		if list[i].MalfunctionType == rec.MalfunctionType {
			list[i] = rec
			return list
		}
	}
	return append(list, rec)
}

func upsertHit(list []HitRecord, rec HitRecord) []HitRecord {
	for i := range list {
		if list[i].ID == rec.ID {
			list[i] = rec
			return list
		}
	}
	return append(list, rec)
}
