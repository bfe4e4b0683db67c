package store

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Memory is an in-process Store. It backs tests and dry runs, and mirrors the
// sqlite driver's semantics: unique_id conflicts are skipped on insert, and
// filters are AND-combined equality/range predicates.
type Memory struct {
	mu     sync.Mutex
	nextID int64

	meds     []Medication
	patients []Patient
	entries  []ScheduleEntry
}

func NewMemory() *Memory { return &Memory{nextID: 1} }

func (m *Memory) Close() error { return nil }

// PutMedication upserts a medication (insert when ID is zero) and returns its id.
// Medication/patient writes are seeding surface only; the core never calls them.
func (m *Memory) PutMedication(med Medication) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if med.ID == 0 {
		med.ID = m.nextID
		m.nextID++
		m.meds = append(m.meds, med)
		return med.ID
	}
	for i := range m.meds {
		if m.meds[i].ID == med.ID {
			m.meds[i] = med
			return med.ID
		}
	}
	m.meds = append(m.meds, med)
	return med.ID
}

// PutPatient upserts a patient (insert when ID is zero) and returns its id.
func (m *Memory) PutPatient(p Patient) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == 0 {
		p.ID = m.nextID
		m.nextID++
		m.patients = append(m.patients, p)
		return p.ID
	}
	for i := range m.patients {
		if m.patients[i].ID == p.ID {
			m.patients[i] = p
			return p.ID
		}
	}
	m.patients = append(m.patients, p)
	return p.ID
}

func (m *Memory) SelectMedications(_ context.Context, f Filters) ([]Medication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Medication
	for _, med := range m.meds {
		ok, err := matchRow(f, func(col string) (any, bool) { return medicationField(med, col) })
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, med)
		}
	}
	return out, nil
}

func (m *Memory) SelectPatients(_ context.Context, f Filters) ([]Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Patient
	for _, p := range m.patients {
		ok, err := matchRow(f, func(col string) (any, bool) { return patientField(p, col) })
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) SelectEntries(_ context.Context, f Filters) ([]ScheduleEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ScheduleEntry
	for _, e := range m.entries {
		ok, err := matchRow(f, func(col string) (any, bool) { return entryField(e, col) })
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) InsertEntries(_ context.Context, rows []ScheduleEntry) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, e := range rows {
		if m.hasUniqueIDLocked(e.UniqueID) {
			continue
		}
		e.ID = m.nextID
		m.nextID++
		m.entries = append(m.entries, e)
		inserted++
	}
	return inserted, nil
}

func (m *Memory) hasUniqueIDLocked(uid string) bool {
	for _, e := range m.entries {
		if e.UniqueID == uid {
			return true
		}
	}
	return false
}

func (m *Memory) UpdateEntries(_ context.Context, f Filters, p Patch) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for i := range m.entries {
		ok, err := matchRow(f, func(col string) (any, bool) { return entryField(m.entries[i], col) })
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		if err := applyEntryPatch(&m.entries[i], p); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (m *Memory) DeleteEntries(_ context.Context, f Filters) (int64, error) {
	if len(f) == 0 {
		return 0, errors.New("refusing unfiltered delete")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	keep := m.entries[:0]
	var n int64
	for _, e := range m.entries {
		ok, err := matchRow(f, func(col string) (any, bool) { return entryField(e, col) })
		if err != nil {
			return n, err
		}
		if ok {
			n++
			continue
		}
		keep = append(keep, e)
	}
	m.entries = keep
	return n, nil
}

func applyEntryPatch(e *ScheduleEntry, p Patch) error {
	for col, v := range p {
		switch col {
		case "status":
			s, ok := asString(v)
			if !ok {
				return errors.New("patch status: not a string")
			}
			e.Status = Status(s)
		case "scheduled_minutes":
			n, ok := asInt64(v)
			if !ok {
				return errors.New("patch scheduled_minutes: not an integer")
			}
			e.ScheduledMinutes = int(n)
		case "scheduled_time":
			s, ok := asString(v)
			if !ok {
				return errors.New("patch scheduled_time: not a string")
			}
			e.ScheduledTime = s
		default:
			return errors.New("patch on unknown column " + col)
		}
	}
	return nil
}

func matchRow(f Filters, field func(col string) (any, bool)) (bool, error) {
	for _, flt := range f {
		have, ok := field(flt.Col)
		if !ok {
			return false, errors.New("filter on unknown column " + flt.Col)
		}
		c, ok := compareVals(have, flt.Val)
		if !ok {
			return false, errors.New("filter on " + flt.Col + ": incomparable value")
		}
		switch flt.Op {
		case OpEq:
			if c != 0 {
				return false, nil
			}
		case OpLte:
			if c > 0 {
				return false, nil
			}
		case OpGte:
			if c < 0 {
				return false, nil
			}
		default:
			return false, errors.New("unsupported op " + string(flt.Op))
		}
	}
	return true, nil
}

func medicationField(m Medication, col string) (any, bool) {
	switch col {
	case "id":
		return m.ID, true
	case "patient_id":
		return m.PatientID, true
	case "name":
		return m.Name, true
	case "dosage":
		return m.Dosage, true
	case "active":
		return m.Active, true
	default:
		return nil, false
	}
}

func patientField(p Patient, col string) (any, bool) {
	switch col {
	case "id":
		return p.ID, true
	case "telegram_id":
		return p.TelegramID, true
	case "name":
		return p.Name, true
	case "status":
		return p.Status, true
	default:
		return nil, false
	}
}

func entryField(e ScheduleEntry, col string) (any, bool) {
	switch col {
	case "id":
		return e.ID, true
	case "unique_id":
		return e.UniqueID, true
	case "short_id":
		return e.ShortID, true
	case "medication_id":
		return e.MedicationID, true
	case "patient_id":
		return e.PatientID, true
	case "date":
		return e.Date, true
	case "scheduled_time":
		return e.ScheduledTime, true
	case "scheduled_minutes":
		return e.ScheduledMinutes, true
	case "status":
		return e.Status, true
	default:
		return nil, false
	}
}

// compareVals compares a row value against a filter value.
// Returns (-1|0|1, true) when comparable.
func compareVals(row, want any) (int, bool) {
	if ri, ok := asInt64(row); ok {
		if wi, ok2 := asInt64(want); ok2 {
			switch {
			case ri < wi:
				return -1, true
			case ri > wi:
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	rs, ok1 := asString(row)
	ws, ok2 := asString(want)
	if ok1 && ok2 {
		return strings.Compare(rs, ws), true
	}
	return 0, false
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		return int64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func asString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case Status:
		return string(x), true
	default:
		return "", false
	}
}
