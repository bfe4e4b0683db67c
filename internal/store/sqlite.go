package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"medbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Column whitelists per table. Filters and patches referencing anything else
// are rejected before touching SQL.
var (
	medicationCols = map[string]bool{
		"id": true, "patient_id": true, "name": true, "dosage": true,
		"active": true, "times": true, "times_minutes": true,
	}
	patientCols = map[string]bool{
		"id": true, "telegram_id": true, "name": true, "status": true, "created_at": true,
	}
	entryCols = map[string]bool{
		"id": true, "unique_id": true, "short_id": true, "medication_id": true,
		"patient_id": true, "date": true, "scheduled_time": true,
		"scheduled_minutes": true, "status": true,
	}
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// whereClause renders f into "WHERE ..." plus args. Empty filters render to "".
func whereClause(f Filters, allowed map[string]bool) (string, []any, error) {
	if len(f) == 0 {
		return "", nil, nil
	}
	var b strings.Builder
	args := make([]any, 0, len(f))
	for i, flt := range f {
		if !allowed[flt.Col] {
			return "", nil, fmt.Errorf("filter on unknown column %q", flt.Col)
		}
		switch flt.Op {
		case OpEq, OpLte, OpGte:
		default:
			return "", nil, fmt.Errorf("filter on %q: unsupported op %q", flt.Col, flt.Op)
		}
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		b.WriteString(flt.Col)
		b.WriteString(" ")
		b.WriteString(string(flt.Op))
		b.WriteString(" ?")
		args = append(args, normalizeArg(flt.Val))
	}
	return b.String(), args, nil
}

// normalizeArg maps domain values onto sqlite-friendly ones.
func normalizeArg(v any) any {
	switch x := v.(type) {
	case Status:
		return string(x)
	case bool:
		if x {
			return 1
		}
		return 0
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return v
	}
}

func (s *sqliteStore) SelectMedications(ctx context.Context, f Filters) ([]Medication, error) {
	where, args, err := whereClause(f, medicationCols)
	if err != nil {
		return nil, err
	}
	q := `SELECT id, patient_id, name, dosage, active, times, times_minutes FROM medications` + where + ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Medication
	for rows.Next() {
		var (
			m           Medication
			active      int
			timesJSON   string
			minutesJSON string
		)
		if err := rows.Scan(&m.ID, &m.PatientID, &m.Name, &m.Dosage, &active, &timesJSON, &minutesJSON); err != nil {
			return nil, err
		}
		m.Active = active != 0
		if err := json.Unmarshal([]byte(timesJSON), &m.Times); err != nil {
			s.log.Warn("medication has malformed times column", logx.Int64("id", m.ID), logx.Err(err))
			m.Times = nil
		}
		if err := json.Unmarshal([]byte(minutesJSON), &m.TimesMinutes); err != nil {
			s.log.Warn("medication has malformed times_minutes column", logx.Int64("id", m.ID), logx.Err(err))
			m.TimesMinutes = nil
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SelectPatients(ctx context.Context, f Filters) ([]Patient, error) {
	where, args, err := whereClause(f, patientCols)
	if err != nil {
		return nil, err
	}
	q := `SELECT id, telegram_id, name, status, created_at FROM patients` + where + ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Patient
	for rows.Next() {
		var (
			p       Patient
			created string
		)
		if err := rows.Scan(&p.ID, &p.TelegramID, &p.Name, &p.Status, &created); err != nil {
			return nil, err
		}
		if created != "" {
			if t, err := time.Parse(time.RFC3339, created); err == nil {
				p.CreatedAt = t
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SelectEntries(ctx context.Context, f Filters) ([]ScheduleEntry, error) {
	where, args, err := whereClause(f, entryCols)
	if err != nil {
		return nil, err
	}
	q := `SELECT id, unique_id, short_id, medication_id, patient_id, date, scheduled_time, scheduled_minutes, status
	      FROM medication_history` + where + ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduleEntry
	for rows.Next() {
		var (
			e      ScheduleEntry
			status string
		)
		if err := rows.Scan(&e.ID, &e.UniqueID, &e.ShortID, &e.MedicationID, &e.PatientID,
			&e.Date, &e.ScheduledTime, &e.ScheduledMinutes, &status); err != nil {
			return nil, err
		}
		e.Status = Status(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) InsertEntries(ctx context.Context, entries []ScheduleEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	// ON CONFLICT(unique_id) DO NOTHING makes the batch safe against a
	// concurrent generator pass that computed the same deterministic keys.
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO medication_history
		   (unique_id, short_id, medication_id, patient_id, date, scheduled_time, scheduled_minutes, status)
		 VALUES (?,?,?,?,?,?,?,?)
		 ON CONFLICT(unique_id) DO NOTHING`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, e := range entries {
		res, err := stmt.ExecContext(ctx, e.UniqueID, e.ShortID, e.MedicationID, e.PatientID,
			e.Date, e.ScheduledTime, e.ScheduledMinutes, string(e.Status))
		if err != nil {
			return inserted, err
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *sqliteStore) UpdateEntries(ctx context.Context, f Filters, p Patch) (int64, error) {
	if len(p) == 0 {
		return 0, nil
	}
	where, args, err := whereClause(f, entryCols)
	if err != nil {
		return 0, err
	}

	var set strings.Builder
	setArgs := make([]any, 0, len(p))
	// Deterministic column order keeps generated SQL stable for logs/tests.
	for _, col := range []string{"unique_id", "short_id", "medication_id", "patient_id", "date", "scheduled_time", "scheduled_minutes", "status"} {
		v, ok := p[col]
		if !ok {
			continue
		}
		if set.Len() > 0 {
			set.WriteString(", ")
		}
		set.WriteString(col)
		set.WriteString(" = ?")
		setArgs = append(setArgs, normalizeArg(v))
	}
	if set.Len() == 0 {
		return 0, fmt.Errorf("patch has no known columns")
	}

	q := `UPDATE medication_history SET ` + set.String() + where
	res, err := s.db.ExecContext(ctx, q, append(setArgs, args...)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) DeleteEntries(ctx context.Context, f Filters) (int64, error) {
	if len(f) == 0 {
		return 0, errors.New("refusing unfiltered delete")
	}
	where, args, err := whereClause(f, entryCols)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM medication_history`+where, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
