package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"examguard/internal/model"
)

// baseStore holds the queries shared by the SQL drivers. Queries are written with
// '?' placeholders; rebind adapts them for drivers that use numbered parameters.
type baseStore struct {
	db     *sql.DB
	rebind func(string) string
}

func (s *baseStore) q(query string) string {
	if s.rebind == nil {
		return query
	}
	return s.rebind(query)
}

func (s *baseStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// dollarRebind rewrites '?' placeholders to $1, $2, ...
func dollarRebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const sessionColumns = `id, exam_id, student_id, status, started_at, ended_at, biometric_verified, score,
	suspicious_activity_count, ip_address, user_agent, audit_required, termination_reason, created_at`

const alertColumns = `id, session_id, alert_type, severity, confidence_score, description, acknowledged,
	acknowledged_by, dedupe_key, created_at`

const incidentColumns = `id, session_id, incident_type, severity, status, reported_by, resolution_note,
	created_at, updated_at`

func (s *baseStore) CreateSession(ctx context.Context, sess model.ExamSession) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = nowUTC()
	}
	if sess.Status == "" {
		sess.Status = model.SessionNotStarted
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sess.ID,
		sess.ExamID,
		sess.StudentID,
		string(sess.Status),
		nullTime(sess.StartedAt),
		nullTime(sess.EndedAt),
		sess.BiometricVerified,
		nullFloat(sess.Score),
		sess.SuspiciousActivityCount,
		sess.IPAddress,
		sess.UserAgent,
		sess.AuditRequired,
		sess.TerminationReason,
		sess.CreatedAt.UTC(),
	)
	return err
}

func (s *baseStore) GetSession(ctx context.Context, id string) (*model.ExamSession, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, model.ErrNotFound)
	}
	return sess, err
}

func (s *baseStore) UpdateSessionStatus(ctx context.Context, t SessionTransition) error {
	at := t.At
	if at.IsZero() {
		at = nowUTC()
	}
	var started, ended any
	if t.To == model.SessionInProgress {
		started = at.UTC()
	}
	if t.To.Terminal() {
		ended = at.UTC()
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET
			status = ?,
			started_at = COALESCE(started_at, ?),
			ended_at = COALESCE(ended_at, ?),
			biometric_verified = CASE WHEN ? THEN ? ELSE biometric_verified END,
			audit_required = CASE WHEN ? THEN ? ELSE audit_required END,
			termination_reason = CASE WHEN ? <> '' THEN ? ELSE termination_reason END
		WHERE id = ? AND status = ?`),
		string(t.To),
		started,
		ended,
		t.BiometricVerified, t.BiometricVerified,
		t.AuditRequired, t.AuditRequired,
		t.Reason, t.Reason,
		t.ID,
		string(t.From),
	)
	if err != nil {
		return err
	}
	return s.checkSessionCAS(ctx, res, t.ID)
}

func (s *baseStore) checkSessionCAS(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetSession(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("session %s: %w", id, model.ErrInvalidTransition)
}

func (s *baseStore) CreateAlert(ctx context.Context, a model.Alert) (bool, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = nowUTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	// The counter update runs first so the session row is locked before the
	// insert and a missing session is reported as not found.
	res, err := tx.ExecContext(ctx, s.q(`UPDATE sessions
		SET suspicious_activity_count = suspicious_activity_count + 1 WHERE id = ?`), a.SessionID)
	if err != nil {
		_ = tx.Rollback()
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		_ = tx.Rollback()
		if err != nil {
			return false, err
		}
		return false, fmt.Errorf("session %s: %w", a.SessionID, model.ErrNotFound)
	}
	res, err = tx.ExecContext(ctx, s.q(`INSERT INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dedupe_key) DO NOTHING`),
		a.ID,
		a.SessionID,
		string(a.AlertType),
		string(a.Severity),
		a.ConfidenceScore,
		a.Description,
		a.Acknowledged,
		a.AcknowledgedBy,
		a.DedupeKey,
		a.CreatedAt.UTC(),
	)
	if err != nil {
		_ = tx.Rollback()
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return false, err
	}
	if n == 0 {
		// Duplicate dedupe key: undo the counter bump.
		return false, tx.Rollback()
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *baseStore) ListAlerts(ctx context.Context, sessionID string, f AlertFilter) ([]model.Alert, error) {
	var (
		where []string
		args  []any
	)
	if sessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, sessionID)
	}
	if f.UnacknowledgedOnly {
		where = append(where, "acknowledged = ?")
		args = append(args, false)
	}
	if len(f.Severities) > 0 {
		marks := make([]string, len(f.Severities))
		for i, sev := range f.Severities {
			marks[i] = "?"
			args = append(args, string(sev))
		}
		where = append(where, "severity IN ("+strings.Join(marks, ", ")+")")
	}
	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *baseStore) AcknowledgeAlert(ctx context.Context, alertID, proctorID string) (*model.Alert, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE alerts SET
			acknowledged_by = CASE WHEN acknowledged THEN acknowledged_by ELSE ? END,
			acknowledged = ?
		WHERE id = ?`), proctorID, true, alertID)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, fmt.Errorf("alert %s: %w", alertID, model.ErrNotFound)
	}
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+alertColumns+` FROM alerts WHERE id = ?`), alertID)
	return scanAlert(row)
}

func (s *baseStore) CreateIncidentIfNoneOpen(ctx context.Context, inc model.Incident) (bool, error) {
	now := nowUTC()
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = now
	}
	if inc.UpdatedAt.IsZero() {
		inc.UpdatedAt = inc.CreatedAt
	}
	if inc.Status == "" {
		inc.Status = model.IncidentPending
	}
	res, err := s.db.ExecContext(ctx, s.q(`INSERT INTO incidents (`+incidentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) WHERE status IN ('pending', 'investigating') DO NOTHING`),
		inc.ID,
		inc.SessionID,
		string(inc.IncidentType),
		string(inc.Severity),
		string(inc.Status),
		inc.ReportedBy,
		inc.ResolutionNote,
		inc.CreatedAt.UTC(),
		inc.UpdatedAt.UTC(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *baseStore) FindOpenIncident(ctx context.Context, sessionID string) (*model.Incident, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+incidentColumns+` FROM incidents
		WHERE session_id = ? AND status IN ('pending', 'investigating')
		ORDER BY created_at DESC LIMIT 1`), sessionID)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return inc, err
}

func (s *baseStore) GetIncident(ctx context.Context, id string) (*model.Incident, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+incidentColumns+` FROM incidents WHERE id = ?`), id)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("incident %s: %w", id, model.ErrNotFound)
	}
	return inc, err
}

func (s *baseStore) UpdateIncidentStatus(ctx context.Context, t IncidentTransition) error {
	at := t.At
	if at.IsZero() {
		at = nowUTC()
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE incidents SET
			status = ?,
			resolution_note = CASE WHEN ? <> '' THEN ? ELSE resolution_note END,
			updated_at = ?
		WHERE id = ? AND status = ?`),
		string(t.To),
		t.Note, t.Note,
		at.UTC(),
		t.ID,
		string(t.From),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetIncident(ctx, t.ID); err != nil {
		return err
	}
	return fmt.Errorf("incident %s: %w", t.ID, model.ErrInvalidTransition)
}

func (s *baseStore) ListIncidents(ctx context.Context, sessionID string, limit int) ([]model.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents`
	var args []any
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY created_at DESC, id"
	if limit > 0 {
		query += " LIMIT " + strconv.Itoa(limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inc)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(r scanner) (*model.ExamSession, error) {
	var (
		sess             model.ExamSession
		status           string
		started, ended   dbTime
		created          dbTime
		score            sql.NullFloat64
		ip, ua, reason   sql.NullString
		biometric, audit bool
	)
	if err := r.Scan(
		&sess.ID,
		&sess.ExamID,
		&sess.StudentID,
		&status,
		&started,
		&ended,
		&biometric,
		&score,
		&sess.SuspiciousActivityCount,
		&ip,
		&ua,
		&audit,
		&reason,
		&created,
	); err != nil {
		return nil, err
	}
	sess.Status = model.SessionStatus(status)
	sess.StartedAt = started.ptr()
	sess.EndedAt = ended.ptr()
	sess.BiometricVerified = biometric
	if score.Valid {
		v := score.Float64
		sess.Score = &v
	}
	sess.IPAddress = ip.String
	sess.UserAgent = ua.String
	sess.AuditRequired = audit
	sess.TerminationReason = reason.String
	sess.CreatedAt = created.t
	return &sess, nil
}

func scanAlert(r scanner) (*model.Alert, error) {
	var (
		a             model.Alert
		kind, sev     string
		desc, ackedBy sql.NullString
		created       dbTime
	)
	if err := r.Scan(
		&a.ID,
		&a.SessionID,
		&kind,
		&sev,
		&a.ConfidenceScore,
		&desc,
		&a.Acknowledged,
		&ackedBy,
		&a.DedupeKey,
		&created,
	); err != nil {
		return nil, err
	}
	a.AlertType = model.DetectionKind(kind)
	a.Severity = model.AlertSeverity(sev)
	a.Description = desc.String
	a.AcknowledgedBy = ackedBy.String
	a.CreatedAt = created.t
	return &a, nil
}

func scanIncident(r scanner) (*model.Incident, error) {
	var (
		inc              model.Incident
		typ, sev, status string
		reportedBy, note sql.NullString
		created, updated dbTime
	)
	if err := r.Scan(
		&inc.ID,
		&inc.SessionID,
		&typ,
		&sev,
		&status,
		&reportedBy,
		&note,
		&created,
		&updated,
	); err != nil {
		return nil, err
	}
	inc.IncidentType = model.IncidentType(typ)
	inc.Severity = model.IncidentSeverity(sev)
	inc.Status = model.IncidentStatus(status)
	inc.ReportedBy = reportedBy.String
	inc.ResolutionNote = note.String
	inc.CreatedAt = created.t
	inc.UpdatedAt = updated.t
	return &inc, nil
}

// dbTime scans timestamps from drivers that return time.Time as well as those that
// hand back text.
type dbTime struct {
	t     time.Time
	valid bool
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

func (d *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		d.t, d.valid = time.Time{}, false
		return nil
	case time.Time:
		d.t, d.valid = v.UTC(), true
		return nil
	case int64:
		d.t, d.valid = time.Unix(0, v).UTC(), true
		return nil
	case []byte:
		return d.parse(string(v))
	case string:
		return d.parse(v)
	}
	return fmt.Errorf("unsupported time value %T", src)
}

func (d *dbTime) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		d.t, d.valid = time.Time{}, false
		return nil
	}
	// Go's time.String output carries a monotonic suffix.
	if i := strings.Index(s, " m="); i > 0 {
		s = s[:i]
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			d.t, d.valid = t.UTC(), true
			return nil
		}
	}
	if t, err := time.Parse("2006-01-02 15:04:05.999999999 -0700 MST", s); err == nil {
		d.t, d.valid = t.UTC(), true
		return nil
	}
	return fmt.Errorf("unparseable time %q", s)
}

func (d dbTime) ptr() *time.Time {
	if !d.valid {
		return nil
	}
	t := d.t
	return &t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
