package records

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/apperrors"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/model"
)

//go:embed schema.sql
var schema string

// Repository persists records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// UpsertDevice ensures a device record exists.
func (r *Repository) UpsertDevice(ctx context.Context, deviceID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (device_id)
		VALUES ($1)
		ON CONFLICT (device_id) DO NOTHING
	`, deviceID)
	return err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (device_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, deviceID, token, expiresAt)
	return err
}

const studentColumns = `id, COALESCE(client_ref, ''), name, roll_no, course_type, course_division, year, batch,
	father_name, dob, phone, address, blood_group, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanStudent(row scanner) (model.Student, error) {
	var s model.Student
	err := row.Scan(&s.ID, &s.ClientRef, &s.Name, &s.RollNo, &s.CourseType, &s.CourseDivision, &s.Year, &s.Batch,
		&s.FatherName, &s.DOB, &s.Phone, &s.Address, &s.BloodGroup, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

// ListStudents returns students with basic filters, ordered by roll number.
func (r *Repository) ListStudents(ctx context.Context, f StudentFilter) ([]model.Student, error) {
	w := where{}
	w.add("course_type", string(f.CourseType), f.CourseType != "")
	w.add("year", f.Year, f.Year != 0)
	w.add("course_division", string(f.Division), f.Division != "")
	w.add("batch", f.Section, f.Section != "")

	rows, err := r.db.QueryContext(ctx, `SELECT `+studentColumns+` FROM students`+w.sql()+` ORDER BY roll_no, id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Student
	for rows.Next() {
		s, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// GetStudent returns a single student by id.
func (r *Repository) GetStudent(ctx context.Context, id int64) (model.Student, error) {
	s, err := scanStudent(r.db.QueryRowContext(ctx, `SELECT `+studentColumns+` FROM students WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Student{}, apperrors.NotFound(fmt.Sprintf("student %d not found", id))
	}
	return s, err
}

// CreateStudent inserts a student. A repeated client_ref returns the
// stored row untouched so replays do not duplicate students.
func (r *Repository) CreateStudent(ctx context.Context, s model.Student) (model.Student, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO students (client_ref, name, roll_no, course_type, course_division, year, batch,
			father_name, dob, phone, address, blood_group)
		VALUES (NULLIF($1, ''), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (client_ref) DO UPDATE SET client_ref = EXCLUDED.client_ref
		RETURNING `+studentColumns,
		s.ClientRef, s.Name, s.RollNo, s.CourseType, s.CourseDivision, s.Year, s.Batch,
		s.FatherName, s.DOB, s.Phone, s.Address, s.BloodGroup)
	return scanStudent(row)
}

// UpdateStudent overwrites the mutable fields of a student.
func (r *Repository) UpdateStudent(ctx context.Context, s model.Student) (model.Student, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE students SET name = $2, roll_no = $3, course_type = $4, course_division = $5, year = $6, batch = $7,
			father_name = $8, dob = $9, phone = $10, address = $11, blood_group = $12, updated_at = NOW()
		WHERE id = $1
		RETURNING `+studentColumns,
		s.ID, s.Name, s.RollNo, s.CourseType, s.CourseDivision, s.Year, s.Batch,
		s.FatherName, s.DOB, s.Phone, s.Address, s.BloodGroup)
	out, err := scanStudent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Student{}, apperrors.NotFound(fmt.Sprintf("student %d not found", s.ID))
	}
	return out, err
}

// DeleteStudent removes a student and, by cascade, their marks and leaves.
func (r *Repository) DeleteStudent(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM students WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return affected(res, fmt.Sprintf("student %d not found", id))
}

const attendanceColumns = `id, student_id, roll_no, date, course_type, year, course_division, section, period,
	status, original_status, manual_entry, leave_reason, synced_at, synced_by, marked_at`

func scanAttendance(row scanner) (model.AttendanceRecord, error) {
	var a model.AttendanceRecord
	err := row.Scan(&a.ID, &a.StudentID, &a.RollNo, &a.Date, &a.CourseType, &a.Year, &a.Division, &a.Section, &a.Period,
		&a.Status, &a.OriginalStatus, &a.ManualEntry, &a.LeaveReason, &a.SyncedAt, &a.SyncedBy, &a.MarkedAt)
	return a, err
}

// UpsertAttendance writes records in one transaction. A student has at most
// one record per date and period; later writes win.
func (r *Repository) UpsertAttendance(ctx context.Context, recs []model.AttendanceRecord) ([]model.AttendanceRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	out := make([]model.AttendanceRecord, 0, len(recs))
	for _, a := range recs {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO attendance (student_id, roll_no, date, course_type, year, course_division, section, period,
				status, original_status, manual_entry, leave_reason, synced_at, synced_by, marked_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (student_id, date, period) DO UPDATE SET
				roll_no = EXCLUDED.roll_no, course_type = EXCLUDED.course_type, year = EXCLUDED.year,
				course_division = EXCLUDED.course_division, section = EXCLUDED.section,
				status = EXCLUDED.status, original_status = EXCLUDED.original_status,
				manual_entry = EXCLUDED.manual_entry, leave_reason = EXCLUDED.leave_reason,
				synced_at = EXCLUDED.synced_at, synced_by = EXCLUDED.synced_by, marked_at = EXCLUDED.marked_at
			RETURNING `+attendanceColumns,
			a.StudentID, a.RollNo, a.Date, a.CourseType, a.Year, a.Division, a.Section, a.Period,
			a.Status, a.OriginalStatus, a.ManualEntry, a.LeaveReason, a.SyncedAt, a.SyncedBy, a.MarkedAt)
		saved, err := scanAttendance(row)
		if err != nil {
			return nil, fmt.Errorf("upsert attendance for student %d: %w", a.StudentID, err)
		}
		out = append(out, saved)
	}
	return out, tx.Commit()
}

// ListAttendance returns attendance with basic filters.
func (r *Repository) ListAttendance(ctx context.Context, f AttendanceFilter) ([]model.AttendanceRecord, error) {
	w := where{}
	w.add("course_type", string(f.CourseType), f.CourseType != "")
	w.add("year", f.Year, f.Year != 0)
	w.add("course_division", string(f.Division), f.Division != "")
	w.add("section", f.Section, f.Section != "")
	w.add("date", f.Date, f.Date != "")
	w.add("period", f.Period, f.Period != 0)
	w.add("student_id", f.StudentID, f.StudentID != 0)
	w.addOp("date", ">=", f.From, f.From != "")
	w.addOp("date", "<=", f.To, f.To != "")

	rows, err := r.db.QueryContext(ctx, `SELECT `+attendanceColumns+` FROM attendance`+w.sql()+` ORDER BY date, period, roll_no`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.AttendanceRecord
	for rows.Next() {
		a, err := scanAttendance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpsertNamaz writes namaz records in one transaction.
func (r *Repository) UpsertNamaz(ctx context.Context, recs []model.NamazRecord) ([]model.NamazRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	out := make([]model.NamazRecord, 0, len(recs))
	for _, n := range recs {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO namaz_attendance (student_id, date, prayer, status, marked_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (student_id, date, prayer) DO UPDATE SET status = EXCLUDED.status, marked_at = EXCLUDED.marked_at
			RETURNING id, student_id, date, prayer, status, marked_at
		`, n.StudentID, n.Date, n.Prayer, n.Status, n.MarkedAt)
		var saved model.NamazRecord
		if err := row.Scan(&saved.ID, &saved.StudentID, &saved.Date, &saved.Prayer, &saved.Status, &saved.MarkedAt); err != nil {
			return nil, fmt.Errorf("upsert namaz for student %d: %w", n.StudentID, err)
		}
		out = append(out, saved)
	}
	return out, tx.Commit()
}

// ListNamaz returns namaz records for a date and, optionally, a prayer.
func (r *Repository) ListNamaz(ctx context.Context, date string, prayer model.Prayer) ([]model.NamazRecord, error) {
	w := where{}
	w.add("date", date, date != "")
	w.add("prayer", string(prayer), prayer != "")
	rows, err := r.db.QueryContext(ctx, `SELECT id, student_id, date, prayer, status, marked_at FROM namaz_attendance`+w.sql()+` ORDER BY date, prayer, student_id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.NamazRecord
	for rows.Next() {
		var n model.NamazRecord
		if err := rows.Scan(&n.ID, &n.StudentID, &n.Date, &n.Prayer, &n.Status, &n.MarkedAt); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

const leaveColumns = `id, COALESCE(client_ref, ''), student_id, from_date, to_date, reason, status, approved_by, created_at`

func scanLeave(row scanner) (model.LeaveRecord, error) {
	var l model.LeaveRecord
	err := row.Scan(&l.ID, &l.ClientRef, &l.StudentID, &l.FromDate, &l.ToDate, &l.Reason, &l.Status, &l.ApprovedBy, &l.CreatedAt)
	return l, err
}

// CreateLeave inserts a leave; a repeated client_ref returns the stored row.
func (r *Repository) CreateLeave(ctx context.Context, l model.LeaveRecord) (model.LeaveRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO leaves (client_ref, student_id, from_date, to_date, reason, status, approved_by)
		VALUES (NULLIF($1, ''), $2, $3, $4, $5, $6, $7)
		ON CONFLICT (client_ref) DO UPDATE SET client_ref = EXCLUDED.client_ref
		RETURNING `+leaveColumns,
		l.ClientRef, l.StudentID, l.FromDate, l.ToDate, l.Reason, l.Status, l.ApprovedBy)
	return scanLeave(row)
}

// ListLeaves returns leaves, newest first.
func (r *Repository) ListLeaves(ctx context.Context, f LeaveFilter) ([]model.LeaveRecord, error) {
	w := where{}
	w.add("student_id", f.StudentID, f.StudentID != 0)
	w.add("status", string(f.Status), f.Status != "")
	rows, err := r.db.QueryContext(ctx, `SELECT `+leaveColumns+` FROM leaves`+w.sql()+` ORDER BY from_date DESC, id DESC`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.LeaveRecord
	for rows.Next() {
		l, err := scanLeave(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// SetLeaveStatus changes the status of a leave.
func (r *Repository) SetLeaveStatus(ctx context.Context, id int64, status model.LeaveStatus) (model.LeaveRecord, error) {
	l, err := scanLeave(r.db.QueryRowContext(ctx, `UPDATE leaves SET status = $2 WHERE id = $1 RETURNING `+leaveColumns, id, status))
	if errors.Is(err, sql.ErrNoRows) {
		return model.LeaveRecord{}, apperrors.NotFound(fmt.Sprintf("leave %d not found", id))
	}
	return l, err
}

// UpdateLeave overwrites the range, reason, status and approver of a leave.
func (r *Repository) UpdateLeave(ctx context.Context, l model.LeaveRecord) (model.LeaveRecord, error) {
	out, err := scanLeave(r.db.QueryRowContext(ctx, `
		UPDATE leaves SET from_date = $2, to_date = $3, reason = $4, status = $5, approved_by = $6
		WHERE id = $1
		RETURNING `+leaveColumns,
		l.ID, l.FromDate, l.ToDate, l.Reason, l.Status, l.ApprovedBy))
	if errors.Is(err, sql.ErrNoRows) {
		return model.LeaveRecord{}, apperrors.NotFound(fmt.Sprintf("leave %d not found", l.ID))
	}
	return out, err
}

const holidayColumns = `id, date, name, type, affected_courses, reason, is_deleted, deleted_at, created_at`

func scanHoliday(row scanner) (model.Holiday, error) {
	var (
		h       model.Holiday
		courses string
	)
	if err := row.Scan(&h.ID, &h.Date, &h.Name, &h.Type, &courses, &h.Reason, &h.IsDeleted, &h.DeletedAt, &h.CreatedAt); err != nil {
		return model.Holiday{}, err
	}
	h.AffectedCourses = splitCourses(courses)
	return h, nil
}

// CreateHoliday inserts a holiday.
func (r *Repository) CreateHoliday(ctx context.Context, h model.Holiday) (model.Holiday, error) {
	return scanHoliday(r.db.QueryRowContext(ctx, `
		INSERT INTO holidays (date, name, type, affected_courses, reason)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+holidayColumns,
		h.Date, h.Name, h.Type, joinCourses(h.AffectedCourses), h.Reason))
}

// ListHolidays returns holidays by date.
func (r *Repository) ListHolidays(ctx context.Context, includeDeleted bool) ([]model.Holiday, error) {
	query := `SELECT ` + holidayColumns + ` FROM holidays`
	if !includeDeleted {
		query += ` WHERE NOT is_deleted`
	}
	rows, err := r.db.QueryContext(ctx, query+` ORDER BY date, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Holiday
	for rows.Next() {
		h, err := scanHoliday(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// UpdateHoliday overwrites a holiday that is not deleted.
func (r *Repository) UpdateHoliday(ctx context.Context, h model.Holiday) (model.Holiday, error) {
	out, err := scanHoliday(r.db.QueryRowContext(ctx, `
		UPDATE holidays SET date = $2, name = $3, type = $4, affected_courses = $5, reason = $6
		WHERE id = $1 AND NOT is_deleted
		RETURNING `+holidayColumns,
		h.ID, h.Date, h.Name, h.Type, joinCourses(h.AffectedCourses), h.Reason))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Holiday{}, apperrors.NotFound(fmt.Sprintf("holiday %d not found", h.ID))
	}
	return out, err
}

// DeleteHoliday soft-deletes a holiday. Deleting it again is a no-op.
func (r *Repository) DeleteHoliday(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE holidays SET is_deleted = TRUE, deleted_at = COALESCE(deleted_at, NOW()) WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return affected(res, fmt.Sprintf("holiday %d not found", id))
}

func affected(res sql.Result, msg string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NotFound(msg)
	}
	return nil
}

// where accumulates positional filter clauses.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(col string, val any, ok bool) { w.addOp(col, "=", val, ok) }

func (w *where) addOp(col, op string, val any, ok bool) {
	if !ok {
		return
	}
	w.args = append(w.args, val)
	w.clauses = append(w.clauses, col+" "+op+" $"+strconv.Itoa(len(w.args)))
}

func (w *where) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func joinCourses(cs []model.CourseType) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

func splitCourses(s string) []model.CourseType {
	if s == "" {
		return nil
	}
	var out []model.CourseType
	for _, p := range strings.Split(s, ",") {
		out = append(out, model.CourseType(p))
	}
	return out
}
