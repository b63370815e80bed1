// Package validation decides whether an attendance marking may proceed.
//
// Expected failures are reported as values in a Result, never as errors.
// Lookups that fail unexpectedly are turned into warnings and leave the
// result valid: marking stays available when the holiday or leave source
// cannot be reached.
package validation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/metrics"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/model"
)

// MaxPastDays is how far back attendance may be marked.
const MaxPastDays = 365

// Result is the outcome of one or more checks.
type Result struct {
	Valid    bool       `json:"valid"`
	Errors   []string   `json:"errors,omitempty"`
	Warnings []string   `json:"warnings,omitempty"`
	Data     *CheckData `json:"data,omitempty"`
}

// CheckData carries what the checks found along the way.
type CheckData struct {
	Holiday  *model.Holiday              `json:"holiday,omitempty"`
	Existing *model.AttendanceSheet      `json:"existing,omitempty"`
	Students []model.Student             `json:"students,omitempty"`
	OnLeave  map[int64]model.LeaveRecord `json:"onLeave,omitempty"`
}

func valid() Result { return Result{Valid: true} }

func (r *Result) fail(check, msg string) {
	r.Valid = false
	r.Errors = append(r.Errors, msg)
	metrics.ValidationRejections.WithLabelValues(check).Inc()
}

func (r *Result) warn(msg string) { r.Warnings = append(r.Warnings, msg) }

func (r *Result) merge(o Result) {
	if !o.Valid {
		r.Valid = false
	}
	r.Errors = append(r.Errors, o.Errors...)
	r.Warnings = append(r.Warnings, o.Warnings...)
}

// ValidateClassStructure checks course type, year, division and section.
// PU runs years 1-2 and needs a commerce or science division; post-PU runs
// years 3-7 without a division.
func ValidateClassStructure(c model.ClassRef) Result {
	r := valid()
	switch c.CourseType {
	case model.CoursePU:
		if c.Year < 1 || c.Year > 2 {
			r.fail("class", fmt.Sprintf("PU year must be 1 or 2, got %d", c.Year))
		}
		if c.Division != model.DivisionCommerce && c.Division != model.DivisionScience {
			r.fail("class", fmt.Sprintf("PU division must be commerce or science, got %q", c.Division))
		}
	case model.CoursePostPU:
		if c.Year < 3 || c.Year > 7 {
			r.fail("class", fmt.Sprintf("post-PU year must be between 3 and 7, got %d", c.Year))
		}
		if c.Division != model.DivisionNone {
			r.fail("class", fmt.Sprintf("post-PU classes have no division, got %q", c.Division))
		}
	default:
		r.fail("class", fmt.Sprintf("unknown course type %q", c.CourseType))
	}
	if len(c.Section) != 1 || c.Section[0] < 'A' || c.Section[0] > 'Z' {
		r.fail("class", fmt.Sprintf("section must be a single letter A-Z, got %q", c.Section))
	}
	return r
}

// ValidateDate checks that date is well formed, not after today and not more
// than MaxPastDays before it.
func ValidateDate(date string, today time.Time) Result {
	r := valid()
	d, err := model.ParseDate(date)
	if err != nil {
		r.fail("date", fmt.Sprintf("invalid date %q, want YYYY-MM-DD", date))
		return r
	}
	y, m, dd := today.Date()
	day := time.Date(y, m, dd, 0, 0, 0, 0, time.UTC)
	switch {
	case d.After(day):
		r.fail("date", fmt.Sprintf("cannot mark attendance for a future date (%s)", date))
	case d.Before(day.AddDate(0, 0, -MaxPastDays)):
		r.fail("date", fmt.Sprintf("%s is more than %d days in the past", date, MaxPastDays))
	}
	return r
}

// DateRange lists every date in [from, to].
func DateRange(from, to string) ([]string, error) {
	start, err := model.ParseDate(from)
	if err != nil {
		return nil, fmt.Errorf("invalid from date %q", from)
	}
	end, err := model.ParseDate(to)
	if err != nil {
		return nil, fmt.Errorf("invalid to date %q", to)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("from date %s is after to date %s", from, to)
	}
	var out []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, model.FormatDate(d))
	}
	return out, nil
}

// Reader is the data the checks consult.
type Reader interface {
	GetHolidays(ctx context.Context) ([]model.Holiday, error)
	GetLeaves(ctx context.Context) ([]model.LeaveRecord, error)
	GetStudents(ctx context.Context, c model.ClassRef) ([]model.Student, error)
	// CachedAttendance returns the locally cached sheet, or nil.
	CachedAttendance(ctx context.Context, c model.ClassRef, date string, period int) (*model.AttendanceSheet, error)
}

// Service runs the checks against a Reader.
type Service struct {
	reader Reader
	log    zerolog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a validation service.
func NewService(r Reader, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{reader: r, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Today returns the current date in DateLayout.
func (s *Service) Today() string { return model.FormatDate(s.now()) }

// ValidateAttendanceDate checks date against today.
func (s *Service) ValidateAttendanceDate(date string) Result {
	return ValidateDate(date, s.now())
}

// CheckHolidayConflict fails when a non-deleted holiday affecting course
// falls on date. An empty course matches holidays for every course.
func (s *Service) CheckHolidayConflict(ctx context.Context, date string, course model.CourseType) Result {
	r := valid()
	holidays, err := s.reader.GetHolidays(ctx)
	if err != nil {
		s.log.Warn().Err(err).Str("date", date).Msg("holiday lookup failed, allowing")
		r.warn("holiday check skipped: " + err.Error())
		return r
	}
	for _, h := range holidays {
		if h.Date == date && !h.IsDeleted && h.Affects(course) {
			r.fail("holiday", fmt.Sprintf("%s is a holiday: %s", date, h.Name))
			r.Data = &CheckData{Holiday: &h}
			return r
		}
	}
	return r
}

// ValidateStudentEnrollment compares each student's recorded class with the
// class being marked. Mismatches are warnings only: rosters edited on other
// devices may not have reached this cache yet.
func (s *Service) ValidateStudentEnrollment(c model.ClassRef, students []model.Student) Result {
	r := valid()
	if len(students) == 0 {
		r.warn(fmt.Sprintf("no students enrolled in %s", c.SectionKey()))
		return r
	}
	for _, st := range students {
		if st.Class() != c {
			s.log.Debug().Int64("student", st.ID).Str("expected", c.SectionKey()).
				Str("recorded", st.Class().SectionKey()).Msg("enrollment mismatch")
			r.warn(fmt.Sprintf("student %s (%s) is recorded in %s", st.Name, st.RollNo, st.Class().SectionKey()))
		}
	}
	return r
}

// CheckExistingAttendance reports a sheet that was already marked. It never
// invalidates the result.
func (s *Service) CheckExistingAttendance(ctx context.Context, c model.ClassRef, date string, period int) Result {
	r := valid()
	sheet, err := s.reader.CachedAttendance(ctx, c, date, period)
	if err != nil {
		s.log.Warn().Err(err).Msg("existing attendance lookup failed")
		r.warn("existing attendance check skipped: " + err.Error())
		return r
	}
	if sheet != nil && len(sheet.Records) > 0 {
		r.warn(fmt.Sprintf("attendance for period %d on %s already marked for %d students", period, date, len(sheet.Records)))
		r.Data = &CheckData{Existing: sheet}
	}
	return r
}

// ActiveLeaves returns, per student, the active leave covering date.
func (s *Service) ActiveLeaves(ctx context.Context, studentIDs []int64, date string) (map[int64]model.LeaveRecord, error) {
	leaves, err := s.reader.GetLeaves(ctx)
	if err != nil {
		return nil, err
	}
	want := make(map[int64]bool, len(studentIDs))
	for _, id := range studentIDs {
		want[id] = true
	}
	out := make(map[int64]model.LeaveRecord)
	for _, l := range leaves {
		if want[l.StudentID] && l.Active() && l.Covers(date) {
			out[l.StudentID] = l
		}
	}
	return out, nil
}

// Params describes a proposed attendance marking.
type Params struct {
	Class  model.ClassRef
	Date   string
	Period int
	// Students is the roster being marked; loaded through the Reader when nil.
	Students []model.Student
}

// PreAttendanceChecks runs every check without short-circuiting and
// combines the results.
func (s *Service) PreAttendanceChecks(ctx context.Context, p Params) Result {
	res := valid()
	data := &CheckData{}

	res.merge(ValidateClassStructure(p.Class))
	if p.Period < 1 {
		res.fail("period", fmt.Sprintf("period must be at least 1, got %d", p.Period))
	}
	res.merge(s.ValidateAttendanceDate(p.Date))

	hol := s.CheckHolidayConflict(ctx, p.Date, p.Class.CourseType)
	res.merge(hol)
	if hol.Data != nil {
		data.Holiday = hol.Data.Holiday
	}

	students := p.Students
	if students == nil {
		var err error
		students, err = s.reader.GetStudents(ctx, p.Class)
		if err != nil {
			s.log.Warn().Err(err).Str("section", p.Class.SectionKey()).Msg("roster lookup failed")
			res.warn("roster unavailable: " + err.Error())
		}
	}
	data.Students = students
	res.merge(s.ValidateStudentEnrollment(p.Class, students))

	existing := s.CheckExistingAttendance(ctx, p.Class, p.Date, p.Period)
	res.merge(existing)
	if existing.Data != nil {
		data.Existing = existing.Data.Existing
	}

	ids := make([]int64, 0, len(students))
	for _, st := range students {
		if st.ID != 0 {
			ids = append(ids, st.ID)
		}
	}
	onLeave, err := s.ActiveLeaves(ctx, ids, p.Date)
	if err != nil {
		s.log.Warn().Err(err).Msg("leave lookup failed")
		res.warn("leave status unavailable: " + err.Error())
	} else if len(onLeave) > 0 {
		data.OnLeave = onLeave
		res.warn(fmt.Sprintf("%d students are on leave and will be marked on-leave", len(onLeave)))
	}

	res.Data = data
	return res
}
