// Package records is the server side of the school records API: students,
// period attendance, namaz attendance, leaves and holidays.
package records

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/apperrors"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/model"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/validation"
)

// StudentFilter narrows a student listing. Zero fields match everything.
type StudentFilter struct {
	CourseType model.CourseType
	Year       int
	Division   model.Division
	Section    string
}

// Matches reports whether s passes the filter.
func (f StudentFilter) Matches(s model.Student) bool {
	return (f.CourseType == "" || s.CourseType == f.CourseType) &&
		(f.Year == 0 || s.Year == f.Year) &&
		(f.Division == "" || s.CourseDivision == f.Division) &&
		(f.Section == "" || s.Batch == f.Section)
}

// AttendanceFilter narrows an attendance listing.
type AttendanceFilter struct {
	StudentFilter
	Date      string
	Period    int
	StudentID int64
	From      string
	To        string
}

// Matches reports whether r passes the filter.
func (f AttendanceFilter) Matches(r model.AttendanceRecord) bool {
	sf := f.StudentFilter
	return (sf.CourseType == "" || r.CourseType == sf.CourseType) &&
		(sf.Year == 0 || r.Year == sf.Year) &&
		(sf.Division == "" || r.Division == sf.Division) &&
		(sf.Section == "" || r.Section == sf.Section) &&
		(f.Date == "" || r.Date == f.Date) &&
		(f.Period == 0 || r.Period == f.Period) &&
		(f.StudentID == 0 || r.StudentID == f.StudentID) &&
		(f.From == "" || r.Date >= f.From) &&
		(f.To == "" || r.Date <= f.To)
}

// LeaveFilter narrows a leave listing.
type LeaveFilter struct {
	StudentID int64
	Status    model.LeaveStatus
}

// Matches reports whether l passes the filter.
func (f LeaveFilter) Matches(l model.LeaveRecord) bool {
	return (f.StudentID == 0 || l.StudentID == f.StudentID) &&
		(f.Status == "" || l.Status == f.Status)
}

// Store persists records. Repository (Postgres) and Memory implement it.
type Store interface {
	UpsertDevice(ctx context.Context, deviceID string) error
	SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error

	ListStudents(ctx context.Context, f StudentFilter) ([]model.Student, error)
	GetStudent(ctx context.Context, id int64) (model.Student, error)
	// CreateStudent returns the existing row when ClientRef was seen before.
	CreateStudent(ctx context.Context, s model.Student) (model.Student, error)
	UpdateStudent(ctx context.Context, s model.Student) (model.Student, error)
	DeleteStudent(ctx context.Context, id int64) error

	UpsertAttendance(ctx context.Context, recs []model.AttendanceRecord) ([]model.AttendanceRecord, error)
	ListAttendance(ctx context.Context, f AttendanceFilter) ([]model.AttendanceRecord, error)

	UpsertNamaz(ctx context.Context, recs []model.NamazRecord) ([]model.NamazRecord, error)
	ListNamaz(ctx context.Context, date string, prayer model.Prayer) ([]model.NamazRecord, error)

	CreateLeave(ctx context.Context, l model.LeaveRecord) (model.LeaveRecord, error)
	ListLeaves(ctx context.Context, f LeaveFilter) ([]model.LeaveRecord, error)
	SetLeaveStatus(ctx context.Context, id int64, status model.LeaveStatus) (model.LeaveRecord, error)
	UpdateLeave(ctx context.Context, l model.LeaveRecord) (model.LeaveRecord, error)

	CreateHoliday(ctx context.Context, h model.Holiday) (model.Holiday, error)
	ListHolidays(ctx context.Context, includeDeleted bool) ([]model.Holiday, error)
	UpdateHoliday(ctx context.Context, h model.Holiday) (model.Holiday, error)
	// DeleteHoliday succeeds on a holiday that is already deleted.
	DeleteHoliday(ctx context.Context, id int64) error
}

// Service applies the record rules on top of a Store.
type Service struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time
}

// NewService creates a service backed by a store.
func NewService(store Store, log zerolog.Logger) *Service {
	return &Service{store: store, log: log, now: time.Now}
}

// RegisterDevice validates and persists a staff device.
func (s *Service) RegisterDevice(ctx context.Context, deviceID string) error {
	if strings.TrimSpace(deviceID) == "" {
		return apperrors.BadRequest("device id required")
	}
	return s.store.UpsertDevice(ctx, deviceID)
}

// SaveRefreshToken stores a refresh token for later rotation checks.
func (s *Service) SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error {
	return s.store.SaveRefreshToken(ctx, deviceID, token, expiresAt)
}

func (s *Service) ListStudents(ctx context.Context, f StudentFilter) ([]model.Student, error) {
	return s.store.ListStudents(ctx, f)
}

// SaveStudent creates the student when it has no id and updates it otherwise.
func (s *Service) SaveStudent(ctx context.Context, st model.Student) (model.Student, error) {
	if strings.TrimSpace(st.Name) == "" || strings.TrimSpace(st.RollNo) == "" {
		return model.Student{}, apperrors.BadRequest("name and roll number required")
	}
	if res := validation.ValidateClassStructure(st.Class()); !res.Valid {
		return model.Student{}, apperrors.BadRequest(strings.Join(res.Errors, "; "))
	}
	if st.ID == 0 {
		return s.store.CreateStudent(ctx, st)
	}
	return s.store.UpdateStudent(ctx, st)
}

func (s *Service) DeleteStudent(ctx context.Context, id int64) error {
	return s.store.DeleteStudent(ctx, id)
}

// SaveAttendance writes a sheet. Dates with a holiday are refused.
func (s *Service) SaveAttendance(ctx context.Context, sheet model.AttendanceSheet) ([]model.AttendanceRecord, error) {
	if res := validation.ValidateClassStructure(sheet.ClassRef); !res.Valid {
		return nil, apperrors.BadRequest(strings.Join(res.Errors, "; "))
	}
	if _, err := model.ParseDate(sheet.Date); err != nil {
		return nil, apperrors.BadRequest("invalid date " + sheet.Date)
	}
	if sheet.Period <= 0 {
		return nil, apperrors.BadRequest("period must be positive")
	}
	if h, err := s.holidayOn(ctx, sheet.Date, sheet.CourseType); err != nil {
		return nil, err
	} else if h != nil {
		return nil, apperrors.New(apperrors.ErrHoliday, fmt.Sprintf("%s is a holiday: %s", sheet.Date, h.Name))
	}

	now := s.now().UTC()
	recs := make([]model.AttendanceRecord, 0, len(sheet.Records))
	for _, r := range sheet.Records {
		if r.StudentID == 0 {
			return nil, apperrors.BadRequest("attendance record without student id")
		}
		switch r.Status {
		case model.StatusPresent, model.StatusAbsent, model.StatusOnLeave:
		default:
			return nil, apperrors.BadRequest(fmt.Sprintf("invalid status %q", r.Status))
		}
		r.ClassRef = sheet.ClassRef
		r.Date = sheet.Date
		r.Period = sheet.Period
		if r.MarkedAt.IsZero() {
			r.MarkedAt = now
		}
		recs = append(recs, r)
	}
	return s.store.UpsertAttendance(ctx, recs)
}

func (s *Service) ListAttendance(ctx context.Context, f AttendanceFilter) ([]model.AttendanceRecord, error) {
	return s.store.ListAttendance(ctx, f)
}

// SaveNamaz writes the records of one prayer.
func (s *Service) SaveNamaz(ctx context.Context, sheet model.NamazSheet) ([]model.NamazRecord, error) {
	if _, err := model.ParseDate(sheet.Date); err != nil {
		return nil, apperrors.BadRequest("invalid date " + sheet.Date)
	}
	if !validPrayer(sheet.Prayer) {
		return nil, apperrors.BadRequest(fmt.Sprintf("invalid prayer %q", sheet.Prayer))
	}
	now := s.now().UTC()
	recs := make([]model.NamazRecord, 0, len(sheet.Records))
	for _, r := range sheet.Records {
		if r.StudentID == 0 {
			return nil, apperrors.BadRequest("namaz record without student id")
		}
		r.Date = sheet.Date
		r.Prayer = sheet.Prayer
		if r.MarkedAt.IsZero() {
			r.MarkedAt = now
		}
		recs = append(recs, r)
	}
	return s.store.UpsertNamaz(ctx, recs)
}

func (s *Service) ListNamaz(ctx context.Context, date string, prayer model.Prayer) ([]model.NamazRecord, error) {
	return s.store.ListNamaz(ctx, date, prayer)
}

func checkLeave(l model.LeaveRecord) error {
	if l.StudentID == 0 {
		return apperrors.BadRequest("student id required")
	}
	if _, err := validation.DateRange(l.FromDate, l.ToDate); err != nil {
		return apperrors.BadRequest(err.Error())
	}
	switch l.Status {
	case model.LeaveActive, model.LeaveCancelled:
		return nil
	}
	return apperrors.BadRequest(fmt.Sprintf("invalid leave status %q", l.Status))
}

// CreateLeave stores a leave. Overlapping active leaves for the same
// student are accepted; callers surface them as conflicts.
func (s *Service) CreateLeave(ctx context.Context, l model.LeaveRecord) (model.LeaveRecord, error) {
	if l.Status == "" {
		l.Status = model.LeaveActive
	}
	if err := checkLeave(l); err != nil {
		return model.LeaveRecord{}, err
	}
	return s.store.CreateLeave(ctx, l)
}

// UpdateLeave edits an existing leave.
func (s *Service) UpdateLeave(ctx context.Context, l model.LeaveRecord) (model.LeaveRecord, error) {
	if l.Status == "" {
		l.Status = model.LeaveActive
	}
	if err := checkLeave(l); err != nil {
		return model.LeaveRecord{}, err
	}
	return s.store.UpdateLeave(ctx, l)
}

func (s *Service) ListLeaves(ctx context.Context, f LeaveFilter) ([]model.LeaveRecord, error) {
	return s.store.ListLeaves(ctx, f)
}

// CancelLeave marks a leave cancelled.
func (s *Service) CancelLeave(ctx context.Context, id int64) (model.LeaveRecord, error) {
	return s.store.SetLeaveStatus(ctx, id, model.LeaveCancelled)
}

func checkHoliday(h *model.Holiday) error {
	if _, err := model.ParseDate(h.Date); err != nil {
		return apperrors.BadRequest("invalid date " + h.Date)
	}
	if strings.TrimSpace(h.Name) == "" {
		return apperrors.BadRequest("holiday name required")
	}
	switch h.Type {
	case "":
		h.Type = model.HolidayRegular
	case model.HolidayAcademic, model.HolidayEmergency, model.HolidayRegular:
	default:
		return apperrors.BadRequest(fmt.Sprintf("invalid holiday type %q", h.Type))
	}
	return nil
}

// CreateHoliday declares a holiday.
func (s *Service) CreateHoliday(ctx context.Context, h model.Holiday) (model.Holiday, error) {
	if err := checkHoliday(&h); err != nil {
		return model.Holiday{}, err
	}
	h.IsDeleted = false
	h.DeletedAt = nil
	return s.store.CreateHoliday(ctx, h)
}

// UpdateHoliday edits a holiday that is not deleted.
func (s *Service) UpdateHoliday(ctx context.Context, h model.Holiday) (model.Holiday, error) {
	if err := checkHoliday(&h); err != nil {
		return model.Holiday{}, err
	}
	return s.store.UpdateHoliday(ctx, h)
}

func (s *Service) ListHolidays(ctx context.Context, includeDeleted bool) ([]model.Holiday, error) {
	return s.store.ListHolidays(ctx, includeDeleted)
}

// DeleteHoliday soft-deletes a holiday.
func (s *Service) DeleteHoliday(ctx context.Context, id int64) error {
	return s.store.DeleteHoliday(ctx, id)
}

func (s *Service) holidayOn(ctx context.Context, date string, course model.CourseType) (*model.Holiday, error) {
	hs, err := s.store.ListHolidays(ctx, false)
	if err != nil {
		return nil, err
	}
	for _, h := range hs {
		if h.Date == date && !h.IsDeleted && h.Affects(course) {
			return &h, nil
		}
	}
	return nil, nil
}

func validPrayer(p model.Prayer) bool {
	for _, v := range model.Prayers {
		if v == p {
			return true
		}
	}
	return false
}

var (
	_ Store = (*Repository)(nil)
	_ Store = (*Memory)(nil)
)
