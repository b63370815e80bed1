package validation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/logger"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/model"
)

var (
	today  = time.Date(2025, 8, 20, 10, 30, 0, 0, time.UTC)
	puSciA = model.ClassRef{CourseType: model.CoursePU, Year: 1, Division: model.DivisionScience, Section: "A"}
)

type fakeReader struct {
	holidays    []model.Holiday
	holidayErr  error
	leaves      []model.LeaveRecord
	leaveErr    error
	students    []model.Student
	studentsErr error
	sheet       *model.AttendanceSheet
}

func (f *fakeReader) GetHolidays(context.Context) ([]model.Holiday, error) {
	return f.holidays, f.holidayErr
}

func (f *fakeReader) GetLeaves(context.Context) ([]model.LeaveRecord, error) {
	return f.leaves, f.leaveErr
}

func (f *fakeReader) GetStudents(context.Context, model.ClassRef) ([]model.Student, error) {
	return f.students, f.studentsErr
}

func (f *fakeReader) CachedAttendance(context.Context, model.ClassRef, string, int) (*model.AttendanceSheet, error) {
	return f.sheet, nil
}

func newService(r Reader) *Service {
	return NewService(r, logger.Nop(), WithClock(func() time.Time { return today }))
}

func student(id int64, roll string, c model.ClassRef) model.Student {
	return model.Student{ID: id, Name: "S" + roll, RollNo: roll, CourseType: c.CourseType,
		CourseDivision: c.Division, Year: c.Year, Batch: c.Section}
}

func TestValidateClassStructure(t *testing.T) {
	cases := []struct {
		name  string
		class model.ClassRef
		valid bool
	}{
		{"pu science", puSciA, true},
		{"pu commerce year 2", model.ClassRef{CourseType: model.CoursePU, Year: 2, Division: model.DivisionCommerce, Section: "B"}, true},
		{"post-pu", model.ClassRef{CourseType: model.CoursePostPU, Year: 7, Section: "A"}, true},
		{"pu year 3", model.ClassRef{CourseType: model.CoursePU, Year: 3, Division: model.DivisionScience, Section: "A"}, false},
		{"pu without division", model.ClassRef{CourseType: model.CoursePU, Year: 1, Section: "A"}, false},
		{"post-pu with division", model.ClassRef{CourseType: model.CoursePostPU, Year: 4, Division: model.DivisionScience, Section: "A"}, false},
		{"post-pu year 8", model.ClassRef{CourseType: model.CoursePostPU, Year: 8, Section: "A"}, false},
		{"unknown course", model.ClassRef{CourseType: "diploma", Year: 1, Section: "A"}, false},
		{"lowercase section", model.ClassRef{CourseType: model.CoursePostPU, Year: 3, Section: "a"}, false},
		{"long section", model.ClassRef{CourseType: model.CoursePostPU, Year: 3, Section: "AB"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := ValidateClassStructure(tc.class)
			assert.Equal(t, tc.valid, res.Valid, res.Errors)
			if !tc.valid {
				assert.NotEmpty(t, res.Errors)
			}
		})
	}
}

func TestValidateAttendanceDate(t *testing.T) {
	s := newService(&fakeReader{})
	assert.True(t, s.ValidateAttendanceDate("2025-08-20").Valid, "today")
	assert.True(t, s.ValidateAttendanceDate("2024-08-20").Valid, "exactly 365 days back")
	assert.False(t, s.ValidateAttendanceDate("2025-08-21").Valid, "tomorrow")
	assert.False(t, s.ValidateAttendanceDate("2024-08-19").Valid, "366 days back")
	assert.False(t, s.ValidateAttendanceDate("20-08-2025").Valid, "malformed")
}

func TestCheckHolidayConflict(t *testing.T) {
	r := &fakeReader{holidays: []model.Holiday{
		{ID: 1, Date: "2025-08-15", Name: "Independence Day", Type: model.HolidayRegular},
		{ID: 2, Date: "2025-08-16", Name: "Cancelled", IsDeleted: true},
		{ID: 3, Date: "2025-08-18", Name: "PU exams", AffectedCourses: []model.CourseType{model.CoursePU}},
	}}
	s := newService(r)

	res := s.CheckHolidayConflict(context.Background(), "2025-08-15", "")
	assert.False(t, res.Valid)
	require.NotNil(t, res.Data)
	assert.Equal(t, "Independence Day", res.Data.Holiday.Name)

	assert.True(t, s.CheckHolidayConflict(context.Background(), "2025-08-16", "").Valid, "soft-deleted holiday")
	assert.True(t, s.CheckHolidayConflict(context.Background(), "2025-08-17", "").Valid)
	assert.False(t, s.CheckHolidayConflict(context.Background(), "2025-08-18", model.CoursePU).Valid)
	assert.True(t, s.CheckHolidayConflict(context.Background(), "2025-08-18", model.CoursePostPU).Valid)
}

func TestCheckHolidayConflictFailsOpen(t *testing.T) {
	s := newService(&fakeReader{holidayErr: errors.New("connection refused")})
	res := s.CheckHolidayConflict(context.Background(), "2025-08-15", "")
	assert.True(t, res.Valid)
	assert.NotEmpty(t, res.Warnings)
}

func TestValidateStudentEnrollmentIsTolerant(t *testing.T) {
	s := newService(&fakeReader{})
	other := model.ClassRef{CourseType: model.CoursePU, Year: 1, Division: model.DivisionScience, Section: "B"}
	res := s.ValidateStudentEnrollment(puSciA, []model.Student{student(1, "1", puSciA), student(2, "2", other)})
	assert.True(t, res.Valid)
	assert.Len(t, res.Warnings, 1)

	res = s.ValidateStudentEnrollment(puSciA, nil)
	assert.True(t, res.Valid)
	assert.Len(t, res.Warnings, 1)
}

func TestPreAttendanceChecksRejectsHoliday(t *testing.T) {
	r := &fakeReader{
		holidays: []model.Holiday{{Date: "2025-08-15", Name: "Independence Day"}},
		students: []model.Student{student(1, "1", puSciA)},
	}
	res := newService(r).PreAttendanceChecks(context.Background(), Params{Class: puSciA, Date: "2025-08-15", Period: 1})
	assert.False(t, res.Valid)
	require.NotNil(t, res.Data)
	require.NotNil(t, res.Data.Holiday)
}

func TestPreAttendanceChecksRunsEveryCheck(t *testing.T) {
	bad := model.ClassRef{CourseType: "diploma", Year: 9, Section: "?"}
	r := &fakeReader{holidays: []model.Holiday{{Date: "2026-01-01", Name: "New Year"}}}
	res := newService(r).PreAttendanceChecks(context.Background(), Params{Class: bad, Date: "2026-01-01", Period: 0, Students: []model.Student{}})
	assert.False(t, res.Valid)
	// class (course + section), period, future date; the holiday check still ran
	assert.GreaterOrEqual(t, len(res.Errors), 4)
	require.NotNil(t, res.Data.Holiday)
}

func TestPreAttendanceChecksIntegratesLeaves(t *testing.T) {
	r := &fakeReader{
		students: []model.Student{student(1, "1", puSciA), student(2, "2", puSciA), student(3, "3", puSciA)},
		leaves: []model.LeaveRecord{
			{ID: 10, StudentID: 1, FromDate: "2025-08-18", ToDate: "2025-08-22", Status: model.LeaveActive},
			{ID: 11, StudentID: 2, FromDate: "2025-08-18", ToDate: "2025-08-22", Status: model.LeaveCancelled},
			{ID: 12, StudentID: 3, FromDate: "2025-08-01", ToDate: "2025-08-05", Status: model.LeaveActive},
		},
		sheet: &model.AttendanceSheet{ClassRef: puSciA, Date: "2025-08-19", Period: 2,
			Records: []model.AttendanceRecord{{StudentID: 1, Status: model.StatusPresent}}},
	}
	res := newService(r).PreAttendanceChecks(context.Background(), Params{Class: puSciA, Date: "2025-08-19", Period: 2})
	assert.True(t, res.Valid, res.Errors)
	require.NotNil(t, res.Data)
	assert.Len(t, res.Data.Students, 3)
	assert.Contains(t, res.Data.OnLeave, int64(1))
	assert.Len(t, res.Data.OnLeave, 1)
	assert.NotNil(t, res.Data.Existing)
}

func TestPreAttendanceChecksFailsOpenOnLookupErrors(t *testing.T) {
	r := &fakeReader{
		holidayErr:  errors.New("timeout"),
		leaveErr:    errors.New("timeout"),
		studentsErr: errors.New("timeout"),
	}
	res := newService(r).PreAttendanceChecks(context.Background(), Params{Class: puSciA, Date: "2025-08-19", Period: 1})
	assert.True(t, res.Valid, res.Errors)
	assert.GreaterOrEqual(t, len(res.Warnings), 3)
}

func TestDateRange(t *testing.T) {
	days, err := DateRange("2025-02-27", "2025-03-02")
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-02-27", "2025-02-28", "2025-03-01", "2025-03-02"}, days)

	_, err = DateRange("2025-03-02", "2025-03-01")
	assert.Error(t, err)
	_, err = DateRange("yesterday", "2025-03-01")
	assert.Error(t, err)
}
