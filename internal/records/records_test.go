package records

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/apperrors"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/logger"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/model"
)

var postPU3A = model.ClassRef{CourseType: model.CoursePostPU, Year: 3, Section: "A"}

func newTestService() *Service {
	return NewService(NewMemory(), logger.Nop())
}

func mustStudent(t *testing.T, s *Service, name, roll string) model.Student {
	t.Helper()
	st, err := s.SaveStudent(context.Background(), model.Student{
		Name: name, RollNo: roll, CourseType: model.CoursePostPU, Year: 3, Batch: "A",
	})
	require.NoError(t, err)
	return st
}

func TestSaveStudentCreatesAndUpdates(t *testing.T) {
	ctx := context.Background()
	s := newTestService()

	st := mustStudent(t, s, "Ahmed", "01")
	assert.NotZero(t, st.ID)

	st.Name = "Ahmed Raza"
	updated, err := s.SaveStudent(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, st.ID, updated.ID)
	assert.Equal(t, "Ahmed Raza", updated.Name)

	list, err := s.ListStudents(ctx, StudentFilter{CourseType: model.CoursePostPU, Year: 3, Section: "A"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSaveStudentClientRefIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	in := model.Student{ClientRef: "ref-1", Name: "Bilal", RollNo: "02", CourseType: model.CoursePostPU, Year: 3, Batch: "A"}

	a, err := s.SaveStudent(ctx, in)
	require.NoError(t, err)
	b, err := s.SaveStudent(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	list, err := s.ListStudents(ctx, StudentFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSaveStudentRejectsBadClass(t *testing.T) {
	_, err := newTestService().SaveStudent(context.Background(), model.Student{
		Name: "X", RollNo: "1", CourseType: model.CoursePU, Year: 1, Batch: "A",
	})
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestSaveAttendanceUpsertsPerStudentPeriod(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	st := mustStudent(t, s, "Ahmed", "01")

	sheet := model.AttendanceSheet{ClassRef: postPU3A, Date: "2025-08-14", Period: 1,
		Records: []model.AttendanceRecord{{StudentID: st.ID, Status: model.StatusPresent}}}
	_, err := s.SaveAttendance(ctx, sheet)
	require.NoError(t, err)

	sheet.Records[0].Status = model.StatusAbsent
	_, err = s.SaveAttendance(ctx, sheet)
	require.NoError(t, err)

	recs, err := s.ListAttendance(ctx, AttendanceFilter{Date: "2025-08-14"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.StatusAbsent, recs[0].Status)
	assert.Equal(t, postPU3A, recs[0].ClassRef)
}

func TestSaveAttendanceRefusesHoliday(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	st := mustStudent(t, s, "Ahmed", "01")
	_, err := s.CreateHoliday(ctx, model.Holiday{Date: "2025-08-15", Name: "Independence Day"})
	require.NoError(t, err)

	_, err = s.SaveAttendance(ctx, model.AttendanceSheet{ClassRef: postPU3A, Date: "2025-08-15", Period: 1,
		Records: []model.AttendanceRecord{{StudentID: st.ID, Status: model.StatusPresent}}})
	assert.ErrorIs(t, err, apperrors.ErrHoliday)
}

func TestDeletedHolidayNoLongerBlocks(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	st := mustStudent(t, s, "Ahmed", "01")
	h, err := s.CreateHoliday(ctx, model.Holiday{Date: "2025-08-15", Name: "Independence Day"})
	require.NoError(t, err)
	assert.Equal(t, model.HolidayRegular, h.Type)
	require.NoError(t, s.DeleteHoliday(ctx, h.ID))
	require.NoError(t, s.DeleteHoliday(ctx, h.ID))
	assert.ErrorIs(t, s.DeleteHoliday(ctx, 9999), apperrors.ErrNotFound)

	_, err = s.SaveAttendance(ctx, model.AttendanceSheet{ClassRef: postPU3A, Date: "2025-08-15", Period: 1,
		Records: []model.AttendanceRecord{{StudentID: st.ID, Status: model.StatusPresent}}})
	require.NoError(t, err)

	all, err := s.ListHolidays(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].IsDeleted)
}

func TestLeaves(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	st := mustStudent(t, s, "Ahmed", "01")

	_, err := s.CreateLeave(ctx, model.LeaveRecord{StudentID: st.ID, FromDate: "2025-03-05", ToDate: "2025-03-01"})
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	l, err := s.CreateLeave(ctx, model.LeaveRecord{StudentID: st.ID, FromDate: "2025-03-01", ToDate: "2025-03-05", Reason: "fever"})
	require.NoError(t, err)
	assert.Equal(t, model.LeaveActive, l.Status)

	// overlapping leaves are accepted
	_, err = s.CreateLeave(ctx, model.LeaveRecord{StudentID: st.ID, FromDate: "2025-03-04", ToDate: "2025-03-08"})
	require.NoError(t, err)

	cancelled, err := s.CancelLeave(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LeaveCancelled, cancelled.Status)

	active, err := s.ListLeaves(ctx, LeaveFilter{StudentID: st.ID, Status: model.LeaveActive})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestUpdateLeave(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	st := mustStudent(t, s, "Ahmed", "01")
	l, err := s.CreateLeave(ctx, model.LeaveRecord{StudentID: st.ID, FromDate: "2025-03-01", ToDate: "2025-03-05", Reason: "fever"})
	require.NoError(t, err)

	l.ToDate = "2025-03-07"
	l.Reason = "fever, extended"
	updated, err := s.UpdateLeave(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-07", updated.ToDate)
	assert.Equal(t, "fever, extended", updated.Reason)
	assert.Equal(t, model.LeaveActive, updated.Status)

	l.Status = "expired"
	_, err = s.UpdateLeave(ctx, l)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	_, err = s.UpdateLeave(ctx, model.LeaveRecord{ID: 9999, StudentID: st.ID, FromDate: "2025-03-01", ToDate: "2025-03-01"})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestUpdateHoliday(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	h, err := s.CreateHoliday(ctx, model.Holiday{Date: "2025-08-15", Name: "Independence Day"})
	require.NoError(t, err)

	h.Reason = "national holiday"
	h.Type = model.HolidayAcademic
	updated, err := s.UpdateHoliday(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "national holiday", updated.Reason)
	assert.Equal(t, model.HolidayAcademic, updated.Type)

	require.NoError(t, s.DeleteHoliday(ctx, h.ID))
	_, err = s.UpdateHoliday(ctx, h)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSaveNamaz(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	st := mustStudent(t, s, "Ahmed", "01")

	_, err := s.SaveNamaz(ctx, model.NamazSheet{Date: "2025-08-14", Prayer: "tahajjud"})
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	_, err = s.SaveNamaz(ctx, model.NamazSheet{Date: "2025-08-14", Prayer: model.PrayerFajr,
		Records: []model.NamazRecord{{StudentID: st.ID, Status: model.StatusPresent}}})
	require.NoError(t, err)

	recs, err := s.ListNamaz(ctx, "2025-08-14", model.PrayerFajr)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.PrayerFajr, recs[0].Prayer)
}

func TestWhereBuilder(t *testing.T) {
	w := where{}
	w.add("course_type", "pu", true)
	w.add("year", 0, false)
	w.addOp("date", ">=", "2025-01-01", true)
	assert.Equal(t, " WHERE course_type = $1 AND date >= $2", w.sql())
	assert.Equal(t, []any{"pu", "2025-01-01"}, w.args)
	assert.Equal(t, "", (&where{}).sql())
}

func TestCourseListEncoding(t *testing.T) {
	cs := []model.CourseType{model.CoursePU, model.CoursePostPU}
	assert.Equal(t, "pu,post-pu", joinCourses(cs))
	assert.Equal(t, cs, splitCourses("pu,post-pu"))
	assert.Nil(t, splitCourses(""))
}
