package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/apperrors"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/audit"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/logger"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/model"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/store"
)

type fakeSource struct {
	students []model.Student
	leaves   []model.LeaveRecord
	holidays []model.Holiday
	pending  int
}

func (f *fakeSource) GetStudents(_ context.Context, c model.ClassRef) ([]model.Student, error) {
	var out []model.Student
	for _, s := range f.students {
		if s.Class() == c {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSource) GetLeaves(context.Context) ([]model.LeaveRecord, error) { return f.leaves, nil }

func (f *fakeSource) GetHolidays(context.Context) ([]model.Holiday, error) { return f.holidays, nil }

func (f *fakeSource) PendingCount(context.Context) (int, error) { return f.pending, nil }

var (
	class = model.ClassRef{CourseType: model.CoursePostPU, Year: 3, Section: "A"}
	today = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
)

func newService(t *testing.T, src *fakeSource) (*Service, *store.Memory, *audit.Trail) {
	t.Helper()
	local := store.NewMemory()
	clock := func() time.Time { return today }
	trail := audit.New(local, 100, logger.Nop(), audit.WithClock(clock))
	return New(local, src, trail, logger.Nop(), WithClock(clock)), local, trail
}

func putSheet(t *testing.T, local store.Store, date string, period int, recs ...model.AttendanceRecord) string {
	t.Helper()
	sheet := model.AttendanceSheet{ClassRef: class, Date: date, Period: period, Records: recs}
	require.NoError(t, store.SetJSON(context.Background(), local, sheet.Key(), sheet))
	return sheet.Key()
}

func getSheet(t *testing.T, local store.Store, key string) model.AttendanceSheet {
	t.Helper()
	var sheet model.AttendanceSheet
	ok, err := store.GetJSON(context.Background(), local, key, &sheet)
	require.NoError(t, err)
	require.True(t, ok)
	return sheet
}

func TestWithLockRejectsSecondHolder(t *testing.T) {
	s, _, _ := newService(t, &fakeSource{})

	var inner error
	err := s.WithLock("attendance_x", func() error {
		inner = s.WithLock("attendance_x", func() error { return nil })
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, inner, apperrors.ErrLocked)

	// Released afterwards, and other keys are independent.
	assert.NoError(t, s.WithLock("attendance_x", func() error { return nil }))
	assert.NoError(t, s.WithLock("a", func() error {
		return s.WithLock("b", func() error { return nil })
	}))
}

func TestWithLockConcurrent(t *testing.T) {
	s, _, _ := newService(t, &fakeSource{})
	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.WithLock("k", func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	assert.ErrorIs(t, s.WithLock("k", func() error { return nil }), apperrors.ErrLocked)
	close(release)
	wg.Wait()
}

func TestSyncLeaveWithPastAttendance(t *testing.T) {
	ctx := context.Background()
	s, local, trail := newService(t, &fakeSource{})

	k1 := putSheet(t, local, "2026-03-02", 1,
		model.AttendanceRecord{StudentID: 7, Status: model.StatusPresent},
		model.AttendanceRecord{StudentID: 8, Status: model.StatusPresent})
	k2 := putSheet(t, local, "2026-03-03", 2, model.AttendanceRecord{StudentID: 7, Status: model.StatusAbsent})
	k3 := putSheet(t, local, "2026-03-05", 1, model.AttendanceRecord{StudentID: 7, Status: model.StatusPresent})
	require.NoError(t, local.Set(ctx, "attendance_garbage", []byte("{}")))

	res, err := s.SyncLeaveWithPastAttendance(ctx, LeaveSync{StudentID: 7, FromDate: "2026-03-01", ToDate: "2026-03-04", Reason: "fever", ApprovedBy: "principal"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Updated)
	assert.ElementsMatch(t, []string{k1, k2}, res.UpdatedKeys)
	assert.Empty(t, res.Errors)

	sheet := getSheet(t, local, k1)
	assert.Equal(t, model.StatusOnLeave, sheet.Records[0].Status)
	assert.Equal(t, model.StatusPresent, sheet.Records[0].OriginalStatus)
	assert.Equal(t, "principal", sheet.Records[0].SyncedBy)
	require.NotNil(t, sheet.Records[0].SyncedAt)
	assert.Equal(t, "fever", sheet.Records[0].LeaveReason)
	assert.Equal(t, model.StatusPresent, sheet.Records[1].Status, "other students untouched")
	require.Len(t, sheet.Metadata.LeaveSyncs, 1)
	assert.Equal(t, int64(7), sheet.Metadata.LeaveSyncs[0].StudentID)

	assert.Equal(t, model.StatusAbsent, getSheet(t, local, k2).Records[0].OriginalStatus)
	assert.Equal(t, model.StatusPresent, getSheet(t, local, k3).Records[0].Status, "outside the range")

	// Running it again changes nothing.
	res, err = s.SyncLeaveWithPastAttendance(ctx, LeaveSync{StudentID: 7, FromDate: "2026-03-01", ToDate: "2026-03-04", ApprovedBy: "principal"})
	require.NoError(t, err)
	assert.Zero(t, res.Updated)
	assert.Equal(t, model.StatusPresent, getSheet(t, local, k1).Records[0].OriginalStatus)

	entries, err := trail.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, OpLeaveSync, entries[0].Operation)
}

func TestSyncLeaveReportsUnreadableSheets(t *testing.T) {
	ctx := context.Background()
	s, local, _ := newService(t, &fakeSource{})
	good := putSheet(t, local, "2026-03-02", 1, model.AttendanceRecord{StudentID: 7, Status: model.StatusPresent})
	bad := model.AttendanceKey(class, "2026-03-02", 2)
	require.NoError(t, local.Set(ctx, bad, []byte("not json")))

	res, err := s.SyncLeaveWithPastAttendance(ctx, LeaveSync{StudentID: 7, FromDate: "2026-03-02", ToDate: "2026-03-02"})
	require.NoError(t, err)
	assert.Equal(t, []string{good}, res.UpdatedKeys)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], bad)
}

func TestSyncLeaveRejectsBadRange(t *testing.T) {
	s, _, _ := newService(t, &fakeSource{})
	_, err := s.SyncLeaveWithPastAttendance(context.Background(), LeaveSync{StudentID: 1, FromDate: "2026-03-05", ToDate: "2026-03-01"})
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestHandleAttendanceOverwrite(t *testing.T) {
	ctx := context.Background()
	s, local, _ := newService(t, &fakeSource{})

	fresh := model.AttendanceSheet{ClassRef: class, Date: "2026-03-09", Period: 1,
		Records: []model.AttendanceRecord{{StudentID: 1, Status: model.StatusPresent}}}
	key := fresh.Key()
	res, err := s.HandleAttendanceOverwrite(ctx, key, fresh, OverwriteOptions{})
	require.NoError(t, err)
	assert.False(t, res.Overwritten, "nothing to overwrite")

	// Manual correction on the stored sheet.
	stored := getSheet(t, local, key)
	stored.Records = append(stored.Records, model.AttendanceRecord{StudentID: 2, Status: model.StatusAbsent, ManualEntry: true})
	require.NoError(t, store.SetJSON(ctx, local, key, stored))

	next := model.AttendanceSheet{ClassRef: class, Date: "2026-03-09", Period: 1,
		Records: []model.AttendanceRecord{{StudentID: 1, Status: model.StatusAbsent}, {StudentID: 2, Status: model.StatusPresent}}}

	_, err = s.HandleAttendanceOverwrite(ctx, key, next, OverwriteOptions{})
	assert.ErrorIs(t, err, apperrors.ErrConfirmationRequired)
	assert.Len(t, getSheet(t, local, key).Records, 2, "unchanged without confirmation")

	res, err = s.HandleAttendanceOverwrite(ctx, key, next, OverwriteOptions{Confirmed: true, PreserveManualEntries: true, AuditTrail: true, UserID: "ustadh"})
	require.NoError(t, err)
	assert.True(t, res.Overwritten)
	assert.Equal(t, 1, res.Preserved)
	assert.Equal(t, model.BackupKey(key, today.UnixMilli()), res.BackupKey)

	after := getSheet(t, local, key)
	assert.Equal(t, model.StatusAbsent, after.Records[0].Status)
	assert.Equal(t, model.StatusAbsent, after.Records[1].Status, "manual entry kept")
	assert.True(t, after.Records[1].ManualEntry)

	backup := getSheet(t, local, res.BackupKey)
	assert.Equal(t, model.StatusPresent, backup.Records[0].Status)
}

func TestCheckLeaveConflicts(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{leaves: []model.LeaveRecord{
		{ID: 1, StudentID: 7, FromDate: "2026-03-04", ToDate: "2026-03-06", Status: model.LeaveActive},
		{ID: 2, StudentID: 7, FromDate: "2026-03-01", ToDate: "2026-03-02", Status: model.LeaveCancelled},
		{ID: 3, StudentID: 8, FromDate: "2026-03-01", ToDate: "2026-03-09", Status: model.LeaveActive},
	}}
	s, local, _ := newService(t, src)
	putSheet(t, local, "2026-03-02", 1, model.AttendanceRecord{StudentID: 7, Status: model.StatusPresent})
	putSheet(t, local, "2026-03-08", 1, model.AttendanceRecord{StudentID: 7, Status: model.StatusPresent})

	c, err := s.CheckLeaveConflicts(ctx, 7, "2026-03-01", "2026-03-05")
	require.NoError(t, err)
	assert.True(t, c.HasConflicts())
	require.Len(t, c.MarkedAttendance, 1)
	assert.Equal(t, "2026-03-02", c.MarkedAttendance[0].Date)
	require.Len(t, c.OverlappingLeaves, 1)
	assert.Equal(t, int64(1), c.OverlappingLeaves[0].ID)

	c, err = s.CheckLeaveConflicts(ctx, 7, "2026-03-20", "2026-03-21")
	require.NoError(t, err)
	assert.False(t, c.HasConflicts())
}

func TestRecomputeNotificationCounts(t *testing.T) {
	src := &fakeSource{
		leaves: []model.LeaveRecord{
			{StudentID: 1, FromDate: "2026-03-09", ToDate: "2026-03-11", Status: model.LeaveActive},
			{StudentID: 2, FromDate: "2026-03-09", ToDate: "2026-03-11", Status: model.LeaveCancelled},
			{StudentID: 3, FromDate: "2026-03-01", ToDate: "2026-03-02", Status: model.LeaveActive},
		},
		holidays: []model.Holiday{
			{Date: "2026-03-12", Name: "a"},
			{Date: "2026-03-13", Name: "b", IsDeleted: true},
			{Date: "2026-04-01", Name: "c"},
			{Date: "2026-03-01", Name: "d"},
		},
		pending: 4,
	}
	s, _, _ := newService(t, src)
	assert.Equal(t, NotificationCounts{ActiveLeavesToday: 1, UpcomingHolidays: 1, PendingSync: 4},
		s.RecomputeNotificationCounts(context.Background()))
}

func TestSectionDeletionAndArchive(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{students: []model.Student{{ID: 7, Name: "Bilal", RollNo: "1", CourseType: class.CourseType, Year: class.Year, Batch: class.Section}}}
	s, local, trail := newService(t, src)
	k := putSheet(t, local, "2026-03-02", 1, model.AttendanceRecord{StudentID: 7, Status: model.StatusPresent})
	other := model.AttendanceSheet{ClassRef: model.ClassRef{CourseType: model.CoursePostPU, Year: 3, Section: "B"}, Date: "2026-03-02", Period: 1}
	require.NoError(t, store.SetJSON(ctx, local, other.Key(), other))

	chk, err := s.ValidateSectionDeletion(ctx, class)
	require.NoError(t, err)
	assert.False(t, chk.CanDelete)
	assert.True(t, chk.MustArchive)
	assert.Equal(t, 1, chk.Students)
	assert.Equal(t, 1, chk.AttendanceSheets)
	assert.NotEmpty(t, chk.Reason)

	res, err := s.ArchiveSectionData(ctx, class, "admin")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Students)
	assert.Equal(t, 1, res.Attendance)

	var archive SectionArchive
	ok, err := store.GetJSON(ctx, local, res.Key, &archive)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "admin", archive.ArchivedBy)
	assert.Contains(t, archive.Attendance, k)

	_, err = local.Get(ctx, k)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = local.Get(ctx, other.Key())
	assert.NoError(t, err, "other sections untouched")

	entries, err := trail.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, OpSectionArchive, entries[0].Operation)

	_, err = s.ValidateSectionDeletion(ctx, model.ClassRef{CourseType: "pu", Year: 9})
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
}
