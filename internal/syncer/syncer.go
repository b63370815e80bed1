// Package syncer keeps cached attendance consistent with leave approvals,
// overwrites and section archival.
package syncer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/apperrors"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/audit"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/model"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/store"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/validation"
)

// Audit operations.
const (
	OpLeaveSync           = "leave_sync"
	OpAttendanceOverwrite = "attendance_overwrite"
	OpSectionArchive      = "section_archive"
)

// UpcomingHolidayDays is the window RecomputeNotificationCounts looks ahead.
const UpcomingHolidayDays = 7

// Source is the roster, leave and queue data the service reads through.
type Source interface {
	GetStudents(ctx context.Context, c model.ClassRef) ([]model.Student, error)
	GetLeaves(ctx context.Context) ([]model.LeaveRecord, error)
	GetHolidays(ctx context.Context) ([]model.Holiday, error)
	PendingCount(ctx context.Context) (int, error)
}

// Service works directly on the local store.
type Service struct {
	local  store.Store
	source Source
	trail  *audit.Trail
	log    zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a sync service.
func New(local store.Store, source Source, trail *audit.Trail, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		local:  local,
		source: source,
		trail:  trail,
		log:    log,
		now:    time.Now,
		locks:  make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// WithLock runs op while holding key. The lock is in-process and not
// reentrant: if key is already held, WithLock returns ErrLocked at once.
func (s *Service) WithLock(key string, op func() error) error {
	s.mu.Lock()
	if _, held := s.locks[key]; held {
		s.mu.Unlock()
		return apperrors.New(apperrors.ErrLocked, fmt.Sprintf("operation %s already in progress", key))
	}
	s.locks[key] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.locks, key)
		s.mu.Unlock()
	}()
	return op()
}

func (s *Service) audit(ctx context.Context, op, userID string, details map[string]any) {
	if s.trail == nil {
		return
	}
	if err := s.trail.Record(ctx, op, userID, details); err != nil {
		s.log.Warn().Err(err).Str("op", op).Msg("audit entry not written")
	}
}

// ---------- leave sync ----------

// LeaveSync describes an approved leave to apply to cached attendance.
type LeaveSync struct {
	StudentID  int64
	FromDate   string
	ToDate     string
	Reason     string
	ApprovedBy string
}

// LeaveSyncResult reports what SyncLeaveWithPastAttendance changed.
type LeaveSyncResult struct {
	Updated     int      `json:"updated"`
	UpdatedKeys []string `json:"updatedKeys,omitempty"`
	Errors      []string `json:"errors,omitempty"`
}

// SyncLeaveWithPastAttendance marks the student on-leave in every cached
// sheet dated inside the leave. The previous status is kept in
// OriginalStatus. A sheet that cannot be read or written is reported in
// Errors and the scan continues.
func (s *Service) SyncLeaveWithPastAttendance(ctx context.Context, ls LeaveSync) (LeaveSyncResult, error) {
	var res LeaveSyncResult
	if _, err := validation.DateRange(ls.FromDate, ls.ToDate); err != nil {
		return res, apperrors.BadRequest(err.Error())
	}
	keys, err := s.local.Keys(ctx, model.AttendancePrefix)
	if err != nil {
		return res, fmt.Errorf("scan attendance: %w", err)
	}

	now := s.now().UTC()
	for _, key := range keys {
		parts, err := model.ParseAttendanceKey(key)
		if err != nil {
			s.log.Debug().Str("key", key).Msg("skipping foreign attendance key")
			continue
		}
		if parts.Date < ls.FromDate || parts.Date > ls.ToDate {
			continue
		}
		var sheet model.AttendanceSheet
		ok, err := store.GetJSON(ctx, s.local, key, &sheet)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", key, err))
			continue
		}
		if !ok {
			continue
		}
		i := sheet.Find(ls.StudentID)
		if i < 0 {
			continue
		}
		rec := &sheet.Records[i]
		if rec.Status == model.StatusOnLeave && rec.SyncedAt != nil {
			continue
		}
		if rec.OriginalStatus == "" {
			rec.OriginalStatus = rec.Status
		}
		rec.Status = model.StatusOnLeave
		rec.LeaveReason = ls.Reason
		rec.SyncedAt = &now
		rec.SyncedBy = ls.ApprovedBy
		sheet.Metadata.UpdatedAt = &now
		sheet.Metadata.LeaveSyncs = append(sheet.Metadata.LeaveSyncs, model.LeaveSyncMarker{
			StudentID:  ls.StudentID,
			FromDate:   ls.FromDate,
			ToDate:     ls.ToDate,
			Reason:     ls.Reason,
			ApprovedBy: ls.ApprovedBy,
			SyncedAt:   now,
		})
		if err := store.SetJSON(ctx, s.local, key, sheet); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", key, err))
			continue
		}
		res.Updated++
		res.UpdatedKeys = append(res.UpdatedKeys, key)
	}

	s.log.Info().Int64("student", ls.StudentID).Str("from", ls.FromDate).Str("to", ls.ToDate).
		Int("updated", res.Updated).Int("errors", len(res.Errors)).Msg("leave synced with past attendance")
	s.audit(ctx, OpLeaveSync, ls.ApprovedBy, map[string]any{
		"studentId": ls.StudentID,
		"fromDate":  ls.FromDate,
		"toDate":    ls.ToDate,
		"updated":   res.Updated,
		"errors":    len(res.Errors),
	})
	return res, nil
}

// ---------- overwrite ----------

// OverwriteOptions controls HandleAttendanceOverwrite.
type OverwriteOptions struct {
	Confirmed             bool
	PreserveManualEntries bool
	// AuditTrail snapshots the previous sheet under a backup key.
	AuditTrail bool
	UserID     string
}

// OverwriteResult reports what HandleAttendanceOverwrite did.
type OverwriteResult struct {
	Overwritten bool   `json:"overwritten"`
	BackupKey   string `json:"backupKey,omitempty"`
	Preserved   int    `json:"preserved,omitempty"`
	Previous    int    `json:"previous"`
}

// HandleAttendanceOverwrite writes sheet under key. Replacing a sheet that
// already has records requires Confirmed; otherwise ErrConfirmationRequired
// is returned and nothing is written.
func (s *Service) HandleAttendanceOverwrite(ctx context.Context, key string, sheet model.AttendanceSheet, opts OverwriteOptions) (OverwriteResult, error) {
	var res OverwriteResult
	var existing model.AttendanceSheet
	found, err := store.GetJSON(ctx, s.local, key, &existing)
	if err != nil {
		return res, err
	}
	if !found || len(existing.Records) == 0 {
		return res, store.SetJSON(ctx, s.local, key, sheet)
	}
	res.Previous = len(existing.Records)
	if !opts.Confirmed {
		return res, apperrors.New(apperrors.ErrConfirmationRequired,
			fmt.Sprintf("%s already holds %d records", key, len(existing.Records)))
	}

	now := s.now().UTC()
	if opts.AuditTrail {
		res.BackupKey = model.BackupKey(key, now.UnixMilli())
		if err := store.SetJSON(ctx, s.local, res.BackupKey, existing); err != nil {
			return res, fmt.Errorf("backup %s: %w", key, err)
		}
	}
	if opts.PreserveManualEntries {
		for _, old := range existing.Records {
			if !old.ManualEntry {
				continue
			}
			if i := sheet.Find(old.StudentID); i >= 0 {
				sheet.Records[i] = old
			} else {
				sheet.Records = append(sheet.Records, old)
			}
			res.Preserved++
		}
	}
	sheet.Metadata.LeaveSyncs = append(existing.Metadata.LeaveSyncs, sheet.Metadata.LeaveSyncs...)
	sheet.Metadata.UpdatedAt = &now
	if err := store.SetJSON(ctx, s.local, key, sheet); err != nil {
		return res, err
	}
	res.Overwritten = true

	s.audit(ctx, OpAttendanceOverwrite, opts.UserID, map[string]any{
		"key":       key,
		"previous":  res.Previous,
		"records":   len(sheet.Records),
		"preserved": res.Preserved,
		"backupKey": res.BackupKey,
	})
	return res, nil
}

// ---------- conflicts ----------

// MarkedRecord is attendance already marked inside a proposed leave.
type MarkedRecord struct {
	Key    string       `json:"key"`
	Date   string       `json:"date"`
	Period int          `json:"period"`
	Status model.Status `json:"status"`
}

// LeaveConflicts lists what a proposed leave collides with.
type LeaveConflicts struct {
	MarkedAttendance  []MarkedRecord      `json:"markedAttendance,omitempty"`
	OverlappingLeaves []model.LeaveRecord `json:"overlappingLeaves,omitempty"`
}

// HasConflicts reports whether anything collides.
func (c LeaveConflicts) HasConflicts() bool {
	return len(c.MarkedAttendance) > 0 || len(c.OverlappingLeaves) > 0
}

// CheckLeaveConflicts finds attendance already marked for the student inside
// [from, to] and active leaves that overlap it.
func (s *Service) CheckLeaveConflicts(ctx context.Context, studentID int64, from, to string) (LeaveConflicts, error) {
	var out LeaveConflicts
	if _, err := validation.DateRange(from, to); err != nil {
		return out, apperrors.BadRequest(err.Error())
	}

	keys, err := s.local.Keys(ctx, model.AttendancePrefix)
	if err != nil {
		return out, err
	}
	for _, key := range keys {
		parts, err := model.ParseAttendanceKey(key)
		if err != nil || parts.Date < from || parts.Date > to {
			continue
		}
		var sheet model.AttendanceSheet
		if ok, err := store.GetJSON(ctx, s.local, key, &sheet); err != nil || !ok {
			continue
		}
		if i := sheet.Find(studentID); i >= 0 {
			out.MarkedAttendance = append(out.MarkedAttendance, MarkedRecord{
				Key:    key,
				Date:   parts.Date,
				Period: parts.Period,
				Status: sheet.Records[i].Status,
			})
		}
	}

	leaves, err := s.source.GetLeaves(ctx)
	if err != nil {
		return out, fmt.Errorf("load leaves: %w", err)
	}
	for _, l := range leaves {
		if l.StudentID == studentID && l.Active() && l.Overlaps(from, to) {
			out.OverlappingLeaves = append(out.OverlappingLeaves, l)
		}
	}
	return out, nil
}

// ---------- notifications ----------

// NotificationCounts feeds the dashboard badges.
type NotificationCounts struct {
	ActiveLeavesToday int `json:"activeLeavesToday"`
	UpcomingHolidays  int `json:"upcomingHolidays"`
	PendingSync       int `json:"pendingSync"`
}

// RecomputeNotificationCounts counts leaves covering today, holidays in the
// next UpcomingHolidayDays days and queued writes. A source that fails
// leaves its count at zero.
func (s *Service) RecomputeNotificationCounts(ctx context.Context) NotificationCounts {
	var out NotificationCounts
	today := s.now()
	todayStr := model.FormatDate(today)
	horizon := model.FormatDate(today.AddDate(0, 0, UpcomingHolidayDays))

	if leaves, err := s.source.GetLeaves(ctx); err != nil {
		s.log.Warn().Err(err).Msg("leave count unavailable")
	} else {
		for _, l := range leaves {
			if l.Active() && l.Covers(todayStr) {
				out.ActiveLeavesToday++
			}
		}
	}
	if holidays, err := s.source.GetHolidays(ctx); err != nil {
		s.log.Warn().Err(err).Msg("holiday count unavailable")
	} else {
		for _, h := range holidays {
			if !h.IsDeleted && h.Date >= todayStr && h.Date <= horizon {
				out.UpcomingHolidays++
			}
		}
	}
	if n, err := s.source.PendingCount(ctx); err != nil {
		s.log.Warn().Err(err).Msg("queue length unavailable")
	} else {
		out.PendingSync = n
	}
	return out
}

// ---------- sections ----------

// SectionCheck is the outcome of ValidateSectionDeletion.
type SectionCheck struct {
	CanDelete bool `json:"canDelete"`
	// MustArchive is set when cached attendance would be lost.
	MustArchive      bool   `json:"mustArchive"`
	Students         int    `json:"students"`
	AttendanceSheets int    `json:"attendanceSheets"`
	Reason           string `json:"reason,omitempty"`
}

// ValidateSectionDeletion allows deleting a section only when no students
// are enrolled in it.
func (s *Service) ValidateSectionDeletion(ctx context.Context, c model.ClassRef) (SectionCheck, error) {
	var out SectionCheck
	if chk := validation.ValidateClassStructure(c); !chk.Valid {
		return out, apperrors.BadRequest(strings.Join(chk.Errors, "; "))
	}
	students, err := s.source.GetStudents(ctx, c)
	if err != nil {
		return out, fmt.Errorf("load roster: %w", err)
	}
	keys, err := s.local.Keys(ctx, model.AttendanceSectionPrefix(c))
	if err != nil {
		return out, err
	}
	out.Students = len(students)
	out.AttendanceSheets = len(keys)
	out.MustArchive = len(keys) > 0
	out.CanDelete = len(students) == 0
	if !out.CanDelete {
		out.Reason = fmt.Sprintf("%d students are still enrolled in %s", len(students), c.SectionKey())
	}
	return out, nil
}

// SectionArchive is the value stored under an archive key.
type SectionArchive struct {
	Class      model.ClassRef                   `json:"class"`
	ArchivedAt time.Time                        `json:"archivedAt"`
	ArchivedBy string                           `json:"archivedBy"`
	Students   []model.Student                  `json:"students"`
	Attendance map[string]model.AttendanceSheet `json:"attendance"`
}

// ArchiveResult reports what ArchiveSectionData stored.
type ArchiveResult struct {
	Key        string `json:"key"`
	Students   int    `json:"students"`
	Attendance int    `json:"attendance"`
}

// ArchiveSectionData snapshots the section's roster and cached attendance
// under one archive key, then removes the cached copies.
func (s *Service) ArchiveSectionData(ctx context.Context, c model.ClassRef, archivedBy string) (ArchiveResult, error) {
	var res ArchiveResult
	if chk := validation.ValidateClassStructure(c); !chk.Valid {
		return ArchiveResult{}, apperrors.BadRequest(strings.Join(chk.Errors, "; "))
	}
	err := s.WithLock("archive_"+c.SectionKey(), func() error {
		students, err := s.source.GetStudents(ctx, c)
		if err != nil {
			return fmt.Errorf("load roster: %w", err)
		}
		keys, err := s.local.Keys(ctx, model.AttendanceSectionPrefix(c))
		if err != nil {
			return err
		}
		now := s.now().UTC()
		archive := SectionArchive{
			Class:      c,
			ArchivedAt: now,
			ArchivedBy: archivedBy,
			Students:   students,
			Attendance: make(map[string]model.AttendanceSheet, len(keys)),
		}
		for _, key := range keys {
			var sheet model.AttendanceSheet
			ok, err := store.GetJSON(ctx, s.local, key, &sheet)
			if err != nil {
				return fmt.Errorf("read %s: %w", key, err)
			}
			if ok {
				archive.Attendance[key] = sheet
			}
		}

		res.Key = model.ArchiveKey(c, now.UnixMilli())
		if err := store.SetJSON(ctx, s.local, res.Key, archive); err != nil {
			return fmt.Errorf("write archive: %w", err)
		}
		for _, key := range append(keys, model.StudentsKey(c)) {
			if err := s.local.Delete(ctx, key); err != nil {
				return fmt.Errorf("remove %s: %w", key, err)
			}
		}
		res.Students = len(students)
		res.Attendance = len(archive.Attendance)
		return nil
	})
	if err != nil {
		return ArchiveResult{}, err
	}

	s.log.Info().Str("section", c.SectionKey()).Str("archive", res.Key).Msg("section archived")
	s.audit(ctx, OpSectionArchive, archivedBy, map[string]any{
		"section":    c.SectionKey(),
		"archiveKey": res.Key,
		"students":   res.Students,
		"attendance": res.Attendance,
	})
	return res, nil
}
