// Package attendance is the marking workflow: it runs the pre-attendance
// checks, applies approved leaves and hands the result to hybrid storage.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/apperrors"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/audit"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/model"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/store"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/syncer"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/validation"
)

// Audit operations written by the workflow.
const (
	OpAttendanceMarked = "attendance_marked"
	OpLeaveApproved    = "leave_approved"
	OpLeaveCancelled   = "leave_cancelled"
	OpHolidayDeclared  = "holiday_declared"
)

// Storage is the hybrid store the workflow writes through.
type Storage interface {
	validation.Reader
	SaveAttendance(ctx context.Context, sheet model.AttendanceSheet) error
	SaveLeave(ctx context.Context, l model.LeaveRecord) (model.LeaveRecord, error)
	SaveHoliday(ctx context.Context, h model.Holiday) (model.Holiday, error)
	Local() store.Store
}

// Service coordinates validation, sync and storage.
type Service struct {
	storage Storage
	checks  *validation.Service
	sync    *syncer.Service
	trail   *audit.Trail
	log     zerolog.Logger
	now     func() time.Time
}

// NewService wires the workflow.
func NewService(storage Storage, checks *validation.Service, sync *syncer.Service, trail *audit.Trail, log zerolog.Logger) *Service {
	return &Service{storage: storage, checks: checks, sync: sync, trail: trail, log: log, now: time.Now}
}

func (s *Service) audit(ctx context.Context, op, userID string, details map[string]any) {
	if s.trail == nil {
		return
	}
	if err := s.trail.Record(ctx, op, userID, details); err != nil {
		s.log.Warn().Err(err).Str("op", op).Msg("audit entry not written")
	}
}

// MarkRequest is one period's attendance as entered by a teacher.
type MarkRequest struct {
	Class   model.ClassRef
	Date    string
	Period  int
	Records []model.AttendanceRecord
	// MarkedBy is the staff member recorded in metadata and the audit trail.
	MarkedBy string
	// Confirmed allows replacing a sheet that was already marked.
	Confirmed             bool
	PreserveManualEntries bool
}

// MarkResult is what MarkAttendance did.
type MarkResult struct {
	Validation validation.Result      `json:"validation"`
	Sheet      model.AttendanceSheet  `json:"sheet"`
	OnLeave    []int64                `json:"onLeave,omitempty"`
	Overwrite  syncer.OverwriteResult `json:"overwrite"`
}

// MarkAttendance validates and saves a sheet. Students with an active leave
// are marked on-leave whatever was entered for them. A holiday yields
// ErrHoliday, any other failed check ErrValidation, and a sheet that
// already exists ErrConfirmationRequired unless Confirmed is set. A second
// call for the same sheet while one is running gets ErrLocked.
func (s *Service) MarkAttendance(ctx context.Context, req MarkRequest) (MarkResult, error) {
	var out MarkResult
	key := model.AttendanceKey(req.Class, req.Date, req.Period)

	err := s.sync.WithLock(key, func() error {
		res := s.checks.PreAttendanceChecks(ctx, validation.Params{Class: req.Class, Date: req.Date, Period: req.Period})
		out.Validation = res
		if !res.Valid {
			msg := strings.Join(res.Errors, "; ")
			if res.Data != nil && res.Data.Holiday != nil {
				return apperrors.New(apperrors.ErrHoliday, msg)
			}
			return apperrors.New(apperrors.ErrValidation, msg)
		}

		var onLeave map[int64]model.LeaveRecord
		var roster []model.Student
		if res.Data != nil {
			onLeave = res.Data.OnLeave
			roster = res.Data.Students
		}
		sheet := s.buildSheet(req, roster, onLeave)
		for id := range onLeave {
			out.OnLeave = append(out.OnLeave, id)
		}

		ow, err := s.sync.HandleAttendanceOverwrite(ctx, key, sheet, syncer.OverwriteOptions{
			Confirmed:             req.Confirmed,
			PreserveManualEntries: req.PreserveManualEntries,
			AuditTrail:            true,
			UserID:                req.MarkedBy,
		})
		out.Overwrite = ow
		if err != nil {
			return err
		}

		// The overwrite may have merged preserved entries into the sheet.
		stored, err := s.storage.CachedAttendance(ctx, req.Class, req.Date, req.Period)
		if err != nil {
			return err
		}
		if stored != nil {
			sheet = *stored
		}
		if err := s.storage.SaveAttendance(ctx, sheet); err != nil {
			return err
		}
		out.Sheet = sheet
		return nil
	})
	if err != nil {
		if !errors.Is(err, apperrors.ErrLocked) {
			s.log.Info().Err(err).Str("key", key).Msg("attendance not saved")
		}
		return out, err
	}

	s.log.Info().Str("key", key).Int("records", len(out.Sheet.Records)).Int("onLeave", len(out.OnLeave)).Msg("attendance marked")
	s.audit(ctx, OpAttendanceMarked, req.MarkedBy, map[string]any{
		"key":         key,
		"records":     len(out.Sheet.Records),
		"onLeave":     len(out.OnLeave),
		"overwritten": out.Overwrite.Overwritten,
	})
	return out, nil
}

func (s *Service) buildSheet(req MarkRequest, roster []model.Student, onLeave map[int64]model.LeaveRecord) model.AttendanceSheet {
	now := s.now().UTC()
	sheet := model.AttendanceSheet{
		ClassRef: req.Class,
		Date:     req.Date,
		Period:   req.Period,
		Metadata: model.SheetMetadata{MarkedBy: req.MarkedBy, UpdatedAt: &now},
	}
	for _, r := range req.Records {
		r.ClassRef = req.Class
		r.Date = req.Date
		r.Period = req.Period
		if r.MarkedAt.IsZero() {
			r.MarkedAt = now
		}
		if l, ok := onLeave[r.StudentID]; ok && r.Status != model.StatusOnLeave {
			r.OriginalStatus = r.Status
			r.Status = model.StatusOnLeave
			r.LeaveReason = l.Reason
		}
		sheet.Records = append(sheet.Records, r)
	}
	// Students on leave who were left out of the entry are added.
	for _, st := range roster {
		l, ok := onLeave[st.ID]
		if !ok || sheet.Find(st.ID) >= 0 {
			continue
		}
		sheet.Records = append(sheet.Records, model.AttendanceRecord{
			StudentID:   st.ID,
			RollNo:      st.RollNo,
			ClassRef:    req.Class,
			Date:        req.Date,
			Period:      req.Period,
			Status:      model.StatusOnLeave,
			LeaveReason: l.Reason,
			MarkedAt:    now,
		})
	}
	return sheet
}

// ApproveResult is what ApproveLeave did.
type ApproveResult struct {
	Leave     model.LeaveRecord      `json:"leave"`
	Conflicts syncer.LeaveConflicts  `json:"conflicts"`
	Sync      syncer.LeaveSyncResult `json:"sync"`
}

// ApproveLeave saves a leave and rewrites attendance already marked inside
// it. Overlapping leaves are accepted and reported in Conflicts.
func (s *Service) ApproveLeave(ctx context.Context, l model.LeaveRecord, approvedBy string) (ApproveResult, error) {
	var out ApproveResult
	if l.StudentID == 0 {
		return out, apperrors.BadRequest("student id required")
	}
	conflicts, err := s.sync.CheckLeaveConflicts(ctx, l.StudentID, l.FromDate, l.ToDate)
	if err != nil {
		return out, err
	}
	out.Conflicts = conflicts
	if len(conflicts.OverlappingLeaves) > 0 {
		s.log.Warn().Int64("student", l.StudentID).Int("overlapping", len(conflicts.OverlappingLeaves)).Msg("leave overlaps an active leave")
	}

	l.Status = model.LeaveActive
	l.ApprovedBy = approvedBy
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.now().UTC()
	}
	saved, err := s.storage.SaveLeave(ctx, l)
	if err != nil {
		return out, err
	}
	out.Leave = saved

	res, err := s.sync.SyncLeaveWithPastAttendance(ctx, syncer.LeaveSync{
		StudentID:  l.StudentID,
		FromDate:   l.FromDate,
		ToDate:     l.ToDate,
		Reason:     l.Reason,
		ApprovedBy: approvedBy,
	})
	if err != nil {
		return out, err
	}
	out.Sync = res
	s.pushSheets(ctx, res.UpdatedKeys)

	s.audit(ctx, OpLeaveApproved, approvedBy, map[string]any{
		"studentId":   l.StudentID,
		"fromDate":    l.FromDate,
		"toDate":      l.ToDate,
		"overlapping": len(conflicts.OverlappingLeaves),
		"updated":     res.Updated,
	})
	return out, nil
}

// pushSheets writes rewritten sheets through storage so the API sees them.
func (s *Service) pushSheets(ctx context.Context, keys []string) {
	for _, key := range keys {
		parts, err := model.ParseAttendanceKey(key)
		if err != nil {
			continue
		}
		sheet, err := s.storage.CachedAttendance(ctx, parts.Class, parts.Date, parts.Period)
		if err != nil || sheet == nil {
			s.log.Warn().Err(err).Str("key", key).Msg("rewritten sheet unavailable")
			continue
		}
		if err := s.storage.SaveAttendance(ctx, *sheet); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("rewritten sheet not saved")
		}
	}
}

// CancelLeave cancels the leave with the given id or client reference.
func (s *Service) CancelLeave(ctx context.Context, id int64, clientRef, cancelledBy string) (model.LeaveRecord, error) {
	leaves, err := s.storage.GetLeaves(ctx)
	if err != nil {
		return model.LeaveRecord{}, err
	}
	want := model.LeaveRecord{ID: id, ClientRef: clientRef}
	for _, l := range leaves {
		if !l.SameAs(want) {
			continue
		}
		if !l.Active() {
			return l, nil
		}
		l.Status = model.LeaveCancelled
		saved, err := s.storage.SaveLeave(ctx, l)
		if err != nil {
			return model.LeaveRecord{}, err
		}
		s.audit(ctx, OpLeaveCancelled, cancelledBy, map[string]any{"leaveId": l.ID, "clientRef": l.ClientRef, "studentId": l.StudentID})
		return saved, nil
	}
	if clientRef != "" {
		return model.LeaveRecord{}, apperrors.NotFound(fmt.Sprintf("leave %s not found", clientRef))
	}
	return model.LeaveRecord{}, apperrors.NotFound(fmt.Sprintf("leave %d not found", id))
}

// DeclareResult is what DeclareHoliday did.
type DeclareResult struct {
	Holiday model.Holiday `json:"holiday"`
	// MarkedSheets are cached sheets already marked on the holiday.
	MarkedSheets []string `json:"markedSheets,omitempty"`
}

// DeclareHoliday saves a holiday. The type defaults to emergency.
func (s *Service) DeclareHoliday(ctx context.Context, h model.Holiday, declaredBy string) (DeclareResult, error) {
	var out DeclareResult
	if _, err := model.ParseDate(h.Date); err != nil {
		return out, apperrors.BadRequest("invalid date " + h.Date)
	}
	if strings.TrimSpace(h.Name) == "" {
		return out, apperrors.BadRequest("holiday name required")
	}
	if h.Type == "" {
		h.Type = model.HolidayEmergency
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = s.now().UTC()
	}
	if existing, ok := s.declared(ctx, h); ok {
		out.Holiday = existing
		return out, nil
	}
	saved, err := s.storage.SaveHoliday(ctx, h)
	if err != nil {
		return out, err
	}
	out.Holiday = saved

	keys, err := s.markedOn(ctx, h)
	if err != nil {
		s.log.Warn().Err(err).Str("date", h.Date).Msg("cannot scan attendance on holiday")
	}
	out.MarkedSheets = keys
	if len(keys) > 0 {
		s.log.Warn().Str("date", h.Date).Int("sheets", len(keys)).Msg("attendance already marked on declared holiday")
	}
	s.audit(ctx, OpHolidayDeclared, declaredBy, map[string]any{
		"date":         h.Date,
		"name":         h.Name,
		"type":         string(h.Type),
		"markedSheets": len(keys),
	})
	return out, nil
}

// declared finds a live holiday with the same date and name.
func (s *Service) declared(ctx context.Context, h model.Holiday) (model.Holiday, bool) {
	holidays, err := s.storage.GetHolidays(ctx)
	if err != nil {
		s.log.Warn().Err(err).Str("date", h.Date).Msg("cannot list holidays, declaring anyway")
		return model.Holiday{}, false
	}
	for _, existing := range holidays {
		if !existing.IsDeleted && existing.Date == h.Date && existing.Name == h.Name {
			return existing, true
		}
	}
	return model.Holiday{}, false
}

func (s *Service) markedOn(ctx context.Context, h model.Holiday) ([]string, error) {
	keys, err := s.storage.Local().Keys(ctx, model.AttendancePrefix)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range keys {
		p, err := model.ParseAttendanceKey(k)
		if err == nil && p.Date == h.Date && h.Affects(p.Class.CourseType) {
			out = append(out, k)
		}
	}
	return out, nil
}

// HolidayCheck reports whether date is blocked for course.
func (s *Service) HolidayCheck(ctx context.Context, date string, course model.CourseType) validation.Result {
	return s.checks.CheckHolidayConflict(ctx, date, course)
}

// Notifications returns the dashboard counts.
func (s *Service) Notifications(ctx context.Context) syncer.NotificationCounts {
	return s.sync.RecomputeNotificationCounts(ctx)
}
