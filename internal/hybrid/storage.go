// Package hybrid mirrors every write to the local store and the remote API,
// queueing remote writes that fail until they can be replayed.
package hybrid

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/apperrors"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/metrics"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/model"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/queue"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/store"
)

// Queue actions.
const (
	ActionSaveStudent    = "saveStudent"
	ActionSaveAttendance = "saveAttendance"
	ActionSaveNamaz      = "saveNamazAttendance"
	ActionSaveLeave      = "saveLeave"
	ActionSaveHoliday    = "saveHoliday"
)

// DefaultInterval is how often Run probes the API and flushes the queue.
const DefaultInterval = 30 * time.Second

// RemoteAPI is the subset of the records API the storage writes through.
type RemoteAPI interface {
	Ping(ctx context.Context) error
	ListStudents(ctx context.Context, c model.ClassRef) ([]model.Student, error)
	SaveStudent(ctx context.Context, s model.Student) (model.Student, error)
	ListAttendance(ctx context.Context, c model.ClassRef, date string, period int) ([]model.AttendanceRecord, error)
	SaveAttendance(ctx context.Context, sheet model.AttendanceSheet) error
	ListNamaz(ctx context.Context, date string, prayer model.Prayer) ([]model.NamazRecord, error)
	SaveNamaz(ctx context.Context, sheet model.NamazSheet) error
	ListLeaves(ctx context.Context) ([]model.LeaveRecord, error)
	SaveLeave(ctx context.Context, l model.LeaveRecord) (model.LeaveRecord, error)
	ListHolidays(ctx context.Context) ([]model.Holiday, error)
	SaveHoliday(ctx context.Context, h model.Holiday) (model.Holiday, error)
}

// SyncReport summarises one queue flush.
type SyncReport struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// Lost counts failed items that could not be put back on the queue.
	Lost int `json:"lost,omitempty"`
}

// Storage is the hybrid local/remote store.
type Storage struct {
	remote   RemoteAPI
	local    store.Store
	queue    queue.Queue
	log      zerolog.Logger
	interval time.Duration

	online atomic.Bool
	// cacheMu serialises read-modify-write of the cached lists.
	cacheMu sync.Mutex
	flushMu sync.Mutex
}

// Option configures a Storage.
type Option func(*Storage)

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(s *Storage) {
		if d > 0 {
			s.interval = d
		}
	}
}

// New creates a storage that starts out online.
func New(remote RemoteAPI, local store.Store, q queue.Queue, log zerolog.Logger, opts ...Option) *Storage {
	s := &Storage{
		remote:   remote,
		local:    local,
		queue:    q,
		log:      log,
		interval: DefaultInterval,
	}
	s.online.Store(true)
	for _, o := range opts {
		o(s)
	}
	return s
}

// Local returns the local store.
func (s *Storage) Local() store.Store { return s.local }

// Online reports the current connectivity state.
func (s *Storage) Online() bool { return s.online.Load() }

// PendingCount returns the number of queued writes.
func (s *Storage) PendingCount(ctx context.Context) (int, error) {
	return s.queue.Len(ctx)
}

// Pending returns the queued writes without removing them.
func (s *Storage) Pending(ctx context.Context) ([]queue.Item, error) {
	return s.queue.Items(ctx)
}

// SetOnline records a connectivity change. Going from offline to online
// flushes the queue.
func (s *Storage) SetOnline(ctx context.Context, online bool) {
	was := s.online.Swap(online)
	if was == online {
		return
	}
	s.log.Info().Bool("online", online).Msg("connectivity changed")
	if online {
		if _, err := s.SyncWithDatabase(ctx); err != nil {
			s.log.Warn().Err(err).Msg("flush after reconnect failed")
		}
	}
}

// Run probes the API every interval and flushes the queue while online. It
// returns when ctx is done.
func (s *Storage) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Storage) tick(ctx context.Context) {
	err := s.remote.Ping(ctx)
	if err != nil {
		s.log.Debug().Err(err).Msg("api unreachable")
	}
	wasOnline := s.Online()
	s.SetOnline(ctx, err == nil)
	// SetOnline already flushed on a reconnect.
	if err == nil && wasOnline {
		if _, err := s.SyncWithDatabase(ctx); err != nil {
			s.log.Warn().Err(err).Msg("periodic flush failed")
		}
	}
}

// ---------- writes ----------

// enqueue queues a failed remote write. Queue failures are logged: the local
// copy is already saved.
func (s *Storage) enqueue(ctx context.Context, action string, data any, cause error) {
	item, err := queue.NewItem(action, data)
	if err != nil {
		s.log.Error().Err(err).Str("action", action).Msg("cannot encode queue item")
		return
	}
	if cause != nil {
		item.LastError = cause.Error()
	}
	if err := s.queue.Push(ctx, item); err != nil {
		s.log.Error().Err(err).Str("action", action).Msg("cannot queue remote write")
		return
	}
	s.log.Info().Str("action", action).Str("item", item.ID).AnErr("cause", cause).Msg("remote write queued")
	s.updateDepth(ctx)
}

func (s *Storage) updateDepth(ctx context.Context) {
	if n, err := s.queue.Len(ctx); err == nil {
		metrics.QueueDepth.Set(float64(n))
	}
}

// SaveStudent caches the student in its section roster and writes it
// through. Students created here get a client reference so the API can
// recognise a replayed create.
func (s *Storage) SaveStudent(ctx context.Context, st model.Student) (model.Student, error) {
	if st.ID == 0 && st.ClientRef == "" {
		st.ClientRef = uuid.NewString()
	}
	if err := s.cacheStudent(ctx, st); err != nil {
		return st, err
	}
	if !s.Online() {
		s.enqueue(ctx, ActionSaveStudent, st, apperrors.ErrOffline)
		return st, nil
	}
	saved, err := s.remote.SaveStudent(ctx, st)
	if err != nil {
		s.enqueue(ctx, ActionSaveStudent, st, err)
		return st, nil
	}
	if err := s.cacheStudent(ctx, saved); err != nil {
		s.log.Warn().Err(err).Int64("student", saved.ID).Msg("cannot cache saved student")
	}
	return saved, nil
}

func (s *Storage) cacheStudent(ctx context.Context, st model.Student) error {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	key := model.StudentsKey(st.Class())
	var roster []model.Student
	if _, err := store.GetJSON(ctx, s.local, key, &roster); err != nil {
		return err
	}
	replaced := false
	for i := range roster {
		if roster[i].SameAs(st) {
			roster[i] = st
			replaced = true
			break
		}
	}
	if !replaced {
		roster = append(roster, st)
	}
	return store.SetJSON(ctx, s.local, key, roster)
}

// cachedStudent finds a cached student by client reference.
func (s *Storage) cachedStudent(ctx context.Context, st model.Student) (model.Student, bool) {
	var roster []model.Student
	if _, err := store.GetJSON(ctx, s.local, model.StudentsKey(st.Class()), &roster); err != nil {
		return model.Student{}, false
	}
	for _, c := range roster {
		if c.SameAs(st) {
			return c, true
		}
	}
	return model.Student{}, false
}

func (s *Storage) cachedLeave(ctx context.Context, l model.LeaveRecord) (model.LeaveRecord, bool) {
	var leaves []model.LeaveRecord
	if _, err := store.GetJSON(ctx, s.local, model.LeavesKey, &leaves); err != nil {
		return model.LeaveRecord{}, false
	}
	for _, c := range leaves {
		if c.SameAs(l) {
			return c, true
		}
	}
	return model.LeaveRecord{}, false
}

func (s *Storage) cachedHoliday(ctx context.Context, h model.Holiday) (model.Holiday, bool) {
	var holidays []model.Holiday
	if _, err := store.GetJSON(ctx, s.local, model.HolidaysKey, &holidays); err != nil {
		return model.Holiday{}, false
	}
	for _, c := range holidays {
		if sameHoliday(c, h) {
			return c, true
		}
	}
	return model.Holiday{}, false
}

// SaveAttendance caches the sheet under its attendance key and writes it
// through.
func (s *Storage) SaveAttendance(ctx context.Context, sheet model.AttendanceSheet) error {
	if err := store.SetJSON(ctx, s.local, sheet.Key(), sheet); err != nil {
		return err
	}
	s.writeThrough(ctx, ActionSaveAttendance, sheet, func() error { return s.remote.SaveAttendance(ctx, sheet) })
	return nil
}

// SaveNamazAttendance caches a namaz sheet and writes it through.
func (s *Storage) SaveNamazAttendance(ctx context.Context, sheet model.NamazSheet) error {
	if err := store.SetJSON(ctx, s.local, sheet.Key(), sheet); err != nil {
		return err
	}
	s.writeThrough(ctx, ActionSaveNamaz, sheet, func() error { return s.remote.SaveNamaz(ctx, sheet) })
	return nil
}

func (s *Storage) writeThrough(ctx context.Context, action string, data any, write func() error) {
	if !s.Online() {
		s.enqueue(ctx, action, data, apperrors.ErrOffline)
		return
	}
	if err := write(); err != nil {
		s.enqueue(ctx, action, data, err)
	}
}

// SaveLeave caches the leave and writes it through. A leave with status
// cancelled is a cancellation.
func (s *Storage) SaveLeave(ctx context.Context, l model.LeaveRecord) (model.LeaveRecord, error) {
	if l.ID == 0 && l.ClientRef == "" {
		l.ClientRef = uuid.NewString()
	}
	if l.Status == "" {
		l.Status = model.LeaveActive
	}
	if err := s.cacheLeave(ctx, l); err != nil {
		return l, err
	}
	if !s.Online() {
		s.enqueue(ctx, ActionSaveLeave, l, apperrors.ErrOffline)
		return l, nil
	}
	saved, err := s.remote.SaveLeave(ctx, l)
	if err != nil {
		s.enqueue(ctx, ActionSaveLeave, l, err)
		return l, nil
	}
	if err := s.cacheLeave(ctx, saved); err != nil {
		s.log.Warn().Err(err).Int64("leave", saved.ID).Msg("cannot cache saved leave")
	}
	return saved, nil
}

func (s *Storage) cacheLeave(ctx context.Context, l model.LeaveRecord) error {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	var leaves []model.LeaveRecord
	if _, err := store.GetJSON(ctx, s.local, model.LeavesKey, &leaves); err != nil {
		return err
	}
	replaced := false
	for i := range leaves {
		if leaves[i].SameAs(l) {
			leaves[i] = l
			replaced = true
			break
		}
	}
	if !replaced {
		leaves = append(leaves, l)
	}
	return store.SetJSON(ctx, s.local, model.LeavesKey, leaves)
}

// SaveHoliday caches the holiday and writes it through. Setting IsDeleted
// on a saved holiday deletes it.
func (s *Storage) SaveHoliday(ctx context.Context, h model.Holiday) (model.Holiday, error) {
	if err := s.cacheHoliday(ctx, h); err != nil {
		return h, err
	}
	if !s.Online() {
		s.enqueue(ctx, ActionSaveHoliday, h, apperrors.ErrOffline)
		return h, nil
	}
	saved, err := s.remote.SaveHoliday(ctx, h)
	if err != nil {
		s.enqueue(ctx, ActionSaveHoliday, h, err)
		return h, nil
	}
	if err := s.cacheHoliday(ctx, saved); err != nil {
		s.log.Warn().Err(err).Int64("holiday", saved.ID).Msg("cannot cache saved holiday")
	}
	return saved, nil
}

func sameHoliday(a, b model.Holiday) bool {
	if a.ID != 0 && b.ID != 0 {
		return a.ID == b.ID
	}
	return a.Date == b.Date && a.Name == b.Name
}

func (s *Storage) cacheHoliday(ctx context.Context, h model.Holiday) error {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	var holidays []model.Holiday
	if _, err := store.GetJSON(ctx, s.local, model.HolidaysKey, &holidays); err != nil {
		return err
	}
	replaced := false
	for i := range holidays {
		if sameHoliday(holidays[i], h) {
			holidays[i] = h
			replaced = true
			break
		}
	}
	if !replaced {
		holidays = append(holidays, h)
	}
	return store.SetJSON(ctx, s.local, model.HolidaysKey, holidays)
}

// ---------- reads ----------

// GetStudents returns the roster of a section, refreshed from the API when
// online.
func (s *Storage) GetStudents(ctx context.Context, c model.ClassRef) ([]model.Student, error) {
	key := model.StudentsKey(c)
	if s.Online() {
		students, err := s.remote.ListStudents(ctx, c)
		if err == nil {
			s.cacheMu.Lock()
			err = s.mergeRoster(ctx, key, students)
			s.cacheMu.Unlock()
			if err != nil {
				s.log.Warn().Err(err).Str("key", key).Msg("cannot refresh roster cache")
			}
		} else {
			s.log.Warn().Err(err).Str("section", c.SectionKey()).Msg("remote roster unavailable, using cache")
		}
	}
	var roster []model.Student
	if _, err := store.GetJSON(ctx, s.local, key, &roster); err != nil {
		return nil, err
	}
	return roster, nil
}

// mergeRoster replaces the cached roster with the remote one, keeping
// students that were created offline and have not reached the API yet.
func (s *Storage) mergeRoster(ctx context.Context, key string, remote []model.Student) error {
	var cached []model.Student
	if _, err := store.GetJSON(ctx, s.local, key, &cached); err != nil {
		return err
	}
	out := append([]model.Student(nil), remote...)
	for _, c := range cached {
		if c.ID != 0 {
			continue
		}
		known := false
		for _, r := range remote {
			if r.SameAs(c) {
				known = true
				break
			}
		}
		if !known {
			out = append(out, c)
		}
	}
	return store.SetJSON(ctx, s.local, key, out)
}

// GetAttendance returns the sheet of one class, date and period, or nil
// when nothing is known. An empty remote answer does not replace a cached
// sheet.
func (s *Storage) GetAttendance(ctx context.Context, c model.ClassRef, date string, period int) (*model.AttendanceSheet, error) {
	cached, err := s.CachedAttendance(ctx, c, date, period)
	if err != nil {
		return nil, err
	}
	if !s.Online() {
		return cached, nil
	}
	recs, err := s.remote.ListAttendance(ctx, c, date, period)
	if err != nil {
		s.log.Warn().Err(err).Str("section", c.SectionKey()).Str("date", date).Msg("remote attendance unavailable, using cache")
		return cached, nil
	}
	if len(recs) == 0 {
		return cached, nil
	}
	sheet := model.AttendanceSheet{ClassRef: c, Date: date, Period: period, Records: recs}
	if cached != nil {
		sheet.Metadata = cached.Metadata
	}
	if err := store.SetJSON(ctx, s.local, sheet.Key(), sheet); err != nil {
		s.log.Warn().Err(err).Str("key", sheet.Key()).Msg("cannot refresh attendance cache")
	}
	return &sheet, nil
}

// CachedAttendance returns the locally cached sheet, or nil.
func (s *Storage) CachedAttendance(ctx context.Context, c model.ClassRef, date string, period int) (*model.AttendanceSheet, error) {
	var sheet model.AttendanceSheet
	ok, err := store.GetJSON(ctx, s.local, model.AttendanceKey(c, date, period), &sheet)
	if err != nil || !ok {
		return nil, err
	}
	return &sheet, nil
}

// GetNamazAttendance returns the namaz sheet of one prayer, or nil.
func (s *Storage) GetNamazAttendance(ctx context.Context, date string, prayer model.Prayer) (*model.NamazSheet, error) {
	key := model.NamazKey(date, prayer)
	if s.Online() {
		recs, err := s.remote.ListNamaz(ctx, date, prayer)
		switch {
		case err != nil:
			s.log.Warn().Err(err).Str("key", key).Msg("remote namaz unavailable, using cache")
		case len(recs) > 0:
			sheet := model.NamazSheet{Date: date, Prayer: prayer, Records: recs}
			if err := store.SetJSON(ctx, s.local, key, sheet); err != nil {
				s.log.Warn().Err(err).Str("key", key).Msg("cannot refresh namaz cache")
			}
			return &sheet, nil
		}
	}
	var sheet model.NamazSheet
	ok, err := store.GetJSON(ctx, s.local, key, &sheet)
	if err != nil || !ok {
		return nil, err
	}
	return &sheet, nil
}

// GetLeaves returns every known leave.
func (s *Storage) GetLeaves(ctx context.Context) ([]model.LeaveRecord, error) {
	if s.Online() {
		leaves, err := s.remote.ListLeaves(ctx)
		if err == nil {
			s.cacheMu.Lock()
			err = s.mergeLeaves(ctx, leaves)
			s.cacheMu.Unlock()
			if err != nil {
				s.log.Warn().Err(err).Msg("cannot refresh leave cache")
			}
		} else {
			s.log.Warn().Err(err).Msg("remote leaves unavailable, using cache")
		}
	}
	var leaves []model.LeaveRecord
	if _, err := store.GetJSON(ctx, s.local, model.LeavesKey, &leaves); err != nil {
		return nil, err
	}
	return leaves, nil
}

func (s *Storage) mergeLeaves(ctx context.Context, remote []model.LeaveRecord) error {
	var cached []model.LeaveRecord
	if _, err := store.GetJSON(ctx, s.local, model.LeavesKey, &cached); err != nil {
		return err
	}
	out := append([]model.LeaveRecord(nil), remote...)
	for _, c := range cached {
		if c.ID != 0 {
			continue
		}
		known := false
		for _, r := range remote {
			if r.SameAs(c) {
				known = true
				break
			}
		}
		if !known {
			out = append(out, c)
		}
	}
	return store.SetJSON(ctx, s.local, model.LeavesKey, out)
}

// GetHolidays returns the cached holidays, refreshed from the API when
// online. Holidays declared offline stay until they reach the API.
func (s *Storage) GetHolidays(ctx context.Context) ([]model.Holiday, error) {
	if s.Online() {
		remote, err := s.remote.ListHolidays(ctx)
		if err == nil {
			s.cacheMu.Lock()
			var cached []model.Holiday
			if _, err = store.GetJSON(ctx, s.local, model.HolidaysKey, &cached); err == nil {
				out := append([]model.Holiday(nil), remote...)
				for _, c := range cached {
					if c.ID == 0 {
						out = append(out, c)
					}
				}
				err = store.SetJSON(ctx, s.local, model.HolidaysKey, out)
			}
			s.cacheMu.Unlock()
			if err != nil {
				s.log.Warn().Err(err).Msg("cannot refresh holiday cache")
			}
		} else {
			s.log.Warn().Err(err).Msg("remote holidays unavailable, using cache")
		}
	}
	var holidays []model.Holiday
	if _, err := store.GetJSON(ctx, s.local, model.HolidaysKey, &holidays); err != nil {
		return nil, err
	}
	return holidays, nil
}

// ---------- sync ----------

// SyncWithDatabase drains the queue and replays every item. Items whose
// replay fails go back on the queue with Attempts incremented; nothing else
// does. Concurrent calls run one at a time.
func (s *Storage) SyncWithDatabase(ctx context.Context) (SyncReport, error) {
	var report SyncReport
	if !s.Online() {
		return report, apperrors.ErrOffline
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	// Putting items back must not depend on the caller's deadline.
	keep := context.WithoutCancel(ctx)

	items, err := s.queue.Drain(ctx)
	if err != nil {
		for _, item := range items {
			if perr := s.queue.Push(keep, item); perr != nil {
				report.Lost++
				s.log.Error().Err(perr).Str("item", item.ID).Msg("queued write lost")
			}
		}
		return report, fmt.Errorf("drain queue: %w", err)
	}
	if len(items) == 0 {
		metrics.QueueDepth.Set(0)
		return report, nil
	}

	for i, item := range items {
		if ctx.Err() != nil {
			for _, rest := range items[i:] {
				if err := s.queue.Push(keep, rest); err != nil {
					report.Lost++
					s.log.Error().Err(err).Str("item", rest.ID).Msg("queued write lost")
				}
			}
			break
		}
		report.Attempted++
		err := s.replay(ctx, item)
		metrics.Replays.WithLabelValues(metrics.Result(err)).Inc()
		if err == nil {
			report.Succeeded++
			continue
		}
		report.Failed++
		item.Attempts++
		item.LastError = err.Error()
		s.log.Warn().Err(err).Str("action", item.Action).Str("item", item.ID).Int("attempts", item.Attempts).Msg("replay failed")
		if err := s.queue.Push(keep, item); err != nil {
			report.Lost++
			s.log.Error().Err(err).Str("item", item.ID).Msg("queued write lost")
		}
	}
	s.updateDepth(keep)
	s.log.Info().Int("attempted", report.Attempted).Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).Msg("queue flushed")
	return report, ctx.Err()
}

func (s *Storage) replay(ctx context.Context, item queue.Item) error {
	switch item.Action {
	case ActionSaveStudent:
		var st model.Student
		if err := json.Unmarshal(item.Data, &st); err != nil {
			return err
		}
		// An earlier replay may have created the student already.
		if st.ID == 0 {
			if cached, ok := s.cachedStudent(ctx, st); ok && cached.ID != 0 {
				st.ID = cached.ID
			}
		}
		saved, err := s.remote.SaveStudent(ctx, st)
		if err != nil {
			return err
		}
		return s.cacheStudent(ctx, saved)

	case ActionSaveAttendance:
		var sheet model.AttendanceSheet
		if err := json.Unmarshal(item.Data, &sheet); err != nil {
			return err
		}
		return s.remote.SaveAttendance(ctx, sheet)

	case ActionSaveNamaz:
		var sheet model.NamazSheet
		if err := json.Unmarshal(item.Data, &sheet); err != nil {
			return err
		}
		return s.remote.SaveNamaz(ctx, sheet)

	case ActionSaveLeave:
		var l model.LeaveRecord
		if err := json.Unmarshal(item.Data, &l); err != nil {
			return err
		}
		if l.ID == 0 {
			if cached, ok := s.cachedLeave(ctx, l); ok && cached.ID != 0 {
				l.ID = cached.ID
			}
		}
		saved, err := s.remote.SaveLeave(ctx, l)
		if err != nil {
			return err
		}
		return s.cacheLeave(ctx, saved)

	case ActionSaveHoliday:
		var h model.Holiday
		if err := json.Unmarshal(item.Data, &h); err != nil {
			return err
		}
		if h.ID == 0 {
			if cached, ok := s.cachedHoliday(ctx, h); ok && cached.ID != 0 {
				h.ID = cached.ID
			}
		}
		saved, err := s.remote.SaveHoliday(ctx, h)
		if err != nil {
			return err
		}
		return s.cacheHoliday(ctx, saved)
	}
	return fmt.Errorf("unknown queue action %q", item.Action)
}
