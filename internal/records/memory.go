package records

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/apperrors"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/model"
)

// Memory is an in-process Store for dev runs and tests.
type Memory struct {
	mu       sync.Mutex
	nextID   int64
	now      func() time.Time
	devices  map[string]bool
	tokens   map[string]string
	students map[int64]model.Student
	marks    map[string]model.AttendanceRecord
	namaz    map[string]model.NamazRecord
	leaves   map[int64]model.LeaveRecord
	holidays map[int64]model.Holiday
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		now:      time.Now,
		devices:  make(map[string]bool),
		tokens:   make(map[string]string),
		students: make(map[int64]model.Student),
		marks:    make(map[string]model.AttendanceRecord),
		namaz:    make(map[string]model.NamazRecord),
		leaves:   make(map[int64]model.LeaveRecord),
		holidays: make(map[int64]model.Holiday),
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *Memory) UpsertDevice(_ context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[deviceID] = true
	return nil
}

func (m *Memory) SaveRefreshToken(_ context.Context, deviceID, token string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.devices[deviceID] {
		return apperrors.NotFound("device " + deviceID + " not registered")
	}
	m.tokens[token] = deviceID
	return nil
}

func (m *Memory) ListStudents(_ context.Context, f StudentFilter) ([]model.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Student
	for _, s := range m.students {
		if f.Matches(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RollNo != out[j].RollNo {
			return out[i].RollNo < out[j].RollNo
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) GetStudent(_ context.Context, id int64) (model.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.students[id]
	if !ok {
		return model.Student{}, apperrors.NotFound(fmt.Sprintf("student %d not found", id))
	}
	return s, nil
}

func (m *Memory) CreateStudent(_ context.Context, s model.Student) (model.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ClientRef != "" {
		for _, existing := range m.students {
			if existing.ClientRef == s.ClientRef {
				return existing, nil
			}
		}
	}
	s.ID = m.id()
	s.CreatedAt = m.now().UTC()
	s.UpdatedAt = s.CreatedAt
	m.students[s.ID] = s
	return s, nil
}

func (m *Memory) UpdateStudent(_ context.Context, s model.Student) (model.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.students[s.ID]
	if !ok {
		return model.Student{}, apperrors.NotFound(fmt.Sprintf("student %d not found", s.ID))
	}
	s.ClientRef = old.ClientRef
	s.CreatedAt = old.CreatedAt
	s.UpdatedAt = m.now().UTC()
	m.students[s.ID] = s
	return s, nil
}

func (m *Memory) DeleteStudent(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.students[id]; !ok {
		return apperrors.NotFound(fmt.Sprintf("student %d not found", id))
	}
	delete(m.students, id)
	for k, a := range m.marks {
		if a.StudentID == id {
			delete(m.marks, k)
		}
	}
	for k, l := range m.leaves {
		if l.StudentID == id {
			delete(m.leaves, k)
		}
	}
	return nil
}

func markKey(studentID int64, date string, period int) string {
	return fmt.Sprintf("%d|%s|%d", studentID, date, period)
}

func (m *Memory) UpsertAttendance(_ context.Context, recs []model.AttendanceRecord) ([]model.AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.AttendanceRecord, 0, len(recs))
	for _, a := range recs {
		k := markKey(a.StudentID, a.Date, a.Period)
		if old, ok := m.marks[k]; ok {
			a.ID = old.ID
		} else {
			a.ID = m.id()
		}
		m.marks[k] = a
		out = append(out, a)
	}
	return out, nil
}

func (m *Memory) ListAttendance(_ context.Context, f AttendanceFilter) ([]model.AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AttendanceRecord
	for _, a := range m.marks {
		if f.Matches(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		if out[i].Period != out[j].Period {
			return out[i].Period < out[j].Period
		}
		return out[i].StudentID < out[j].StudentID
	})
	return out, nil
}

func (m *Memory) UpsertNamaz(_ context.Context, recs []model.NamazRecord) ([]model.NamazRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.NamazRecord, 0, len(recs))
	for _, n := range recs {
		k := fmt.Sprintf("%d|%s|%s", n.StudentID, n.Date, n.Prayer)
		if old, ok := m.namaz[k]; ok {
			n.ID = old.ID
		} else {
			n.ID = m.id()
		}
		m.namaz[k] = n
		out = append(out, n)
	}
	return out, nil
}

func (m *Memory) ListNamaz(_ context.Context, date string, prayer model.Prayer) ([]model.NamazRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.NamazRecord
	for _, n := range m.namaz {
		if (date == "" || n.Date == date) && (prayer == "" || n.Prayer == prayer) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateLeave(_ context.Context, l model.LeaveRecord) (model.LeaveRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ClientRef != "" {
		for _, existing := range m.leaves {
			if existing.ClientRef == l.ClientRef {
				return existing, nil
			}
		}
	}
	if _, ok := m.students[l.StudentID]; !ok {
		return model.LeaveRecord{}, apperrors.NotFound(fmt.Sprintf("student %d not found", l.StudentID))
	}
	l.ID = m.id()
	l.CreatedAt = m.now().UTC()
	m.leaves[l.ID] = l
	return l, nil
}

func (m *Memory) ListLeaves(_ context.Context, f LeaveFilter) ([]model.LeaveRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.LeaveRecord
	for _, l := range m.leaves {
		if f.Matches(l) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FromDate != out[j].FromDate {
			return out[i].FromDate > out[j].FromDate
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *Memory) SetLeaveStatus(_ context.Context, id int64, status model.LeaveStatus) (model.LeaveRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leaves[id]
	if !ok {
		return model.LeaveRecord{}, apperrors.NotFound(fmt.Sprintf("leave %d not found", id))
	}
	l.Status = status
	m.leaves[id] = l
	return l, nil
}

func (m *Memory) UpdateLeave(_ context.Context, l model.LeaveRecord) (model.LeaveRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leaves[l.ID]
	if !ok {
		return model.LeaveRecord{}, apperrors.NotFound(fmt.Sprintf("leave %d not found", l.ID))
	}
	cur.FromDate, cur.ToDate = l.FromDate, l.ToDate
	cur.Reason = l.Reason
	cur.Status = l.Status
	cur.ApprovedBy = l.ApprovedBy
	m.leaves[l.ID] = cur
	return cur, nil
}

func (m *Memory) CreateHoliday(_ context.Context, h model.Holiday) (model.Holiday, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h.ID = m.id()
	h.CreatedAt = m.now().UTC()
	m.holidays[h.ID] = h
	return h, nil
}

func (m *Memory) ListHolidays(_ context.Context, includeDeleted bool) ([]model.Holiday, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Holiday
	for _, h := range m.holidays {
		if includeDeleted || !h.IsDeleted {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) UpdateHoliday(_ context.Context, h model.Holiday) (model.Holiday, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.holidays[h.ID]
	if !ok || cur.IsDeleted {
		return model.Holiday{}, apperrors.NotFound(fmt.Sprintf("holiday %d not found", h.ID))
	}
	cur.Date, cur.Name, cur.Type = h.Date, h.Name, h.Type
	cur.AffectedCourses = h.AffectedCourses
	cur.Reason = h.Reason
	m.holidays[h.ID] = cur
	return cur, nil
}

func (m *Memory) DeleteHoliday(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holidays[id]
	if !ok {
		return apperrors.NotFound(fmt.Sprintf("holiday %d not found", id))
	}
	if h.IsDeleted {
		return nil
	}
	now := m.now().UTC()
	h.IsDeleted = true
	h.DeletedAt = &now
	m.holidays[id] = h
	return nil
}
