// Package model holds the records shared by the sync layer and the records API.
package model

import (
	"time"
)

// DateLayout is the calendar date format used in every record and key.
const DateLayout = "2006-01-02"

// CourseType is the programme a student is enrolled in.
type CourseType string

const (
	CoursePU     CourseType = "pu"
	CoursePostPU CourseType = "post-pu"
)

// Division is the PU stream. Post-PU classes have no division.
type Division string

const (
	DivisionNone     Division = ""
	DivisionCommerce Division = "commerce"
	DivisionScience  Division = "science"
)

// Status is an attendance mark.
type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
	StatusOnLeave Status = "on-leave"
)

// Student is a single enrolled student.
type Student struct {
	ID             int64      `json:"id,omitempty"`
	ClientRef      string     `json:"clientRef,omitempty"`
	Name           string     `json:"name"`
	RollNo         string     `json:"rollNo"`
	CourseType     CourseType `json:"courseType"`
	CourseDivision Division   `json:"courseDivision,omitempty"`
	Year           int        `json:"year"`
	Batch          string     `json:"batch"`
	FatherName     string     `json:"fatherName,omitempty"`
	DOB            string     `json:"dob,omitempty"`
	Phone          string     `json:"phone,omitempty"`
	Address        string     `json:"address,omitempty"`
	BloodGroup     string     `json:"bloodGroup,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Class returns the class subdivision the student belongs to.
func (s Student) Class() ClassRef {
	return ClassRef{
		CourseType: s.CourseType,
		Year:       s.Year,
		Division:   s.CourseDivision,
		Section:    s.Batch,
	}
}

// SameAs reports whether both values describe the same student, either by
// server id or, for records created offline, by client reference.
func (s Student) SameAs(other Student) bool {
	if s.ID != 0 && other.ID != 0 {
		return s.ID == other.ID
	}
	return s.ClientRef != "" && s.ClientRef == other.ClientRef
}

// AttendanceRecord is one student's mark for one period on one date.
type AttendanceRecord struct {
	ID        int64  `json:"id,omitempty"`
	StudentID int64  `json:"studentId"`
	RollNo    string `json:"rollNo,omitempty"`
	Date      string `json:"date"`
	ClassRef
	Period         int        `json:"period"`
	Status         Status     `json:"status"`
	OriginalStatus Status     `json:"originalStatus,omitempty"`
	ManualEntry    bool       `json:"manualEntry,omitempty"`
	LeaveReason    string     `json:"leaveReason,omitempty"`
	SyncedAt       *time.Time `json:"syncedAt,omitempty"`
	SyncedBy       string     `json:"syncedBy,omitempty"`
	MarkedAt       time.Time  `json:"markedAt"`
}

// LeaveSyncMarker records that a leave approval rewrote part of a sheet.
type LeaveSyncMarker struct {
	StudentID  int64     `json:"studentId"`
	FromDate   string    `json:"fromDate"`
	ToDate     string    `json:"toDate"`
	Reason     string    `json:"reason,omitempty"`
	ApprovedBy string    `json:"approvedBy"`
	SyncedAt   time.Time `json:"syncedAt"`
}

// SheetMetadata carries bookkeeping for a cached attendance sheet.
type SheetMetadata struct {
	MarkedBy   string            `json:"markedBy,omitempty"`
	UpdatedAt  *time.Time        `json:"updatedAt,omitempty"`
	LeaveSyncs []LeaveSyncMarker `json:"leaveSyncs,omitempty"`
}

// AttendanceSheet is everything marked for one class, date and period.
// It is the unit stored under an attendance key.
type AttendanceSheet struct {
	ClassRef
	Date     string             `json:"date"`
	Period   int                `json:"period"`
	Records  []AttendanceRecord `json:"records"`
	Metadata SheetMetadata      `json:"metadata"`
}

// Key returns the cache key of the sheet.
func (s AttendanceSheet) Key() string {
	return AttendanceKey(s.ClassRef, s.Date, s.Period)
}

// Find returns the index of the student's record, or -1.
func (s AttendanceSheet) Find(studentID int64) int {
	for i, r := range s.Records {
		if r.StudentID == studentID {
			return i
		}
	}
	return -1
}

// Prayer is one of the five daily prayers tracked for namaz attendance.
type Prayer string

const (
	PrayerFajr    Prayer = "fajr"
	PrayerZuhr    Prayer = "zuhr"
	PrayerAsr     Prayer = "asr"
	PrayerMaghrib Prayer = "maghrib"
	PrayerIsha    Prayer = "isha"
)

// Prayers lists the prayers in daily order.
var Prayers = []Prayer{PrayerFajr, PrayerZuhr, PrayerAsr, PrayerMaghrib, PrayerIsha}

// NamazRecord is one student's attendance for a congregational prayer.
type NamazRecord struct {
	ID        int64     `json:"id,omitempty"`
	StudentID int64     `json:"studentId"`
	Date      string    `json:"date"`
	Prayer    Prayer    `json:"prayer"`
	Status    Status    `json:"status"`
	MarkedAt  time.Time `json:"markedAt"`
}

// NamazSheet groups the records of one prayer on one date.
type NamazSheet struct {
	Date    string        `json:"date"`
	Prayer  Prayer        `json:"prayer"`
	Records []NamazRecord `json:"records"`
}

// Key returns the cache key of the sheet.
func (s NamazSheet) Key() string { return NamazKey(s.Date, s.Prayer) }

// LeaveStatus is the lifecycle state of a leave.
type LeaveStatus string

const (
	LeaveActive    LeaveStatus = "active"
	LeaveCancelled LeaveStatus = "cancelled"
)

// LeaveRecord is an approved absence over an inclusive date range.
type LeaveRecord struct {
	ID         int64       `json:"id,omitempty"`
	ClientRef  string      `json:"clientRef,omitempty"`
	StudentID  int64       `json:"studentId"`
	FromDate   string      `json:"fromDate"`
	ToDate     string      `json:"toDate"`
	Reason     string      `json:"reason"`
	Status     LeaveStatus `json:"status"`
	ApprovedBy string      `json:"approvedBy,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// Active reports whether the leave has not been cancelled.
func (l LeaveRecord) Active() bool { return l.Status == LeaveActive || l.Status == "" }

// Covers reports whether date falls inside the leave. Dates compare
// lexically because they share DateLayout.
func (l LeaveRecord) Covers(date string) bool {
	return l.FromDate <= date && date <= l.ToDate
}

// Overlaps reports whether the leave intersects [from, to].
func (l LeaveRecord) Overlaps(from, to string) bool {
	return l.FromDate <= to && from <= l.ToDate
}

// SameAs mirrors Student.SameAs for leaves.
func (l LeaveRecord) SameAs(other LeaveRecord) bool {
	if l.ID != 0 && other.ID != 0 {
		return l.ID == other.ID
	}
	return l.ClientRef != "" && l.ClientRef == other.ClientRef
}

// HolidayType classifies a declared holiday.
type HolidayType string

const (
	HolidayAcademic  HolidayType = "academic"
	HolidayEmergency HolidayType = "emergency"
	HolidayRegular   HolidayType = "regular"
)

// Holiday blocks attendance for its date.
type Holiday struct {
	ID              int64        `json:"id,omitempty"`
	Date            string       `json:"date"`
	Name            string       `json:"name"`
	Type            HolidayType  `json:"type"`
	AffectedCourses []CourseType `json:"affectedCourses,omitempty"`
	Reason          string       `json:"reason,omitempty"`
	IsDeleted       bool         `json:"isDeleted"`
	DeletedAt       *time.Time   `json:"deletedAt,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
}

// Affects reports whether the holiday applies to course. An empty course
// or an empty AffectedCourses list matches everything.
func (h Holiday) Affects(course CourseType) bool {
	if course == "" || len(h.AffectedCourses) == 0 {
		return true
	}
	for _, c := range h.AffectedCourses {
		if c == course {
			return true
		}
	}
	return false
}

// ParseDate parses a DateLayout date.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}

// FormatDate renders t in DateLayout.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}
