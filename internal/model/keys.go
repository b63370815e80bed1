package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Local cache key prefixes. Every cached value lives under a deterministic
// key so that lookups can be done by prefix scan.
const (
	AttendancePrefix = "attendance_"
	NamazPrefix      = "namaz_"
	StudentsPrefix   = "students_"
	BackupPrefix     = "backup_"
	ArchivePrefix    = "archive_"

	LeavesKey   = "leaves"
	HolidaysKey = "holidays"
)

// noDivision stands in for an empty division inside keys.
const noDivision = "common"

// ClassRef identifies a class subdivision.
type ClassRef struct {
	CourseType CourseType `json:"courseType"`
	Year       int        `json:"year"`
	Division   Division   `json:"courseDivision,omitempty"`
	Section    string     `json:"section"`
}

// SectionKey is the composite key <type>_<year>_<division>_<section>.
func (c ClassRef) SectionKey() string {
	div := string(c.Division)
	if div == "" {
		div = noDivision
	}
	return fmt.Sprintf("%s_%d_%s_%s", c.CourseType, c.Year, div, c.Section)
}

func classFromParts(parts []string) (ClassRef, error) {
	year, err := strconv.Atoi(parts[1])
	if err != nil {
		return ClassRef{}, fmt.Errorf("year %q: %w", parts[1], err)
	}
	div := Division(parts[2])
	if parts[2] == noDivision {
		div = DivisionNone
	}
	return ClassRef{
		CourseType: CourseType(parts[0]),
		Year:       year,
		Division:   div,
		Section:    parts[3],
	}, nil
}

// StudentsKey is where the cached roster of a section lives.
func StudentsKey(c ClassRef) string {
	return StudentsPrefix + c.SectionKey()
}

// AttendanceKey is attendance_<type>_<year>_<division>_<section>_<date>_<period>.
func AttendanceKey(c ClassRef, date string, period int) string {
	return AttendancePrefix + c.SectionKey() + "_" + date + "_" + strconv.Itoa(period)
}

// AttendanceSectionPrefix matches every attendance key of a section.
func AttendanceSectionPrefix(c ClassRef) string {
	return AttendancePrefix + c.SectionKey() + "_"
}

// AttendanceKeyParts is a decoded attendance key.
type AttendanceKeyParts struct {
	Class  ClassRef
	Date   string
	Period int
}

// ParseAttendanceKey decodes a key built by AttendanceKey.
func ParseAttendanceKey(key string) (AttendanceKeyParts, error) {
	if !strings.HasPrefix(key, AttendancePrefix) {
		return AttendanceKeyParts{}, fmt.Errorf("not an attendance key: %q", key)
	}
	parts := strings.Split(strings.TrimPrefix(key, AttendancePrefix), "_")
	if len(parts) != 6 {
		return AttendanceKeyParts{}, fmt.Errorf("attendance key %q: want 6 parts, got %d", key, len(parts))
	}
	class, err := classFromParts(parts[:4])
	if err != nil {
		return AttendanceKeyParts{}, fmt.Errorf("attendance key %q: %w", key, err)
	}
	period, err := strconv.Atoi(parts[5])
	if err != nil {
		return AttendanceKeyParts{}, fmt.Errorf("attendance key %q: period: %w", key, err)
	}
	return AttendanceKeyParts{Class: class, Date: parts[4], Period: period}, nil
}

// NamazKey is namaz_<date>_<prayer>.
func NamazKey(date string, prayer Prayer) string {
	return NamazPrefix + date + "_" + string(prayer)
}

// BackupKey names the snapshot taken before an attendance overwrite.
func BackupKey(key string, unixMilli int64) string {
	return BackupPrefix + key + "_" + strconv.FormatInt(unixMilli, 10)
}

// ArchiveKey names a section archive.
func ArchiveKey(c ClassRef, unixMilli int64) string {
	return ArchivePrefix + c.SectionKey() + "_" + strconv.FormatInt(unixMilli, 10)
}
