package schedule

import (
	"sort"
	"time"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

func (s Severity) Valid() bool {
	return s == SeverityCritical || s == SeverityWarning || s == SeverityInfo
}

// rank orders severities for sorting; higher sorts first.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

type FindingType string

const (
	FindingRoomConflict       FindingType = "room_conflict"
	FindingProctorConflict    FindingType = "proctor_conflict"
	FindingCapacityIssue      FindingType = "capacity_issue"
	FindingTimeOptimization   FindingType = "time_optimization"
	FindingResourceEfficiency FindingType = "resource_efficiency"
)

// Detail is the typed payload of a Finding; one implementation per
// finding type so rendering stays exhaustive instead of stringly dispatched.
type Detail interface {
	FindingType() FindingType
}

type RoomConflictDetail struct {
	RoomID   string `json:"room_id"`
	RoomName string `json:"room_name,omitempty"`
	ExamA    string `json:"exam_a"`
	ExamB    string `json:"exam_b"`
	StartA   string `json:"start_a"`
	EndA     string `json:"end_a"`
	StartB   string `json:"start_b"`
	EndB     string `json:"end_b"`
}

func (RoomConflictDetail) FindingType() FindingType { return FindingRoomConflict }

type ProctorConflictDetail struct {
	ProctorID string `json:"proctor_id"`
	ExamA     string `json:"exam_a"`
	ExamB     string `json:"exam_b"`
	StartA    string `json:"start_a"`
	EndA      string `json:"end_a"`
	StartB    string `json:"start_b"`
	EndB      string `json:"end_b"`
}

func (ProctorConflictDetail) FindingType() FindingType { return FindingProctorConflict }

type CapacityDetail struct {
	ExamID              string `json:"exam_id"`
	Registered          int    `json:"registered"`
	MaxStudents         int    `json:"max_students"`
	Overflow            int    `json:"overflow,omitempty"`
	ProctorCount        int    `json:"proctor_count"`
	RecommendedProctors int    `json:"recommended_proctors,omitempty"`
}

func (CapacityDetail) FindingType() FindingType { return FindingCapacityIssue }

type GapKind string

const (
	GapTooShort GapKind = "short_gap"
	GapTooLong  GapKind = "idle_stretch"
)

type TimeOptimizationDetail struct {
	RoomID     string        `json:"room_id"`
	Kind       GapKind       `json:"kind"`
	PrevExamID string        `json:"prev_exam_id"`
	NextExamID string        `json:"next_exam_id"`
	Gap        time.Duration `json:"gap"`
}

func (TimeOptimizationDetail) FindingType() FindingType { return FindingTimeOptimization }

type ResourceEfficiencyDetail struct {
	RoomID      string  `json:"room_id"`
	RoomName    string  `json:"room_name,omitempty"`
	ExamCount   int     `json:"exam_count"`
	Utilization float64 `json:"utilization"` // busy fraction of the working day
}

func (ResourceEfficiencyDetail) FindingType() FindingType { return FindingResourceEfficiency }

// Finding is a derived diagnosis; never persisted, recomputed on every scan.
type Finding struct {
	Type        FindingType `json:"type"`
	Severity    Severity    `json:"severity"`
	Date        time.Time   `json:"date"`
	ExamIDs     []string    `json:"exam_ids"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Detail      Detail      `json:"detail"`
}

type Summary struct {
	CriticalCount int `json:"critical_count"`
	WarningCount  int `json:"warning_count"`
	InfoCount     int `json:"info_count"`
	ExamsAnalyzed int `json:"exams_analyzed"`
}

type Report struct {
	Findings []Finding `json:"findings"`
	Summary  Summary   `json:"summary"`
}

// sortFindings orders by severity (critical first), then exam date, then
// first exam ID; repeated scans over unchanged state are output-identical.
func sortFindings(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		fi, fj := findings[i], findings[j]
		if fi.Severity != fj.Severity {
			return fi.Severity.rank() > fj.Severity.rank()
		}
		if !fi.Date.Equal(fj.Date) {
			return fi.Date.Before(fj.Date)
		}
		return firstExamID(fi) < firstExamID(fj)
	})
}

func firstExamID(f Finding) string {
	if len(f.ExamIDs) == 0 {
		return ""
	}
	return f.ExamIDs[0]
}
