package schedule

import (
	"strconv"
	"time"

	"github.com/trezcool/mtihani/core"
)

// Exam lifecycle statuses. Only published exams bind the schedule;
// draft and cancelled exams are ignored by the conflict scan.
type ExamStatus string

const (
	ExamDraft      ExamStatus = "draft"
	ExamPublished  ExamStatus = "published"
	ExamInProgress ExamStatus = "in_progress"
	ExamCompleted  ExamStatus = "completed"
	ExamCancelled  ExamStatus = "cancelled"
)

var examStatuses = []ExamStatus{ExamDraft, ExamPublished, ExamInProgress, ExamCompleted, ExamCancelled}

func (s ExamStatus) Valid() bool {
	for _, st := range examStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// Closed reports whether the exam no longer accepts schedule edits.
func (s ExamStatus) Closed() bool {
	return s == ExamCompleted || s == ExamCancelled
}

// BindingStatuses are the statuses that occupy rooms and proctors.
var BindingStatuses = []ExamStatus{ExamPublished, ExamInProgress}

type ProctorRole string

const (
	ProctorMain       ProctorRole = "main"
	ProctorAssistant  ProctorRole = "assistant"
	ProctorSubstitute ProctorRole = "substitute"
	ProctorObserver   ProctorRole = "observer"
)

var ProctorRoles = []ProctorRole{ProctorMain, ProctorAssistant, ProctorSubstitute, ProctorObserver}

func (r ProctorRole) Valid() bool {
	for _, pr := range ProctorRoles {
		if r == pr {
			return true
		}
	}
	return false
}

type RegistrationStatus string

const (
	RegistrationPending  RegistrationStatus = "pending"
	RegistrationApproved RegistrationStatus = "approved"
	RegistrationRejected RegistrationStatus = "rejected"
)

// CountsTowardCapacity: only rejected registrations free up a seat.
func (s RegistrationStatus) CountsTowardCapacity() bool {
	return s != RegistrationRejected
}

type Exam struct {
	ID          string     `json:"id"`
	SubjectCode string     `json:"subject_code"`
	SubjectName string     `json:"subject_name"`
	Date        time.Time  `json:"date"`       // midnight UTC
	StartTime   string     `json:"start_time"` // "HH:MM"; [StartTime, EndTime) half-open
	EndTime     string     `json:"end_time"`
	RoomID      string     `json:"room_id,omitempty"` // empty: no room assigned yet
	Status      ExamStatus `json:"status"`
	MaxStudents int        `json:"max_students"`
	GradeLevel  string     `json:"grade_level,omitempty"`
	CreatedAt   time.Time  `json:"created_at"` // UTC
	UpdatedAt   time.Time  `json:"updated_at"` // UTC
}

// MinuteOfDay converts a "HH:MM" wall-clock time to minutes since midnight.
// Inputs are validated at the API boundary; malformed values read as 0.
func MinuteOfDay(hhmm string) int {
	if len(hhmm) != 5 || hhmm[2] != ':' {
		return 0
	}
	h, _ := strconv.Atoi(hhmm[:2])
	m, _ := strconv.Atoi(hhmm[3:])
	return h*60 + m
}

func (e Exam) StartMinute() int { return MinuteOfDay(e.StartTime) }
func (e Exam) EndMinute() int   { return MinuteOfDay(e.EndTime) }

func (e Exam) Duration() time.Duration {
	return time.Duration(e.EndMinute()-e.StartMinute()) * time.Minute
}

func (e Exam) SameDate(o Exam) bool {
	return e.Date.Equal(o.Date)
}

type Room struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Building string `json:"building,omitempty"`
	Floor    int    `json:"floor,omitempty"`
	Capacity int    `json:"capacity"`
	IsActive bool   `json:"is_active"`
}

// ProctorAssignment links a proctor (a teacher User) to an exam.
// Unique per (exam, proctor): a proctor holds at most one role on an exam.
type ProctorAssignment struct {
	ID        string      `json:"id"`
	ExamID    string      `json:"exam_id"`
	ProctorID string      `json:"proctor_id"`
	Role      ProctorRole `json:"role"`
	Notes     string      `json:"notes,omitempty"`
	CreatedAt time.Time   `json:"created_at"` // UTC
}

// StudentRegistration links a student User to an exam.
// Unique per (exam, student).
type StudentRegistration struct {
	ID        string             `json:"id"`
	ExamID    string             `json:"exam_id"`
	StudentID string             `json:"student_id"`
	Status    RegistrationStatus `json:"status"`
	CreatedAt time.Time          `json:"created_at"` // UTC
}

// ExamSummary is the overview row: an exam with its room and derived counts.
type ExamSummary struct {
	Exam
	Room            *Room               `json:"room,omitempty"`
	RegisteredCount int                 `json:"registered_count"`
	ProctorCounts   map[ProctorRole]int `json:"proctor_counts"`
}

// Scope bounds a schedule query to a date window with optional filters.
type Scope struct {
	From        time.Time `query:"start_date"`
	To          time.Time `query:"end_date"`
	RoomID      string    `query:"room_id"`
	SubjectCode string    `query:"subject_code"`
	Severity    Severity  `query:"severity"` // conflict scan only
}

func (s *Scope) Validate() error {
	var flds []core.FieldError
	if s.From.IsZero() {
		flds = append(flds, core.FieldError{Field: "start_date", Error: "this field is required"})
	}
	if s.To.IsZero() {
		flds = append(flds, core.FieldError{Field: "end_date", Error: "this field is required"})
	}
	if !s.From.IsZero() && !s.To.IsZero() && s.From.After(s.To) {
		flds = append(flds, core.FieldError{Field: "start_date", Error: "start_date cannot be after end_date"})
	}
	if s.Severity != "" && !s.Severity.Valid() {
		flds = append(flds, core.FieldError{Field: "severity", Error: "invalid severity"})
	}
	s.SubjectCode = core.CleanString(s.SubjectCode, true /* lower */)
	if flds != nil {
		return core.NewValidationError(nil, flds...)
	}
	return nil
}

// AssignStudents is the batch student registration request.
// Duplicate (exam, student) pairs are skipped; a capacity overflow
// rejects the whole batch.
type AssignStudents struct {
	ExamID     string             `json:"-" validate:"required"`
	StudentIDs []string           `json:"student_ids" validate:"required,min=1,dive,required"`
	Status     RegistrationStatus `json:"status"`
}

func (as *AssignStudents) Validate() error {
	as.ExamID = core.CleanString(as.ExamID)
	if as.Status == "" {
		as.Status = RegistrationApproved
	}
	if as.Status != RegistrationPending && as.Status != RegistrationApproved {
		return core.NewValidationError(nil, core.FieldError{Field: "status", Error: "status must be pending or approved"})
	}
	return core.Validate.Struct(as)
}

type ProctorSpec struct {
	ProctorID string      `json:"proctor_id" validate:"required"`
	Role      ProctorRole `json:"role" validate:"required,proctorrole"`
	Notes     string      `json:"notes"`
}

// AssignProctors is the batch proctor assignment request. Any proctor
// overlap rejects the whole batch; a duplicate role on this exam is an
// error unless ReplaceRole marks the request as an explicit role update.
type AssignProctors struct {
	ExamID      string        `json:"-" validate:"required"`
	Assignments []ProctorSpec `json:"assignments" validate:"required,min=1,dive"`
	ReplaceRole bool          `json:"replace_role"`
}

func (ap *AssignProctors) Validate() error {
	ap.ExamID = core.CleanString(ap.ExamID)
	for i := range ap.Assignments {
		ap.Assignments[i].ProctorID = core.CleanString(ap.Assignments[i].ProctorID)
		ap.Assignments[i].Notes = core.CleanString(ap.Assignments[i].Notes)
	}
	if err := core.Validate.Struct(ap); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(ap.Assignments))
	for _, spec := range ap.Assignments {
		if _, ok := seen[spec.ProctorID]; ok {
			return core.NewValidationError(nil, core.FieldError{
				Field: "assignments", Error: "proctor " + spec.ProctorID + " appears more than once",
			})
		}
		seen[spec.ProctorID] = struct{}{}
	}
	return nil
}
