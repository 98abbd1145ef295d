package schedule

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrExamNotFound     = errors.New("exam not found")
	ErrRoomNotFound     = errors.New("room not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrPermissionDenied = errors.New("permission denied")
)

type ConflictKind string

const (
	ConflictRoom    ConflictKind = "room"
	ConflictProctor ConflictKind = "proctor"
)

// ConflictError rejects an assignment batch because of a room or proctor
// overlap. It names the offending entity and the conflicting exam so the
// caller can correct one input and resubmit.
type ConflictError struct {
	Kind              ConflictKind `json:"kind"`
	ExamID            string       `json:"exam_id"`
	RoomID            string       `json:"room_id,omitempty"`
	ProctorID         string       `json:"proctor_id,omitempty"`
	ConflictingExamID string       `json:"conflicting_exam_id"`
	Date              time.Time    `json:"date"`
	Start             string       `json:"start_time"`
	End               string       `json:"end_time"`
}

func (e *ConflictError) Error() string {
	switch e.Kind {
	case ConflictProctor:
		return fmt.Sprintf(
			"proctor %s already serves on exam %s (%s %s-%s)",
			e.ProctorID, e.ConflictingExamID, e.Date.Format("2006-01-02"), e.Start, e.End)
	default:
		return fmt.Sprintf(
			"room %s is already booked by exam %s (%s %s-%s)",
			e.RoomID, e.ConflictingExamID, e.Date.Format("2006-01-02"), e.Start, e.End)
	}
}

// CapacityError rejects a registration batch that would exceed the exam's
// seat count; Overflow tells the caller by how much to shrink the batch.
type CapacityError struct {
	ExamID   string `json:"exam_id"`
	Current  int    `json:"current_count"`
	Max      int    `json:"max_students"`
	Overflow int    `json:"overflow"`
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf(
		"exam %s is over capacity: %d registered of %d max, batch exceeds by %d",
		e.ExamID, e.Current, e.Max, e.Overflow)
}
