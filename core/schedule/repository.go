package schedule

import (
	"context"
	"time"

	"github.com/trezcool/mtihani/core"
	"github.com/trezcool/mtihani/core/user"
)

// Repository is the engine's data-access boundary. All mutation of
// registration and proctor-assignment rows is funneled through the
// Service; no other component writes them.
type Repository interface {
	// reads
	QueryExams(ctx context.Context, scope Scope, statuses []ExamStatus, exec ...core.DBExecutor) ([]Exam, error)
	GetExam(ctx context.Context, id string, exec ...core.DBExecutor) (Exam, error)
	QueryRooms(ctx context.Context, ids []string, exec ...core.DBExecutor) ([]Room, error)
	// QueryProctorAssignments returns the assignments of the given exams.
	QueryProctorAssignments(ctx context.Context, examIDs []string, exec ...core.DBExecutor) ([]ProctorAssignment, error)
	// QueryProctorSchedule returns the binding-status exams on which the
	// proctor holds any role on the given date.
	QueryProctorSchedule(ctx context.Context, proctorID string, date time.Time, exec ...core.DBExecutor) ([]Exam, error)
	QueryRegistrations(ctx context.Context, examID string, exec ...core.DBExecutor) ([]StudentRegistration, error)
	// CountRegistrations returns the non-rejected registration count per exam.
	CountRegistrations(ctx context.Context, examIDs []string, exec ...core.DBExecutor) (map[string]int, error)
	QueryUnregisteredStudents(ctx context.Context, scope Scope, exec ...core.DBExecutor) ([]user.User, error)
	QueryUnassignedProctors(ctx context.Context, scope Scope, exec ...core.DBExecutor) ([]user.User, error)
	QueryUsersByID(ctx context.Context, ids []string, exec ...core.DBExecutor) ([]user.User, error)

	// writes; Service only
	CreateRegistrations(ctx context.Context, regs []StudentRegistration, exec ...core.DBExecutor) error
	UpdateRegistrationStatus(ctx context.Context, examID, studentID string, status RegistrationStatus, exec ...core.DBExecutor) error
	DeleteRegistration(ctx context.Context, examID, studentID string, exec ...core.DBExecutor) (bool, error)
	CreateProctorAssignments(ctx context.Context, pas []ProctorAssignment, exec ...core.DBExecutor) error
	UpdateProctorAssignment(ctx context.Context, pa ProctorAssignment, exec ...core.DBExecutor) error
	DeleteProctorAssignment(ctx context.Context, examID, proctorID string, exec ...core.DBExecutor) (bool, error)

	// Atomic runs fn inside a transaction with the exam row locked for the
	// duration, so concurrent writers to the same exam serialize on the
	// read-check-write sequence.
	Atomic(ctx context.Context, examID string, fn func(ctx context.Context, tx core.DBTransactor) error) error
}
