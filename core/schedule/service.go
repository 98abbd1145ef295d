package schedule

import (
	"context"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/mtihani/core"
	"github.com/trezcool/mtihani/core/user"
)

// Actor is the authenticated caller of a mutating operation, passed in
// explicitly; the engine never reads identity from ambient state.
type Actor struct {
	ID    string
	Name  string
	Roles []string
}

func (a Actor) IsAdmin() bool {
	for _, role := range a.Roles {
		if strings.HasPrefix(role, user.RoleAdmin) {
			return true
		}
	}
	return false
}

type (
	AssignStudentsResult struct {
		Assigned int `json:"assigned_count"`
		Skipped  int `json:"skipped_count"`
	}

	AssignProctorsResult struct {
		Assigned int `json:"assigned_count"`
	}

	RemoveResult struct {
		Removed bool `json:"removed"`
	}

	UnassignedReport struct {
		UnregisteredStudents []user.User `json:"unregistered_students"`
		UnassignedProctors   []user.User `json:"unassigned_proctors"`
	}

	// Service is the assignment transaction manager plus the read-side
	// overview builder. Every mutating operation serializes per exam and
	// re-checks the guard inside the transaction; batches succeed or fail
	// as a whole.
	Service struct {
		repo    Repository
		mailSvc core.EmailService
		conf    core.ScheduleConfig
		locks   keyedMutex
	}
)

func NewService(repo Repository, mailSvc core.EmailService, conf core.ScheduleConfig) *Service {
	return &Service{repo: repo, mailSvc: mailSvc, conf: conf}
}

// Overview aggregates the exams in scope with their room and derived
// registration/proctor counts. Read-only; reports state, does not
// validate it.
func (svc *Service) Overview(ctx context.Context, scope Scope) ([]ExamSummary, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := checkScopeRoom(ctx, svc.repo, scope); err != nil {
		return nil, err
	}

	exams, err := svc.repo.QueryExams(ctx, scope, nil)
	if err != nil {
		return nil, errors.Wrap(err, "querying exams in scope")
	}
	sort.Slice(exams, func(i, j int) bool {
		ei, ej := exams[i], exams[j]
		if !ei.Date.Equal(ej.Date) {
			return ei.Date.Before(ej.Date)
		}
		if ei.StartMinute() != ej.StartMinute() {
			return ei.StartMinute() < ej.StartMinute()
		}
		return ei.ID < ej.ID
	})

	examIDs := make([]string, 0, len(exams))
	roomIDs := make([]string, 0, len(exams))
	seenRooms := make(map[string]struct{})
	for _, e := range exams {
		examIDs = append(examIDs, e.ID)
		if e.RoomID != "" {
			if _, ok := seenRooms[e.RoomID]; !ok {
				seenRooms[e.RoomID] = struct{}{}
				roomIDs = append(roomIDs, e.RoomID)
			}
		}
	}

	registered, err := svc.repo.CountRegistrations(ctx, examIDs)
	if err != nil {
		return nil, errors.Wrap(err, "counting registrations")
	}
	assignments, err := svc.repo.QueryProctorAssignments(ctx, examIDs)
	if err != nil {
		return nil, errors.Wrap(err, "querying proctor assignments")
	}
	rooms, err := svc.repo.QueryRooms(ctx, roomIDs)
	if err != nil {
		return nil, errors.Wrap(err, "querying rooms")
	}

	roomsByID := make(map[string]Room, len(rooms))
	for _, r := range rooms {
		roomsByID[r.ID] = r
	}
	proctorCounts := make(map[string]map[ProctorRole]int)
	for _, pa := range assignments {
		if proctorCounts[pa.ExamID] == nil {
			proctorCounts[pa.ExamID] = make(map[ProctorRole]int)
		}
		proctorCounts[pa.ExamID][pa.Role]++
	}

	summaries := make([]ExamSummary, 0, len(exams))
	for _, e := range exams {
		summary := ExamSummary{
			Exam:            e,
			RegisteredCount: registered[e.ID],
			ProctorCounts:   proctorCounts[e.ID],
		}
		if room, ok := roomsByID[e.RoomID]; ok {
			room := room
			summary.Room = &room
		}
		if summary.ProctorCounts == nil {
			summary.ProctorCounts = map[ProctorRole]int{}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// Unassigned lists active students with no registration and active
// teachers with no proctor duty within the scope. An omitted range
// defaults to the configured window starting today.
func (svc *Service) Unassigned(ctx context.Context, scope Scope) (UnassignedReport, error) {
	if scope.From.IsZero() && scope.To.IsZero() {
		today := time.Now().UTC().Truncate(24 * time.Hour)
		scope.From = today
		scope.To = today.Add(svc.conf.UnassignedWindow)
	}
	if err := scope.Validate(); err != nil {
		return UnassignedReport{}, err
	}

	students, err := svc.repo.QueryUnregisteredStudents(ctx, scope)
	if err != nil {
		return UnassignedReport{}, errors.Wrap(err, "querying unregistered students")
	}
	proctors, err := svc.repo.QueryUnassignedProctors(ctx, scope)
	if err != nil {
		return UnassignedReport{}, errors.Wrap(err, "querying unassigned proctors")
	}
	return UnassignedReport{
		UnregisteredStudents: students,
		UnassignedProctors:   proctors,
	}, nil
}

// AssignStudents registers a batch of students on an exam. Students who
// already hold an active registration are skipped, not errored; a
// capacity overflow rejects the whole batch with no partial admission.
func (svc *Service) AssignStudents(ctx context.Context, actor Actor, req AssignStudents) (AssignStudentsResult, error) {
	if !actor.IsAdmin() {
		return AssignStudentsResult{}, ErrPermissionDenied
	}
	if err := req.Validate(); err != nil {
		return AssignStudentsResult{}, err
	}

	unlock := svc.locks.lock(req.ExamID)
	defer unlock()

	var result AssignStudentsResult
	var assignedIDs []string

	err := svc.repo.Atomic(ctx, req.ExamID, func(ctx context.Context, tx core.DBTransactor) error {
		exam, err := svc.repo.GetExam(ctx, req.ExamID, tx)
		if err != nil {
			return err
		}
		if exam.Status.Closed() {
			return core.NewValidationError(nil, core.FieldError{
				Field: "exam_id", Error: fmt.Sprintf("exam is %s and can no longer be edited", exam.Status),
			})
		}

		// re-read the registration state inside the transaction
		regs, err := svc.repo.QueryRegistrations(ctx, exam.ID, tx)
		if err != nil {
			return errors.Wrap(err, "querying registrations")
		}
		active := make(map[string]struct{}, len(regs))
		rejected := make(map[string]struct{})
		current := 0
		for _, reg := range regs {
			if reg.Status.CountsTowardCapacity() {
				active[reg.StudentID] = struct{}{}
				current++
			} else {
				rejected[reg.StudentID] = struct{}{}
			}
		}

		var newIDs, reactivateIDs []string
		seen := make(map[string]struct{}, len(req.StudentIDs))
		for _, studentID := range req.StudentIDs {
			if _, dup := seen[studentID]; dup {
				result.Skipped++
				continue
			}
			seen[studentID] = struct{}{}
			if _, ok := active[studentID]; ok {
				result.Skipped++ // duplicate assignment is idempotent, not an error
				continue
			}
			if _, ok := rejected[studentID]; ok {
				reactivateIDs = append(reactivateIDs, studentID)
			} else {
				newIDs = append(newIDs, studentID)
			}
		}

		// reactivated rows already reference known users; only new IDs need resolving
		if err := svc.checkUsersExist(ctx, newIDs, tx); err != nil {
			return err
		}

		admitting := len(newIDs) + len(reactivateIDs)
		if res := CheckCapacity(exam, current, admitting); !res.Ok() {
			return &CapacityError{ExamID: exam.ID, Current: current, Max: exam.MaxStudents, Overflow: res.Overflow}
		}

		now := time.Now().UTC()
		rows := make([]StudentRegistration, 0, len(newIDs))
		for _, studentID := range newIDs {
			rows = append(rows, StudentRegistration{
				ExamID:    exam.ID,
				StudentID: studentID,
				Status:    req.Status,
				CreatedAt: now,
			})
		}
		if len(rows) > 0 {
			if err := svc.repo.CreateRegistrations(ctx, rows, tx); err != nil {
				return errors.Wrap(err, "inserting registrations")
			}
		}
		// a rejected row blocks the unique (exam, student) pair; flip it back
		for _, studentID := range reactivateIDs {
			if err := svc.repo.UpdateRegistrationStatus(ctx, exam.ID, studentID, req.Status, tx); err != nil {
				return errors.Wrap(err, "re-activating registration")
			}
		}

		result.Assigned = admitting
		assignedIDs = append(newIDs, reactivateIDs...)
		return nil
	})
	if err != nil {
		return AssignStudentsResult{}, err
	}

	svc.notifyStudents(ctx, req.ExamID, assignedIDs)
	return result, nil
}

// AssignProctors assigns a batch of proctors to an exam. Any overlap with
// a proctor's existing duties rejects the whole batch; a duplicate role on
// this exam is an error unless the request is an explicit role replace.
func (svc *Service) AssignProctors(ctx context.Context, actor Actor, req AssignProctors) (AssignProctorsResult, error) {
	if !actor.IsAdmin() {
		return AssignProctorsResult{}, ErrPermissionDenied
	}
	if err := req.Validate(); err != nil {
		return AssignProctorsResult{}, err
	}

	unlock := svc.locks.lock(req.ExamID)
	defer unlock()

	var result AssignProctorsResult
	var assignedIDs []string

	err := svc.repo.Atomic(ctx, req.ExamID, func(ctx context.Context, tx core.DBTransactor) error {
		exam, err := svc.repo.GetExam(ctx, req.ExamID, tx)
		if err != nil {
			return err
		}
		if exam.Status.Closed() {
			return core.NewValidationError(nil, core.FieldError{
				Field: "exam_id", Error: fmt.Sprintf("exam is %s and can no longer be edited", exam.Status),
			})
		}

		existing, err := svc.repo.QueryProctorAssignments(ctx, []string{exam.ID}, tx)
		if err != nil {
			return errors.Wrap(err, "querying proctor assignments")
		}
		existingByProctor := make(map[string]ProctorAssignment, len(existing))
		for _, pa := range existing {
			existingByProctor[pa.ProctorID] = pa
		}

		var newProctorIDs []string
		for _, spec := range req.Assignments {
			if _, ok := existingByProctor[spec.ProctorID]; !ok {
				newProctorIDs = append(newProctorIDs, spec.ProctorID)
			}
		}
		if err := svc.checkUsersExist(ctx, newProctorIDs, tx); err != nil {
			return err
		}

		now := time.Now().UTC()
		var inserts []ProctorAssignment
		var updates []ProctorAssignment

		for _, spec := range req.Assignments {
			// proctor overlap is a hard rule; the first hit aborts the batch
			others, err := svc.repo.QueryProctorSchedule(ctx, spec.ProctorID, exam.Date, tx)
			if err != nil {
				return errors.Wrap(err, "querying proctor schedule")
			}
			if conflicting, found := FindProctorConflict(exam, others); found {
				return &ConflictError{
					Kind:              ConflictProctor,
					ExamID:            exam.ID,
					ProctorID:         spec.ProctorID,
					ConflictingExamID: conflicting.ID,
					Date:              conflicting.Date,
					Start:             conflicting.StartTime,
					End:               conflicting.EndTime,
				}
			}

			if prev, ok := existingByProctor[spec.ProctorID]; ok {
				if !req.ReplaceRole {
					return core.NewValidationError(nil, core.FieldError{
						Field: "assignments",
						Error: fmt.Sprintf("proctor %s already holds the %s role on this exam", spec.ProctorID, prev.Role),
					})
				}
				prev.Role = spec.Role
				prev.Notes = spec.Notes
				updates = append(updates, prev)
			} else {
				inserts = append(inserts, ProctorAssignment{
					ExamID:    exam.ID,
					ProctorID: spec.ProctorID,
					Role:      spec.Role,
					Notes:     spec.Notes,
					CreatedAt: now,
				})
			}
			assignedIDs = append(assignedIDs, spec.ProctorID)
		}

		if len(inserts) > 0 {
			if err := svc.repo.CreateProctorAssignments(ctx, inserts, tx); err != nil {
				return errors.Wrap(err, "inserting proctor assignments")
			}
		}
		for _, pa := range updates {
			if err := svc.repo.UpdateProctorAssignment(ctx, pa, tx); err != nil {
				return errors.Wrap(err, "updating proctor assignment")
			}
		}

		result.Assigned = len(inserts) + len(updates)
		return nil
	})
	if err != nil {
		return AssignProctorsResult{}, err
	}

	svc.notifyProctors(ctx, req.ExamID, assignedIDs)
	return result, nil
}

// RemoveStudent deletes a student's registration. Idempotent: nothing to
// remove is a successful no-op reported as Removed=false.
func (svc *Service) RemoveStudent(ctx context.Context, actor Actor, examID, studentID string) (RemoveResult, error) {
	if !actor.IsAdmin() {
		return RemoveResult{}, ErrPermissionDenied
	}
	examID = core.CleanString(examID)
	studentID = core.CleanString(studentID)
	if examID == "" || studentID == "" {
		return RemoveResult{}, core.NewValidationError(nil, core.FieldError{
			Field: "exam_id", Error: "exam_id and student_id are required",
		})
	}

	unlock := svc.locks.lock(examID)
	defer unlock()

	var result RemoveResult
	err := svc.repo.Atomic(ctx, examID, func(ctx context.Context, tx core.DBTransactor) error {
		removed, err := svc.repo.DeleteRegistration(ctx, examID, studentID, tx)
		if err != nil {
			return errors.Wrap(err, "deleting registration")
		}
		result.Removed = removed
		return nil
	})
	return result, err
}

// RemoveProctor is symmetric to RemoveStudent.
func (svc *Service) RemoveProctor(ctx context.Context, actor Actor, examID, proctorID string) (RemoveResult, error) {
	if !actor.IsAdmin() {
		return RemoveResult{}, ErrPermissionDenied
	}
	examID = core.CleanString(examID)
	proctorID = core.CleanString(proctorID)
	if examID == "" || proctorID == "" {
		return RemoveResult{}, core.NewValidationError(nil, core.FieldError{
			Field: "exam_id", Error: "exam_id and proctor_id are required",
		})
	}

	unlock := svc.locks.lock(examID)
	defer unlock()

	var result RemoveResult
	err := svc.repo.Atomic(ctx, examID, func(ctx context.Context, tx core.DBTransactor) error {
		removed, err := svc.repo.DeleteProctorAssignment(ctx, examID, proctorID, tx)
		if err != nil {
			return errors.Wrap(err, "deleting proctor assignment")
		}
		result.Removed = removed
		return nil
	})
	return result, err
}

// checkUsersExist resolves the referenced user IDs inside the transaction;
// the first missing ID rejects the whole batch.
func (svc *Service) checkUsersExist(ctx context.Context, ids []string, tx core.DBTransactor) error {
	if len(ids) == 0 {
		return nil
	}
	users, err := svc.repo.QueryUsersByID(ctx, ids, tx)
	if err != nil {
		return errors.Wrap(err, "resolving users")
	}
	found := make(map[string]struct{}, len(users))
	for _, usr := range users {
		found[usr.ID] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			return errors.Wrap(ErrUserNotFound, id)
		}
	}
	return nil
}

// checkScopeRoom resolves an explicit room filter; an unknown room reads
// as not-found rather than an empty schedule.
func checkScopeRoom(ctx context.Context, repo Repository, scope Scope) error {
	if scope.RoomID == "" {
		return nil
	}
	rooms, err := repo.QueryRooms(ctx, []string{scope.RoomID})
	if err != nil {
		return errors.Wrap(err, "querying rooms")
	}
	if len(rooms) == 0 {
		return errors.Wrap(ErrRoomNotFound, scope.RoomID)
	}
	return nil
}

// notifyStudents sends registration confirmations; best effort, after
// commit, never affects the transaction result.
func (svc *Service) notifyStudents(ctx context.Context, examID string, studentIDs []string) {
	if svc.mailSvc == nil || len(studentIDs) == 0 {
		return
	}
	exam, err := svc.repo.GetExam(ctx, examID)
	if err != nil {
		return
	}
	users, err := svc.repo.QueryUsersByID(ctx, studentIDs)
	if err != nil {
		return
	}
	messages := make([]*core.EmailMessage, 0, len(users))
	for _, usr := range users {
		if usr.Email == "" {
			continue
		}
		messages = append(messages, &core.EmailMessage{
			To:      []mail.Address{{Name: usr.Name, Address: usr.Email}},
			Subject: "Exam registration confirmed",
			BodyStr: fmt.Sprintf(
				"You are registered for %s on %s from %s to %s.",
				exam.SubjectName, exam.Date.Format("Monday, 2 January 2006"), exam.StartTime, exam.EndTime),
		})
	}
	svc.mailSvc.SendMessages(messages...)
}

func (svc *Service) notifyProctors(ctx context.Context, examID string, proctorIDs []string) {
	if svc.mailSvc == nil || len(proctorIDs) == 0 {
		return
	}
	exam, err := svc.repo.GetExam(ctx, examID)
	if err != nil {
		return
	}
	users, err := svc.repo.QueryUsersByID(ctx, proctorIDs)
	if err != nil {
		return
	}
	messages := make([]*core.EmailMessage, 0, len(users))
	for _, usr := range users {
		if usr.Email == "" {
			continue
		}
		messages = append(messages, &core.EmailMessage{
			To:      []mail.Address{{Name: usr.Name, Address: usr.Email}},
			Subject: "Proctor duty assigned",
			BodyStr: fmt.Sprintf(
				"You are assigned to proctor %s on %s from %s to %s.",
				exam.SubjectName, exam.Date.Format("Monday, 2 January 2006"), exam.StartTime, exam.EndTime),
		})
	}
	svc.mailSvc.SendMessages(messages...)
}

// keyedMutex serializes operations per exam ID within this process; the
// repository transaction covers cross-process writers.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (km *keyedMutex) lock(key string) (unlock func()) {
	km.mu.Lock()
	if km.locks == nil {
		km.locks = make(map[string]*lockEntry)
	}
	entry, ok := km.locks[key]
	if !ok {
		entry = &lockEntry{}
		km.locks[key] = entry
	}
	entry.refs++
	km.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		km.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(km.locks, key)
		}
		km.mu.Unlock()
	}
}
