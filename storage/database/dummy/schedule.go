package dummydb

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/trezcool/mtihani/core"
	"github.com/trezcool/mtihani/core/schedule"
	"github.com/trezcool/mtihani/core/user"
)

type scheduleRepository struct {
	db    *DB
	users *userRepository
}

var _ schedule.Repository = (*scheduleRepository)(nil) // interface compliance check

func NewScheduleRepository(db *DB) *scheduleRepository {
	return &scheduleRepository{db: db, users: NewUserRepository(db)}
}

func sortExams(exams []schedule.Exam) {
	sort.Slice(exams, func(i, j int) bool {
		if !exams[i].Date.Equal(exams[j].Date) {
			return exams[i].Date.Before(exams[j].Date)
		}
		if exams[i].StartTime != exams[j].StartTime {
			return exams[i].StartTime < exams[j].StartTime
		}
		return exams[i].ID < exams[j].ID
	})
}

func matchesScope(e schedule.Exam, scope schedule.Scope) bool {
	if e.Date.Before(scope.From.UTC().Truncate(24*time.Hour)) || e.Date.After(scope.To.UTC().Truncate(24*time.Hour)) {
		return false
	}
	if scope.RoomID != "" && e.RoomID != scope.RoomID {
		return false
	}
	if scope.SubjectCode != "" && core.CleanString(e.SubjectCode, true) != scope.SubjectCode {
		return false
	}
	return true
}

func (repo *scheduleRepository) QueryExams(ctx context.Context, scope schedule.Scope, statuses []schedule.ExamStatus, exec ...core.DBExecutor) ([]schedule.Exam, error) {
	repo.db.exam.RLock()
	defer repo.db.exam.RUnlock()

	exams := make([]schedule.Exam, 0, len(repo.db.exam.table))
	for _, e := range repo.db.exam.table {
		if !matchesScope(*e, scope) {
			continue
		}
		if len(statuses) > 0 {
			ok := false
			for _, s := range statuses {
				if e.Status == s {
					ok = true
					break
				}
			}
			if !ok {
				continue
			}
		}
		exams = append(exams, *e)
	}
	sortExams(exams)
	return exams, nil
}

func (repo *scheduleRepository) GetExam(ctx context.Context, id string, exec ...core.DBExecutor) (schedule.Exam, error) {
	repo.db.exam.RLock()
	defer repo.db.exam.RUnlock()

	if e, ok := repo.db.exam.table[id]; ok {
		return *e, nil
	}
	return schedule.Exam{}, schedule.ErrExamNotFound
}

func (repo *scheduleRepository) QueryRooms(ctx context.Context, ids []string, exec ...core.DBExecutor) ([]schedule.Room, error) {
	repo.db.room.RLock()
	defer repo.db.room.RUnlock()

	rooms := make([]schedule.Room, 0, len(ids))
	for _, id := range ids {
		if r, ok := repo.db.room.table[id]; ok {
			rooms = append(rooms, *r)
		}
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })
	return rooms, nil
}

func (repo *scheduleRepository) QueryProctorAssignments(ctx context.Context, examIDs []string, exec ...core.DBExecutor) ([]schedule.ProctorAssignment, error) {
	repo.db.assignment.RLock()
	defer repo.db.assignment.RUnlock()

	wanted := make(map[string]struct{}, len(examIDs))
	for _, id := range examIDs {
		wanted[id] = struct{}{}
	}
	var pas []schedule.ProctorAssignment
	for _, pa := range repo.db.assignment.table {
		if _, ok := wanted[pa.ExamID]; ok {
			pas = append(pas, *pa)
		}
	}
	sort.Slice(pas, func(i, j int) bool {
		if pas[i].ExamID != pas[j].ExamID {
			return pas[i].ExamID < pas[j].ExamID
		}
		return pas[i].CreatedAt.Before(pas[j].CreatedAt)
	})
	return pas, nil
}

func (repo *scheduleRepository) QueryProctorSchedule(ctx context.Context, proctorID string, date time.Time, exec ...core.DBExecutor) ([]schedule.Exam, error) {
	examIDs := make(map[string]struct{})
	repo.db.assignment.RLock()
	for _, pa := range repo.db.assignment.table {
		if pa.ProctorID == proctorID {
			examIDs[pa.ExamID] = struct{}{}
		}
	}
	repo.db.assignment.RUnlock()

	repo.db.exam.RLock()
	defer repo.db.exam.RUnlock()

	day := date.UTC().Truncate(24 * time.Hour)
	var exams []schedule.Exam
	for id := range examIDs {
		e, ok := repo.db.exam.table[id]
		if !ok || !e.Date.Equal(day) {
			continue
		}
		for _, s := range schedule.BindingStatuses {
			if e.Status == s {
				exams = append(exams, *e)
				break
			}
		}
	}
	sortExams(exams)
	return exams, nil
}

func (repo *scheduleRepository) QueryRegistrations(ctx context.Context, examID string, exec ...core.DBExecutor) ([]schedule.StudentRegistration, error) {
	repo.db.registration.RLock()
	defer repo.db.registration.RUnlock()

	var regs []schedule.StudentRegistration
	for _, reg := range repo.db.registration.table {
		if reg.ExamID == examID {
			regs = append(regs, *reg)
		}
	}
	sort.Slice(regs, func(i, j int) bool {
		if !regs[i].CreatedAt.Equal(regs[j].CreatedAt) {
			return regs[i].CreatedAt.Before(regs[j].CreatedAt)
		}
		return regs[i].ID < regs[j].ID
	})
	return regs, nil
}

func (repo *scheduleRepository) CountRegistrations(ctx context.Context, examIDs []string, exec ...core.DBExecutor) (map[string]int, error) {
	repo.db.registration.RLock()
	defer repo.db.registration.RUnlock()

	counts := make(map[string]int, len(examIDs))
	wanted := make(map[string]struct{}, len(examIDs))
	for _, id := range examIDs {
		wanted[id] = struct{}{}
	}
	for _, reg := range repo.db.registration.table {
		if _, ok := wanted[reg.ExamID]; !ok {
			continue
		}
		if reg.Status.CountsTowardCapacity() {
			counts[reg.ExamID]++
		}
	}
	return counts, nil
}

func (repo *scheduleRepository) QueryUnregisteredStudents(ctx context.Context, scope schedule.Scope, exec ...core.DBExecutor) ([]user.User, error) {
	students, err := repo.users.QueryUsers(ctx, user.StudentRoles)
	if err != nil {
		return nil, err
	}

	registered := make(map[string]struct{})
	repo.db.registration.RLock()
	repo.db.exam.RLock()
	for _, reg := range repo.db.registration.table {
		if !reg.Status.CountsTowardCapacity() {
			continue
		}
		e, ok := repo.db.exam.table[reg.ExamID]
		if ok && e.Status == schedule.ExamPublished && matchesScope(*e, schedule.Scope{From: scope.From, To: scope.To}) {
			registered[reg.StudentID] = struct{}{}
		}
	}
	repo.db.exam.RUnlock()
	repo.db.registration.RUnlock()

	var unregistered []user.User
	for _, usr := range students {
		if !usr.Active() {
			continue
		}
		if _, ok := registered[usr.ID]; !ok {
			unregistered = append(unregistered, usr)
		}
	}
	return unregistered, nil
}

func (repo *scheduleRepository) QueryUnassignedProctors(ctx context.Context, scope schedule.Scope, exec ...core.DBExecutor) ([]user.User, error) {
	teachers, err := repo.users.QueryUsers(ctx, user.TeacherRoles)
	if err != nil {
		return nil, err
	}

	assigned := make(map[string]struct{})
	repo.db.assignment.RLock()
	repo.db.exam.RLock()
	for _, pa := range repo.db.assignment.table {
		e, ok := repo.db.exam.table[pa.ExamID]
		if ok && e.Status == schedule.ExamPublished && matchesScope(*e, schedule.Scope{From: scope.From, To: scope.To}) {
			assigned[pa.ProctorID] = struct{}{}
		}
	}
	repo.db.exam.RUnlock()
	repo.db.assignment.RUnlock()

	var unassigned []user.User
	for _, usr := range teachers {
		if !usr.Active() {
			continue
		}
		if _, ok := assigned[usr.ID]; !ok {
			unassigned = append(unassigned, usr)
		}
	}
	return unassigned, nil
}

func (repo *scheduleRepository) QueryUsersByID(ctx context.Context, ids []string, exec ...core.DBExecutor) ([]user.User, error) {
	repo.db.user.RLock()
	defer repo.db.user.RUnlock()

	users := make([]user.User, 0, len(ids))
	for _, id := range ids {
		if usr, ok := repo.db.user.table[id]; ok {
			users = append(users, *usr)
		}
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].Name != users[j].Name {
			return users[i].Name < users[j].Name
		}
		return users[i].ID < users[j].ID
	})
	return users, nil
}

func (repo *scheduleRepository) CreateRegistrations(ctx context.Context, regs []schedule.StudentRegistration, exec ...core.DBExecutor) error {
	repo.db.registration.Lock()
	defer repo.db.registration.Unlock()

	for i := range regs {
		reg := regs[i]
		reg.ID = uuid.New().String()
		repo.db.registration.table[reg.ID] = &reg
	}
	return nil
}

func (repo *scheduleRepository) UpdateRegistrationStatus(ctx context.Context, examID, studentID string, status schedule.RegistrationStatus, exec ...core.DBExecutor) error {
	repo.db.registration.Lock()
	defer repo.db.registration.Unlock()

	for _, reg := range repo.db.registration.table {
		if reg.ExamID == examID && reg.StudentID == studentID {
			reg.Status = status
		}
	}
	return nil
}

func (repo *scheduleRepository) DeleteRegistration(ctx context.Context, examID, studentID string, exec ...core.DBExecutor) (bool, error) {
	repo.db.registration.Lock()
	defer repo.db.registration.Unlock()

	for id, reg := range repo.db.registration.table {
		if reg.ExamID == examID && reg.StudentID == studentID {
			delete(repo.db.registration.table, id)
			return true, nil
		}
	}
	return false, nil
}

func (repo *scheduleRepository) CreateProctorAssignments(ctx context.Context, pas []schedule.ProctorAssignment, exec ...core.DBExecutor) error {
	repo.db.assignment.Lock()
	defer repo.db.assignment.Unlock()

	for i := range pas {
		pa := pas[i]
		pa.ID = uuid.New().String()
		repo.db.assignment.table[pa.ID] = &pa
	}
	return nil
}

func (repo *scheduleRepository) UpdateProctorAssignment(ctx context.Context, pa schedule.ProctorAssignment, exec ...core.DBExecutor) error {
	repo.db.assignment.Lock()
	defer repo.db.assignment.Unlock()

	for _, cur := range repo.db.assignment.table {
		if cur.ExamID == pa.ExamID && cur.ProctorID == pa.ProctorID {
			cur.Role = pa.Role
			cur.Notes = pa.Notes
		}
	}
	return nil
}

func (repo *scheduleRepository) DeleteProctorAssignment(ctx context.Context, examID, proctorID string, exec ...core.DBExecutor) (bool, error) {
	repo.db.assignment.Lock()
	defer repo.db.assignment.Unlock()

	for id, pa := range repo.db.assignment.table {
		if pa.ExamID == examID && pa.ProctorID == proctorID {
			delete(repo.db.assignment.table, id)
			return true, nil
		}
	}
	return false, nil
}

// Atomic serializes all transactional blocks on a single mutex; fn receives
// a nil transactor and the per-table locks do the per-call synchronization.
func (repo *scheduleRepository) Atomic(ctx context.Context, examID string, fn func(ctx context.Context, tx core.DBTransactor) error) error {
	repo.db.atomicMu.Lock()
	defer repo.db.atomicMu.Unlock()
	return fn(ctx, nil)
}
