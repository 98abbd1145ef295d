package schedule_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/mtihani/core"
	"github.com/trezcool/mtihani/core/schedule"
	"github.com/trezcool/mtihani/core/user"
	emailsvc "github.com/trezcool/mtihani/services/email"
	dummydb "github.com/trezcool/mtihani/storage/database/dummy"
)

var (
	adminActor   = schedule.Actor{ID: "admin-1", Name: "Head Admin", Roles: []string{user.RoleAdminPrincipal}}
	teacherActor = schedule.Actor{ID: "teacher-1", Name: "Some Teacher", Roles: []string{user.RoleTeacher}}
)

func setupService(t *testing.T) (*schedule.Service, schedule.Repository, *dummydb.DB) {
	t.Helper()
	db, err := dummydb.Open()
	require.NoError(t, err)
	repo := dummydb.NewScheduleRepository(db)
	svc := schedule.NewService(repo, nil, testConf())
	return svc, repo, db
}

// seedUsers creates n active users and returns their IDs; assignment
// batches only admit users the repository knows.
func seedUsers(t *testing.T, db *dummydb.DB, prefix string, roles []string, n int) []string {
	t.Helper()
	usrRepo := dummydb.NewUserRepository(db)
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("%s%02d", prefix, i+1)
		usr := user.User{Name: name, Username: name, Email: name + "@school.test", Roles: roles}
		usr.SetActive(true)
		usr, err := usrRepo.UpdateOrCreateUser(context.Background(), usr)
		require.NoError(t, err)
		ids = append(ids, usr.ID)
	}
	return ids
}

func countActive(t *testing.T, repo schedule.Repository, examID string) int {
	t.Helper()
	counts, err := repo.CountRegistrations(context.Background(), []string{examID})
	require.NoError(t, err)
	return counts[examID]
}

func TestService_AssignStudents(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path", func(t *testing.T) {
		svc, repo, db := setupService(t)
		db.SetExams(exam("e1", "", "2026-06-01", "09:00", "11:00", 30))
		students := seedUsers(t, db, "st", user.StudentRoles, 3)

		res, err := svc.AssignStudents(ctx, adminActor, schedule.AssignStudents{
			ExamID:     "e1",
			StudentIDs: students,
		})
		require.NoError(t, err)
		assert.Equal(t, schedule.AssignStudentsResult{Assigned: 3}, res)
		assert.Equal(t, 3, countActive(t, repo, "e1"))
	})

	t.Run("duplicates are skipped, not errored", func(t *testing.T) {
		svc, repo, db := setupService(t)
		db.SetExams(exam("e1", "", "2026-06-01", "09:00", "11:00", 30))
		students := seedUsers(t, db, "st", user.StudentRoles, 2)
		s1, s2 := students[0], students[1]

		_, err := svc.AssignStudents(ctx, adminActor, schedule.AssignStudents{ExamID: "e1", StudentIDs: []string{s1}})
		require.NoError(t, err)

		res, err := svc.AssignStudents(ctx, adminActor, schedule.AssignStudents{
			ExamID:     "e1",
			StudentIDs: []string{s1, s2, s2}, // s1 already registered, s2 repeated in-request
		})
		require.NoError(t, err)
		assert.Equal(t, schedule.AssignStudentsResult{Assigned: 1, Skipped: 2}, res)
		assert.Equal(t, 2, countActive(t, repo, "e1"))
	})

	t.Run("overflow rejects the whole batch", func(t *testing.T) {
		svc, repo, db := setupService(t)
		db.SetExams(exam("e1", "", "2026-06-01", "09:00", "11:00", 30))
		students := seedUsers(t, db, "st", user.StudentRoles, 31)

		_, err := svc.AssignStudents(ctx, adminActor, schedule.AssignStudents{ExamID: "e1", StudentIDs: students[:28]})
		require.NoError(t, err)

		_, err = svc.AssignStudents(ctx, adminActor, schedule.AssignStudents{
			ExamID:     "e1",
			StudentIDs: students[28:],
		})
		var capErr *schedule.CapacityError
		require.True(t, errors.As(err, &capErr))
		assert.Equal(t, 1, capErr.Overflow)
		assert.Equal(t, 28, capErr.Current)
		assert.Equal(t, 28, countActive(t, repo, "e1"), "no partial admission")
	})

	t.Run("rejected registration is reactivated", func(t *testing.T) {
		svc, repo, db := setupService(t)
		db.SetExams(exam("e1", "", "2026-06-01", "09:00", "11:00", 30))
		s1 := seedUsers(t, db, "st", user.StudentRoles, 1)[0]

		_, err := svc.AssignStudents(ctx, adminActor, schedule.AssignStudents{ExamID: "e1", StudentIDs: []string{s1}})
		require.NoError(t, err)
		require.NoError(t, repo.UpdateRegistrationStatus(ctx, "e1", s1, schedule.RegistrationRejected))
		assert.Equal(t, 0, countActive(t, repo, "e1"))

		res, err := svc.AssignStudents(ctx, adminActor, schedule.AssignStudents{ExamID: "e1", StudentIDs: []string{s1}})
		require.NoError(t, err)
		assert.Equal(t, schedule.AssignStudentsResult{Assigned: 1}, res)
		assert.Equal(t, 1, countActive(t, repo, "e1"))

		regs, err := repo.QueryRegistrations(ctx, "e1")
		require.NoError(t, err)
		require.Len(t, regs, 1, "reactivation must not duplicate the row")
	})

	t.Run("closed exam refuses edits", func(t *testing.T) {
		svc, _, db := setupService(t)
		done := exam("e1", "", "2026-06-01", "09:00", "11:00", 30)
		done.Status = schedule.ExamCompleted
		db.SetExams(done)

		_, err := svc.AssignStudents(ctx, adminActor, schedule.AssignStudents{ExamID: "e1", StudentIDs: []string{newID()}})
		var vErr *core.ValidationError
		require.True(t, errors.As(err, &vErr))
	})

	t.Run("unknown exam", func(t *testing.T) {
		svc, _, _ := setupService(t)
		_, err := svc.AssignStudents(ctx, adminActor, schedule.AssignStudents{ExamID: "nope", StudentIDs: []string{newID()}})
		assert.Equal(t, schedule.ErrExamNotFound, err)
	})

	t.Run("unknown student rejects the whole batch", func(t *testing.T) {
		svc, repo, db := setupService(t)
		db.SetExams(exam("e1", "", "2026-06-01", "09:00", "11:00", 30))
		s1 := seedUsers(t, db, "st", user.StudentRoles, 1)[0]
		ghost := newID()

		_, err := svc.AssignStudents(ctx, adminActor, schedule.AssignStudents{ExamID: "e1", StudentIDs: []string{s1, ghost}})
		require.True(t, errors.Is(err, schedule.ErrUserNotFound))
		assert.Contains(t, err.Error(), ghost, "the missing ID is named")
		assert.Equal(t, 0, countActive(t, repo, "e1"), "no partial admission")
	})

	t.Run("non-admin actor", func(t *testing.T) {
		svc, _, db := setupService(t)
		db.SetExams(exam("e1", "", "2026-06-01", "09:00", "11:00", 30))

		_, err := svc.AssignStudents(ctx, teacherActor, schedule.AssignStudents{ExamID: "e1", StudentIDs: []string{newID()}})
		assert.Equal(t, schedule.ErrPermissionDenied, err)
	})

	t.Run("concurrent batches never overcommit", func(t *testing.T) {
		svc, repo, db := setupService(t)
		db.SetExams(exam("e1", "", "2026-06-01", "09:00", "11:00", 30))
		students := seedUsers(t, db, "st", user.StudentRoles, 40)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := 0; i < 2; i++ {
			i := i
			batch := students[i*20 : (i+1)*20]
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = svc.AssignStudents(ctx, adminActor, schedule.AssignStudents{ExamID: "e1", StudentIDs: batch})
			}()
		}
		wg.Wait()

		var failed int
		for _, err := range errs {
			if err != nil {
				var capErr *schedule.CapacityError
				require.True(t, errors.As(err, &capErr))
				failed++
			}
		}
		assert.Equal(t, 1, failed, "exactly one batch must lose the race")
		assert.Equal(t, 20, countActive(t, repo, "e1"))
	})
}

func TestService_AssignProctors(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path", func(t *testing.T) {
		svc, repo, db := setupService(t)
		db.SetExams(exam("e1", "r1", "2026-06-01", "09:00", "11:00", 30))
		proctors := seedUsers(t, db, "pr", user.TeacherRoles, 2)

		res, err := svc.AssignProctors(ctx, adminActor, schedule.AssignProctors{
			ExamID: "e1",
			Assignments: []schedule.ProctorSpec{
				{ProctorID: proctors[0], Role: schedule.ProctorMain},
				{ProctorID: proctors[1], Role: schedule.ProctorAssistant, Notes: "first door"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, schedule.AssignProctorsResult{Assigned: 2}, res)

		pas, err := repo.QueryProctorAssignments(ctx, []string{"e1"})
		require.NoError(t, err)
		assert.Len(t, pas, 2)
	})

	t.Run("overlapping duty rejects the whole batch", func(t *testing.T) {
		svc, repo, db := setupService(t)
		db.SetExams(
			exam("e1", "r1", "2026-06-01", "09:00", "11:00", 30),
			exam("e2", "r2", "2026-06-01", "10:00", "12:00", 30),
		)
		proctors := seedUsers(t, db, "pr", user.TeacherRoles, 2)
		p1, p2 := proctors[0], proctors[1]

		_, err := svc.AssignProctors(ctx, adminActor, schedule.AssignProctors{
			ExamID:      "e2",
			Assignments: []schedule.ProctorSpec{{ProctorID: p1, Role: schedule.ProctorMain}},
		})
		require.NoError(t, err)

		_, err = svc.AssignProctors(ctx, adminActor, schedule.AssignProctors{
			ExamID: "e1",
			Assignments: []schedule.ProctorSpec{
				{ProctorID: p2, Role: schedule.ProctorMain},
				{ProctorID: p1, Role: schedule.ProctorAssistant}, // busy 10:00-12:00
			},
		})
		var confErr *schedule.ConflictError
		require.True(t, errors.As(err, &confErr))
		assert.Equal(t, schedule.ConflictProctor, confErr.Kind)
		assert.Equal(t, p1, confErr.ProctorID)
		assert.Equal(t, "e2", confErr.ConflictingExamID)

		pas, err := repo.QueryProctorAssignments(ctx, []string{"e1"})
		require.NoError(t, err)
		assert.Empty(t, pas, "no partial assignment")
	})

	t.Run("back-to-back duty is allowed", func(t *testing.T) {
		svc, _, db := setupService(t)
		db.SetExams(
			exam("e1", "r1", "2026-06-01", "09:00", "11:00", 30),
			exam("e2", "r2", "2026-06-01", "11:00", "13:00", 30),
		)
		p1 := seedUsers(t, db, "pr", user.TeacherRoles, 1)[0]

		_, err := svc.AssignProctors(ctx, adminActor, schedule.AssignProctors{
			ExamID:      "e1",
			Assignments: []schedule.ProctorSpec{{ProctorID: p1, Role: schedule.ProctorMain}},
		})
		require.NoError(t, err)

		_, err = svc.AssignProctors(ctx, adminActor, schedule.AssignProctors{
			ExamID:      "e2",
			Assignments: []schedule.ProctorSpec{{ProctorID: p1, Role: schedule.ProctorMain}},
		})
		require.NoError(t, err)
	})

	t.Run("duplicate role needs an explicit replace", func(t *testing.T) {
		svc, repo, db := setupService(t)
		db.SetExams(exam("e1", "r1", "2026-06-01", "09:00", "11:00", 30))
		p1 := seedUsers(t, db, "pr", user.TeacherRoles, 1)[0]

		_, err := svc.AssignProctors(ctx, adminActor, schedule.AssignProctors{
			ExamID:      "e1",
			Assignments: []schedule.ProctorSpec{{ProctorID: p1, Role: schedule.ProctorMain}},
		})
		require.NoError(t, err)

		_, err = svc.AssignProctors(ctx, adminActor, schedule.AssignProctors{
			ExamID:      "e1",
			Assignments: []schedule.ProctorSpec{{ProctorID: p1, Role: schedule.ProctorObserver}},
		})
		var vErr *core.ValidationError
		require.True(t, errors.As(err, &vErr))

		res, err := svc.AssignProctors(ctx, adminActor, schedule.AssignProctors{
			ExamID:      "e1",
			Assignments: []schedule.ProctorSpec{{ProctorID: p1, Role: schedule.ProctorObserver}},
			ReplaceRole: true,
		})
		require.NoError(t, err)
		assert.Equal(t, schedule.AssignProctorsResult{Assigned: 1}, res)

		pas, err := repo.QueryProctorAssignments(ctx, []string{"e1"})
		require.NoError(t, err)
		require.Len(t, pas, 1)
		assert.Equal(t, schedule.ProctorObserver, pas[0].Role)
	})

	t.Run("unknown proctor rejects the whole batch", func(t *testing.T) {
		svc, repo, db := setupService(t)
		db.SetExams(exam("e1", "r1", "2026-06-01", "09:00", "11:00", 30))
		p1 := seedUsers(t, db, "pr", user.TeacherRoles, 1)[0]
		ghost := newID()

		_, err := svc.AssignProctors(ctx, adminActor, schedule.AssignProctors{
			ExamID: "e1",
			Assignments: []schedule.ProctorSpec{
				{ProctorID: p1, Role: schedule.ProctorMain},
				{ProctorID: ghost, Role: schedule.ProctorAssistant},
			},
		})
		require.True(t, errors.Is(err, schedule.ErrUserNotFound))
		assert.Contains(t, err.Error(), ghost, "the missing ID is named")

		pas, err := repo.QueryProctorAssignments(ctx, []string{"e1"})
		require.NoError(t, err)
		assert.Empty(t, pas, "no partial assignment")
	})

	t.Run("in-batch duplicate proctor", func(t *testing.T) {
		svc, _, db := setupService(t)
		db.SetExams(exam("e1", "r1", "2026-06-01", "09:00", "11:00", 30))

		_, err := svc.AssignProctors(ctx, adminActor, schedule.AssignProctors{
			ExamID: "e1",
			Assignments: []schedule.ProctorSpec{
				{ProctorID: "p1", Role: schedule.ProctorMain},
				{ProctorID: "p1", Role: schedule.ProctorAssistant},
			},
		})
		var vErr *core.ValidationError
		require.True(t, errors.As(err, &vErr))
	})

	t.Run("invalid role", func(t *testing.T) {
		svc, _, db := setupService(t)
		db.SetExams(exam("e1", "r1", "2026-06-01", "09:00", "11:00", 30))

		_, err := svc.AssignProctors(ctx, adminActor, schedule.AssignProctors{
			ExamID:      "e1",
			Assignments: []schedule.ProctorSpec{{ProctorID: "p1", Role: "invigilator"}},
		})
		require.Error(t, err)
	})
}

func TestService_Removals(t *testing.T) {
	ctx := context.Background()
	svc, _, db := setupService(t)
	db.SetExams(exam("e1", "r1", "2026-06-01", "09:00", "11:00", 30))
	s1 := seedUsers(t, db, "st", user.StudentRoles, 1)[0]
	p1 := seedUsers(t, db, "pr", user.TeacherRoles, 1)[0]

	_, err := svc.AssignStudents(ctx, adminActor, schedule.AssignStudents{ExamID: "e1", StudentIDs: []string{s1}})
	require.NoError(t, err)
	_, err = svc.AssignProctors(ctx, adminActor, schedule.AssignProctors{
		ExamID:      "e1",
		Assignments: []schedule.ProctorSpec{{ProctorID: p1, Role: schedule.ProctorMain}},
	})
	require.NoError(t, err)

	res, err := svc.RemoveStudent(ctx, adminActor, "e1", s1)
	require.NoError(t, err)
	assert.True(t, res.Removed)

	// removal is idempotent
	res, err = svc.RemoveStudent(ctx, adminActor, "e1", s1)
	require.NoError(t, err)
	assert.False(t, res.Removed)

	res, err = svc.RemoveProctor(ctx, adminActor, "e1", p1)
	require.NoError(t, err)
	assert.True(t, res.Removed)

	res, err = svc.RemoveProctor(ctx, adminActor, "e1", p1)
	require.NoError(t, err)
	assert.False(t, res.Removed)

	_, err = svc.RemoveStudent(ctx, teacherActor, "e1", s1)
	assert.Equal(t, schedule.ErrPermissionDenied, err)
}

func TestService_Notifications(t *testing.T) {
	ctx := context.Background()
	db, err := dummydb.Open()
	require.NoError(t, err)
	repo := dummydb.NewScheduleRepository(db)
	usrRepo := dummydb.NewUserRepository(db)
	svc := schedule.NewService(repo, emailsvc.NewConsoleServiceMock(), testConf())

	usr := user.User{Name: "Amina", Username: "amina", Email: "amina@school.test", Roles: user.StudentRoles}
	usr.SetActive(true)
	usr, err = usrRepo.UpdateOrCreateUser(ctx, usr)
	require.NoError(t, err)

	db.SetExams(exam("e1", "r1", "2026-06-01", "09:00", "11:00", 30))

	emailsvc.SentMessages = emailsvc.SentMessages[:0]
	_, err = svc.AssignStudents(ctx, adminActor, schedule.AssignStudents{ExamID: "e1", StudentIDs: []string{usr.ID}})
	require.NoError(t, err)

	require.Len(t, emailsvc.SentMessages, 1)
	msg := emailsvc.SentMessages[0]
	assert.Equal(t, "Exam registration confirmed", msg.Subject)
	require.Len(t, msg.To, 1)
	assert.Equal(t, usr.Email, msg.To[0].Address)
}

func TestService_Overview(t *testing.T) {
	ctx := context.Background()
	svc, repo, db := setupService(t)

	db.SetRooms(schedule.Room{ID: "r1", Name: "Room 101", Capacity: 40, IsActive: true})
	db.SetExams(
		exam("e2", "r1", "2026-06-01", "13:00", "15:00", 30),
		exam("e1", "r1", "2026-06-01", "09:00", "11:00", 30),
	)
	seedStudents(t, repo, "e1", 5)
	seedProctor(t, repo, "e1", "p1")

	summaries, err := svc.Overview(ctx, weekScope())
	require.NoError(t, err)

	require.Len(t, summaries, 2)
	assert.Equal(t, "e1", summaries[0].ID, "sorted by date then start time")
	assert.Equal(t, "e2", summaries[1].ID)

	first := summaries[0]
	assert.Equal(t, 5, first.RegisteredCount)
	assert.Equal(t, map[schedule.ProctorRole]int{schedule.ProctorMain: 1}, first.ProctorCounts)
	require.NotNil(t, first.Room)
	assert.Equal(t, "Room 101", first.Room.Name)

	assert.Equal(t, 0, summaries[1].RegisteredCount)
	require.NotNil(t, summaries[1].Room)
}

func TestService_OverviewRoomFilter(t *testing.T) {
	ctx := context.Background()
	svc, _, db := setupService(t)

	db.SetRooms(schedule.Room{ID: "r1", Name: "Room 101", Capacity: 40, IsActive: true})
	db.SetExams(
		exam("e1", "r1", "2026-06-01", "09:00", "11:00", 30),
		exam("e2", "", "2026-06-01", "13:00", "15:00", 30),
	)

	scope := weekScope()
	scope.RoomID = "r1"
	summaries, err := svc.Overview(ctx, scope)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "e1", summaries[0].ID)

	scope.RoomID = newID()
	_, err = svc.Overview(ctx, scope)
	require.True(t, errors.Is(err, schedule.ErrRoomNotFound))
}

func TestService_Unassigned(t *testing.T) {
	ctx := context.Background()
	svc, repo, db := setupService(t)
	usrRepo := dummydb.NewUserRepository(db)

	mkUser := func(name string, roles []string) user.User {
		usr := user.User{Name: name, Username: name, Email: name + "@school.test", Roles: roles}
		usr.SetActive(true)
		usr, err := usrRepo.UpdateOrCreateUser(ctx, usr)
		require.NoError(t, err)
		return usr
	}
	busyStudent := mkUser("amina", user.StudentRoles)
	idleStudent := mkUser("joseph", user.StudentRoles)
	busyTeacher := mkUser("mrkamau", user.TeacherRoles)
	idleTeacher := mkUser("mwalimu", user.TeacherRoles)

	db.SetExams(exam("e1", "r1", "2026-06-01", "09:00", "11:00", 30))
	_, err := svc.AssignStudents(ctx, adminActor, schedule.AssignStudents{ExamID: "e1", StudentIDs: []string{busyStudent.ID}})
	require.NoError(t, err)
	seedProctor(t, repo, "e1", busyTeacher.ID)

	report, err := svc.Unassigned(ctx, weekScope())
	require.NoError(t, err)

	require.Len(t, report.UnregisteredStudents, 1)
	assert.Equal(t, idleStudent.ID, report.UnregisteredStudents[0].ID)
	require.Len(t, report.UnassignedProctors, 1)
	assert.Equal(t, idleTeacher.ID, report.UnassignedProctors[0].ID)
}

// scopeRecorder captures the scope the service hands to the repository.
type scopeRecorder struct {
	schedule.Repository
	scopes []schedule.Scope
}

func (r *scopeRecorder) QueryUnregisteredStudents(ctx context.Context, scope schedule.Scope, exec ...core.DBExecutor) ([]user.User, error) {
	r.scopes = append(r.scopes, scope)
	return r.Repository.QueryUnregisteredStudents(ctx, scope, exec...)
}

func TestService_UnassignedDefaultWindow(t *testing.T) {
	db, err := dummydb.Open()
	require.NoError(t, err)
	rec := &scopeRecorder{Repository: dummydb.NewScheduleRepository(db)}
	svc := schedule.NewService(rec, nil, testConf())

	lo := time.Now().UTC().Truncate(24 * time.Hour)
	_, err = svc.Unassigned(context.Background(), schedule.Scope{})
	require.NoError(t, err)
	hi := time.Now().UTC().Truncate(24 * time.Hour)

	require.Len(t, rec.scopes, 1)
	scope := rec.scopes[0]
	assert.False(t, scope.From.Before(lo), "window starts today")
	assert.False(t, scope.From.After(hi), "window starts today")
	assert.Equal(t, testConf().UnassignedWindow, scope.To.Sub(scope.From))
}
