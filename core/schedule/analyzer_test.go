package schedule_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/mtihani/core"
	"github.com/trezcool/mtihani/core/schedule"
	dummydb "github.com/trezcool/mtihani/storage/database/dummy"
)

func newID() string { return uuid.New().String() }

func testConf() core.ScheduleConfig {
	return core.ScheduleConfig{
		StudentsPerProctor: 30,
		MinGap:             30 * time.Minute,
		MaxIdleGap:         4 * time.Hour,
		MinRoomUtilization: 0, // per-test opt-in
		Workday:            10 * time.Hour,
		UnassignedWindow:   14 * 24 * time.Hour,
	}
}

func date(s string) time.Time {
	d, _ := time.ParseInLocation("2006-01-02", s, time.UTC)
	return d
}

func exam(id, roomID, day, start, end string, maxStudents int) schedule.Exam {
	return schedule.Exam{
		ID:          id,
		SubjectCode: "sub-" + id,
		SubjectName: "Subject " + id,
		Date:        date(day),
		StartTime:   start,
		EndTime:     end,
		RoomID:      roomID,
		Status:      schedule.ExamPublished,
		MaxStudents: maxStudents,
	}
}

func weekScope() schedule.Scope {
	return schedule.Scope{From: date("2026-06-01"), To: date("2026-06-07")}
}

func setupAnalyzer(t *testing.T, conf core.ScheduleConfig) (*schedule.Analyzer, schedule.Repository, *dummydb.DB) {
	t.Helper()
	db, err := dummydb.Open()
	require.NoError(t, err)
	repo := dummydb.NewScheduleRepository(db)
	return schedule.NewAnalyzer(repo, conf), repo, db
}

func seedProctor(t *testing.T, repo schedule.Repository, examID, proctorID string) {
	t.Helper()
	err := repo.CreateProctorAssignments(context.Background(), []schedule.ProctorAssignment{
		{ExamID: examID, ProctorID: proctorID, Role: schedule.ProctorMain, CreatedAt: time.Now().UTC()},
	})
	require.NoError(t, err)
}

func seedStudents(t *testing.T, repo schedule.Repository, examID string, n int) {
	t.Helper()
	regs := make([]schedule.StudentRegistration, 0, n)
	for i := 0; i < n; i++ {
		regs = append(regs, schedule.StudentRegistration{
			ExamID:    examID,
			StudentID: newID(),
			Status:    schedule.RegistrationApproved,
			CreatedAt: time.Now().UTC(),
		})
	}
	require.NoError(t, repo.CreateRegistrations(context.Background(), regs))
}

func TestAnalyzer_roomConflict(t *testing.T) {
	analyzer, repo, db := setupAnalyzer(t, testConf())
	db.SetRooms(schedule.Room{ID: "r1", Name: "Room 101", Capacity: 40, IsActive: true})
	db.SetExams(
		exam("e1", "r1", "2026-06-01", "09:00", "11:00", 40),
		exam("e2", "r1", "2026-06-01", "10:00", "12:00", 40),
	)
	seedProctor(t, repo, "e1", "p1")
	seedProctor(t, repo, "e2", "p2")

	report, err := analyzer.Analyze(context.Background(), weekScope())
	require.NoError(t, err)

	require.Len(t, report.Findings, 1)
	f := report.Findings[0]
	assert.Equal(t, schedule.FindingRoomConflict, f.Type)
	assert.Equal(t, schedule.SeverityCritical, f.Severity)
	assert.Equal(t, []string{"e1", "e2"}, f.ExamIDs)

	detail, ok := f.Detail.(schedule.RoomConflictDetail)
	require.True(t, ok)
	assert.Equal(t, "r1", detail.RoomID)
	assert.Equal(t, "Room 101", detail.RoomName)

	assert.Equal(t, 1, report.Summary.CriticalCount)
	assert.Equal(t, 2, report.Summary.ExamsAnalyzed)
}

func TestAnalyzer_backToBackIsClean(t *testing.T) {
	analyzer, repo, db := setupAnalyzer(t, testConf())
	db.SetRooms(schedule.Room{ID: "r1", Name: "Room 101", Capacity: 40, IsActive: true})
	db.SetExams(
		exam("e1", "r1", "2026-06-01", "09:00", "11:00", 40),
		exam("e2", "r1", "2026-06-01", "11:00", "13:00", 40),
	)
	seedProctor(t, repo, "e1", "p1")
	seedProctor(t, repo, "e2", "p2")

	report, err := analyzer.Analyze(context.Background(), weekScope())
	require.NoError(t, err)
	assert.Empty(t, report.Findings)
	assert.Equal(t, schedule.Summary{ExamsAnalyzed: 2}, report.Summary)
}

func TestAnalyzer_proctorConflict(t *testing.T) {
	analyzer, repo, db := setupAnalyzer(t, testConf())
	db.SetRooms(
		schedule.Room{ID: "r1", Name: "Room 101", Capacity: 40, IsActive: true},
		schedule.Room{ID: "r2", Name: "Room 102", Capacity: 40, IsActive: true},
	)
	db.SetExams(
		exam("e1", "r1", "2026-06-01", "09:00", "11:00", 40),
		exam("e2", "r2", "2026-06-01", "10:00", "12:00", 40),
	)
	seedProctor(t, repo, "e1", "p1")
	seedProctor(t, repo, "e2", "p1") // same proctor, overlapping windows

	report, err := analyzer.Analyze(context.Background(), weekScope())
	require.NoError(t, err)

	require.Len(t, report.Findings, 1)
	f := report.Findings[0]
	assert.Equal(t, schedule.FindingProctorConflict, f.Type)
	assert.Equal(t, schedule.SeverityCritical, f.Severity)

	detail, ok := f.Detail.(schedule.ProctorConflictDetail)
	require.True(t, ok)
	assert.Equal(t, "p1", detail.ProctorID)
}

func TestAnalyzer_draftExamsIgnored(t *testing.T) {
	analyzer, repo, db := setupAnalyzer(t, testConf())
	db.SetRooms(schedule.Room{ID: "r1", Name: "Room 101", Capacity: 40, IsActive: true})

	draft := exam("e2", "r1", "2026-06-01", "10:00", "12:00", 40)
	draft.Status = schedule.ExamDraft
	db.SetExams(exam("e1", "r1", "2026-06-01", "09:00", "11:00", 40), draft)
	seedProctor(t, repo, "e1", "p1")

	report, err := analyzer.Analyze(context.Background(), weekScope())
	require.NoError(t, err)
	assert.Empty(t, report.Findings)
	assert.Equal(t, 1, report.Summary.ExamsAnalyzed)
}

func TestAnalyzer_capacity(t *testing.T) {
	t.Run("over capacity", func(t *testing.T) {
		analyzer, repo, db := setupAnalyzer(t, testConf())
		db.SetExams(exam("e1", "", "2026-06-01", "09:00", "11:00", 30))
		seedProctor(t, repo, "e1", "p1")
		seedStudents(t, repo, "e1", 31)

		report, err := analyzer.Analyze(context.Background(), weekScope())
		require.NoError(t, err)

		require.Len(t, report.Findings, 1)
		f := report.Findings[0]
		assert.Equal(t, schedule.FindingCapacityIssue, f.Type)
		assert.Equal(t, schedule.SeverityCritical, f.Severity)

		detail, ok := f.Detail.(schedule.CapacityDetail)
		require.True(t, ok)
		assert.Equal(t, 31, detail.Registered)
		assert.Equal(t, 1, detail.Overflow)
	})

	t.Run("understaffed", func(t *testing.T) {
		analyzer, repo, db := setupAnalyzer(t, testConf())
		db.SetExams(exam("e1", "", "2026-06-01", "09:00", "11:00", 100))
		seedProctor(t, repo, "e1", "p1")
		seedStudents(t, repo, "e1", 31) // ratio 30 -> 2 recommended

		report, err := analyzer.Analyze(context.Background(), weekScope())
		require.NoError(t, err)

		require.Len(t, report.Findings, 1)
		f := report.Findings[0]
		assert.Equal(t, schedule.FindingCapacityIssue, f.Type)
		assert.Equal(t, schedule.SeverityWarning, f.Severity)

		detail, ok := f.Detail.(schedule.CapacityDetail)
		require.True(t, ok)
		assert.Equal(t, 1, detail.ProctorCount)
		assert.Equal(t, 2, detail.RecommendedProctors)
	})
}

func TestAnalyzer_roomUsage(t *testing.T) {
	analyzer, repo, db := setupAnalyzer(t, testConf())
	db.SetRooms(schedule.Room{ID: "r1", Name: "Room 101", Capacity: 40, IsActive: true})
	db.SetExams(
		exam("e1", "r1", "2026-06-01", "09:00", "10:00", 40),
		exam("e2", "r1", "2026-06-01", "10:15", "11:15", 40), // 15m turnaround
		exam("e3", "r1", "2026-06-01", "16:00", "17:00", 40), // 4h45m idle stretch
	)
	for _, id := range []string{"e1", "e2", "e3"} {
		seedProctor(t, repo, id, "p-"+id)
	}

	report, err := analyzer.Analyze(context.Background(), weekScope())
	require.NoError(t, err)

	require.Len(t, report.Findings, 2)
	kinds := make(map[schedule.GapKind]schedule.TimeOptimizationDetail, 2)
	for _, f := range report.Findings {
		assert.Equal(t, schedule.FindingTimeOptimization, f.Type)
		assert.Equal(t, schedule.SeverityInfo, f.Severity)
		detail, ok := f.Detail.(schedule.TimeOptimizationDetail)
		require.True(t, ok)
		kinds[detail.Kind] = detail
	}
	assert.Equal(t, 15*time.Minute, kinds[schedule.GapTooShort].Gap)
	assert.Equal(t, 4*time.Hour+45*time.Minute, kinds[schedule.GapTooLong].Gap)
}

func TestAnalyzer_roomUtilization(t *testing.T) {
	conf := testConf()
	conf.MinRoomUtilization = 0.3

	analyzer, repo, db := setupAnalyzer(t, conf)
	db.SetRooms(schedule.Room{ID: "r1", Name: "Room 101", Capacity: 40, IsActive: true})
	db.SetExams(exam("e1", "r1", "2026-06-01", "09:00", "11:00", 40)) // 2h of a 10h day
	seedProctor(t, repo, "e1", "p1")

	report, err := analyzer.Analyze(context.Background(), weekScope())
	require.NoError(t, err)

	require.Len(t, report.Findings, 1)
	f := report.Findings[0]
	assert.Equal(t, schedule.FindingResourceEfficiency, f.Type)
	assert.Equal(t, schedule.SeverityInfo, f.Severity)

	detail, ok := f.Detail.(schedule.ResourceEfficiencyDetail)
	require.True(t, ok)
	assert.InDelta(t, 0.2, detail.Utilization, 0.001)
}

func TestAnalyzer_severityFilter(t *testing.T) {
	analyzer, repo, db := setupAnalyzer(t, testConf())
	db.SetRooms(schedule.Room{ID: "r1", Name: "Room 101", Capacity: 40, IsActive: true})
	db.SetExams(
		exam("e1", "r1", "2026-06-01", "09:00", "11:00", 30),
		exam("e2", "r1", "2026-06-01", "10:00", "12:00", 100),
	)
	seedProctor(t, repo, "e1", "p1")
	seedProctor(t, repo, "e2", "p2")
	seedStudents(t, repo, "e2", 31) // understaffed warning on e2

	scope := weekScope()
	scope.Severity = schedule.SeverityCritical

	report, err := analyzer.Analyze(context.Background(), scope)
	require.NoError(t, err)

	require.Len(t, report.Findings, 1)
	assert.Equal(t, schedule.FindingRoomConflict, report.Findings[0].Type)
	// the summary counts everything; the filter only trims the listing
	assert.Equal(t, 1, report.Summary.CriticalCount)
	assert.Equal(t, 1, report.Summary.WarningCount)
}

func TestAnalyzer_idempotentOutput(t *testing.T) {
	analyzer, repo, db := setupAnalyzer(t, testConf())
	db.SetRooms(schedule.Room{ID: "r1", Name: "Room 101", Capacity: 40, IsActive: true})
	db.SetExams(
		exam("e1", "r1", "2026-06-01", "09:00", "11:00", 30),
		exam("e2", "r1", "2026-06-01", "10:00", "12:00", 30),
		exam("e3", "r1", "2026-06-02", "09:00", "11:00", 30),
	)
	seedProctor(t, repo, "e1", "p1")
	seedProctor(t, repo, "e3", "p1")

	first, err := analyzer.Analyze(context.Background(), weekScope())
	require.NoError(t, err)
	second, err := analyzer.Analyze(context.Background(), weekScope())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAnalyzer_roomFilter(t *testing.T) {
	analyzer, repo, db := setupAnalyzer(t, testConf())
	db.SetRooms(
		schedule.Room{ID: "r1", Name: "Room 101", Capacity: 40, IsActive: true},
		schedule.Room{ID: "r2", Name: "Room 102", Capacity: 40, IsActive: true},
	)
	db.SetExams(
		exam("e1", "r1", "2026-06-01", "09:00", "11:00", 40),
		exam("e2", "r1", "2026-06-01", "10:00", "12:00", 40),
		exam("e3", "r2", "2026-06-01", "09:00", "11:00", 40),
	)
	for _, id := range []string{"e1", "e2", "e3"} {
		seedProctor(t, repo, id, "p-"+id)
	}

	scope := weekScope()
	scope.RoomID = "r1"
	report, err := analyzer.Analyze(context.Background(), scope)
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, schedule.FindingRoomConflict, report.Findings[0].Type)
	assert.Equal(t, 2, report.Summary.ExamsAnalyzed)

	scope.RoomID = newID()
	_, err = analyzer.Analyze(context.Background(), scope)
	require.True(t, errors.Is(err, schedule.ErrRoomNotFound))
}

func TestAnalyzer_scopeValidation(t *testing.T) {
	analyzer, _, _ := setupAnalyzer(t, testConf())

	_, err := analyzer.Analyze(context.Background(), schedule.Scope{})
	require.Error(t, err)
	var vErr *core.ValidationError
	require.True(t, errors.As(err, &vErr))

	_, err = analyzer.Analyze(context.Background(), schedule.Scope{From: date("2026-06-07"), To: date("2026-06-01")})
	require.Error(t, err)
	require.True(t, errors.As(err, &vErr))
}
