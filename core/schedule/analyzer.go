package schedule

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/mtihani/core"
)

// Analyzer computes conflict findings over the published schedule.
// Read-only; findings are recomputed from committed state on every call
// and are never cached. Callers must re-validate through the guard at
// write time since a report can be stale by the time they act on it.
type Analyzer struct {
	repo Repository
	conf core.ScheduleConfig
}

func NewAnalyzer(repo Repository, conf core.ScheduleConfig) *Analyzer {
	return &Analyzer{repo: repo, conf: conf}
}

func (a *Analyzer) Analyze(ctx context.Context, scope Scope) (Report, error) {
	if err := scope.Validate(); err != nil {
		return Report{}, err
	}
	if err := checkScopeRoom(ctx, a.repo, scope); err != nil {
		return Report{}, err
	}

	exams, err := a.repo.QueryExams(ctx, scope, []ExamStatus{ExamPublished})
	if err != nil {
		return Report{}, errors.Wrap(err, "querying exams in scope")
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
	for _, e := range exams {
		examIDs = append(examIDs, e.ID)
	}

	assignments, err := a.repo.QueryProctorAssignments(ctx, examIDs)
	if err != nil {
		return Report{}, errors.Wrap(err, "querying proctor assignments")
	}
	registered, err := a.repo.CountRegistrations(ctx, examIDs)
	if err != nil {
		return Report{}, errors.Wrap(err, "counting registrations")
	}
	rooms, err := a.queryRooms(ctx, exams)
	if err != nil {
		return Report{}, err
	}

	proctorsByExam := make(map[string][]ProctorAssignment)
	for _, pa := range assignments {
		proctorsByExam[pa.ExamID] = append(proctorsByExam[pa.ExamID], pa)
	}

	var findings []Finding
	findings = append(findings, a.scanPairs(exams, proctorsByExam, rooms)...)
	findings = append(findings, a.scanCapacity(exams, proctorsByExam, registered)...)
	findings = append(findings, a.scanRoomUsage(exams, rooms)...)

	sortFindings(findings)

	summary := Summary{ExamsAnalyzed: len(exams)}
	for _, f := range findings {
		switch f.Severity {
		case SeverityCritical:
			summary.CriticalCount++
		case SeverityWarning:
			summary.WarningCount++
		case SeverityInfo:
			summary.InfoCount++
		}
	}

	if scope.Severity != "" {
		filtered := make([]Finding, 0, len(findings))
		for _, f := range findings {
			if f.Severity == scope.Severity {
				filtered = append(filtered, f)
			}
		}
		findings = filtered
	}

	return Report{Findings: findings, Summary: summary}, nil
}

func (a *Analyzer) queryRooms(ctx context.Context, exams []Exam) (map[string]Room, error) {
	seen := make(map[string]struct{})
	ids := make([]string, 0)
	for _, e := range exams {
		if e.RoomID == "" {
			continue
		}
		if _, ok := seen[e.RoomID]; !ok {
			seen[e.RoomID] = struct{}{}
			ids = append(ids, e.RoomID)
		}
	}
	rooms, err := a.repo.QueryRooms(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "querying rooms")
	}
	byID := make(map[string]Room, len(rooms))
	for _, r := range rooms {
		byID[r.ID] = r
	}
	return byID, nil
}

// scanPairs checks every unordered pair of same-date exams for room and
// proctor double-bookings. Both are irreconcilable rule violations.
func (a *Analyzer) scanPairs(exams []Exam, proctorsByExam map[string][]ProctorAssignment, rooms map[string]Room) []Finding {
	var findings []Finding

	for i := 0; i < len(exams); i++ {
		for j := i + 1; j < len(exams); j++ {
			ea, eb := exams[i], exams[j]
			if !Overlaps(ea, eb) {
				continue
			}

			if _, doubleBooked := FindRoomConflict(ea, []Exam{eb}); doubleBooked {
				roomName := rooms[ea.RoomID].Name
				findings = append(findings, Finding{
					Type:     FindingRoomConflict,
					Severity: SeverityCritical,
					Date:     ea.Date,
					ExamIDs:  []string{ea.ID, eb.ID},
					Title:    "Room double-booked",
					Description: fmt.Sprintf(
						"%s and %s are both scheduled in room %s on %s with overlapping times",
						ea.SubjectName, eb.SubjectName, roomName, ea.Date.Format("2006-01-02")),
					Detail: RoomConflictDetail{
						RoomID: ea.RoomID, RoomName: roomName,
						ExamA: ea.ID, ExamB: eb.ID,
						StartA: ea.StartTime, EndA: ea.EndTime,
						StartB: eb.StartTime, EndB: eb.EndTime,
					},
				})
			}

			for _, proctorID := range sharedProctors(proctorsByExam[ea.ID], proctorsByExam[eb.ID]) {
				findings = append(findings, Finding{
					Type:     FindingProctorConflict,
					Severity: SeverityCritical,
					Date:     ea.Date,
					ExamIDs:  []string{ea.ID, eb.ID},
					Title:    "Proctor double-booked",
					Description: fmt.Sprintf(
						"proctor %s is assigned to both %s and %s on %s with overlapping times",
						proctorID, ea.SubjectName, eb.SubjectName, ea.Date.Format("2006-01-02")),
					Detail: ProctorConflictDetail{
						ProctorID: proctorID,
						ExamA:     ea.ID, ExamB: eb.ID,
						StartA: ea.StartTime, EndA: ea.EndTime,
						StartB: eb.StartTime, EndB: eb.EndTime,
					},
				})
			}
		}
	}
	return findings
}

// scanCapacity flags overfull exams (critical) and understaffed exams
// (warning, advisory ratio).
func (a *Analyzer) scanCapacity(exams []Exam, proctorsByExam map[string][]ProctorAssignment, registered map[string]int) []Finding {
	var findings []Finding

	for _, exam := range exams {
		count := registered[exam.ID]
		proctorCount := len(proctorsByExam[exam.ID])

		if res := CheckCapacity(exam, count, 0); !res.Ok() {
			findings = append(findings, Finding{
				Type:     FindingCapacityIssue,
				Severity: SeverityCritical,
				Date:     exam.Date,
				ExamIDs:  []string{exam.ID},
				Title:    "Exam over capacity",
				Description: fmt.Sprintf(
					"%s has %d registered students for %d seats", exam.SubjectName, count, exam.MaxStudents),
				Detail: CapacityDetail{
					ExamID: exam.ID, Registered: count, MaxStudents: exam.MaxStudents,
					Overflow: res.Overflow, ProctorCount: proctorCount,
				},
			})
			continue
		}

		if recommended := RecommendedProctors(count, a.conf.StudentsPerProctor); proctorCount < recommended {
			findings = append(findings, Finding{
				Type:     FindingCapacityIssue,
				Severity: SeverityWarning,
				Date:     exam.Date,
				ExamIDs:  []string{exam.ID},
				Title:    "Exam understaffed",
				Description: fmt.Sprintf(
					"%s has %d proctor(s) for %d students; %d recommended",
					exam.SubjectName, proctorCount, count, recommended),
				Detail: CapacityDetail{
					ExamID: exam.ID, Registered: count, MaxStudents: exam.MaxStudents,
					ProctorCount: proctorCount, RecommendedProctors: recommended,
				},
			})
		}
	}
	return findings
}

// scanRoomUsage runs the advisory pass over each room's daily exam list:
// turnaround gaps below MinGap, idle stretches above MaxIdleGap and rooms
// used below MinRoomUtilization of the working day.
func (a *Analyzer) scanRoomUsage(exams []Exam, rooms map[string]Room) []Finding {
	type roomDay struct {
		roomID string
		date   time.Time
	}

	byRoomDay := make(map[roomDay][]Exam)
	var keys []roomDay
	for _, e := range exams {
		if e.RoomID == "" {
			continue
		}
		key := roomDay{roomID: e.RoomID, date: e.Date}
		if _, ok := byRoomDay[key]; !ok {
			keys = append(keys, key)
		}
		byRoomDay[key] = append(byRoomDay[key], e)
	}
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].date.Equal(keys[j].date) {
			return keys[i].date.Before(keys[j].date)
		}
		return keys[i].roomID < keys[j].roomID
	})

	var findings []Finding
	for _, key := range keys {
		dayExams := byRoomDay[key]
		// already sorted by start time within the analyzer's exam ordering
		roomName := rooms[key.roomID].Name
		if roomName == "" {
			roomName = key.roomID
		}

		var busy time.Duration
		for _, e := range dayExams {
			busy += e.Duration()
		}

		for i := 0; i < len(dayExams)-1; i++ {
			prev, next := dayExams[i], dayExams[i+1]
			gap := time.Duration(next.StartMinute()-prev.EndMinute()) * time.Minute
			if gap <= 0 {
				continue // overlap; reported by the pair scan
			}
			if gap < a.conf.MinGap {
				findings = append(findings, Finding{
					Type:     FindingTimeOptimization,
					Severity: SeverityInfo,
					Date:     key.date,
					ExamIDs:  []string{prev.ID, next.ID},
					Title:    "Tight room turnaround",
					Description: fmt.Sprintf(
						"only %s between exams in room %s; %s recommended", gap, roomName, a.conf.MinGap),
					Detail: TimeOptimizationDetail{
						RoomID: key.roomID, Kind: GapTooShort,
						PrevExamID: prev.ID, NextExamID: next.ID, Gap: gap,
					},
				})
			} else if gap > a.conf.MaxIdleGap {
				findings = append(findings, Finding{
					Type:     FindingTimeOptimization,
					Severity: SeverityInfo,
					Date:     key.date,
					ExamIDs:  []string{prev.ID, next.ID},
					Title:    "Room idle between exams",
					Description: fmt.Sprintf(
						"room %s sits idle for %s between exams", roomName, gap),
					Detail: TimeOptimizationDetail{
						RoomID: key.roomID, Kind: GapTooLong,
						PrevExamID: prev.ID, NextExamID: next.ID, Gap: gap,
					},
				})
			}
		}

		if a.conf.Workday > 0 {
			utilization := float64(busy) / float64(a.conf.Workday)
			if utilization < a.conf.MinRoomUtilization {
				ids := make([]string, 0, len(dayExams))
				for _, e := range dayExams {
					ids = append(ids, e.ID)
				}
				findings = append(findings, Finding{
					Type:     FindingResourceEfficiency,
					Severity: SeverityInfo,
					Date:     key.date,
					ExamIDs:  ids,
					Title:    "Room under-utilized",
					Description: fmt.Sprintf(
						"room %s is in use %.0f%% of the working day", roomName, utilization*100),
					Detail: ResourceEfficiencyDetail{
						RoomID: key.roomID, RoomName: roomName,
						ExamCount: len(dayExams), Utilization: utilization,
					},
				})
			}
		}
	}
	return findings
}

// sharedProctors returns the proctor IDs present in both assignment lists,
// in a's order.
func sharedProctors(a, b []ProctorAssignment) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	inB := make(map[string]struct{}, len(b))
	for _, pa := range b {
		inB[pa.ProctorID] = struct{}{}
	}
	var shared []string
	for _, pa := range a {
		if _, ok := inB[pa.ProctorID]; ok {
			shared = append(shared, pa.ProctorID)
		}
	}
	return shared
}
