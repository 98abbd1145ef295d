package schedule

// The guard: pure, side-effect-free predicates over in-memory schedule
// state. The conflict scan (diagnostic mode) and the assignment operations
// (enforcement mode) both go through these so diagnosis and enforcement
// can never drift apart.

// Overlaps reports whether two exams collide in time: same date and
// overlapping half-open [start, end) windows. Back-to-back exams sharing
// a boundary instant do not overlap.
func Overlaps(a, b Exam) bool {
	if !a.SameDate(b) {
		return false
	}
	return a.StartMinute() < b.EndMinute() && b.StartMinute() < a.EndMinute()
}

// FindRoomConflict returns the first exam among others that occupies the
// candidate's room on the same date with an overlapping window. Exams
// without a room never conflict.
func FindRoomConflict(candidate Exam, others []Exam) (Exam, bool) {
	if candidate.RoomID == "" {
		return Exam{}, false
	}
	for _, other := range others {
		if other.ID == candidate.ID || other.RoomID != candidate.RoomID {
			continue
		}
		if Overlaps(candidate, other) {
			return other, true
		}
	}
	return Exam{}, false
}

// FindProctorConflict returns the first exam in the proctor's schedule
// that overlaps the candidate's window. proctorExams must be the exams on
// which the proctor holds any role; the candidate itself is excluded so an
// exam being edited does not conflict with itself.
func FindProctorConflict(candidate Exam, proctorExams []Exam) (Exam, bool) {
	for _, other := range proctorExams {
		if other.ID == candidate.ID {
			continue
		}
		if Overlaps(candidate, other) {
			return other, true
		}
	}
	return Exam{}, false
}

type CapacityResult struct {
	Current    int
	Additional int
	Max        int
	Overflow   int
}

func (r CapacityResult) Ok() bool { return r.Overflow == 0 }

// CheckCapacity verifies that admitting additional students on top of the
// current non-rejected registrations stays within the exam's seat count.
func CheckCapacity(exam Exam, registered, additional int) CapacityResult {
	res := CapacityResult{Current: registered, Additional: additional, Max: exam.MaxStudents}
	if total := registered + additional; total > exam.MaxStudents {
		res.Overflow = total - exam.MaxStudents
	}
	return res
}

// RecommendedProctors returns the advisory proctor head-count for an exam
// with the given registration count. Advisory only, never blocking.
func RecommendedProctors(registered, studentsPerProctor int) int {
	if studentsPerProctor <= 0 {
		studentsPerProctor = 1
	}
	if registered <= 0 {
		return 1 // an exam always needs at least a main proctor
	}
	return (registered + studentsPerProctor - 1) / studentsPerProctor
}
