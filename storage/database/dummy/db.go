package dummydb

import (
	"sync"

	"github.com/trezcool/mtihani/core/schedule"
	"github.com/trezcool/mtihani/core/user"
)

type (
	DB struct {
		user         *userTable
		exam         *examTable
		room         *roomTable
		assignment   *assignmentTable
		registration *registrationTable

		// atomicMu serializes Atomic blocks; the per-table locks stay
		// usable inside a block without re-entrancy.
		atomicMu sync.Mutex
	}

	userTable struct {
		sync.RWMutex
		table map[string]*user.User
	}

	examTable struct {
		sync.RWMutex
		table map[string]*schedule.Exam
	}

	roomTable struct {
		sync.RWMutex
		table map[string]*schedule.Room
	}

	assignmentTable struct {
		sync.RWMutex
		table map[string]*schedule.ProctorAssignment
	}

	registrationTable struct {
		sync.RWMutex
		table map[string]*schedule.StudentRegistration
	}
)

func Open() (*DB, error) {
	db := &DB{
		user:         &userTable{table: make(map[string]*user.User)},
		exam:         &examTable{table: make(map[string]*schedule.Exam)},
		room:         &roomTable{table: make(map[string]*schedule.Room)},
		assignment:   &assignmentTable{table: make(map[string]*schedule.ProctorAssignment)},
		registration: &registrationTable{table: make(map[string]*schedule.StudentRegistration)},
	}
	return db, nil
}

// SetExams seeds the exam table, replacing existing rows with the same ID.
func (db *DB) SetExams(exams ...schedule.Exam) {
	db.exam.Lock()
	defer db.exam.Unlock()
	for i := range exams {
		e := exams[i]
		db.exam.table[e.ID] = &e
	}
}

// SetRooms seeds the room table.
func (db *DB) SetRooms(rooms ...schedule.Room) {
	db.room.Lock()
	defer db.room.Unlock()
	for i := range rooms {
		r := rooms[i]
		db.room.table[r.ID] = &r
	}
}
