package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/mtihani/core"
	"github.com/trezcool/mtihani/core/schedule"
	"github.com/trezcool/mtihani/core/user"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type scheduleRepository struct {
	db core.DB
}

var _ schedule.Repository = (*scheduleRepository)(nil) // interface compliance check

func NewScheduleRepository(db core.DB) *scheduleRepository {
	return &scheduleRepository{db: db}
}

func (repo scheduleRepository) getExec(svcExec []core.DBExecutor) core.DBExecutor {
	if len(svcExec) > 0 && svcExec[0] != nil {
		return svcExec[0]
	}
	return repo.db
}

type examRow struct {
	ID          string      `db:"id"`
	SubjectCode string      `db:"subject_code"`
	SubjectName null.String `db:"subject_name"`
	Date        time.Time   `db:"exam_date"`
	StartTime   string      `db:"start_time"`
	EndTime     string      `db:"end_time"`
	RoomID      null.String `db:"room_id"`
	Status      string      `db:"status"`
	MaxStudents int         `db:"max_students"`
	GradeLevel  null.String `db:"grade_level"`
	CreatedAt   null.Time   `db:"created_at"`
	UpdatedAt   null.Time   `db:"updated_at"`
}

func (r examRow) unpack() schedule.Exam {
	return schedule.Exam{
		ID:          r.ID,
		SubjectCode: r.SubjectCode,
		SubjectName: r.SubjectName.String,
		Date:        r.Date.UTC(),
		StartTime:   r.StartTime,
		EndTime:     r.EndTime,
		RoomID:      r.RoomID.String,
		Status:      schedule.ExamStatus(r.Status),
		MaxStudents: r.MaxStudents,
		GradeLevel:  r.GradeLevel.String,
		CreatedAt:   r.CreatedAt.Time,
		UpdatedAt:   r.UpdatedAt.Time,
	}
}

const examColumns = "id, subject_code, subject_name, exam_date, start_time, end_time, room_id, status, max_students, grade_level, created_at, updated_at"

func (repo scheduleRepository) queryExamRows(ctx context.Context, exec core.DBExecutor, b sq.SelectBuilder) ([]schedule.Exam, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "building query")
	}
	rows, err := exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying exams")
	}
	defer func() { _ = rows.Close() }()

	var examRows []examRow
	if err = sqlx.StructScan(rows, &examRows); err != nil {
		return nil, errors.Wrap(err, "scanning exams")
	}
	exams := make([]schedule.Exam, 0, len(examRows))
	for _, r := range examRows {
		exams = append(exams, r.unpack())
	}
	return exams, nil
}

func (repo scheduleRepository) QueryExams(ctx context.Context, scope schedule.Scope, statuses []schedule.ExamStatus, exec ...core.DBExecutor) ([]schedule.Exam, error) {
	b := psql.Select(examColumns).
		From("exam").
		Where(sq.GtOrEq{"exam_date": scope.From.UTC()}).
		Where(sq.LtOrEq{"exam_date": scope.To.UTC()}).
		OrderBy("exam_date", "start_time", "id")
	if scope.RoomID != "" {
		b = b.Where(sq.Eq{"room_id": scope.RoomID})
	}
	if scope.SubjectCode != "" {
		b = b.Where("LOWER(subject_code) = ?", scope.SubjectCode)
	}
	if len(statuses) > 0 {
		vals := make([]string, 0, len(statuses))
		for _, s := range statuses {
			vals = append(vals, string(s))
		}
		b = b.Where(sq.Eq{"status": vals})
	}
	return repo.queryExamRows(ctx, repo.getExec(exec), b)
}

func (repo scheduleRepository) GetExam(ctx context.Context, id string, exec ...core.DBExecutor) (schedule.Exam, error) {
	if _, err := uuid.Parse(id); err != nil {
		return schedule.Exam{}, schedule.ErrExamNotFound
	}
	exams, err := repo.queryExamRows(ctx, repo.getExec(exec), psql.Select(examColumns).From("exam").Where(sq.Eq{"id": id}))
	if err != nil {
		return schedule.Exam{}, err
	}
	if len(exams) == 0 {
		return schedule.Exam{}, schedule.ErrExamNotFound
	}
	return exams[0], nil
}

type roomRow struct {
	ID       string      `db:"id"`
	Name     string      `db:"name"`
	Building null.String `db:"building"`
	Floor    int         `db:"floor"`
	Capacity int         `db:"capacity"`
	IsActive bool        `db:"is_active"`
}

func (repo scheduleRepository) QueryRooms(ctx context.Context, ids []string, exec ...core.DBExecutor) ([]schedule.Room, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := psql.Select("id, name, building, floor, capacity, is_active").
		From("room").Where(sq.Eq{"id": ids}).OrderBy("name").ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "building query")
	}
	rows, err := repo.getExec(exec).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying rooms")
	}
	defer func() { _ = rows.Close() }()

	var roomRows []roomRow
	if err = sqlx.StructScan(rows, &roomRows); err != nil {
		return nil, errors.Wrap(err, "scanning rooms")
	}
	rooms := make([]schedule.Room, 0, len(roomRows))
	for _, r := range roomRows {
		rooms = append(rooms, schedule.Room{
			ID:       r.ID,
			Name:     r.Name,
			Building: r.Building.String,
			Floor:    r.Floor,
			Capacity: r.Capacity,
			IsActive: r.IsActive,
		})
	}
	return rooms, nil
}

type proctorAssignmentRow struct {
	ID        string      `db:"id"`
	ExamID    string      `db:"exam_id"`
	ProctorID string      `db:"proctor_id"`
	Role      string      `db:"role"`
	Notes     null.String `db:"notes"`
	CreatedAt null.Time   `db:"created_at"`
}

func (repo scheduleRepository) QueryProctorAssignments(ctx context.Context, examIDs []string, exec ...core.DBExecutor) ([]schedule.ProctorAssignment, error) {
	if len(examIDs) == 0 {
		return nil, nil
	}
	query, args, err := psql.Select("id, exam_id, proctor_id, role, notes, created_at").
		From("proctor_assignment").Where(sq.Eq{"exam_id": examIDs}).OrderBy("exam_id", "created_at").ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "building query")
	}
	rows, err := repo.getExec(exec).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying proctor assignments")
	}
	defer func() { _ = rows.Close() }()

	var paRows []proctorAssignmentRow
	if err = sqlx.StructScan(rows, &paRows); err != nil {
		return nil, errors.Wrap(err, "scanning proctor assignments")
	}
	pas := make([]schedule.ProctorAssignment, 0, len(paRows))
	for _, r := range paRows {
		pas = append(pas, schedule.ProctorAssignment{
			ID:        r.ID,
			ExamID:    r.ExamID,
			ProctorID: r.ProctorID,
			Role:      schedule.ProctorRole(r.Role),
			Notes:     r.Notes.String,
			CreatedAt: r.CreatedAt.Time,
		})
	}
	return pas, nil
}

func (repo scheduleRepository) QueryProctorSchedule(ctx context.Context, proctorID string, date time.Time, exec ...core.DBExecutor) ([]schedule.Exam, error) {
	vals := make([]string, 0, len(schedule.BindingStatuses))
	for _, s := range schedule.BindingStatuses {
		vals = append(vals, string(s))
	}
	b := psql.Select("e.id, e.subject_code, e.subject_name, e.exam_date, e.start_time, e.end_time, e.room_id, e.status, e.max_students, e.grade_level, e.created_at, e.updated_at").
		From("exam e").
		Join("proctor_assignment pa ON pa.exam_id = e.id").
		Where(sq.Eq{"pa.proctor_id": proctorID}).
		Where(sq.Eq{"e.exam_date": date.UTC()}).
		Where(sq.Eq{"e.status": vals}).
		OrderBy("e.start_time", "e.id")
	return repo.queryExamRows(ctx, repo.getExec(exec), b)
}

type registrationRow struct {
	ID        string    `db:"id"`
	ExamID    string    `db:"exam_id"`
	StudentID string    `db:"student_id"`
	Status    string    `db:"status"`
	CreatedAt null.Time `db:"created_at"`
}

func (repo scheduleRepository) QueryRegistrations(ctx context.Context, examID string, exec ...core.DBExecutor) ([]schedule.StudentRegistration, error) {
	query, args, err := psql.Select("id, exam_id, student_id, status, created_at").
		From("student_registration").Where(sq.Eq{"exam_id": examID}).OrderBy("created_at", "id").ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "building query")
	}
	rows, err := repo.getExec(exec).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying registrations")
	}
	defer func() { _ = rows.Close() }()

	var regRows []registrationRow
	if err = sqlx.StructScan(rows, &regRows); err != nil {
		return nil, errors.Wrap(err, "scanning registrations")
	}
	regs := make([]schedule.StudentRegistration, 0, len(regRows))
	for _, r := range regRows {
		regs = append(regs, schedule.StudentRegistration{
			ID:        r.ID,
			ExamID:    r.ExamID,
			StudentID: r.StudentID,
			Status:    schedule.RegistrationStatus(r.Status),
			CreatedAt: r.CreatedAt.Time,
		})
	}
	return regs, nil
}

func (repo scheduleRepository) CountRegistrations(ctx context.Context, examIDs []string, exec ...core.DBExecutor) (map[string]int, error) {
	counts := make(map[string]int, len(examIDs))
	if len(examIDs) == 0 {
		return counts, nil
	}
	query, args, err := psql.Select("exam_id, COUNT(*) AS cnt").
		From("student_registration").
		Where(sq.Eq{"exam_id": examIDs}).
		Where(sq.NotEq{"status": string(schedule.RegistrationRejected)}).
		GroupBy("exam_id").ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "building query")
	}
	rows, err := repo.getExec(exec).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "counting registrations")
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var examID string
		var cnt int
		if err = rows.Scan(&examID, &cnt); err != nil {
			return nil, errors.Wrap(err, "scanning registration counts")
		}
		counts[examID] = cnt
	}
	if err = rows.Err(); err != nil {
		return nil, errors.Wrap(err, "counting registrations")
	}
	return counts, nil
}

func (repo scheduleRepository) QueryUnregisteredStudents(ctx context.Context, scope schedule.Scope, exec ...core.DBExecutor) ([]user.User, error) {
	b := psql.Select(userColumns).From(`"user" u`).
		Where("u.is_active = TRUE").
		Where(`EXISTS (SELECT 1 FROM UNNEST(u.roles) r WHERE r LIKE ?)`, user.RoleStudent+"%").
		Where(`NOT EXISTS (
			SELECT 1 FROM student_registration sr
			JOIN exam e ON e.id = sr.exam_id
			WHERE sr.student_id = u.id AND sr.status <> ?
			  AND e.status = ? AND e.exam_date BETWEEN ? AND ?
		)`, string(schedule.RegistrationRejected), string(schedule.ExamPublished), scope.From.UTC(), scope.To.UTC()).
		OrderBy("u.name", "u.id")
	return queryUserRows(ctx, repo.getExec(exec), b)
}

func (repo scheduleRepository) QueryUnassignedProctors(ctx context.Context, scope schedule.Scope, exec ...core.DBExecutor) ([]user.User, error) {
	b := psql.Select(userColumns).From(`"user" u`).
		Where("u.is_active = TRUE").
		Where(`EXISTS (SELECT 1 FROM UNNEST(u.roles) r WHERE r LIKE ?)`, user.RoleTeacher+"%").
		Where(`NOT EXISTS (
			SELECT 1 FROM proctor_assignment pa
			JOIN exam e ON e.id = pa.exam_id
			WHERE pa.proctor_id = u.id
			  AND e.status = ? AND e.exam_date BETWEEN ? AND ?
		)`, string(schedule.ExamPublished), scope.From.UTC(), scope.To.UTC()).
		OrderBy("u.name", "u.id")
	return queryUserRows(ctx, repo.getExec(exec), b)
}

func (repo scheduleRepository) QueryUsersByID(ctx context.Context, ids []string, exec ...core.DBExecutor) ([]user.User, error) {
	// a malformed id cannot match a uuid column; drop it instead of failing the query
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return nil, nil
	}
	b := psql.Select(userColumns).From(`"user" u`).Where(sq.Eq{"u.id": valid}).OrderBy("u.name", "u.id")
	return queryUserRows(ctx, repo.getExec(exec), b)
}

func (repo scheduleRepository) CreateRegistrations(ctx context.Context, regs []schedule.StudentRegistration, exec ...core.DBExecutor) error {
	if len(regs) == 0 {
		return nil
	}
	b := psql.Insert("student_registration").Columns("id", "exam_id", "student_id", "status", "created_at")
	for _, reg := range regs {
		b = b.Values(uuid.New().String(), reg.ExamID, reg.StudentID, string(reg.Status), reg.CreatedAt.UTC())
	}
	query, args, err := b.ToSql()
	if err != nil {
		return errors.Wrap(err, "building query")
	}
	if _, err = repo.getExec(exec).ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(err, "inserting registrations")
	}
	return nil
}

func (repo scheduleRepository) UpdateRegistrationStatus(ctx context.Context, examID, studentID string, status schedule.RegistrationStatus, exec ...core.DBExecutor) error {
	query, args, err := psql.Update("student_registration").
		Set("status", string(status)).
		Where(sq.Eq{"exam_id": examID, "student_id": studentID}).ToSql()
	if err != nil {
		return errors.Wrap(err, "building query")
	}
	if _, err = repo.getExec(exec).ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(err, "updating registration status")
	}
	return nil
}

func (repo scheduleRepository) DeleteRegistration(ctx context.Context, examID, studentID string, exec ...core.DBExecutor) (bool, error) {
	if _, err := uuid.Parse(studentID); err != nil {
		return false, nil // nothing to remove
	}
	query, args, err := psql.Delete("student_registration").
		Where(sq.Eq{"exam_id": examID, "student_id": studentID}).ToSql()
	if err != nil {
		return false, errors.Wrap(err, "building query")
	}
	res, err := repo.getExec(exec).ExecContext(ctx, query, args...)
	if err != nil {
		return false, errors.Wrap(err, "deleting registration")
	}
	cnt, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "deleting registration")
	}
	return cnt > 0, nil
}

func (repo scheduleRepository) CreateProctorAssignments(ctx context.Context, pas []schedule.ProctorAssignment, exec ...core.DBExecutor) error {
	if len(pas) == 0 {
		return nil
	}
	b := psql.Insert("proctor_assignment").Columns("id", "exam_id", "proctor_id", "role", "notes", "created_at")
	for _, pa := range pas {
		b = b.Values(uuid.New().String(), pa.ExamID, pa.ProctorID, string(pa.Role), null.NewString(pa.Notes, pa.Notes != ""), pa.CreatedAt.UTC())
	}
	query, args, err := b.ToSql()
	if err != nil {
		return errors.Wrap(err, "building query")
	}
	if _, err = repo.getExec(exec).ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(err, "inserting proctor assignments")
	}
	return nil
}

func (repo scheduleRepository) UpdateProctorAssignment(ctx context.Context, pa schedule.ProctorAssignment, exec ...core.DBExecutor) error {
	query, args, err := psql.Update("proctor_assignment").
		Set("role", string(pa.Role)).
		Set("notes", null.NewString(pa.Notes, pa.Notes != "")).
		Where(sq.Eq{"exam_id": pa.ExamID, "proctor_id": pa.ProctorID}).ToSql()
	if err != nil {
		return errors.Wrap(err, "building query")
	}
	if _, err = repo.getExec(exec).ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(err, "updating proctor assignment")
	}
	return nil
}

func (repo scheduleRepository) DeleteProctorAssignment(ctx context.Context, examID, proctorID string, exec ...core.DBExecutor) (bool, error) {
	if _, err := uuid.Parse(proctorID); err != nil {
		return false, nil // nothing to remove
	}
	query, args, err := psql.Delete("proctor_assignment").
		Where(sq.Eq{"exam_id": examID, "proctor_id": proctorID}).ToSql()
	if err != nil {
		return false, errors.Wrap(err, "building query")
	}
	res, err := repo.getExec(exec).ExecContext(ctx, query, args...)
	if err != nil {
		return false, errors.Wrap(err, "deleting proctor assignment")
	}
	cnt, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "deleting proctor assignment")
	}
	return cnt > 0, nil
}

// Atomic opens a transaction and locks the exam row for its duration so
// concurrent writers to the same exam serialize on read-check-write.
func (repo scheduleRepository) Atomic(ctx context.Context, examID string, fn func(ctx context.Context, tx core.DBTransactor) error) error {
	if _, err := uuid.Parse(examID); err != nil {
		return schedule.ErrExamNotFound
	}

	tx, err := repo.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}

	// take the row lock; a missing exam surfaces as ErrExamNotFound in fn
	if _, err = tx.ExecContext(ctx, "SELECT id FROM exam WHERE id = $1 FOR UPDATE", examID); err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "locking exam row")
	}

	if err = fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "committing transaction")
	}
	return nil
}
