package sqlxrepos

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/mtihani/core"
	"github.com/trezcool/mtihani/core/user"
)

type userRepository struct {
	db core.DB
}

var _ user.Repository = (*userRepository)(nil) // interface compliance check

func NewUserRepository(db core.DB) *userRepository {
	return &userRepository{db: db}
}

func (repo userRepository) getExec(svcExec []core.DBExecutor) core.DBExecutor {
	if len(svcExec) > 0 && svcExec[0] != nil {
		return svcExec[0]
	}
	return repo.db
}

const userColumns = "u.id, u.name, u.username, u.email, u.is_active, u.roles, u.password_hash, u.created_at, u.updated_at, u.last_login"

type userRow struct {
	ID           string         `db:"id"`
	Name         null.String    `db:"name"`
	Username     null.String    `db:"username"`
	Email        null.String    `db:"email"`
	IsActive     null.Bool      `db:"is_active"`
	Roles        pq.StringArray `db:"roles"`
	PasswordHash null.Bytes     `db:"password_hash"`
	CreatedAt    null.Time      `db:"created_at"`
	UpdatedAt    null.Time      `db:"updated_at"`
	LastLogin    null.Time      `db:"last_login"`
}

func (r userRow) unpack() user.User {
	usr := user.User{
		ID:           r.ID,
		Name:         r.Name.String,
		Username:     r.Username.String,
		Email:        r.Email.String,
		Roles:        r.Roles,
		PasswordHash: r.PasswordHash.Bytes,
		CreatedAt:    r.CreatedAt.Time,
		UpdatedAt:    r.UpdatedAt.Time,
		LastLogin:    r.LastLogin.Time,
	}
	if r.IsActive.Valid {
		usr.SetActive(r.IsActive.Bool)
	}
	return usr
}

func queryUserRows(ctx context.Context, exec core.DBExecutor, b sq.SelectBuilder) ([]user.User, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "building query")
	}
	rows, err := exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying users")
	}
	defer func() { _ = rows.Close() }()

	var userRows []userRow
	if err = sqlx.StructScan(rows, &userRows); err != nil {
		return nil, errors.Wrap(err, "scanning users")
	}
	users := make([]user.User, 0, len(userRows))
	for _, r := range userRows {
		users = append(users, r.unpack())
	}
	return users, nil
}

func (repo userRepository) GetUser(ctx context.Context, filter user.GetFilter, exec ...core.DBExecutor) (user.User, error) {
	b := psql.Select(userColumns).From(`"user" u`)
	switch {
	case filter.ID != "":
		if _, err := uuid.Parse(filter.ID); err != nil {
			return user.User{}, user.ErrNotFound
		}
		b = b.Where(sq.Eq{"u.id": filter.ID})
	case filter.Username != "":
		b = b.Where("LOWER(u.username) = ?", core.CleanString(filter.Username, true))
	case filter.Email != "":
		b = b.Where("LOWER(u.email) = ?", core.CleanString(filter.Email, true))
	case len(filter.UsernameOrEmail) > 0:
		uname := core.CleanString(filter.UsernameOrEmail[0], true)
		email := uname
		if len(filter.UsernameOrEmail) > 1 {
			email = core.CleanString(filter.UsernameOrEmail[1], true)
		}
		b = b.Where(sq.Or{
			sq.Expr("LOWER(u.username) = ?", uname),
			sq.Expr("LOWER(u.email) = ?", email),
		})
	default:
		return user.User{}, errors.New("empty user filter")
	}

	users, err := queryUserRows(ctx, repo.getExec(exec), b)
	if err != nil {
		return user.User{}, err
	}
	if len(users) == 0 {
		return user.User{}, user.ErrNotFound
	}
	return users[0], nil
}

func (repo userRepository) QueryUsers(ctx context.Context, roles []string, exec ...core.DBExecutor) ([]user.User, error) {
	b := psql.Select(userColumns).From(`"user" u`).OrderBy("u.name", "u.id")
	if len(roles) > 0 {
		or := make(sq.Or, 0, len(roles))
		for _, role := range roles {
			or = append(or, sq.Expr(`EXISTS (SELECT 1 FROM UNNEST(u.roles) r WHERE r LIKE ?)`, role+"%"))
		}
		b = b.Where(or)
	}
	return queryUserRows(ctx, repo.getExec(exec), b)
}

func (repo userRepository) UpdateOrCreateUser(ctx context.Context, usr user.User, exec ...core.DBExecutor) (user.User, error) {
	now := time.Now().UTC()
	usr.UpdatedAt = now

	if usr.ID == "" {
		usr.ID = uuid.New().String()
		usr.CreatedAt = now
		query, args, err := psql.Insert(`"user"`).
			Columns("id", "name", "username", "email", "is_active", "roles", "password_hash", "created_at", "updated_at", "last_login").
			Values(
				usr.ID, usr.Name, usr.Username, usr.Email, usr.Active(), pq.StringArray(usr.Roles),
				usr.PasswordHash, usr.CreatedAt, usr.UpdatedAt, null.NewTime(usr.LastLogin, !usr.LastLogin.IsZero()),
			).ToSql()
		if err != nil {
			return usr, errors.Wrap(err, "building query")
		}
		if _, err = repo.getExec(exec).ExecContext(ctx, query, args...); err != nil {
			return usr, errors.Wrap(err, "inserting user")
		}
		return usr, nil
	}

	query, args, err := psql.Update(`"user"`).
		Set("name", usr.Name).
		Set("username", usr.Username).
		Set("email", usr.Email).
		Set("is_active", usr.Active()).
		Set("roles", pq.StringArray(usr.Roles)).
		Set("password_hash", usr.PasswordHash).
		Set("updated_at", usr.UpdatedAt).
		Set("last_login", null.NewTime(usr.LastLogin, !usr.LastLogin.IsZero())).
		Where(sq.Eq{"id": usr.ID}).ToSql()
	if err != nil {
		return usr, errors.Wrap(err, "building query")
	}
	res, err := repo.getExec(exec).ExecContext(ctx, query, args...)
	if err != nil {
		return usr, errors.Wrap(err, "updating user")
	}
	if cnt, err := res.RowsAffected(); err == nil && cnt == 0 {
		return usr, user.ErrNotFound
	}
	return usr, nil
}
