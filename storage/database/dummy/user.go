package dummydb

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/trezcool/mtihani/core"
	"github.com/trezcool/mtihani/core/user"
)

type userRepository struct {
	db *userTable
}

var _ user.Repository = (*userRepository)(nil) // interface compliance check

func NewUserRepository(db *DB) *userRepository {
	return &userRepository{db: db.user}
}

func (repo *userRepository) query() []user.User {
	users := make([]user.User, 0, len(repo.db.table))
	for _, u := range repo.db.table {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].Name != users[j].Name {
			return users[i].Name < users[j].Name
		}
		return users[i].ID < users[j].ID
	})
	return users
}

func (repo *userRepository) GetUser(ctx context.Context, filter user.GetFilter, exec ...core.DBExecutor) (user.User, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	switch {
	case filter.ID != "":
		if usr, ok := repo.db.table[filter.ID]; ok {
			return *usr, nil
		}
	case filter.Username != "":
		uname := strings.ToLower(filter.Username)
		for _, usr := range repo.query() {
			if strings.ToLower(usr.Username) == uname {
				return usr, nil
			}
		}
	case filter.Email != "":
		email := strings.ToLower(filter.Email)
		for _, usr := range repo.query() {
			if strings.ToLower(usr.Email) == email {
				return usr, nil
			}
		}
	case len(filter.UsernameOrEmail) > 0:
		uname := strings.ToLower(filter.UsernameOrEmail[0])
		email := uname
		if len(filter.UsernameOrEmail) > 1 {
			email = strings.ToLower(filter.UsernameOrEmail[1])
		}
		for _, usr := range repo.query() {
			if strings.ToLower(usr.Username) == uname || strings.ToLower(usr.Email) == email {
				return usr, nil
			}
		}
	}
	return user.User{}, user.ErrNotFound
}

func (repo *userRepository) QueryUsers(ctx context.Context, roles []string, exec ...core.DBExecutor) ([]user.User, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	users := repo.query()
	if len(roles) == 0 {
		return users, nil
	}
	filtered := make([]user.User, 0, len(users))
	for _, usr := range users {
		for _, role := range roles {
			if usr.RoleStartsWith(role) {
				filtered = append(filtered, usr)
				break
			}
		}
	}
	return filtered, nil
}

func (repo *userRepository) UpdateOrCreateUser(ctx context.Context, usr user.User, exec ...core.DBExecutor) (user.User, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	now := time.Now().UTC()
	usr.UpdatedAt = now
	if usr.ID == "" {
		usr.ID = uuid.New().String()
		usr.CreatedAt = now
	} else if _, ok := repo.db.table[usr.ID]; !ok {
		return user.User{}, user.ErrNotFound
	}
	repo.db.table[usr.ID] = &usr
	return usr, nil
}
