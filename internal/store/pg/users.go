package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/ids"
)

const userColumns = `
	u.id, u.email, coalesce(u.username, ''), u.full_name, u.password_hash, u.status,
	u.created_at, u.updated_at, u.deleted_at,
	coalesce((select string_agg(ur.role_id, ',' order by ur.role_id) from user_roles ur where ur.user_id = u.id), '')`

func scanUser(row rowScanner) (auth.User, error) {
	var (
		u       auth.User
		status  string
		deleted sql.NullTime
		roles   string
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Username, &u.FullName, &u.PasswordHash, &status,
		&u.CreatedAt, &u.UpdatedAt, &deleted, &roles); err != nil {
		return auth.User{}, err
	}
	u.Status = auth.UserStatus(status)
	if deleted.Valid {
		t := deleted.Time
		u.DeletedAt = &t
	}
	u.RoleIDs = splitList(roles)
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, u auth.NewUser) (auth.User, error) {
	tx, err := s.begin(ctx, sql.LevelDefault)
	if err != nil {
		return auth.User{}, err
	}
	defer func() { _ = tx.Rollback() }()

	user, err := insertUser(ctx, tx, u, time.Now().UTC())
	if err != nil {
		return auth.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return auth.User{}, translate(err, "user")
	}
	return user, nil
}

// insertUser writes the user row and its role assignments on q.
func insertUser(ctx context.Context, q queryer, u auth.NewUser, now time.Time) (auth.User, error) {
	status := u.Status
	if status == "" {
		status = auth.UserStatusActive
	}
	var (
		user     auth.User
		rawState string
	)
	err := q.QueryRowContext(ctx, `
		insert into users (id, email, username, full_name, password_hash, status, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $7)
		returning id, email, coalesce(username, ''), full_name, password_hash, status, created_at, updated_at
	`, ids.New(), strings.ToLower(strings.TrimSpace(u.Email)), nullIfEmpty(u.Username),
		strings.TrimSpace(u.FullName), u.PasswordHash, string(status), now,
	).Scan(&user.ID, &user.Email, &user.Username, &user.FullName, &user.PasswordHash, &rawState,
		&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return auth.User{}, translate(err, "user")
	}
	user.Status = auth.UserStatus(rawState)

	roleIDs := uniqueIDs(u.RoleIDs)
	for _, roleID := range roleIDs {
		if _, err := q.ExecContext(ctx, `
			insert into user_roles (user_id, role_id, created_at) values ($1, $2, $3)
		`, user.ID, roleID, now); err != nil {
			return auth.User{}, translate(err, "role "+roleID)
		}
	}
	sort.Strings(roleIDs)
	user.RoleIDs = roleIDs
	return user, nil
}

func (s *Store) UserByID(ctx context.Context, id string) (auth.User, error) {
	return s.userWhere(ctx, s.db, `u.id = $1`, id)
}

func (s *Store) UserByEmail(ctx context.Context, email string) (auth.User, error) {
	return s.userWhere(ctx, s.db, `u.email = $1`, strings.ToLower(strings.TrimSpace(email)))
}

func (s *Store) userWhere(ctx context.Context, q queryer, cond string, arg any) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	u, err := scanUser(q.QueryRowContext(ctx, `select `+userColumns+` from users u where `+cond, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	return u, err
}

func (s *Store) ListUsers(ctx context.Context, filter auth.UserFilter) ([]auth.User, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		where []string
		args  []any
	)
	if !filter.IncludeDeleted {
		where = append(where, `u.status <> 'deleted'`)
	}
	if filter.RoleID != "" {
		args = append(args, filter.RoleID)
		where = append(where, fmt.Sprintf(`exists (select 1 from user_roles f where f.user_id = u.id and f.role_id = $%d)`, len(args)))
	}
	query := `select ` + userColumns + ` from users u`
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, ` and `)
	}
	query += ` order by u.id`
	paging, pageArgs := pageClause(filter.Offset, filter.Limit, len(args)+1)
	query += paging
	args = append(args, pageArgs...)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []auth.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteUser marks the user deleted. Repeating it keeps the first deletion time.
func (s *Store) DeleteUser(ctx context.Context, id string, at time.Time) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	if _, err := s.db.ExecContext(ctx, `
		update users
		set status = 'deleted', deleted_at = $2, updated_at = $2
		where id = $1 and status <> 'deleted'
	`, id, at.UTC()); err != nil {
		return auth.User{}, err
	}
	return s.UserByID(ctx, id)
}

func (s *Store) SetUserRoles(ctx context.Context, userID string, roleIDs []string) (auth.User, error) {
	tx, err := s.begin(ctx, sql.LevelDefault)
	if err != nil {
		return auth.User{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	err = tx.QueryRowContext(ctx, `select id from users where id = $1 for update`, userID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, err
	}
	if _, err := tx.ExecContext(ctx, `delete from user_roles where user_id = $1`, userID); err != nil {
		return auth.User{}, err
	}
	now := time.Now().UTC()
	for _, roleID := range uniqueIDs(roleIDs) {
		if _, err := tx.ExecContext(ctx, `
			insert into user_roles (user_id, role_id, created_at) values ($1, $2, $3)
		`, userID, roleID, now); err != nil {
			return auth.User{}, translate(err, "role "+roleID)
		}
	}
	if _, err := tx.ExecContext(ctx, `update users set updated_at = $2 where id = $1`, userID, now); err != nil {
		return auth.User{}, err
	}
	user, err := s.userWhere(ctx, tx, `u.id = $1`, userID)
	if err != nil {
		return auth.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return auth.User{}, translate(err, "user")
	}
	return user, nil
}

// UpdateUser relies on users_username_lower_idx for case-insensitive username
// uniqueness.
func (s *Store) UpdateUser(ctx context.Context, id string, upd auth.UserUpdate) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	var (
		setClauses []string
		args       []any
		idx        = 1
	)
	if upd.Username != nil {
		setClauses = append(setClauses, fmt.Sprintf("username = $%d", idx))
		args = append(args, nullIfEmpty(*upd.Username))
		idx++
	}
	if upd.FullName != nil {
		setClauses = append(setClauses, fmt.Sprintf("full_name = $%d", idx))
		args = append(args, strings.TrimSpace(*upd.FullName))
		idx++
	}
	setClauses = append(setClauses, fmt.Sprintf("updated_at = $%d", idx))
	args = append(args, time.Now().UTC())
	idx++
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`update users set %s where id = $%d and status <> 'deleted'`, strings.Join(setClauses, ", "), idx),
		args...)
	if err != nil {
		return auth.User{}, translate(err, "username")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return auth.User{}, auth.ErrNotFound
	}
	return s.UserByID(ctx, id)
}

func (s *Store) SetPasswordHash(ctx context.Context, id, hash string, at time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update users set password_hash = $2, updated_at = $3
		where id = $1 and status <> 'deleted'
	`, id, hash, at.UTC())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *Store) RolesForUser(ctx context.Context, userID string) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists (select 1 from users where id = $1)`, userID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, auth.ErrNotFound
	}
	return s.queryRoles(ctx, `
		select `+roleColumns+`
		from roles r
		join user_roles a on a.role_id = r.id
		where a.user_id = $1
		order by r.name
	`, userID)
}
