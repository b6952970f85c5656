package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/ids"
)

const roleColumns = `
	r.id, r.name, r.description, r.created_at, r.updated_at,
	coalesce((select string_agg(rp.permission_key, ',' order by rp.permission_key) from role_permissions rp where rp.role_id = r.id), ''),
	(select count(*) from user_roles ur where ur.role_id = r.id)`

func scanRole(row rowScanner) (auth.Role, error) {
	var (
		r     auth.Role
		perms string
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &r.CreatedAt, &r.UpdatedAt, &perms, &r.UserCount); err != nil {
		return auth.Role{}, err
	}
	r.Permissions = splitList(perms)
	return r, nil
}

func (s *Store) queryRoles(ctx context.Context, query string, args ...any) ([]auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []auth.Role{}
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) roleWhere(ctx context.Context, q queryer, cond string, arg any) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	r, err := scanRole(q.QueryRowContext(ctx, `select `+roleColumns+` from roles r where `+cond, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, auth.ErrNotFound
	}
	return r, err
}

// EnsurePermissions inserts missing catalog keys and leaves existing ones untouched.
func (s *Store) EnsurePermissions(ctx context.Context, perms []auth.Permission) error {
	tx, err := s.begin(ctx, sql.LevelDefault)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range perms {
		if _, err := tx.ExecContext(ctx, `
			insert into permissions (key, description) values ($1, $2)
			on conflict (key) do nothing
		`, p.Key, p.Description); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select key, description from permissions order by key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []auth.Permission{}
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.Key, &p.Description); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateRole(ctx context.Context, name, description string, permissions []string) (auth.Role, error) {
	tx, err := s.begin(ctx, sql.LevelDefault)
	if err != nil {
		return auth.Role{}, err
	}
	defer func() { _ = tx.Rollback() }()

	id := ids.New()
	if _, err := tx.ExecContext(ctx, `
		insert into roles (id, name, description, created_at, updated_at)
		values ($1, $2, $3, $4, $4)
	`, id, name, description, time.Now().UTC()); err != nil {
		return auth.Role{}, translate(err, fmt.Sprintf("role %q", name))
	}
	if err := insertRolePermissions(ctx, tx, id, permissions); err != nil {
		return auth.Role{}, err
	}
	role, err := s.roleWhere(ctx, tx, `r.id = $1`, id)
	if err != nil {
		return auth.Role{}, err
	}
	if err := tx.Commit(); err != nil {
		return auth.Role{}, translate(err, "role")
	}
	return role, nil
}

func insertRolePermissions(ctx context.Context, tx *sql.Tx, roleID string, keys []string) error {
	for _, key := range auth.NewPermissionSet(keys...).Keys() {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_key) values ($1, $2)
		`, roleID, key); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				return &auth.FieldError{Field: "permissions", Reasons: []string{"unknown permission " + key}, Err: auth.ErrInvalidInput}
			}
			return err
		}
	}
	return nil
}

func (s *Store) RoleByID(ctx context.Context, id string) (auth.Role, error) {
	return s.roleWhere(ctx, s.db, `r.id = $1`, id)
}

func (s *Store) RoleByName(ctx context.Context, name string) (auth.Role, error) {
	return s.roleWhere(ctx, s.db, `lower(r.name) = lower($1)`, name)
}

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	return s.queryRoles(ctx, `select `+roleColumns+` from roles r order by r.name`)
}

func (s *Store) UpdateRole(ctx context.Context, id string, upd auth.RoleUpdate) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	var (
		setClauses []string
		args       []any
		idx        = 1
	)
	if upd.Name != nil {
		setClauses = append(setClauses, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.Description != nil {
		setClauses = append(setClauses, fmt.Sprintf("description = $%d", idx))
		args = append(args, *upd.Description)
		idx++
	}
	setClauses = append(setClauses, fmt.Sprintf("updated_at = $%d", idx))
	args = append(args, time.Now().UTC())
	idx++
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`update roles set %s where id = $%d`, strings.Join(setClauses, ", "), idx), args...)
	if err != nil {
		return auth.Role{}, translate(err, "role name")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return auth.Role{}, auth.ErrNotFound
	}
	return s.RoleByID(ctx, id)
}

func (s *Store) SetRolePermissions(ctx context.Context, id string, permissions []string) (auth.Role, error) {
	tx, err := s.begin(ctx, sql.LevelDefault)
	if err != nil {
		return auth.Role{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockRole(ctx, tx, id); err != nil {
		return auth.Role{}, err
	}
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, id); err != nil {
		return auth.Role{}, err
	}
	if err := insertRolePermissions(ctx, tx, id, permissions); err != nil {
		return auth.Role{}, err
	}
	if _, err := tx.ExecContext(ctx, `update roles set updated_at = $2 where id = $1`, id, time.Now().UTC()); err != nil {
		return auth.Role{}, err
	}
	role, err := s.roleWhere(ctx, tx, `r.id = $1`, id)
	if err != nil {
		return auth.Role{}, err
	}
	if err := tx.Commit(); err != nil {
		return auth.Role{}, translate(err, "role")
	}
	return role, nil
}

// DeleteRole checks for holders and pending invitations under a serializable
// transaction so a concurrent assignment cannot slip in between.
func (s *Store) DeleteRole(ctx context.Context, id string) error {
	tx, err := s.begin(ctx, sql.LevelSerializable)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockRole(ctx, tx, id); err != nil {
		return deleteConflict(err)
	}
	var holders int
	if err := tx.QueryRowContext(ctx, `select count(*) from user_roles where role_id = $1`, id).Scan(&holders); err != nil {
		return deleteConflict(err)
	}
	if holders > 0 {
		return fmt.Errorf("%w: %d users hold this role", auth.ErrRoleInUse, holders)
	}
	var invitationID string
	err = tx.QueryRowContext(ctx, `
		select i.id
		from invitation_roles ir
		join invitations i on i.id = ir.invitation_id
		where ir.role_id = $1 and i.status = 'pending'
		limit 1
	`, id).Scan(&invitationID)
	switch {
	case err == nil:
		return fmt.Errorf("%w: pending invitation %s grants this role", auth.ErrRoleInUse, invitationID)
	case !errors.Is(err, sql.ErrNoRows):
		return deleteConflict(err)
	}
	if _, err := tx.ExecContext(ctx, `delete from roles where id = $1`, id); err != nil {
		return deleteConflict(err)
	}
	return deleteConflict(tx.Commit())
}

// deleteConflict maps failures caused by a concurrent writer referencing the
// role onto ErrRoleInUse. Serialization failures can surface on any statement
// of the transaction, including commit.
func deleteConflict(err error) error {
	pgErr, ok := maybePgError(err)
	if !ok {
		return err
	}
	switch pgErr.Code {
	case pgErrSerialization:
		return fmt.Errorf("%w: role was referenced concurrently", auth.ErrRoleInUse)
	case pgErrForeignKeyViolation:
		return fmt.Errorf("%w: role is still assigned", auth.ErrRoleInUse)
	default:
		return err
	}
}

func lockRole(ctx context.Context, tx *sql.Tx, id string) error {
	var locked string
	err := tx.QueryRowContext(ctx, `select id from roles where id = $1 for update`, id).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	return err
}
