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

const invitationColumns = `
	i.id, i.code, i.email, i.status, i.created_by, coalesce(i.redeemed_by, ''),
	i.created_at, i.updated_at, i.expires_at,
	coalesce((select string_agg(ir.role_id, ',' order by ir.role_id) from invitation_roles ir where ir.invitation_id = i.id), '')`

func scanInvitation(row rowScanner) (auth.Invitation, error) {
	var (
		inv    auth.Invitation
		status string
		roles  string
	)
	if err := row.Scan(&inv.ID, &inv.Code, &inv.Email, &status, &inv.CreatedBy, &inv.RedeemedBy,
		&inv.CreatedAt, &inv.UpdatedAt, &inv.ExpiresAt, &roles); err != nil {
		return auth.Invitation{}, err
	}
	inv.Status = auth.InvitationStatus(status)
	inv.RoleIDs = splitList(roles)
	return inv, nil
}

func (s *Store) invitationWhere(ctx context.Context, q queryer, cond string, arg any) (auth.Invitation, error) {
	if s.db == nil {
		return auth.Invitation{}, errNoDB
	}
	inv, err := scanInvitation(q.QueryRowContext(ctx, `select `+invitationColumns+` from invitations i where `+cond, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Invitation{}, auth.ErrInvitationNotFound
	}
	return inv, err
}

func (s *Store) CreateInvitation(ctx context.Context, inv auth.Invitation) (auth.Invitation, error) {
	tx, err := s.begin(ctx, sql.LevelDefault)
	if err != nil {
		return auth.Invitation{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if inv.ID == "" {
		inv.ID = ids.New()
	}
	if inv.Status == "" {
		inv.Status = auth.InvitationPending
	}
	if inv.UpdatedAt.IsZero() {
		inv.UpdatedAt = inv.CreatedAt
	}
	inv.Email = strings.ToLower(strings.TrimSpace(inv.Email))
	inv.RoleIDs = uniqueIDs(inv.RoleIDs)

	if _, err := tx.ExecContext(ctx, `
		insert into invitations (id, code, email, status, created_by, created_at, updated_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, inv.ID, inv.Code, inv.Email, string(inv.Status), inv.CreatedBy,
		inv.CreatedAt.UTC(), inv.UpdatedAt.UTC(), inv.ExpiresAt.UTC()); err != nil {
		return auth.Invitation{}, translate(err, "invitation code")
	}
	for _, roleID := range inv.RoleIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into invitation_roles (invitation_id, role_id) values ($1, $2)
		`, inv.ID, roleID); err != nil {
			return auth.Invitation{}, translate(err, "role "+roleID)
		}
	}
	if err := tx.Commit(); err != nil {
		return auth.Invitation{}, translate(err, "invitation")
	}
	sort.Strings(inv.RoleIDs)
	return inv, nil
}

func (s *Store) InvitationByID(ctx context.Context, id string) (auth.Invitation, error) {
	return s.invitationWhere(ctx, s.db, `i.id = $1`, id)
}

func (s *Store) InvitationByCode(ctx context.Context, code string) (auth.Invitation, error) {
	return s.invitationWhere(ctx, s.db, `i.code = $1`, code)
}

func (s *Store) ListInvitations(ctx context.Context, filter auth.InvitationFilter) ([]auth.Invitation, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf(`i.status = $%d`, len(args)))
	}
	if email := strings.ToLower(strings.TrimSpace(filter.Email)); email != "" {
		args = append(args, email)
		where = append(where, fmt.Sprintf(`i.email = $%d`, len(args)))
	}
	if filter.RoleID != "" {
		args = append(args, filter.RoleID)
		where = append(where, fmt.Sprintf(`exists (select 1 from invitation_roles f where f.invitation_id = i.id and f.role_id = $%d)`, len(args)))
	}
	query := `select ` + invitationColumns + ` from invitations i`
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, ` and `)
	}
	query += ` order by i.created_at desc, i.id desc`
	paging, pageArgs := pageClause(filter.Offset, filter.Limit, len(args)+1)
	query += paging
	args = append(args, pageArgs...)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []auth.Invitation{}
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// RedeemInvitation locks the invitation row, creates the user and flips the
// status with a compare-and-set on 'pending'. Losers of a concurrent race see
// either the committed status or a serialization failure, both reported as
// ErrInvitationNotPending.
func (s *Store) RedeemInvitation(ctx context.Context, code string, u auth.NewUser, now time.Time) (auth.User, auth.Invitation, error) {
	tx, err := s.begin(ctx, sql.LevelSerializable)
	if err != nil {
		return auth.User{}, auth.Invitation{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id      string
		status  string
		expires time.Time
	)
	err = tx.QueryRowContext(ctx, `
		select id, status, expires_at from invitations where code = $1 for update
	`, code).Scan(&id, &status, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.Invitation{}, auth.ErrInvitationNotFound
	}
	if err != nil {
		return auth.User{}, auth.Invitation{}, redeemError(err)
	}
	if !now.Before(expires) || auth.InvitationStatus(status) == auth.InvitationExpired {
		return auth.User{}, auth.Invitation{}, auth.ErrInvitationExpired
	}
	if auth.InvitationStatus(status) != auth.InvitationPending {
		return auth.User{}, auth.Invitation{}, fmt.Errorf("%w: status is %s", auth.ErrInvitationNotPending, status)
	}

	roleIDs, err := invitationRoles(ctx, tx, id)
	if err != nil {
		return auth.User{}, auth.Invitation{}, redeemError(err)
	}
	u.RoleIDs = roleIDs
	user, err := insertUser(ctx, tx, u, now.UTC())
	if err != nil {
		return auth.User{}, auth.Invitation{}, redeemError(err)
	}

	res, err := tx.ExecContext(ctx, `
		update invitations
		set status = 'accepted', redeemed_by = $2, updated_at = $3
		where id = $1 and status = 'pending'
	`, id, user.ID, now.UTC())
	if err != nil {
		return auth.User{}, auth.Invitation{}, redeemError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return auth.User{}, auth.Invitation{}, auth.ErrInvitationNotPending
	}
	inv, err := s.invitationWhere(ctx, tx, `i.id = $1`, id)
	if err != nil {
		return auth.User{}, auth.Invitation{}, redeemError(err)
	}
	if err := tx.Commit(); err != nil {
		return auth.User{}, auth.Invitation{}, redeemError(err)
	}
	return user, inv, nil
}

func invitationRoles(ctx context.Context, tx *sql.Tx, invitationID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		select role_id from invitation_roles where invitation_id = $1 order by role_id
	`, invitationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	roleIDs := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		roleIDs = append(roleIDs, id)
	}
	return roleIDs, rows.Err()
}

func redeemError(err error) error {
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrSerialization {
		return fmt.Errorf("%w: redeemed concurrently", auth.ErrInvitationNotPending)
	}
	return err
}

func (s *Store) CancelInvitation(ctx context.Context, id string, now time.Time) (auth.Invitation, error) {
	tx, err := s.begin(ctx, sql.LevelDefault)
	if err != nil {
		return auth.Invitation{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status  string
		expires time.Time
	)
	err = tx.QueryRowContext(ctx, `
		select status, expires_at from invitations where id = $1 for update
	`, id).Scan(&status, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Invitation{}, auth.ErrInvitationNotFound
	}
	if err != nil {
		return auth.Invitation{}, err
	}
	current := auth.Invitation{Status: auth.InvitationStatus(status), ExpiresAt: expires}
	if st := current.StatusAt(now); st != auth.InvitationPending {
		return auth.Invitation{}, fmt.Errorf("%w: status is %s", auth.ErrInvitationNotPending, st)
	}
	if _, err := tx.ExecContext(ctx, `
		update invitations set status = 'cancelled', updated_at = $2 where id = $1
	`, id, now.UTC()); err != nil {
		return auth.Invitation{}, err
	}
	inv, err := s.invitationWhere(ctx, tx, `i.id = $1`, id)
	if err != nil {
		return auth.Invitation{}, err
	}
	if err := tx.Commit(); err != nil {
		return auth.Invitation{}, translate(err, "invitation")
	}
	return inv, nil
}

func (s *Store) ExpireInvitations(ctx context.Context, now time.Time) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update invitations
		set status = 'expired', updated_at = $1
		where status = 'pending' and expires_at <= $1
	`, now.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
