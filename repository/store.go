package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	auth "github.com/goliatone/go-retail-auth"
)

// lastAdminGuard is false when the target row is the only active admin.
// The count is wrapped in a derived table so MySQL accepts reading the
// table being modified.
const lastAdminGuard = `NOT (
	role = ? AND is_active = ? AND (
		SELECT admins.n FROM (
			SELECT COUNT(*) AS n FROM users WHERE role = ? AND is_active = ?
		) AS admins
	) <= 1
)`

// Store is the bun backed user and refresh token store.
type Store struct {
	db    bun.IDB
	root  *bun.DB
	users repository.Repository[*auth.User]
	clock auth.Clock
}

var (
	_ auth.UserAdminRepository    = (*Store)(nil)
	_ auth.RefreshTokenRepository = (*Store)(nil)
)

type StoreOption func(*Store)

// WithStoreClock sets the clock used for updated_at stamps.
func WithStoreClock(c auth.Clock) StoreOption {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

func NewStore(db *bun.DB, opts ...StoreOption) *Store {
	users := repository.NewRepository[*auth.User](db, repository.ModelHandlers[*auth.User]{
		NewRecord: func() *auth.User { return &auth.User{} },
		GetID: func(u *auth.User) uuid.UUID {
			if u == nil {
				return uuid.Nil
			}
			return u.ID
		},
		SetID: func(u *auth.User, id uuid.UUID) {
			if u != nil {
				u.ID = id
			}
		},
	})

	s := &Store{
		db:    db,
		root:  db,
		users: users,
		clock: func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s
}

func (s *Store) withTx(tx bun.Tx) *Store {
	return &Store{db: tx, root: s.root, users: s.users, clock: s.clock}
}

func (s *Store) FindUserByID(ctx context.Context, id uuid.UUID) (*auth.User, error) {
	user := &auth.User{}
	err := s.db.NewSelect().
		Model(user).
		Where("?TableAlias.id = ?", id.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, userLookupError(err, map[string]any{"id": id.String()})
	}
	return user, nil
}

// FindUserByCredentialKey matches emails case insensitively and usernames
// exactly.
func (s *Store) FindUserByCredentialKey(ctx context.Context, key string) (*auth.User, error) {
	key = strings.TrimSpace(key)
	column, value := "username", key
	if strings.Contains(key, "@") {
		column, value = "email", strings.ToLower(key)
	}

	user := &auth.User{}
	err := s.db.NewSelect().
		Model(user).
		Where("?TableAlias.? = ?", bun.Ident(column), value).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, userLookupError(err, map[string]any{"identifier": key})
	}
	return user, nil
}

func (s *Store) UpdateLoginState(ctx context.Context, id uuid.UUID, expectedVersion int64, next auth.LoginState) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*auth.User)(nil)).
		Set("login_attempts = ?", next.Attempts).
		Set("lock_until = ?", next.LockUntil).
		Set("login_version = login_version + 1").
		Where("id = ?", id.String()).
		Where("login_version = ?", expectedVersion).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (s *Store) RecordLoginSuccess(ctx context.Context, id uuid.UUID, expectedVersion int64, at time.Time) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*auth.User)(nil)).
		Set("login_attempts = 0").
		Set("lock_until = NULL").
		Set("last_login = ?", at).
		Set("login_version = login_version + 1").
		Where("id = ?", id.String()).
		Where("login_version = ?", expectedVersion).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (s *Store) CreateUser(ctx context.Context, user *auth.User) (*auth.User, error) {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	if user.Role == "" {
		user.Role = auth.RoleUser
	}

	created, err := s.users.CreateTx(ctx, s.db, user)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, auth.Annotate(auth.ErrUserExists, map[string]any{
				"username": user.Username,
				"email":    user.Email,
			})
		}
		return nil, err
	}
	return created, nil
}

func (s *Store) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	res, err := s.db.NewUpdate().
		Model((*auth.User)(nil)).
		Set("password_hash = ?", hash).
		Set("updated_at = ?", s.clock()).
		Where("id = ?", id.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	return s.requireRow(ctx, res, id, false)
}

func (s *Store) SetUserActive(ctx context.Context, id uuid.UUID, active bool) error {
	q := s.db.NewUpdate().
		Model((*auth.User)(nil)).
		Set("is_active = ?", active).
		Set("updated_at = ?", s.clock()).
		Where("id = ?", id.String())
	if !active {
		q = q.Where(lastAdminGuard, auth.RoleAdmin, true, auth.RoleAdmin, true)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return err
	}
	return s.requireRow(ctx, res, id, !active)
}

func (s *Store) UpdateUserRole(ctx context.Context, id uuid.UUID, role auth.UserRole) error {
	q := s.db.NewUpdate().
		Model((*auth.User)(nil)).
		Set("role = ?", role).
		Set("updated_at = ?", s.clock()).
		Where("id = ?", id.String())
	if role != auth.RoleAdmin {
		q = q.Where(lastAdminGuard, auth.RoleAdmin, true, auth.RoleAdmin, true)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return err
	}
	return s.requireRow(ctx, res, id, role != auth.RoleAdmin)
}

// DeleteUser removes the user and every refresh token it owns.
func (s *Store) DeleteUser(ctx context.Context, id uuid.UUID) error {
	return s.runInTx(ctx, func(ctx context.Context, tx *Store) error {
		res, err := tx.db.NewDelete().
			Model((*auth.User)(nil)).
			Where("id = ?", id.String()).
			Where(lastAdminGuard, auth.RoleAdmin, true, auth.RoleAdmin, true).
			Exec(ctx)
		if err != nil {
			return err
		}
		if err := tx.requireRow(ctx, res, id, true); err != nil {
			return err
		}

		_, err = tx.db.NewDelete().
			Model((*auth.RefreshTokenRecord)(nil)).
			Where("user_id = ?", id.String()).
			Exec(ctx)
		return err
	})
}

func (s *Store) AppendRefreshToken(ctx context.Context, userID uuid.UUID, record *auth.RefreshTokenRecord) error {
	if record == nil {
		return errors.New("refresh token record is nil")
	}
	record.UserID = userID
	if record.CreatedAt == nil {
		now := s.clock()
		record.CreatedAt = &now
	}
	_, err := s.db.NewInsert().Model(record).Exec(ctx)
	return err
}

func (s *Store) FindRefreshToken(ctx context.Context, tokenID uuid.UUID) (*auth.RefreshTokenRecord, error) {
	record := &auth.RefreshTokenRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.token_id = ?", tokenID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || repository.IsRecordNotFound(err) {
			return nil, auth.Annotate(auth.ErrRefreshTokenNotFound, map[string]any{
				"token_id": tokenID.String(),
			})
		}
		return nil, err
	}
	return record, nil
}

func (s *Store) RevokeRefreshToken(ctx context.Context, userID, tokenID uuid.UUID) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*auth.RefreshTokenRecord)(nil)).
		Set("revoked = ?", true).
		Where("token_id = ?", tokenID.String()).
		Where("user_id = ?", userID.String()).
		Where("revoked = ?", false).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (s *Store) RevokeAllRefreshTokens(ctx context.Context, userID uuid.UUID) (int, error) {
	res, err := s.db.NewUpdate().
		Model((*auth.RefreshTokenRecord)(nil)).
		Set("revoked = ?", true).
		Where("user_id = ?", userID.String()).
		Where("revoked = ?", false).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// PruneExpiredRefreshTokens deletes tokens that expired before the cutoff.
func (s *Store) PruneExpiredRefreshTokens(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.NewDelete().
		Model((*auth.RefreshTokenRecord)(nil)).
		Where("expires_at < ?", before).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, repo auth.RefreshTokenRepository) error) error {
	return s.runInTx(ctx, func(ctx context.Context, tx *Store) error {
		return fn(ctx, tx)
	})
}

func (s *Store) runInTx(ctx context.Context, fn func(ctx context.Context, tx *Store) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// already bound to a transaction
	if _, ok := s.db.(bun.Tx); ok {
		return fn(ctx, s)
	}

	return s.root.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, s.withTx(tx))
	})
}

// requireRow resolves a zero row write. MySQL reports unchanged rows as not
// affected, so the row is read back before deciding.
func (s *Store) requireRow(ctx context.Context, res sql.Result, id uuid.UUID, guarded bool) error {
	ok, err := affected(res)
	if err != nil || ok {
		return err
	}

	user, err := s.FindUserByID(ctx, id)
	if err != nil {
		return err
	}

	if guarded && user.Role == auth.RoleAdmin && user.IsActive {
		return auth.Annotate(auth.ErrLastAdmin, map[string]any{
			"user_id": id.String(),
		})
	}

	return nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func userLookupError(err error, metadata map[string]any) error {
	if errors.Is(err, sql.ErrNoRows) || repository.IsRecordNotFound(err) {
		return auth.Annotate(auth.ErrUserNotFound, metadata)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr.Category == goerrors.CategoryConflict {
		return true
	}

	for e := err; e != nil; e = errors.Unwrap(e) {
		if strings.Contains(e.Error(), "UNIQUE constraint failed") {
			return true
		}
	}
	return false
}
