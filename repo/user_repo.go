package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Skryldev/userstore/db"
	"github.com/Skryldev/userstore/models"
)

// Pagination bounds for List.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// ─────────────────────────────────────────────────────────────────────────────
// UserRepository interface: for mocking in tests
// ─────────────────────────────────────────────────────────────────────────────

// UserRepository defines the contract for user persistence operations.
// Every method acquires exactly one pooled connection and releases it before
// returning. Errors are always *RepoError.
type UserRepository interface {
	Create(ctx context.Context, params models.CreateUserParams) (*models.User, error)
	Get(ctx context.Context, id int64) (*models.User, error)
	List(ctx context.Context, limit, offset int) ([]*models.User, error)
	Update(ctx context.Context, params models.UpdateUserParams) (*models.User, error)
	Delete(ctx context.Context, id int64) error
	Count(ctx context.Context) (int64, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// userRepo: concrete implementation
// ─────────────────────────────────────────────────────────────────────────────

type userRepo struct {
	pool     *db.Pool
	clock    func() time.Time
	logger   *slog.Logger
	validate *validator.Validate
}

// Option configures the repository.
type Option func(*userRepo)

// WithClock replaces time.Now as the source of created_at/updated_at.
func WithClock(clock func() time.Time) Option {
	return func(r *userRepo) { r.clock = clock }
}

// WithLogger sets the logger used for store failures.
func WithLogger(l *slog.Logger) Option {
	return func(r *userRepo) { r.logger = l }
}

// NewUserRepo returns a UserRepository backed by pool.
func NewUserRepo(pool *db.Pool, opts ...Option) UserRepository {
	r := &userRepo{
		pool:     pool,
		clock:    time.Now,
		logger:   slog.Default(),
		validate: newValidator(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// ─────────────────────────────────────────────────────────────────────────────
// SQL constants: all SQL is explicit, version-controlled, and reviewable
// ─────────────────────────────────────────────────────────────────────────────

const (
	userColumns = `id, name, email, created_at, updated_at`

	sqlInsertUser = `
		INSERT INTO users (name, email, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		RETURNING ` + userColumns

	sqlGetUserByID = `
		SELECT ` + userColumns + `
		FROM   users
		WHERE  id = $1`

	sqlListUsers = `
		SELECT ` + userColumns + `
		FROM   users
		ORDER  BY created_at DESC, id DESC
		LIMIT  $1 OFFSET $2`

	sqlGetUpdatedAt = `SELECT updated_at FROM users WHERE id = $1`

	sqlDeleteUser = `DELETE FROM users WHERE id = $1`

	sqlCountUsers = `SELECT COUNT(*) FROM users`
)

// now returns the clock reading at the precision every supported store
// keeps, so what Create returns equals what Get reads back.
func (r *userRepo) now() time.Time {
	return r.clock().UTC().Truncate(time.Microsecond)
}

// ─────────────────────────────────────────────────────────────────────────────
// Create
// ─────────────────────────────────────────────────────────────────────────────

// Create inserts a new user and returns the persisted record including the
// store-assigned id. created_at and updated_at are equal.
func (r *userRepo) Create(ctx context.Context, params models.CreateUserParams) (*models.User, error) {
	const op = "create user"

	params.Name = strings.TrimSpace(params.Name)
	params.Email = strings.TrimSpace(params.Email)
	if err := r.check(op, params); err != nil {
		return nil, err
	}

	var u *models.User
	err := r.pool.WithConn(ctx, func(conn *db.Conn) error {
		var err error
		u, err = scanUser(conn.QueryRow(ctx, sqlInsertUser, params.Name, params.Email, r.now()))
		return err
	})
	if err != nil {
		return nil, r.fail(ctx, op, err)
	}
	return u, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Get
// ─────────────────────────────────────────────────────────────────────────────

// Get returns a single user by primary key.
func (r *userRepo) Get(ctx context.Context, id int64) (*models.User, error) {
	const op = "get user"

	var u *models.User
	err := r.pool.WithConn(ctx, func(conn *db.Conn) error {
		var err error
		u, err = scanUser(conn.QueryRow(ctx, sqlGetUserByID, id))
		return err
	})
	if db.IsNotFound(err) {
		return nil, notFound(op, id)
	}
	if err != nil {
		return nil, r.fail(ctx, op, err)
	}
	return u, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// List
// ─────────────────────────────────────────────────────────────────────────────

// List returns a page of users, newest first. A zero limit selects
// DefaultListLimit; limits above MaxListLimit are clamped.
func (r *userRepo) List(ctx context.Context, limit, offset int) ([]*models.User, error) {
	const op = "list users"

	switch {
	case limit < 0:
		return nil, invalid(op, "limit must not be negative")
	case offset < 0:
		return nil, invalid(op, "offset must not be negative")
	case limit == 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	users := make([]*models.User, 0, limit)
	err := r.pool.WithConn(ctx, func(conn *db.Conn) error {
		rows, err := conn.Query(ctx, sqlListUsers, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			u := &models.User{}
			if err := rows.Scan(userDest(u)...); err != nil {
				return err
			}
			users = append(users, u)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, r.fail(ctx, op, err)
	}
	return users, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Update: partial update with explicit SQL construction
// ─────────────────────────────────────────────────────────────────────────────

// Update applies a partial update to a user record. Only fields with non-nil
// pointers in params are updated. updated_at always moves forward, even when
// the clock reads the same instant twice or steps backwards.
func (r *userRepo) Update(ctx context.Context, params models.UpdateUserParams) (*models.User, error) {
	const op = "update user"

	if params.Empty() {
		return nil, invalid(op, "no fields to update")
	}
	if params.Name != nil {
		name := strings.TrimSpace(*params.Name)
		params.Name = &name
	}
	if params.Email != nil {
		email := strings.TrimSpace(*params.Email)
		params.Email = &email
	}
	if err := r.check(op, params); err != nil {
		return nil, err
	}

	lock := ""
	if r.pool.Dialect() == db.DialectPostgres {
		lock = " FOR UPDATE"
	}

	var u *models.User
	err := r.pool.WithConn(ctx, func(conn *db.Conn) error {
		return conn.ExecTx(ctx, func(tx *db.Tx) error {
			var prev time.Time
			err := tx.QueryRow(ctx, sqlGetUpdatedAt+lock, params.ID).Scan(timestamp{&prev})
			if db.IsNotFound(err) {
				return notFound(op, params.ID)
			}
			if err != nil {
				return err
			}

			query, args := buildUpdate(params, nextUpdatedAt(r.now(), prev))
			u, err = scanUser(tx.QueryRow(ctx, query, args...))
			return err
		})
	})
	if err != nil {
		return nil, r.fail(ctx, op, err)
	}
	return u, nil
}

// nextUpdatedAt is the clock reading, or one microsecond past prev when the
// clock has not moved beyond it.
func nextUpdatedAt(now, prev time.Time) time.Time {
	floor := prev.Add(time.Microsecond)
	if now.Before(floor) {
		return floor.UTC()
	}
	return now
}

func buildUpdate(params models.UpdateUserParams, updatedAt time.Time) (string, []any) {
	setClauses := make([]string, 0, 3)
	args := make([]any, 0, 4)
	argIdx := 1

	if params.Name != nil {
		setClauses = append(setClauses, fmt.Sprintf("name = $%d", argIdx))
		args = append(args, *params.Name)
		argIdx++
	}
	if params.Email != nil {
		setClauses = append(setClauses, fmt.Sprintf("email = $%d", argIdx))
		args = append(args, *params.Email)
		argIdx++
	}

	setClauses = append(setClauses, fmt.Sprintf("updated_at = $%d", argIdx))
	args = append(args, updatedAt)
	argIdx++

	args = append(args, params.ID)

	query := fmt.Sprintf(`
		UPDATE users
		SET    %s
		WHERE  id = $%d
		RETURNING %s`,
		strings.Join(setClauses, ", "), argIdx, userColumns)
	return query, args
}

// ─────────────────────────────────────────────────────────────────────────────
// Delete
// ─────────────────────────────────────────────────────────────────────────────

// Delete removes a user by id. Deleting an id that is already gone reports
// NotFound and changes nothing, so retries are safe.
func (r *userRepo) Delete(ctx context.Context, id int64) error {
	const op = "delete user"

	var n int64
	err := r.pool.WithConn(ctx, func(conn *db.Conn) error {
		res, err := conn.Exec(ctx, sqlDeleteUser, id)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return r.fail(ctx, op, err)
	}
	if n == 0 {
		return notFound(op, id)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Count
// ─────────────────────────────────────────────────────────────────────────────

// Count returns the total number of users.
func (r *userRepo) Count(ctx context.Context) (int64, error) {
	const op = "count users"

	var n int64
	err := r.pool.WithConn(ctx, func(conn *db.Conn) error {
		return conn.QueryRow(ctx, sqlCountUsers).Scan(&n)
	})
	if err != nil {
		return 0, r.fail(ctx, op, err)
	}
	return n, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Validation and failure reporting
// ─────────────────────────────────────────────────────────────────────────────

func (r *userRepo) check(op string, params any) error {
	err := r.validate.Struct(params)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return invalid(op, err.Error())
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required", "min":
			msgs = append(msgs, fe.Field()+" must not be empty")
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag()))
		}
	}
	return invalid(op, strings.Join(msgs, "; "))
}

// fail classifies err and logs it. Expected outcomes stay at debug; the
// store's own error text is only ever logged, never returned.
func (r *userRepo) fail(ctx context.Context, op string, err error) error {
	re := classify(op, err)
	if re.Kind == KindUnavailable {
		r.logger.ErrorContext(ctx, "userstore/repo: store failure",
			slog.String("op", op),
			slog.Any("error", err),
			slog.Any("pool", r.pool.Stats()))
	} else {
		r.logger.DebugContext(ctx, "userstore/repo: request rejected",
			slog.String("op", op),
			slog.String("kind", re.Kind.String()),
			slog.Any("error", err))
	}
	return re
}

// ─────────────────────────────────────────────────────────────────────────────
// scanUser: centralised column mapping
// ─────────────────────────────────────────────────────────────────────────────

// scanUser scans a single user row. Centralising the scan call means that
// adding/removing columns only requires a change in one place.
func scanUser(row *db.Row) (*models.User, error) {
	u := &models.User{}
	if err := row.Scan(userDest(u)...); err != nil {
		return nil, err
	}
	return u, nil
}

func userDest(u *models.User) []any {
	return []any{&u.ID, &u.Name, &u.Email, timestamp{&u.CreatedAt}, timestamp{&u.UpdatedAt}}
}

// ─────────────────────────────────────────────────────────────────────────────
// Compile-time interface assertion
// ─────────────────────────────────────────────────────────────────────────────

var _ UserRepository = (*userRepo)(nil)
