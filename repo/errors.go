package repo

import (
	"errors"
	"fmt"

	"github.com/Skryldev/userstore/db"
)

// Kind classifies a repository failure.
type Kind int

const (
	// KindNotFound means no user has the given id.
	KindNotFound Kind = iota + 1
	// KindConflict means the email is already taken.
	KindConflict
	// KindInvalid means the input was rejected before or by the store.
	KindInvalid
	// KindUnavailable means the store could not be reached or did not
	// answer in time.
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindConflict:
		return "conflict"
	case KindInvalid:
		return "invalid"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Sentinels matching every RepoError of the corresponding kind.
var (
	ErrNotFound    = errors.New("userstore/repo: not found")
	ErrConflict    = errors.New("userstore/repo: conflict")
	ErrInvalid     = errors.New("userstore/repo: invalid input")
	ErrUnavailable = errors.New("userstore/repo: store unavailable")
)

// RepoError is the only error type returned by UserRepository. Message is
// safe to show to clients; the store's own error text never ends up in it.
type RepoError struct {
	Op      string
	Kind    Kind
	Message string

	// pool keeps a pool failure reachable through errors.Is so callers can
	// tell an acquire timeout from a refused connection.
	pool error
}

func (e *RepoError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *RepoError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (e *RepoError) Unwrap() error { return e.pool }

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindConflict:
		return ErrConflict
	case KindInvalid:
		return ErrInvalid
	case KindUnavailable:
		return ErrUnavailable
	}
	return nil
}

func IsNotFound(err error) bool    { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool    { return errors.Is(err, ErrConflict) }
func IsInvalid(err error) bool     { return errors.Is(err, ErrInvalid) }
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

func invalid(op, msg string) *RepoError {
	return &RepoError{Op: op, Kind: KindInvalid, Message: msg}
}

func notFound(op string, id int64) *RepoError {
	return &RepoError{Op: op, Kind: KindNotFound, Message: fmt.Sprintf("user %d not found", id)}
}

// classify turns a pool or store error into a RepoError. Anything it does
// not recognise is reported as Unavailable.
func classify(op string, err error) *RepoError {
	var re *RepoError
	if errors.As(err, &re) {
		return re
	}

	switch {
	case db.IsAcquireTimeout(err):
		return &RepoError{Op: op, Kind: KindUnavailable, Message: "timed out waiting for a database connection", pool: db.ErrAcquireTimeout}
	case db.IsConnectFailure(err):
		return &RepoError{Op: op, Kind: KindUnavailable, Message: "could not connect to the database", pool: db.ErrConnectFailure}
	case db.IsNotFound(err):
		return &RepoError{Op: op, Kind: KindNotFound, Message: "user not found"}
	case db.IsDuplicateKey(err):
		return &RepoError{Op: op, Kind: KindConflict, Message: "email already in use"}
	case db.IsCheckViolation(err):
		return &RepoError{Op: op, Kind: KindInvalid, Message: "user fields violate store constraints"}
	case db.IsDeadlock(err):
		return &RepoError{Op: op, Kind: KindUnavailable, Message: "concurrent update conflict, retry the request"}
	case db.IsConnectionFailed(err):
		return &RepoError{Op: op, Kind: KindUnavailable, Message: "lost the database connection"}
	case db.IsTimeout(err):
		return &RepoError{Op: op, Kind: KindUnavailable, Message: "database did not answer in time"}
	default:
		return &RepoError{Op: op, Kind: KindUnavailable, Message: "database operation failed"}
	}
}
