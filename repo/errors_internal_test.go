package repo

import (
	"errors"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/Skryldev/userstore/db"
)

func TestClassify(t *testing.T) {
	driverErr := errors.New(`pq: duplicate key value violates unique constraint "users_email_key"`)

	tests := []struct {
		name    string
		err     error
		kind    Kind
		message string
		pool    error
	}{
		{
			name:    "acquire timeout",
			err:     &db.PoolError{Kind: db.AcquireTimeout, Cause: errors.New("deadline")},
			kind:    KindUnavailable,
			message: "timed out waiting for a database connection",
			pool:    db.ErrAcquireTimeout,
		},
		{
			name:    "connect failure",
			err:     &db.PoolError{Kind: db.ConnectFailure, Cause: errors.New("refused")},
			kind:    KindUnavailable,
			message: "could not connect to the database",
			pool:    db.ErrConnectFailure,
		},
		{
			name:    "duplicate key",
			err:     &db.DBError{Sentinel: db.ErrDuplicateKey, Cause: driverErr, Constraint: "users_email_key"},
			kind:    KindConflict,
			message: "email already in use",
		},
		{
			name:    "check violation",
			err:     &db.DBError{Sentinel: db.ErrCheckViolation, Cause: errors.New("check")},
			kind:    KindInvalid,
			message: "user fields violate store constraints",
		},
		{
			name:    "deadlock",
			err:     &db.DBError{Sentinel: db.ErrDeadlock, Cause: errors.New("40P01")},
			kind:    KindUnavailable,
			message: "concurrent update conflict, retry the request",
		},
		{
			name:    "broken connection",
			err:     &db.DBError{Sentinel: db.ErrConnectionFailed, Cause: errors.New("EOF")},
			kind:    KindUnavailable,
			message: "lost the database connection",
		},
		{
			name:    "unclassified",
			err:     errors.New("something odd"),
			kind:    KindUnavailable,
			message: "database operation failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := qt.New(t)
			re := classify("op", tt.err)
			c.Assert(re.Kind, qt.Equals, tt.kind)
			c.Assert(re.Message, qt.Equals, tt.message)
			c.Assert(re.Unwrap(), qt.Equals, tt.pool)
			c.Assert(errors.Is(re, tt.kind.sentinel()), qt.IsTrue)
		})
	}
}

func TestClassify_PassesRepoErrorThrough(t *testing.T) {
	c := qt.New(t)
	orig := notFound("update user", 7)
	c.Assert(classify("other op", orig), qt.Equals, orig)
	c.Assert(orig.Error(), qt.Equals, "update user: user 7 not found")
}
