package repo_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/Skryldev/userstore/db"
	"github.com/Skryldev/userstore/migrations"
	"github.com/Skryldev/userstore/migrator"
	"github.com/Skryldev/userstore/models"
	"github.com/Skryldev/userstore/repo"
)

// ─────────────────────────────────────────────────────────────────────────────
// Test fixture
// ─────────────────────────────────────────────────────────────────────────────

// fakeClock hands out a fixed instant until moved.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.Set(f.Now().Add(d))
}

func newPool(t *testing.T, mutate func(*db.Config)) *db.Pool {
	t.Helper()
	c := qt.New(t)

	cfg := db.DefaultConfig()
	cfg.DriverName = "sqlite3"
	cfg.DSN = fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on",
		filepath.Join(t.TempDir(), "users.db"))
	cfg.MaxConns = 4
	cfg.AcquireTimeout = time.Second
	cfg.MaintenanceInterval = -1
	if mutate != nil {
		mutate(&cfg)
	}

	pool, err := db.Open(context.Background(), cfg)
	c.Assert(err, qt.IsNil)
	t.Cleanup(func() { _ = pool.Close() })

	m, err := migrator.New(pool, migrations.For(pool.Dialect()), nil)
	c.Assert(err, qt.IsNil)
	_, err = m.ApplyPending(context.Background())
	c.Assert(err, qt.IsNil)
	return pool
}

func newTestRepo(t *testing.T) (repo.UserRepository, *fakeClock, *db.Pool) {
	t.Helper()
	clock := newFakeClock()
	pool := newPool(t, nil)
	return repo.NewUserRepo(pool, repo.WithClock(clock.Now)), clock, pool
}

func ptr[T any](v T) *T { return &v }

// ─────────────────────────────────────────────────────────────────────────────
// Create / Get
// ─────────────────────────────────────────────────────────────────────────────

func TestUserRepo_Create(t *testing.T) {
	c := qt.New(t)
	r, clock, _ := newTestRepo(t)
	ctx := context.Background()

	u, err := r.Create(ctx, models.CreateUserParams{Name: "Alice", Email: "alice@repo.com"})
	c.Assert(err, qt.IsNil)
	c.Assert(u.ID > 0, qt.IsTrue)
	c.Assert(u.Name, qt.Equals, "Alice")
	c.Assert(u.Email, qt.Equals, "alice@repo.com")
	c.Assert(u.CreatedAt.Equal(clock.Now()), qt.IsTrue, qt.Commentf("created_at %v", u.CreatedAt))
	c.Assert(u.UpdatedAt.Equal(u.CreatedAt), qt.IsTrue)
}

func TestUserRepo_Create_RoundTrip(t *testing.T) {
	c := qt.New(t)
	r, clock, _ := newTestRepo(t)
	ctx := context.Background()
	clock.Set(time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC))

	created, err := r.Create(ctx, models.CreateUserParams{Name: "Grace", Email: "grace@repo.com"})
	c.Assert(err, qt.IsNil)

	fetched, err := r.Get(ctx, created.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(fetched, qt.DeepEquals, created)
	c.Assert(fetched.CreatedAt.Nanosecond(), qt.Equals, 123456000)
}

func TestUserRepo_Create_TrimsInput(t *testing.T) {
	c := qt.New(t)
	r, _, _ := newTestRepo(t)

	u, err := r.Create(context.Background(), models.CreateUserParams{Name: "  Ann ", Email: " ann@repo.com\n"})
	c.Assert(err, qt.IsNil)
	c.Assert(u.Name, qt.Equals, "Ann")
	c.Assert(u.Email, qt.Equals, "ann@repo.com")
}

func TestUserRepo_Create_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		params models.CreateUserParams
		msg    string
	}{
		{"empty name", models.CreateUserParams{Name: "", Email: "a@b.c"}, "name must not be empty"},
		{"blank name", models.CreateUserParams{Name: "   ", Email: "a@b.c"}, "name must not be empty"},
		{"empty email", models.CreateUserParams{Name: "A", Email: ""}, "email must not be empty"},
		{"long name", models.CreateUserParams{Name: strings.Repeat("x", 256), Email: "a@b.c"}, "name must be at most 255 characters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := qt.New(t)
			r, _, _ := newTestRepo(t)

			_, err := r.Create(context.Background(), tt.params)
			c.Assert(err, qt.ErrorIs, repo.ErrInvalid)
			c.Assert(err, qt.ErrorMatches, ".*"+tt.msg+".*")

			n, err := r.Count(context.Background())
			c.Assert(err, qt.IsNil)
			c.Assert(n, qt.Equals, int64(0))
		})
	}
}

func TestUserRepo_Create_DuplicateEmail(t *testing.T) {
	c := qt.New(t)
	r, _, _ := newTestRepo(t)
	ctx := context.Background()

	first, err := r.Create(ctx, models.CreateUserParams{Name: "X", Email: "dup@repo.com"})
	c.Assert(err, qt.IsNil)

	_, err = r.Create(ctx, models.CreateUserParams{Name: "Y", Email: "dup@repo.com"})
	c.Assert(repo.IsConflict(err), qt.IsTrue, qt.Commentf("got %v", err))
	c.Assert(err.Error(), qt.Not(qt.Contains), "UNIQUE")

	var re *repo.RepoError
	c.Assert(errors.As(err, &re), qt.IsTrue)
	c.Assert(re.Kind, qt.Equals, repo.KindConflict)
	c.Assert(re.Op, qt.Equals, "create user")

	// The first record is untouched and nothing else was stored.
	got, err := r.Get(ctx, first.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Name, qt.Equals, "X")
	n, err := r.Count(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, int64(1))
}

func TestUserRepo_Get_NotFound(t *testing.T) {
	c := qt.New(t)
	r, _, _ := newTestRepo(t)

	_, err := r.Get(context.Background(), 99999)
	c.Assert(repo.IsNotFound(err), qt.IsTrue)
	c.Assert(err, qt.ErrorMatches, "get user: user 99999 not found")
}

// ─────────────────────────────────────────────────────────────────────────────
// List
// ─────────────────────────────────────────────────────────────────────────────

func TestUserRepo_List_NewestFirst(t *testing.T) {
	c := qt.New(t)
	r, clock, _ := newTestRepo(t)
	ctx := context.Background()

	for i := range 5 {
		_, err := r.Create(ctx, models.CreateUserParams{
			Name:  fmt.Sprintf("User%d", i),
			Email: fmt.Sprintf("user%d@list.com", i),
		})
		c.Assert(err, qt.IsNil)
		clock.Advance(time.Second)
	}

	page1, err := r.List(ctx, 3, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(page1, qt.HasLen, 3)
	c.Assert(page1[0].Name, qt.Equals, "User4")
	c.Assert(page1[2].Name, qt.Equals, "User2")

	page2, err := r.List(ctx, 3, 3)
	c.Assert(err, qt.IsNil)
	c.Assert(page2, qt.HasLen, 2)
	c.Assert(page2[1].Name, qt.Equals, "User0")

	empty, err := r.List(ctx, 3, 10)
	c.Assert(err, qt.IsNil)
	c.Assert(empty, qt.HasLen, 0)
}

func TestUserRepo_List_TiesBrokenByID(t *testing.T) {
	c := qt.New(t)
	r, _, _ := newTestRepo(t)
	ctx := context.Background()

	a, err := r.Create(ctx, models.CreateUserParams{Name: "A", Email: "a@tie.com"})
	c.Assert(err, qt.IsNil)
	b, err := r.Create(ctx, models.CreateUserParams{Name: "B", Email: "b@tie.com"})
	c.Assert(err, qt.IsNil)

	users, err := r.List(ctx, 0, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(users, qt.HasLen, 2)
	c.Assert(users[0].ID, qt.Equals, b.ID)
	c.Assert(users[1].ID, qt.Equals, a.ID)
}

func TestUserRepo_List_Bounds(t *testing.T) {
	c := qt.New(t)
	r, _, _ := newTestRepo(t)
	ctx := context.Background()

	for i := range repo.DefaultListLimit + 5 {
		_, err := r.Create(ctx, models.CreateUserParams{Name: "U", Email: fmt.Sprintf("u%d@bounds.com", i)})
		c.Assert(err, qt.IsNil)
	}

	users, err := r.List(ctx, 0, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(users, qt.HasLen, repo.DefaultListLimit)

	users, err = r.List(ctx, repo.MaxListLimit*10, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(users, qt.HasLen, repo.DefaultListLimit+5)

	_, err = r.List(ctx, -1, 0)
	c.Assert(repo.IsInvalid(err), qt.IsTrue)
	_, err = r.List(ctx, 10, -1)
	c.Assert(repo.IsInvalid(err), qt.IsTrue)
}

// ─────────────────────────────────────────────────────────────────────────────
// Update
// ─────────────────────────────────────────────────────────────────────────────

func TestUserRepo_Update_PartialFields(t *testing.T) {
	c := qt.New(t)
	r, clock, _ := newTestRepo(t)
	ctx := context.Background()

	u, err := r.Create(ctx, models.CreateUserParams{Name: "Charlie", Email: "charlie@repo.com"})
	c.Assert(err, qt.IsNil)
	clock.Advance(time.Minute)

	updated, err := r.Update(ctx, models.UpdateUserParams{ID: u.ID, Name: ptr("Charles")})
	c.Assert(err, qt.IsNil)
	c.Assert(updated.Name, qt.Equals, "Charles")
	c.Assert(updated.Email, qt.Equals, "charlie@repo.com")
	c.Assert(updated.CreatedAt.Equal(u.CreatedAt), qt.IsTrue)
	c.Assert(updated.UpdatedAt.Equal(clock.Now()), qt.IsTrue)

	fetched, err := r.Get(ctx, u.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(fetched, qt.DeepEquals, updated)
}

func TestUserRepo_Update_AdvancesUpdatedAtWithFrozenClock(t *testing.T) {
	c := qt.New(t)
	r, _, _ := newTestRepo(t)
	ctx := context.Background()

	u, err := r.Create(ctx, models.CreateUserParams{Name: "Dee", Email: "dee@repo.com"})
	c.Assert(err, qt.IsNil)

	prev := u.UpdatedAt
	for i := range 3 {
		updated, err := r.Update(ctx, models.UpdateUserParams{ID: u.ID, Name: ptr(fmt.Sprintf("Dee%d", i))})
		c.Assert(err, qt.IsNil)
		c.Assert(updated.UpdatedAt.After(prev), qt.IsTrue, qt.Commentf("iteration %d", i))
		c.Assert(updated.UpdatedAt.Sub(prev), qt.Equals, time.Microsecond)
		prev = updated.UpdatedAt
	}
}

func TestUserRepo_Update_ClockStepsBack(t *testing.T) {
	c := qt.New(t)
	r, clock, _ := newTestRepo(t)
	ctx := context.Background()

	u, err := r.Create(ctx, models.CreateUserParams{Name: "Eve", Email: "eve@repo.com"})
	c.Assert(err, qt.IsNil)

	clock.Advance(-time.Hour)
	updated, err := r.Update(ctx, models.UpdateUserParams{ID: u.ID, Email: ptr("eve2@repo.com")})
	c.Assert(err, qt.IsNil)
	c.Assert(updated.UpdatedAt.After(u.UpdatedAt), qt.IsTrue)
	c.Assert(updated.UpdatedAt.Before(updated.CreatedAt), qt.IsFalse)
}

func TestUserRepo_Update_Errors(t *testing.T) {
	c := qt.New(t)
	r, _, _ := newTestRepo(t)
	ctx := context.Background()

	a, err := r.Create(ctx, models.CreateUserParams{Name: "A", Email: "a@upd.com"})
	c.Assert(err, qt.IsNil)
	_, err = r.Create(ctx, models.CreateUserParams{Name: "B", Email: "b@upd.com"})
	c.Assert(err, qt.IsNil)

	_, err = r.Update(ctx, models.UpdateUserParams{ID: a.ID})
	c.Assert(repo.IsInvalid(err), qt.IsTrue)
	c.Assert(err, qt.ErrorMatches, ".*no fields to update")

	_, err = r.Update(ctx, models.UpdateUserParams{ID: a.ID, Name: ptr("  ")})
	c.Assert(repo.IsInvalid(err), qt.IsTrue)

	_, err = r.Update(ctx, models.UpdateUserParams{ID: 424242, Name: ptr("Ghost")})
	c.Assert(repo.IsNotFound(err), qt.IsTrue, qt.Commentf("got %v", err))

	_, err = r.Update(ctx, models.UpdateUserParams{ID: a.ID, Email: ptr("b@upd.com")})
	c.Assert(repo.IsConflict(err), qt.IsTrue, qt.Commentf("got %v", err))

	// A failed update leaves the row as it was.
	got, err := r.Get(ctx, a.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.DeepEquals, a)
}

// ─────────────────────────────────────────────────────────────────────────────
// Delete / Count
// ─────────────────────────────────────────────────────────────────────────────

func TestUserRepo_Delete(t *testing.T) {
	c := qt.New(t)
	r, _, _ := newTestRepo(t)
	ctx := context.Background()

	u, err := r.Create(ctx, models.CreateUserParams{Name: "Dan", Email: "dan@repo.com"})
	c.Assert(err, qt.IsNil)
	keep, err := r.Create(ctx, models.CreateUserParams{Name: "Kim", Email: "kim@repo.com"})
	c.Assert(err, qt.IsNil)

	c.Assert(r.Delete(ctx, u.ID), qt.IsNil)

	_, err = r.Get(ctx, u.ID)
	c.Assert(repo.IsNotFound(err), qt.IsTrue)

	// Deleting again reports NotFound and leaves everything else alone.
	err = r.Delete(ctx, u.ID)
	c.Assert(repo.IsNotFound(err), qt.IsTrue)
	got, err := r.Get(ctx, keep.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.DeepEquals, keep)
}

func TestUserRepo_IDsNotReused(t *testing.T) {
	c := qt.New(t)
	r, _, _ := newTestRepo(t)
	ctx := context.Background()

	u, err := r.Create(ctx, models.CreateUserParams{Name: "Old", Email: "old@repo.com"})
	c.Assert(err, qt.IsNil)
	c.Assert(r.Delete(ctx, u.ID), qt.IsNil)

	next, err := r.Create(ctx, models.CreateUserParams{Name: "New", Email: "old@repo.com"})
	c.Assert(err, qt.IsNil)
	c.Assert(next.ID > u.ID, qt.IsTrue)
}

func TestUserRepo_Count(t *testing.T) {
	c := qt.New(t)
	r, _, _ := newTestRepo(t)
	ctx := context.Background()

	for i := range 7 {
		_, err := r.Create(ctx, models.CreateUserParams{Name: "U", Email: fmt.Sprintf("u%d@count.com", i)})
		c.Assert(err, qt.IsNil)
	}

	n, err := r.Count(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, int64(7))
}

// ─────────────────────────────────────────────────────────────────────────────
// Pool interaction
// ─────────────────────────────────────────────────────────────────────────────

func TestUserRepo_PoolExhausted(t *testing.T) {
	c := qt.New(t)
	pool := newPool(t, func(cfg *db.Config) {
		cfg.MaxConns = 1
		cfg.MinIdleConns = 0
		cfg.AcquireTimeout = 50 * time.Millisecond
	})
	r := repo.NewUserRepo(pool)
	ctx := context.Background()

	held, err := pool.Acquire(ctx)
	c.Assert(err, qt.IsNil)

	_, err = r.Create(ctx, models.CreateUserParams{Name: "Late", Email: "late@repo.com"})
	c.Assert(repo.IsUnavailable(err), qt.IsTrue, qt.Commentf("got %v", err))
	c.Assert(errors.Is(err, db.ErrAcquireTimeout), qt.IsTrue)
	c.Assert(errors.Is(err, db.ErrConnectFailure), qt.IsFalse)

	held.Release()

	// Capacity is back once the holder releases.
	_, err = r.Create(ctx, models.CreateUserParams{Name: "Late", Email: "late@repo.com"})
	c.Assert(err, qt.IsNil)
}

func TestUserRepo_ReleasesConnections(t *testing.T) {
	c := qt.New(t)
	r, _, pool := newTestRepo(t)
	ctx := context.Background()

	u, _ := r.Create(ctx, models.CreateUserParams{Name: "R", Email: "r@repo.com"})
	_, _ = r.Create(ctx, models.CreateUserParams{Name: "R", Email: "r@repo.com"})
	_, _ = r.Get(ctx, u.ID)
	_, _ = r.Get(ctx, -1)
	_, _ = r.List(ctx, 5, 0)
	_, _ = r.Update(ctx, models.UpdateUserParams{ID: -1, Name: ptr("n")})
	_ = r.Delete(ctx, -1)

	c.Assert(pool.Stats().InUse, qt.Equals, 0)
}

func TestUserRepo_ConcurrentCreates(t *testing.T) {
	c := qt.New(t)
	r, _, pool := newTestRepo(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Create(ctx, models.CreateUserParams{Name: "C", Email: fmt.Sprintf("c%d@conc.com", i)})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		c.Assert(err, qt.IsNil)
	}
	count, err := r.Count(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(count, qt.Equals, int64(n))
	c.Assert(pool.Stats().InUse, qt.Equals, 0)
}

// ─────────────────────────────────────────────────────────────────────────────
// End to end
// ─────────────────────────────────────────────────────────────────────────────

func TestUserRepo_AdaBobScenario(t *testing.T) {
	c := qt.New(t)
	r, clock, _ := newTestRepo(t)
	ctx := context.Background()

	ada, err := r.Create(ctx, models.CreateUserParams{Name: "Ada", Email: "ada@example.com"})
	c.Assert(err, qt.IsNil)
	c.Assert(ada, qt.DeepEquals, &models.User{
		ID:        1,
		Name:      "Ada",
		Email:     "ada@example.com",
		CreatedAt: clock.Now(),
		UpdatedAt: clock.Now(),
	})

	_, err = r.Create(ctx, models.CreateUserParams{Name: "Bob", Email: "ada@example.com"})
	c.Assert(repo.IsConflict(err), qt.IsTrue)

	got, err := r.Get(ctx, 1)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.DeepEquals, ada)

	c.Assert(r.Delete(ctx, 1), qt.IsNil)

	_, err = r.Get(ctx, 1)
	c.Assert(repo.IsNotFound(err), qt.IsTrue)
}
