package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/andrebq/openx/auth"
	"github.com/andrebq/openx/credential"
	"github.com/andrebq/openx/store"
	"golang.org/x/crypto/bcrypt"
)

type (
	TestLog interface {
		Fatal(...interface{})
		Log(...interface{})
	}

	// Clock is a manually driven time source.
	Clock struct {
		sync.Mutex
		now time.Time
	}
)

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.Lock()
	defer c.Unlock()
	c.now = c.now.Add(d)
}

// AcquireStore opens a fresh SQLite store inside a temporary directory.
func AcquireStore(ctx context.Context, t TestLog) (*store.Store, func()) {
	dir, err := os.MkdirTemp("", "openx-tests")
	if err != nil {
		t.Fatal(err)
	}
	s, err := store.Open(ctx, store.DriverSQLite, filepath.Join(dir, "openx.db"))
	if err != nil {
		t.Fatal(err)
	}
	return s, func() {
		err := s.Close()
		if err != nil {
			t.Log("unable to close store", err)
		}
		err = os.RemoveAll(dir)
		if err != nil {
			t.Log("unable to cleanup temp dir", dir)
		}
	}
}

// AcquireService returns an auth service backed by a fresh store. Hashing
// uses the cheapest bcrypt cost and opts fills in anything else.
func AcquireService(ctx context.Context, t TestLog, opts auth.Options) (*auth.Service, *store.Store, func()) {
	s, cleanupStore := AcquireStore(ctx, t)
	if opts.Hasher == nil {
		opts.Hasher = &credential.Dispatcher{Primary: credential.Bcrypt{Cost: bcrypt.MinCost}}
	}
	svc, err := auth.NewService(s, opts)
	if err != nil {
		cleanupStore()
		t.Fatal(err)
	}
	return svc, s, func() {
		err := svc.Close()
		if err != nil {
			t.Log("unable to close auth service", err)
		}
		cleanupStore()
	}
}
