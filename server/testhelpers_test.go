package server

import (
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/tasktrack/comms"
	"github.com/GoCodeAlone/tasktrack/config"
	"github.com/GoCodeAlone/tasktrack/lifecycle"
	"github.com/GoCodeAlone/tasktrack/task"
)

const testSecret = "test-secret-key-1234567890"

// hash bcrypt-hashes a password at minimum cost to keep tests fast.
func hash(t *testing.T, password string) string {
	t.Helper()
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return string(b)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Server: config.ServerConfig{Addr: ":0"},
		Auth: config.AuthConfig{
			JWTSecret: testSecret,
			TokenTTL:  time.Hour,
			Users: []config.UserConfig{
				{ID: "admin", Role: "admin", PasswordHash: hash(t, "secret")},
				{ID: "alice", Role: "employee", PasswordHash: hash(t, "alice-pw")},
			},
		},
		Lifecycle: config.DefaultLifecycle(),
	}
}

// newTestServer returns a Server backed by a temporary SQLite store and an
// in-memory bus.
func newTestServer(t *testing.T) (*Server, *comms.InMemoryBus) {
	t.Helper()
	store, err := task.NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := comms.NewInMemoryBus(100)
	s := New(testConfig(t), "test", nil)
	s.SetService(lifecycle.NewService(store, bus))
	s.SetBus(bus)
	return s, bus
}
