package session

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

// newTestStore needs a Redis on localhost:6379 and skips otherwise.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		for _, pattern := range []string{ConnPrefix + "test_*", UserPrefix + "test_*"} {
			iter := client.Scan(ctx, 0, pattern, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewStore(client, "test-server")
}

func TestCreateBindDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, "test_c1"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	rec, err := s.Get(ctx, "test_c1")
	if err != nil || rec == nil {
		t.Fatalf("Get() = %v, %v", rec, err)
	}
	if rec.Server != "test-server" || rec.UserID != "" {
		t.Errorf("unexpected record: %+v", rec)
	}

	if err := s.BindUser(ctx, "test_c1", "test_u1"); err != nil {
		t.Fatal(err)
	}
	rec, _ = s.Get(ctx, "test_c1")
	if rec.UserID != "test_u1" {
		t.Errorf("user_id = %q", rec.UserID)
	}
	if conn, _ := s.ConnectionOf(ctx, "test_u1"); conn != "test_c1" {
		t.Errorf("ConnectionOf = %q", conn)
	}

	if err := s.Delete(ctx, "test_c1"); err != nil {
		t.Fatal(err)
	}
	if rec, _ := s.Get(ctx, "test_c1"); rec != nil {
		t.Errorf("record survived delete: %+v", rec)
	}
	if conn, _ := s.ConnectionOf(ctx, "test_u1"); conn != "" {
		t.Errorf("user mapping survived delete: %q", conn)
	}
}

func TestDelete_KeepsNewerBinding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.Create(ctx, "test_old")
	_ = s.BindUser(ctx, "test_old", "test_u2")
	_ = s.Create(ctx, "test_new")
	_ = s.BindUser(ctx, "test_new", "test_u2")

	if err := s.Delete(ctx, "test_old"); err != nil {
		t.Fatal(err)
	}
	if conn, _ := s.ConnectionOf(ctx, "test_u2"); conn != "test_new" {
		t.Errorf("ConnectionOf = %q, want test_new", conn)
	}
}

func TestGet_Missing(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Get(context.Background(), "test_missing")
	if err != nil || rec != nil {
		t.Errorf("Get() = %v, %v", rec, err)
	}
}
