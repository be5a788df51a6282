package profile

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/remote"
	"github.com/matheus3301/relay/internal/remote/remotetest"
	"github.com/matheus3301/relay/internal/store"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newCache(t *testing.T, avatarURL string) (*Cache, *remotetest.Store, *store.DB, *clock) {
	t.Helper()
	rs := remotetest.New()
	rs.PutUser(remote.UserDoc{ID: "alice", Username: "alice", DisplayName: "Alice", LastSeen: 1})
	if avatarURL != "" {
		rs.PutUser(remote.UserDoc{ID: "bob", Username: "bob", DisplayName: "Bob", AvatarURL: remote.Ptr(avatarURL)})
	}
	db := testDB(t)
	logger, _ := zap.NewDevelopment()
	c := New(db, rs, nil, bus.New(), logger, Config{AvatarDir: filepath.Join(t.TempDir(), "avatars")})
	clk := &clock{now: time.UnixMilli(1_700_000_000_000)}
	c.now = clk.Now
	t.Cleanup(c.Wait)
	return c, rs, db, clk
}

func TestConcurrentCallersShareOneFetch(t *testing.T) {
	c, rs, _, _ := newCache(t, "")
	rs.SetUserDelay(100 * time.Millisecond)

	var wg sync.WaitGroup
	var failures atomic.Int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := c.GetProfile(context.Background(), "alice")
			if err != nil || p.DisplayName != "Alice" {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	if failures.Load() != 0 {
		t.Errorf("%d callers failed", failures.Load())
	}
	if got := rs.UserFetches.Load(); got != 1 {
		t.Errorf("remote fetches = %d, want 1", got)
	}
}

func TestTiers(t *testing.T) {
	c, rs, db, clk := newCache(t, "")
	ctx := context.Background()

	if _, err := c.GetProfile(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	stored, err := db.GetProfile(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if stored == nil || stored.DisplayName != "Alice" {
		t.Fatalf("store tier = %+v", stored)
	}

	// Memory expired, store still fresh.
	clk.Advance(6 * time.Minute)
	if _, err := c.GetProfile(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if got := rs.UserFetches.Load(); got != 1 {
		t.Errorf("fetches after memory expiry = %d, want 1", got)
	}

	// Both tiers expired.
	clk.Advance(25 * time.Hour)
	rs.PutUser(remote.UserDoc{ID: "alice", Username: "alice", DisplayName: "Alice Renamed"})
	p, err := c.GetProfile(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if p.DisplayName != "Alice Renamed" {
		t.Errorf("display name = %q, want refreshed", p.DisplayName)
	}
	if got := rs.UserFetches.Load(); got != 2 {
		t.Errorf("fetches after store expiry = %d, want 2", got)
	}
}

func TestStaleProfileServedWhileOffline(t *testing.T) {
	c, rs, _, clk := newCache(t, "")
	ctx := context.Background()
	if _, err := c.GetProfile(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(48 * time.Hour)
	rs.SetOffline(true)

	p, err := c.GetProfile(ctx, "alice")
	if err != nil {
		t.Fatalf("offline lookup failed: %v", err)
	}
	if p.DisplayName != "Alice" {
		t.Errorf("display name = %q", p.DisplayName)
	}
}

func TestUnknownUser(t *testing.T) {
	c, _, _, _ := newCache(t, "")
	p, err := c.GetProfile(context.Background(), "nobody")
	if !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if p != nil {
		t.Errorf("profile = %+v, want nil", p)
	}
}

func TestAvatarDownloadedInBackground(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("png"))
	}))
	defer srv.Close()

	c, _, db, _ := newCache(t, srv.URL+"/bob.png")
	ctx := context.Background()

	p, err := c.GetProfile(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if p.AvatarURL == "" {
		t.Fatal("avatar url missing")
	}
	c.Wait()

	stored, err := db.GetProfile(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if stored.AvatarLocalPath == "" {
		t.Fatal("avatar path not recorded")
	}
	if _, err := os.Stat(stored.AvatarLocalPath); err != nil {
		t.Fatalf("avatar file: %v", err)
	}
	p, err = c.GetProfile(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if p.AvatarLocalPath != stored.AvatarLocalPath {
		t.Errorf("memory tier path = %q, want %q", p.AvatarLocalPath, stored.AvatarLocalPath)
	}

	if err := c.Invalidate(ctx, "bob", true); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(stored.AvatarLocalPath); !os.IsNotExist(err) {
		t.Error("avatar survived Invalidate")
	}
	if gone, _ := db.GetProfile(ctx, "bob"); gone != nil {
		t.Error("store row survived Invalidate")
	}
}

func TestSharedAvatarRecordedForEveryUser(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(50 * time.Millisecond)
		_, _ = w.Write([]byte("png"))
	}))
	defer srv.Close()

	url := srv.URL + "/team.png"
	c, rs, db, _ := newCache(t, url)
	rs.PutUser(remote.UserDoc{ID: "carol", Username: "carol", DisplayName: "Carol", AvatarURL: remote.Ptr(url)})
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []string{"bob", "carol"} {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.GetProfile(ctx, id); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	c.Wait()

	for _, id := range []string{"bob", "carol"} {
		stored, err := db.GetProfile(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if stored.AvatarLocalPath == "" {
			t.Errorf("%s avatar path not recorded", id)
			continue
		}
		if _, err := os.Stat(stored.AvatarLocalPath); err != nil {
			t.Errorf("%s avatar file: %v", id, err)
		}
		p, err := c.GetProfile(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if p.AvatarLocalPath != stored.AvatarLocalPath {
			t.Errorf("%s memory tier path = %q, want %q", id, p.AvatarLocalPath, stored.AvatarLocalPath)
		}
	}
	if n := hits.Load(); n < 1 || n > 2 {
		t.Errorf("downloads = %d, want 1 or 2", n)
	}
}

func TestStoredProfileWithoutAvatarFileFetchesIt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("png"))
	}))
	defer srv.Close()

	c, rs, db, clk := newCache(t, "")
	ctx := context.Background()
	row := &store.Profile{UserID: "dave", Username: "dave", DisplayName: "Dave", AvatarURL: srv.URL + "/dave.png", CachedAt: clk.Now().UnixMilli()}
	if err := db.UpsertProfile(ctx, row); err != nil {
		t.Fatal(err)
	}

	if _, err := c.GetProfile(ctx, "dave"); err != nil {
		t.Fatal(err)
	}
	c.Wait()

	if fetches := rs.UserFetches.Load(); fetches != 0 {
		t.Errorf("remote fetches = %d, want 0", fetches)
	}
	stored, err := db.GetProfile(ctx, "dave")
	if err != nil {
		t.Fatal(err)
	}
	if stored.AvatarLocalPath == "" {
		t.Fatal("avatar path not recorded")
	}
}

func TestGetProfiles(t *testing.T) {
	c, rs, _, _ := newCache(t, "")
	rs.PutUser(remote.UserDoc{ID: "carol", Username: "carol", DisplayName: "Carol"})
	ctx := context.Background()
	if _, err := c.GetProfile(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	got, err := c.GetProfiles(ctx, []string{"alice", "carol", "ghost", "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got["alice"] == nil || got["carol"] == nil {
		t.Errorf("got %v, want alice and carol", got)
	}
	// alice came from memory; carol and ghost were fetched.
	if fetches := rs.UserFetches.Load(); fetches != 3 {
		t.Errorf("fetches = %d, want 3", fetches)
	}
}

func TestPutAndInvalidateAll(t *testing.T) {
	c, rs, db, _ := newCache(t, "")
	ctx := context.Background()

	if err := c.Put(ctx, &store.Profile{UserID: "dave", Username: "dave", DisplayName: "Dave"}); err != nil {
		t.Fatal(err)
	}
	p, err := c.GetProfile(ctx, "dave")
	if err != nil {
		t.Fatal(err)
	}
	if p.DisplayName != "Dave" || rs.UserFetches.Load() != 0 {
		t.Errorf("Put profile not served locally: %+v, fetches %d", p, rs.UserFetches.Load())
	}

	if err := c.InvalidateAll(ctx, true); err != nil {
		t.Fatal(err)
	}
	if stored, _ := db.GetProfile(ctx, "dave"); stored != nil {
		t.Error("store row survived InvalidateAll")
	}
	if _, err := c.GetProfile(ctx, "dave"); err == nil {
		t.Error("dave should now be fetched remotely and be unknown")
	}
}
