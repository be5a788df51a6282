package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func dm(id string) *Chat {
	return &Chat{ID: id, Type: ChatDM, ParticipantIDs: []string{"alice", "bob"}}
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + fts)", result.Version)
	}
}

func TestOpenAndMigrateRebuildsDirtySchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	db, _, err := OpenAndMigrate(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := db.UpsertChat(ctx, dm("c1")); err != nil {
		t.Fatal(err)
	}
	// Simulate a migration that crashed half way.
	if _, err := db.Exec(`UPDATE schema_migrations SET dirty = 1`); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	db, result, err := OpenAndMigrate(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	if !result.Rebuilt {
		t.Error("expected rebuild after dirty schema")
	}
	if n, _ := db.ChatCount(ctx); n != 0 {
		t.Errorf("chat count after rebuild = %d, want 0", n)
	}
}

func TestClosedStoreNotInitialized(t *testing.T) {
	db := testDB(t)
	_ = db.Close()

	if _, err := db.ListChats(context.Background(), 10); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("err = %v, want ErrNotInitialized", err)
	}
	var nilDB *DB
	if _, err := nilDB.GetMessage(context.Background(), "m"); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("nil store err = %v, want ErrNotInitialized", err)
	}
}

func TestChatValidate(t *testing.T) {
	tests := []struct {
		name string
		chat Chat
		ok   bool
	}{
		{"dm", Chat{ID: "c", Type: ChatDM, ParticipantIDs: []string{"a", "b"}}, true},
		{"dm with duplicate", Chat{ID: "c", Type: ChatDM, ParticipantIDs: []string{"a", "b", "a"}}, true},
		{"dm with one member", Chat{ID: "c", Type: ChatDM, ParticipantIDs: []string{"a", "a"}}, false},
		{"group", Chat{ID: "g", Type: ChatGroup, ParticipantIDs: []string{"a", "b", "c"}}, true},
		{"empty group", Chat{ID: "g", Type: ChatGroup}, false},
		{"unknown type", Chat{ID: "x", Type: "channel", ParticipantIDs: []string{"a"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.chat.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidChat) {
				t.Errorf("err = %v, want ErrInvalidChat", err)
			}
		})
	}
}

func TestChatUpsertAndList(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	chat := &Chat{ID: "g1", Type: ChatGroup, ParticipantIDs: []string{"a", "b", "c"}, GroupName: "Team"}
	if err := db.UpsertChat(ctx, chat); err != nil {
		t.Fatal(err)
	}
	chat.GroupName = "Team Updated"
	if err := db.UpsertChat(ctx, chat); err != nil {
		t.Fatal(err)
	}

	chats, err := db.ListChats(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 {
		t.Fatalf("got %d chats, want 1", len(chats))
	}
	if chats[0].GroupName != "Team Updated" {
		t.Errorf("name = %q, want Team Updated", chats[0].GroupName)
	}
	if chats[0].SyncStatus != SyncPending {
		t.Errorf("sync status = %q, want pending", chats[0].SyncStatus)
	}
}

func TestUpsertChatKeepsNewerLastMessage(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	c := dm("c1")
	c.LastMessage = &LastMessage{ID: "m2", Text: "new", SenderID: "alice", At: 2000}
	if err := db.UpsertChat(ctx, c); err != nil {
		t.Fatal(err)
	}
	c.LastMessage = &LastMessage{ID: "m1", Text: "old", SenderID: "bob", At: 1000}
	if err := db.UpsertChat(ctx, c); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetChat(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastMessage == nil || got.LastMessage.ID != "m2" {
		t.Errorf("last message = %+v, want m2", got.LastMessage)
	}
}

func TestGetChat(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.UpsertChat(ctx, dm("a")); err != nil {
		t.Fatal(err)
	}
	c, err := db.GetChat(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || !c.HasParticipant("bob") {
		t.Errorf("got %+v, want chat with bob", c)
	}

	// Non-existent.
	c, err = db.GetChat(ctx, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Errorf("expected nil for missing chat")
	}
}

func TestUpdateChatMissing(t *testing.T) {
	db := testDB(t)
	if err := db.UpdateChat(context.Background(), dm("nope")); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestInsertChatDuplicate(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if err := db.InsertChat(ctx, dm("c1")); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertChat(ctx, dm("c1")); !errors.Is(err, ErrConstraintViolation) {
		t.Errorf("err = %v, want ErrConstraintViolation", err)
	}
}

func TestSaveMessageFallsBackToUpdate(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	msg := &Message{ID: "m1", ChatID: "c1", SenderID: "alice", Text: "hello", Status: StatusSent, CreatedAt: 1000}
	if err := db.SaveMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertMessage(ctx, msg); !errors.Is(err, ErrConstraintViolation) {
		t.Fatalf("duplicate insert err = %v, want ErrConstraintViolation", err)
	}

	msg.Text = "hello updated"
	if err := db.SaveMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.MessagesByChat(ctx, "c1", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Text != "hello updated" {
		t.Errorf("text = %q, want hello updated", msgs[0].Text)
	}
}

func TestConcurrentSaveSameMessage(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- db.SaveMessage(ctx, &Message{ID: "m1", ChatID: "c1", SenderID: "alice", Text: "hi", Status: StatusSent, CreatedAt: 1000})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("save: %v", err)
		}
	}
	if n, _ := db.MessageCount(ctx); n != 1 {
		t.Errorf("message count = %d, want 1", n)
	}
}

func TestMessageStatusNeverRegresses(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	msg := &Message{ID: "m1", ChatID: "c1", SenderID: "alice", Text: "hi", Status: StatusDelivered, CreatedAt: 1000}
	if err := db.SaveMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	changed, err := db.UpdateMessageStatus(ctx, "m1", StatusSent)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("delivered -> sent should not apply")
	}

	msg.Status = StatusSending
	if err := db.UpdateMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if changed, err := db.UpdateSendState(ctx, "m1", SendState{Status: StatusFailed, RetryCount: 1}); err != nil || changed {
		t.Fatalf("UpdateSendState = %v, %v; want false, nil", changed, err)
	}

	got, err := db.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusDelivered {
		t.Errorf("status = %q, want delivered", got.Status)
	}

	changed, err = db.UpdateMessageStatus(ctx, "m1", StatusRead)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("delivered -> read should apply")
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to MessageStatus
		want     bool
	}{
		{"", StatusSending, true},
		{StatusSending, StatusFailed, true},
		{StatusFailed, StatusSending, true},
		{StatusSending, StatusSent, true},
		{StatusSent, StatusDelivered, true},
		{StatusDelivered, StatusRead, true},
		{StatusSent, StatusFailed, false},
		{StatusRead, StatusDelivered, false},
		{StatusDelivered, StatusSending, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestMessageSetsRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	msg := &Message{
		ID: "m1", ChatID: "c1", SenderID: "alice", Status: StatusRead, CreatedAt: 1000,
		Media:       &Media{URL: "https://cdn.example/a.png", MIME: "image/png"},
		DeliveredTo: []string{"bob", "carol"},
		ReadBy:      []string{"bob"},
	}
	if err := db.SaveMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if err := db.SetLocalMediaPath(ctx, "m1", "/cache/a.png"); err != nil {
		t.Fatal(err)
	}
	// A remote update without a local path keeps the cached one.
	if err := db.UpdateMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.DeliveredTo) != 2 || len(got.ReadBy) != 1 {
		t.Errorf("delivered=%v read=%v", got.DeliveredTo, got.ReadBy)
	}
	if got.Media == nil || got.Media.LocalPath != "/cache/a.png" {
		t.Errorf("media = %+v, want local path kept", got.Media)
	}
}

func TestMessagesByChatReturnsNewestAscending(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for i, id := range []string{"m1", "m2", "m3", "m4"} {
		m := &Message{ID: id, ChatID: "c1", SenderID: "alice", Text: id, Status: StatusSent, CreatedAt: int64(1000 * (i + 1))}
		if err := db.SaveMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.MessagesByChat(ctx, "c1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m3" || msgs[1].ID != "m4" {
		t.Errorf("got %v, want [m3 m4]", ids(msgs))
	}

	after, err := db.MessagesAfter(ctx, "c1", 2000)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 2 {
		t.Errorf("after = %v, want [m3 m4]", ids(after))
	}
	if ts, _ := db.LatestMessageAt(ctx, "c1"); ts != 4000 {
		t.Errorf("latest = %d, want 4000", ts)
	}
}

func TestSaveMessagesRollsBackOnError(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	batch := []*Message{
		{ID: "m1", ChatID: "c1", SenderID: "alice", Status: StatusSent, CreatedAt: 1},
		{ID: "m2", ChatID: "c1", SenderID: "alice", Status: "bogus", CreatedAt: 2},
	}
	if err := db.SaveMessages(ctx, batch); err == nil {
		t.Fatal("expected error for invalid status")
	}
	if n, _ := db.MessageCount(ctx); n != 0 {
		t.Errorf("message count = %d, want 0 after rollback", n)
	}

	batch[1].Status = StatusSent
	if err := db.SaveMessages(ctx, batch); err != nil {
		t.Fatal(err)
	}
	// Re-saving the same batch takes the update path.
	if err := db.SaveMessages(ctx, batch); err != nil {
		t.Fatal(err)
	}
	if n, _ := db.MessageCount(ctx); n != 2 {
		t.Errorf("message count = %d, want 2", n)
	}
}

func TestTxRollback(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.Tx(ctx, func(tx *sql.Tx) error {
		if err := upsertChat(ctx, tx, dm("c1")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if n, _ := db.ChatCount(ctx); n != 0 {
		t.Errorf("chat count = %d, want 0", n)
	}
}

func TestPendingSends(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	queued := &Message{ID: "l1", LocalID: "l1", ChatID: "c1", SenderID: "me", Text: "hi", Status: StatusSending, CreatedAt: 1, QueuedAt: 1}
	if err := db.InsertMessage(ctx, queued); err != nil {
		t.Fatal(err)
	}
	remote := &Message{ID: "r1", ChatID: "c1", SenderID: "bob", Text: "yo", Status: StatusSent, CreatedAt: 2}
	if err := db.InsertMessage(ctx, remote); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingSends(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].LocalID != "l1" {
		t.Fatalf("pending = %v, want [l1]", ids(pending))
	}

	if changed, err := db.UpdateSendState(ctx, "l1", SendState{Status: StatusSent, SyncedToRemote: true}); err != nil || !changed {
		t.Fatalf("UpdateSendState = %v, %v; want true, nil", changed, err)
	}
	if n, _ := db.PendingSendCount(ctx); n != 0 {
		t.Errorf("pending count = %d, want 0", n)
	}
	if _, err := db.UpdateSendState(ctx, "missing", SendState{Status: StatusSent}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSendStateKeepsSettledSend(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if err := db.InsertChat(ctx, &Chat{ID: "c1", Type: ChatDM, ParticipantIDs: []string{"alice", "bob"}}); err != nil {
		t.Fatal(err)
	}
	m := &Message{ID: "l1", LocalID: "l1", ChatID: "c1", SenderID: "alice", Text: "hi", Status: StatusSending, CreatedAt: 1, QueuedAt: 1}
	if err := db.InsertMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
	if _, err := db.UpdateSendState(ctx, "l1", SendState{Status: StatusSent, SyncedToRemote: true}); err != nil {
		t.Fatal(err)
	}

	// A timed-out write whose copy reached the remote store anyway.
	changed, err := db.UpdateSendState(ctx, "l1", SendState{Status: StatusFailed, RetryCount: 1, LastRetryAt: 99})
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("late failure reported a status change")
	}
	got, err := db.GetMessage(ctx, "l1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusSent || !got.SyncedToRemote || got.RetryCount != 0 || got.LastRetryAt != 0 {
		t.Errorf("row = status %s synced %v retry %d last %d, want sent true 0 0",
			got.Status, got.SyncedToRemote, got.RetryCount, got.LastRetryAt)
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.SaveMessage(ctx, &Message{ID: "m1", ChatID: "c1", SenderID: "a", Text: "hello world", Status: StatusSent, CreatedAt: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveMessage(ctx, &Message{ID: "m2", ChatID: "c1", SenderID: "a", Text: "goodbye world", Status: StatusSent, CreatedAt: 2000}); err != nil {
		t.Fatal(err)
	}

	results, err := db.SearchMessages(ctx, "hello", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Message.ID != "m1" {
		t.Errorf("id = %q, want m1", results[0].Message.ID)
	}

	// Edits reindex the text.
	if err := db.SaveMessage(ctx, &Message{ID: "m1", ChatID: "c1", SenderID: "a", Text: "edited", Status: StatusSent, CreatedAt: 1000, Edited: true}); err != nil {
		t.Fatal(err)
	}
	results, err = db.SearchMessages(ctx, "hello", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results after edit, want 0", len(results))
	}
	results, err = db.SearchMessages(ctx, "world", "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Message.ID != "m2" {
		t.Errorf("world results = %+v, want m2", results)
	}
}

func TestProfiles(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	p := &Profile{UserID: "u1", Username: "john", DisplayName: "John", AvatarURL: "https://cdn/a.jpg"}
	if err := db.UpsertProfile(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := db.SetAvatarLocalPath(ctx, "u1", "https://cdn/a.jpg", "/avatars/u1.jpg"); err != nil {
		t.Fatal(err)
	}

	// Same avatar URL keeps the downloaded file.
	p.DisplayName = "Johnny"
	if err := db.UpsertProfile(ctx, p); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.DisplayName != "Johnny" || got.AvatarLocalPath != "/avatars/u1.jpg" {
		t.Errorf("got %+v", got)
	}

	// A new avatar URL drops it.
	p.AvatarURL = "https://cdn/b.jpg"
	if err := db.UpsertProfile(ctx, p); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetProfile(ctx, "u1")
	if got.AvatarLocalPath != "" {
		t.Errorf("avatar path = %q, want empty after URL change", got.AvatarLocalPath)
	}

	if err := db.DeleteProfile(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.GetProfile(ctx, "u1"); got != nil {
		t.Errorf("expected nil after delete")
	}
}

func TestMediaFiles(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for i, key := range []string{"k1", "k2", "k3"} {
		f := &MediaFile{Key: key, SourceURL: "https://cdn/" + key, LocalPath: "/media/" + key, Size: 10, LastAccess: int64(100 - i)}
		if err := db.PutMediaFile(ctx, f); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.TouchMediaFile(ctx, "k3", 500); err != nil {
		t.Fatal(err)
	}

	files, err := db.ListMediaFiles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 3 || files[0].Key != "k2" || files[2].Key != "k3" {
		t.Errorf("order = %+v, want k2 first and k3 last", files)
	}
	if total, _ := db.MediaTotalSize(ctx); total != 30 {
		t.Errorf("total = %d, want 30", total)
	}

	if err := db.DeleteMediaFile(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	if f, _ := db.GetMediaFile(ctx, "k1"); f != nil {
		t.Errorf("expected k1 removed")
	}
	if err := db.DeleteAllMediaFiles(ctx); err != nil {
		t.Fatal(err)
	}
	if total, _ := db.MediaTotalSize(ctx); total != 0 {
		t.Errorf("total after clear = %d, want 0", total)
	}
}

func TestSyncState(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if v, err := db.GetSyncState(ctx, "watermark:c1"); err != nil || v != "" {
		t.Fatalf("missing key = %q, %v", v, err)
	}
	if err := db.SetSyncState(ctx, "watermark:c1", "1000"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetSyncState(ctx, "watermark:c1", "2000"); err != nil {
		t.Fatal(err)
	}
	if v, _ := db.GetSyncState(ctx, "watermark:c1"); v != "2000" {
		t.Errorf("value = %q, want 2000", v)
	}
}

func TestOpenInMissingDirFails(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nope")
	if _, err := Open(filepath.Join(dir, "x.db")); err == nil {
		t.Error("expected error opening db in missing dir")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("dir should not be created")
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
