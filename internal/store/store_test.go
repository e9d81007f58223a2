package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRequestLifecycle(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	req, err := db.CreateRequest(ctx, "req-1", "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if req.Status != StatusPending || req.AssignedVolunteerID != nil {
		t.Fatalf("new request should be pending and unassigned: %+v", req)
	}

	if err := db.AssignVolunteer(ctx, "req-1", "bob"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := db.AcceptRequest(ctx, "req-1", "bob"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	got, err := db.GetRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusInProgress {
		t.Fatalf("expected in_progress, got %s", got.Status)
	}

	if err := db.CompleteRequest(ctx, "req-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ = db.GetRequest(ctx, "req-1")
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.AssignedVolunteerID != nil {
		t.Fatalf("terminal request must not carry an assignee")
	}
}

func TestConditionalUpdates(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if _, err := db.CreateRequest(ctx, "req-1", "alice"); err != nil {
		t.Fatal(err)
	}
	if err := db.AssignVolunteer(ctx, "req-1", "bob"); err != nil {
		t.Fatal(err)
	}

	t.Run("accept by wrong volunteer", func(t *testing.T) {
		if err := db.AcceptRequest(ctx, "req-1", "mallory"); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("double assign", func(t *testing.T) {
		if err := db.AssignVolunteer(ctx, "req-1", "carol"); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("clear by wrong volunteer", func(t *testing.T) {
		if err := db.ClearAssignment(ctx, "req-1", "mallory"); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("missing request", func(t *testing.T) {
		if err := db.AcceptRequest(ctx, "no-such", "bob"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("clear then reassign", func(t *testing.T) {
		if err := db.ClearAssignment(ctx, "req-1", "bob"); err != nil {
			t.Fatalf("clear: %v", err)
		}
		if err := db.AssignVolunteer(ctx, "req-1", "carol"); err != nil {
			t.Fatalf("reassign: %v", err)
		}
	})
}

func TestCancelIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if _, err := db.CreateRequest(ctx, "req-1", "alice"); err != nil {
		t.Fatal(err)
	}

	changed, err := db.CancelRequest(ctx, "req-1")
	if err != nil || !changed {
		t.Fatalf("first cancel: changed=%v err=%v", changed, err)
	}
	changed, err = db.CancelRequest(ctx, "req-1")
	if err != nil || changed {
		t.Fatalf("second cancel should be a no-op: changed=%v err=%v", changed, err)
	}

	if _, err := db.CancelRequest(ctx, "no-such"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionEndOnce(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if _, err := db.CreateRequest(ctx, "req-1", "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.CreateSession(ctx, "sess-1", "req-1", "alice", "bob"); err != nil {
		t.Fatalf("create session: %v", err)
	}

	end := time.Now()
	if err := db.EndSession(ctx, "sess-1", end, 42); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := db.EndSession(ctx, "sess-1", end, 42); !errors.Is(err, ErrConflict) {
		t.Fatalf("second end should conflict, got %v", err)
	}

	sess, err := db.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.EndedAt == nil || sess.DurationSeconds == nil || *sess.DurationSeconds != 42 {
		t.Fatalf("end not recorded: %+v", sess)
	}
}

func TestRateSessionOnce(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if _, err := db.CreateRequest(ctx, "req-1", "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.CreateSession(ctx, "sess-1", "req-1", "alice", "bob"); err != nil {
		t.Fatal(err)
	}
	if err := db.RateSession(ctx, "sess-1", 4); err != nil {
		t.Fatalf("rate: %v", err)
	}
	if err := db.RateSession(ctx, "sess-1", 5); !errors.Is(err, ErrConflict) {
		t.Fatalf("second rating should conflict, got %v", err)
	}
	if err := db.RateSession(ctx, "no-such", 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	sess, _ := db.GetSession(ctx, "sess-1")
	if sess.Rating == nil || *sess.Rating != 4 {
		t.Fatalf("rating not kept: %+v", sess)
	}
}

func TestListSessionsByUser(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	db.CreateRequest(ctx, "r1", "alice")
	db.CreateRequest(ctx, "r2", "carol")
	db.CreateRequest(ctx, "r3", "carol")
	db.CreateSession(ctx, "s1", "r1", "alice", "bob")
	db.CreateSession(ctx, "s2", "r2", "carol", "alice")
	db.CreateSession(ctx, "s3", "r3", "carol", "dave")

	sessions, err := db.ListSessionsByUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("alice should appear in 2 sessions, got %d", len(sessions))
	}
}

func TestAvailableVolunteersExclusion(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	for _, v := range []Volunteer{
		{ID: "a", Available: true},
		{ID: "b", Available: true},
		{ID: "c", Available: false},
	} {
		if err := db.UpsertVolunteer(ctx, v); err != nil {
			t.Fatal(err)
		}
	}

	vols, err := db.AvailableVolunteers(ctx, []string{"a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vols) != 1 || vols[0].ID != "b" {
		t.Fatalf("expected only b, got %+v", vols)
	}

	if err := db.SetVolunteerAvailable(ctx, "c", true); err != nil {
		t.Fatal(err)
	}
	vols, _ = db.AvailableVolunteers(ctx, nil)
	if len(vols) != 3 {
		t.Fatalf("expected 3 available, got %d", len(vols))
	}
}
