package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lumenassist/lumen/internal/store"
)

func newTestEngine(t *testing.T, timeout time.Duration) (*Engine, *store.DB) {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	e := New(db, timeout)
	t.Cleanup(e.Close)
	return e, db
}

func addVolunteer(t *testing.T, db *store.DB, id string, rating, reliability, respTime float64) {
	t.Helper()
	err := db.UpsertVolunteer(context.Background(), store.Volunteer{
		ID:               id,
		Available:        true,
		Rating:           &rating,
		ReliabilityScore: &reliability,
		ResponseTimeAvg:  &respTime,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func assignee(t *testing.T, db *store.DB, requestID string) (string, string) {
	t.Helper()
	req, err := db.GetRequest(context.Background(), requestID)
	if err != nil {
		t.Fatal(err)
	}
	if req.AssignedVolunteerID == nil {
		return req.Status, ""
	}
	return req.Status, *req.AssignedVolunteerID
}

func TestCreateRequestValidation(t *testing.T) {
	e, _ := newTestEngine(t, time.Minute)
	if _, err := e.CreateRequest(context.Background(), "  "); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestCreateAssignsBestVolunteer(t *testing.T) {
	e, db := newTestEngine(t, time.Minute)
	addVolunteer(t, db, "strong", 5.0, 100.0, 0.0) // 150
	addVolunteer(t, db, "weak", 4.0, 90.0, 30.0)   // 115

	req, err := e.CreateRequest(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	status, who := assignee(t, db, req.ID)
	if status != store.StatusPending || who != "strong" {
		t.Fatalf("expected pending/strong, got %s/%s", status, who)
	}
}

func TestCreateWithNoCandidatesStaysPending(t *testing.T) {
	e, db := newTestEngine(t, time.Minute)

	req, err := e.CreateRequest(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	status, who := assignee(t, db, req.ID)
	if status != store.StatusPending || who != "" {
		t.Fatalf("expected pending/unassigned, got %s/%s", status, who)
	}
}

func TestRequesterNeverAssignedOwnRequest(t *testing.T) {
	e, db := newTestEngine(t, time.Minute)
	// The requester is also a registered volunteer.
	addVolunteer(t, db, "alice", 5.0, 100.0, 0.0)

	req, err := e.CreateRequest(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	_, who := assignee(t, db, req.ID)
	if who != "" {
		t.Fatalf("requester was assigned their own request: %s", who)
	}
}

func TestDeclineReassignsWithExclusion(t *testing.T) {
	ctx := context.Background()
	e, db := newTestEngine(t, time.Minute)
	addVolunteer(t, db, "first", 5.0, 100.0, 0.0)
	addVolunteer(t, db, "second", 4.0, 90.0, 30.0)

	req, err := e.CreateRequest(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}

	if err := e.DeclineRequest(ctx, req.ID, "first"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	_, who := assignee(t, db, req.ID)
	if who != "second" {
		t.Fatalf("expected reassignment to second, got %q", who)
	}

	// Exhaust the pool: the request stays pending and unassigned, and the
	// declined volunteers are never retried.
	if err := e.DeclineRequest(ctx, req.ID, "second"); err != nil {
		t.Fatalf("second decline: %v", err)
	}
	status, who := assignee(t, db, req.ID)
	if status != store.StatusPending || who != "" {
		t.Fatalf("expected pending/unassigned after exhaustion, got %s/%q", status, who)
	}
}

func TestDeclineByWrongVolunteer(t *testing.T) {
	ctx := context.Background()
	e, db := newTestEngine(t, time.Minute)
	addVolunteer(t, db, "bob", 5.0, 100.0, 0.0)

	req, err := e.CreateRequest(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.DeclineRequest(ctx, req.ID, "mallory"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	_, who := assignee(t, db, req.ID)
	if who != "bob" {
		t.Fatalf("assignment must be untouched, got %q", who)
	}
}

func TestAcceptOpensSession(t *testing.T) {
	ctx := context.Background()
	e, db := newTestEngine(t, time.Minute)
	addVolunteer(t, db, "bob", 5.0, 100.0, 0.0)

	req, err := e.CreateRequest(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.AcceptRequest(ctx, req.ID, "mallory"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("wrong volunteer should conflict, got %v", err)
	}

	sess, err := e.AcceptRequest(ctx, req.ID, "bob")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if sess.HelpRequestID != req.ID || sess.VolunteerID != "bob" || sess.RequesterID != "alice" {
		t.Fatalf("bad session: %+v", sess)
	}
	status, _ := assignee(t, db, req.ID)
	if status != store.StatusInProgress {
		t.Fatalf("expected in_progress, got %s", status)
	}
}

func TestResponseTimeoutReassigns(t *testing.T) {
	ctx := context.Background()
	e, db := newTestEngine(t, 50*time.Millisecond)
	addVolunteer(t, db, "slow", 5.0, 100.0, 0.0)
	addVolunteer(t, db, "backup", 4.0, 90.0, 30.0)

	req, err := e.CreateRequest(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, who := assignee(t, db, req.ID); who != "slow" {
		t.Fatalf("expected slow first, got %q", who)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, who := assignee(t, db, req.ID)
		if who == "backup" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout reassignment never happened; still %q", who)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAcceptBeatsTimeout(t *testing.T) {
	ctx := context.Background()
	e, db := newTestEngine(t, 50*time.Millisecond)
	addVolunteer(t, db, "bob", 5.0, 100.0, 0.0)
	addVolunteer(t, db, "backup", 4.0, 90.0, 30.0)

	req, err := e.CreateRequest(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.AcceptRequest(ctx, req.ID, "bob"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Even after the timeout window passes, the accepted assignment stays.
	time.Sleep(200 * time.Millisecond)
	status, who := assignee(t, db, req.ID)
	if status != store.StatusInProgress || who != "bob" {
		t.Fatalf("stale timer must be a no-op, got %s/%q", status, who)
	}
}

func TestStaleTimeoutKeepsSuccessorTimer(t *testing.T) {
	ctx := context.Background()
	e, db := newTestEngine(t, time.Minute)
	addVolunteer(t, db, "first", 5.0, 100.0, 0.0)
	addVolunteer(t, db, "second", 4.0, 90.0, 30.0)

	req, err := e.CreateRequest(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.DeclineRequest(ctx, req.ID, "first"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if _, who := assignee(t, db, req.ID); who != "second" {
		t.Fatalf("expected reassignment to second, got %q", who)
	}

	// A timeout for "first" that re-read the request before the decline
	// landed resolves late: it must lose with ErrConflict and must not
	// disarm the timer pinned to the successor assignment.
	if err := e.resolveAssignment(ctx, req.ID, "first", ReasonTimeout); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("stale resolve should conflict, got %v", err)
	}
	if _, who := assignee(t, db, req.ID); who != "second" {
		t.Fatalf("assignment must be untouched, got %q", who)
	}

	e.mu.Lock()
	rt := e.timers[req.ID]
	e.mu.Unlock()
	if rt == nil || rt.volunteerID != "second" {
		t.Fatalf("successor timer disarmed: %+v", rt)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e, db := newTestEngine(t, time.Minute)
	addVolunteer(t, db, "bob", 5.0, 100.0, 0.0)

	req, err := e.CreateRequest(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.CancelRequest(ctx, req.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := e.CancelRequest(ctx, req.ID); err != nil {
		t.Fatalf("repeat cancel must be a no-op: %v", err)
	}
	status, who := assignee(t, db, req.ID)
	if status != store.StatusCancelled || who != "" {
		t.Fatalf("expected cancelled/unassigned, got %s/%q", status, who)
	}
}

func TestCompleteEndsSession(t *testing.T) {
	ctx := context.Background()
	e, db := newTestEngine(t, time.Minute)
	addVolunteer(t, db, "bob", 5.0, 100.0, 0.0)

	req, err := e.CreateRequest(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	sess, err := e.AcceptRequest(ctx, req.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}

	if err := e.CompleteRequest(ctx, req.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := db.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.EndedAt == nil || got.DurationSeconds == nil {
		t.Fatalf("session not closed: %+v", got)
	}

	// Completing again conflicts — the request is terminal.
	if err := e.CompleteRequest(ctx, req.ID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestRateSessionValidation(t *testing.T) {
	ctx := context.Background()
	e, db := newTestEngine(t, time.Minute)
	addVolunteer(t, db, "bob", 5.0, 100.0, 0.0)

	req, err := e.CreateRequest(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	sess, err := e.AcceptRequest(ctx, req.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}

	for _, bad := range []int{0, 6, -1} {
		if err := e.RateSession(ctx, sess.ID, bad); !errors.Is(err, ErrValidation) {
			t.Fatalf("rating %d should fail validation, got %v", bad, err)
		}
	}
	if err := e.RateSession(ctx, sess.ID, 5); err != nil {
		t.Fatalf("valid rating: %v", err)
	}
	if err := e.RateSession(ctx, sess.ID, 4); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second rating should conflict, got %v", err)
	}
}

func TestSubscribeDeliversEvents(t *testing.T) {
	ctx := context.Background()
	e, db := newTestEngine(t, time.Minute)
	addVolunteer(t, db, "bob", 5.0, 100.0, 0.0)

	ch, cancel := e.Subscribe()
	defer cancel()

	req, err := e.CreateRequest(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if evt.Type != "assigned" || evt.RequestID != req.ID || evt.VolunteerID != "bob" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}
