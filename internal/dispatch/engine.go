// Package dispatch owns the help-request lifecycle: creation, volunteer
// selection via the scoring policy, the response timeout, and the
// decline/timeout reassignment loop.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumenassist/lumen/internal/store"
)

// Reassignment reasons, shared by the direct-decline path and the response
// timeout so both go through the same transition.
const (
	ReasonDeclined = "declined"
	ReasonTimeout  = "timeout"
)

// Event describes one dispatch state change, delivered to subscribers.
type Event struct {
	Type        string `json:"type"` // assigned | unassigned | accepted | declined | cancelled | completed
	RequestID   string `json:"request_id"`
	VolunteerID string `json:"volunteer_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// Engine drives help requests against the ledger. One Engine per process.
type Engine struct {
	store   *store.DB
	timeout time.Duration

	mu      sync.Mutex
	timers  map[string]*responseTimer // requestID → armed timeout
	exclude map[string][]string       // requestID → volunteers already tried

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}

	done chan struct{}
}

// responseTimer is the cancellable token armed alongside an assignment.
// volunteerID pins the timer to one specific assignment so a stale fire
// after reassignment is a no-op even if Stop raced the fire.
type responseTimer struct {
	volunteerID string
	timer       *time.Timer
}

// New creates an Engine. responseTimeout is how long an assigned volunteer
// has to accept before the assignment is treated as an implicit decline.
func New(db *store.DB, responseTimeout time.Duration) *Engine {
	return &Engine{
		store:     db,
		timeout:   responseTimeout,
		timers:    make(map[string]*responseTimer),
		exclude:   make(map[string][]string),
		listeners: make(map[chan Event]struct{}),
		done:      make(chan struct{}),
	}
}

// CreateRequest opens a new help request for requesterID and immediately
// attempts a first assignment. A request with no available candidate stays
// pending and unassigned; that is an expected outcome, not an error.
func (e *Engine) CreateRequest(ctx context.Context, requesterID string) (store.HelpRequest, error) {
	if strings.TrimSpace(requesterID) == "" {
		return store.HelpRequest{}, fmt.Errorf("%w: requester id is empty", ErrValidation)
	}

	req, err := e.store.CreateRequest(ctx, uuid.NewString(), requesterID)
	if err != nil {
		return store.HelpRequest{}, fmt.Errorf("create request: %w", err)
	}
	log.Printf("DISPATCH: request %s created by %s", req.ID, requesterID)

	if _, err := e.AssignBestVolunteer(ctx, req.ID); err != nil {
		return store.HelpRequest{}, err
	}
	return e.store.GetRequest(ctx, req.ID)
}

// AssignBestVolunteer picks the highest-scoring available volunteer that has
// not been tried for this request and writes the assignment. Returns
// ("", nil) when no candidate is available — the request stays pending.
func (e *Engine) AssignBestVolunteer(ctx context.Context, requestID string) (string, error) {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return "", err
	}
	if req.Status != store.StatusPending || req.AssignedVolunteerID != nil {
		return "", store.ErrConflict
	}

	e.mu.Lock()
	tried := append([]string(nil), e.exclude[requestID]...)
	e.mu.Unlock()

	// The requester must never be offered their own request.
	excluded := append(tried, req.RequesterID)

	volunteers, err := e.store.AvailableVolunteers(ctx, excluded)
	if err != nil {
		return "", fmt.Errorf("load candidates: %w", err)
	}

	candidates := make([]Candidate, 0, len(volunteers))
	for _, v := range volunteers {
		candidates = append(candidates, Candidate{
			ID:               v.ID,
			Rating:           v.Rating,
			ReliabilityScore: v.ReliabilityScore,
			ResponseTimeAvg:  v.ResponseTimeAvg,
		})
	}

	winner, ok := BestCandidate(candidates)
	if !ok {
		log.Printf("DISPATCH: request %s has no candidate (tried=%d) — staying pending", requestID, len(tried))
		e.notify(Event{Type: "unassigned", RequestID: requestID})
		return "", nil
	}

	if err := e.store.AssignVolunteer(ctx, requestID, winner); err != nil {
		return "", err
	}
	e.armTimer(requestID, winner)
	log.Printf("DISPATCH: request %s assigned to %s (timeout %s)", requestID, winner, e.timeout)
	e.notify(Event{Type: "assigned", RequestID: requestID, VolunteerID: winner})
	return winner, nil
}

// AcceptRequest is called by the assigned volunteer. On success the request
// moves to in_progress, the response timer is disarmed, and a session row is
// opened in the ledger.
func (e *Engine) AcceptRequest(ctx context.Context, requestID, volunteerID string) (store.Session, error) {
	if err := e.store.AcceptRequest(ctx, requestID, volunteerID); err != nil {
		return store.Session{}, err
	}
	e.stopTimer(requestID, volunteerID)

	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return store.Session{}, err
	}
	sess, err := e.store.CreateSession(ctx, uuid.NewString(), requestID, req.RequesterID, volunteerID)
	if err != nil {
		return store.Session{}, fmt.Errorf("open session: %w", err)
	}

	e.mu.Lock()
	delete(e.exclude, requestID)
	e.mu.Unlock()

	log.Printf("DISPATCH: request %s accepted by %s, session %s", requestID, volunteerID, sess.ID)
	e.notify(Event{Type: "accepted", RequestID: requestID, VolunteerID: volunteerID, SessionID: sess.ID})
	return sess, nil
}

// DeclineRequest is called by the assigned volunteer. The guard is the
// ledger's conditional update: declining a request assigned to someone else
// fails with store.ErrConflict and changes nothing.
func (e *Engine) DeclineRequest(ctx context.Context, requestID, volunteerID string) error {
	return e.resolveAssignment(ctx, requestID, volunteerID, ReasonDeclined)
}

// CancelRequest moves the request to its terminal cancelled state from
// anywhere. Cancelling an already-terminal request is a no-op.
func (e *Engine) CancelRequest(ctx context.Context, requestID string) error {
	e.stopTimer(requestID, "")
	changed, err := e.store.CancelRequest(ctx, requestID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.exclude, requestID)
	e.mu.Unlock()
	if changed {
		log.Printf("DISPATCH: request %s cancelled", requestID)
		e.notify(Event{Type: "cancelled", RequestID: requestID})
	}
	return nil
}

// CompleteRequest closes an in-progress request and its ledger session,
// recording the elapsed duration.
func (e *Engine) CompleteRequest(ctx context.Context, requestID string) error {
	if err := e.store.CompleteRequest(ctx, requestID); err != nil {
		return err
	}
	sess, err := e.store.SessionForRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil // accepted but call never started — nothing to close
		}
		return err
	}
	now := time.Now()
	duration := int64(now.Sub(sess.StartedAt) / time.Second)
	if err := e.store.EndSession(ctx, sess.ID, now, duration); err != nil && !errors.Is(err, store.ErrConflict) {
		return err
	}
	log.Printf("DISPATCH: request %s completed (session %s, %ds)", requestID, sess.ID, duration)
	e.notify(Event{Type: "completed", RequestID: requestID, SessionID: sess.ID})
	return nil
}

// RateSession records a 1..5 rating for a finished session, at most once.
func (e *Engine) RateSession(ctx context.Context, sessionID string, rating int) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("%w: rating must be 1..5, got %d", ErrValidation, rating)
	}
	return e.store.RateSession(ctx, sessionID, rating)
}

// resolveAssignment is the single transition shared by the direct-decline
// path and the response timeout: clear the current assignee, remember them
// as tried, and re-run assignment against the remaining pool.
func (e *Engine) resolveAssignment(ctx context.Context, requestID, volunteerID, reason string) error {
	e.stopTimer(requestID, volunteerID)

	if err := e.store.ClearAssignment(ctx, requestID, volunteerID); err != nil {
		return err
	}

	e.mu.Lock()
	e.exclude[requestID] = append(e.exclude[requestID], volunteerID)
	e.mu.Unlock()

	log.Printf("DISPATCH: request %s released by %s (%s) — retrying", requestID, volunteerID, reason)
	e.notify(Event{Type: "declined", RequestID: requestID, VolunteerID: volunteerID, Reason: reason})

	_, err := e.AssignBestVolunteer(ctx, requestID)
	return err
}

// armTimer schedules the response timeout for one assignment, replacing any
// previous timer for the request.
func (e *Engine) armTimer(requestID, volunteerID string) {
	e.mu.Lock()
	if old, ok := e.timers[requestID]; ok {
		old.timer.Stop()
	}
	rt := &responseTimer{volunteerID: volunteerID}
	rt.timer = time.AfterFunc(e.timeout, func() {
		e.handleTimeout(requestID, volunteerID)
	})
	e.timers[requestID] = rt
	e.mu.Unlock()
}

// stopTimer disarms the response timer for requestID. A non-empty
// volunteerID only disarms the timer pinned to that assignment, so a
// resolver that lost the race cannot disarm a successor's timer.
// Cancel passes "" to disarm whatever is armed.
func (e *Engine) stopTimer(requestID, volunteerID string) {
	e.mu.Lock()
	if rt, ok := e.timers[requestID]; ok && (volunteerID == "" || rt.volunteerID == volunteerID) {
		rt.timer.Stop()
		delete(e.timers, requestID)
	}
	e.mu.Unlock()
}

// handleTimeout fires once per armed assignment. The decline side-effect only
// happens when the request is still pending and still assigned to the same
// volunteer — a Stop that raced the fire, a concurrent accept, or a cancel
// all make this a no-op via the re-read and the conditional update.
func (e *Engine) handleTimeout(requestID, volunteerID string) {
	select {
	case <-e.done:
		return
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		log.Printf("DISPATCH: timeout re-read for %s failed: %v", requestID, err)
		return
	}
	if req.Status != store.StatusPending || req.AssignedVolunteerID == nil || *req.AssignedVolunteerID != volunteerID {
		return // resolved by accept/decline/cancel before the timer fired
	}

	log.Printf("DISPATCH: request %s — %s did not respond in %s", requestID, volunteerID, e.timeout)
	if err := e.resolveAssignment(ctx, requestID, volunteerID, ReasonTimeout); err != nil && !errors.Is(err, store.ErrConflict) {
		log.Printf("DISPATCH: timeout reassignment for %s failed: %v", requestID, err)
	}
}

// Subscribe returns a channel of dispatch events and a cancel function.
func (e *Engine) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 32)

	e.listenerMu.Lock()
	e.listeners[ch] = struct{}{}
	e.listenerMu.Unlock()

	cancel = func() {
		e.listenerMu.Lock()
		if _, ok := e.listeners[ch]; ok {
			delete(e.listeners, ch)
			close(ch)
		}
		e.listenerMu.Unlock()
	}
	return ch, cancel
}

func (e *Engine) notify(evt Event) {
	e.listenerMu.RLock()
	for ch := range e.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
	e.listenerMu.RUnlock()
}

// Close disarms all response timers and stops event delivery.
func (e *Engine) Close() {
	select {
	case <-e.done:
		return
	default:
		close(e.done)
	}

	e.mu.Lock()
	for id, rt := range e.timers {
		rt.timer.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()

	e.listenerMu.Lock()
	for ch := range e.listeners {
		close(ch)
	}
	e.listeners = make(map[chan Event]struct{})
	e.listenerMu.Unlock()
}
