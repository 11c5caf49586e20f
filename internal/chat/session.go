// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat drives a multi-turn conversation over a streaming opener.
//
// A Session owns the history. Each Submit appends a Sent message, resends
// the whole history, and fills one Received message fragment by fragment as
// the stream delivers. Observers read State snapshots and wait on Changes.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jeranaias/rigrun-relay/internal/bridge"
	"github.com/jeranaias/rigrun-relay/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrTurnInFlight is returned by Submit under PolicyReject while a turn
	// is in flight.
	ErrTurnInFlight = errors.New("a turn is already in flight")

	// ErrQueueFull is returned by Submit under PolicyQueue when the queue is
	// at capacity.
	ErrQueueFull = errors.New("turn queue is full")

	// ErrSessionClosed is returned by Submit after Close.
	ErrSessionClosed = errors.New("session is closed")
)

// StatusError is a non-success response to the open call.
type StatusError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return e.Message
}

// =============================================================================
// OPTIONS
// =============================================================================

// Policy decides what Submit does while a turn is in flight.
type Policy string

const (
	// PolicyReject refuses the submit with ErrTurnInFlight.
	PolicyReject Policy = "reject"
	// PolicyQueue queues the text and submits it when the current turn ends.
	PolicyQueue Policy = "queue"
)

const (
	DefaultEndpoint  = "/api/chat"
	DefaultMaxQueued = 8
)

// Opener opens a streamed request. *bridge.Bridge implements it.
type Opener interface {
	Open(ctx context.Context, endpoint string, opts bridge.RequestOptions) (*bridge.Response, error)
}

// Options configures a Session.
type Options struct {
	Model     string
	Provider  string // empty lets the opener pick its default
	MaxTokens int    // <= 0 omits max_tokens
	Endpoint  string

	Policy    Policy
	MaxQueued int

	// OnError is called after a turn fails, outside the session lock.
	OnError func(error)

	// OnFragment is called for every appended fragment, in arrival order,
	// outside the session lock.
	OnFragment func(messageID, fragment string)

	Logger zerolog.Logger
}

// =============================================================================
// STATE
// =============================================================================

// State is a snapshot of a session.
type State struct {
	History   []model.Message
	IsLoading bool
	LastError error
	Phase     Phase
	Queued    int
}

// =============================================================================
// SESSION
// =============================================================================

// Session owns one conversation.
type Session struct {
	opener Opener
	opts   Options
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	conv      *model.Conversation
	model     string
	loading   bool
	lastErr   error
	turn      *Turn
	lastPhase Phase
	turns     int
	queue     []string
	changed   chan struct{}
	closed    bool
}

// New creates a session.
func New(opener Opener, opts Options) *Session {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.Policy == "" {
		opts.Policy = PolicyReject
	}
	if opts.MaxQueued <= 0 {
		opts.MaxQueued = DefaultMaxQueued
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		opener:    opener,
		opts:      opts,
		log:       opts.Logger.With().Str("component", "chat").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		conv:      model.NewConversation(),
		model:     opts.Model,
		lastPhase: PhaseIdle,
		changed:   make(chan struct{}),
	}
}

// Submit starts a turn with text.
//
// Text that is empty after trimming is ignored. While a turn is in flight
// the policy applies: PolicyReject returns ErrTurnInFlight and changes
// nothing, PolicyQueue queues the text (ErrQueueFull at capacity). Turn
// failures are not returned; they are reported through LastError and
// OnError.
func (s *Session) Submit(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.loading {
		if s.opts.Policy != PolicyQueue {
			return ErrTurnInFlight
		}
		if len(s.queue) >= s.opts.MaxQueued {
			return ErrQueueFull
		}
		s.queue = append(s.queue, text)
		s.notifyLocked()
		return nil
	}

	s.startTurnLocked(text)
	return nil
}

// startTurnLocked appends the Sent message and launches the turn.
func (s *Session) startTurnLocked(text string) {
	sent := s.conv.AddSent(text)
	s.turns++
	turn := newTurn(s.turns, sent.ID)
	_ = turn.transition(PhaseSubmitting)

	s.turn = turn
	s.loading = true
	s.lastErr = nil
	s.lastPhase = turn.Phase

	env := model.NewEnvelope(s.model, s.conv.ProviderMessages(), s.opts.MaxTokens)
	payload, encodeErr := env.Encode()

	ctx, cancel := context.WithCancel(s.ctx)
	turn.cancel = cancel

	s.log.Debug().Int("turn", turn.ID).Int("messages", s.conv.Len()).Str("model", s.model).Msg("Turn submitted")
	s.notifyLocked()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		if encodeErr != nil {
			s.finish(turn, nil, fmt.Errorf("failed to build request: %w", encodeErr))
			return
		}
		s.run(ctx, turn, payload)
	}()
}

// run drives one turn from open to its terminal state.
func (s *Session) run(ctx context.Context, turn *Turn, payload string) {
	body, err := json.Marshal(map[string]string{
		"providerSelector": s.opts.Provider,
		"envelope":         payload,
	})
	if err != nil {
		s.finish(turn, nil, fmt.Errorf("failed to build request: %w", err))
		return
	}

	resp, err := s.opener.Open(ctx, s.opts.Endpoint, bridge.RequestOptions{
		Method:  http.MethodPost,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	})
	if err != nil {
		s.finish(turn, nil, err)
		return
	}
	if !resp.OK() {
		s.finish(turn, nil, responseError(ctx, resp))
		return
	}
	if resp.Body == nil {
		s.finish(turn, nil, &bridge.Error{Kind: bridge.KindNoBody, Message: "response has no body"})
		return
	}

	s.mu.Lock()
	if turn.canceled {
		s.mu.Unlock()
		resp.Body.Cancel()
		s.finish(turn, nil, nil)
		return
	}
	turn.body = resp.Body
	_ = turn.transition(PhaseStreaming)
	s.lastPhase = turn.Phase
	s.notifyLocked()
	s.mu.Unlock()

	// The Received message is created by the first stream result. A host
	// rejection that arrives before any fragment leaves the history with
	// the Sent message only.
	var recv *model.Message
	stats := model.NewStatistics()
	for {
		chunk, err := resp.Body.Read(ctx)
		if err != nil {
			if recv == nil && bridge.IsKind(err, bridge.KindTransportRejected) {
				s.finish(turn, nil, err)
				return
			}
			recv = s.ensureReceived(turn, recv)
			s.finishStream(turn, recv, stats, err)
			return
		}
		if chunk.Done {
			recv = s.ensureReceived(turn, recv)
			s.finishStream(turn, recv, stats, nil)
			return
		}

		fragment := decodeFragment(chunk.Value)
		s.mu.Lock()
		if turn.canceled {
			s.mu.Unlock()
			continue
		}
		recv = s.receivedLocked(turn, recv)
		recv.AppendFragment(fragment)
		stats.RecordFragment()
		s.notifyLocked()
		s.mu.Unlock()

		if s.opts.OnFragment != nil {
			s.opts.OnFragment(recv.ID, fragment)
		}
	}
}

// ensureReceived is receivedLocked for callers not holding the lock. A
// canceled turn gets no Received message it does not already have.
func (s *Session) ensureReceived(turn *Turn, recv *model.Message) *model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turn.canceled {
		return recv
	}
	return s.receivedLocked(turn, recv)
}

// receivedLocked returns the turn's Received message, appending it on first
// use.
func (s *Session) receivedLocked(turn *Turn, recv *model.Message) *model.Message {
	if recv != nil {
		return recv
	}
	recv = s.conv.AddReceived()
	turn.ReceivedID = recv.ID
	s.notifyLocked()
	return recv
}

// decodeFragment returns the content of a fragment value. A value that is
// not a fragment object is used as raw text.
func decodeFragment(value []byte) string {
	frag, err := bridge.DecodeFragment(value)
	if err != nil {
		return string(value)
	}
	return frag.Content
}

// finishStream finalizes the Received message and ends the turn.
func (s *Session) finishStream(turn *Turn, recv *model.Message, stats *model.Statistics, err error) {
	stats.Finalize()
	if recv != nil {
		s.mu.Lock()
		recv.Finalize(stats)
		s.mu.Unlock()
	}
	s.finish(turn, stats, err)
}

// finish moves the turn to its terminal phase and starts the next queued
// turn. A canceled turn settles without an error.
func (s *Session) finish(turn *Turn, stats *model.Statistics, err error) {
	s.mu.Lock()

	if turn.canceled {
		err = nil
	}

	if err != nil {
		turn.Err = err
		_ = turn.transition(PhaseFailed)
		s.lastErr = err
	} else {
		_ = turn.transition(PhaseSettled)
	}
	s.lastPhase = turn.Phase
	s.loading = false
	s.turn = nil

	ev := s.log.Debug()
	if err != nil {
		ev = s.log.Warn().Err(err)
	}
	ev = ev.Int("turn", turn.ID).Str("phase", string(turn.Phase)).Bool("canceled", turn.canceled)
	if stats != nil {
		ev = ev.Int("fragments", stats.Fragments).Dur("ttft", stats.TTFT).Dur("duration", stats.TotalDuration)
	}
	ev.Msg("Turn finished")

	if len(s.queue) > 0 && !s.closed {
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.startTurnLocked(next)
	}
	s.notifyLocked()
	s.mu.Unlock()

	if err != nil && s.opts.OnError != nil {
		s.opts.OnError(err)
	}
}

// responseError reads a non-success body into an error. A JSON body with a
// "details" field wins, then the raw text, then a generic message.
func responseError(ctx context.Context, resp *bridge.Response) error {
	var text string
	if resp.Body != nil {
		data, _ := bridge.ReadAll(ctx, resp.Body)
		text = strings.TrimSpace(string(data))
	}

	if text != "" {
		var payload struct {
			Details json.RawMessage `json:"details"`
		}
		if err := json.Unmarshal([]byte(text), &payload); err == nil && len(payload.Details) > 0 {
			var details string
			if err := json.Unmarshal(payload.Details, &details); err != nil {
				details = string(payload.Details)
			}
			if details != "" && details != "null" {
				return &StatusError{StatusCode: resp.StatusCode, Message: details}
			}
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: text}
	}

	return &StatusError{
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("request failed with status %d", resp.StatusCode),
	}
}

// =============================================================================
// CONTROL
// =============================================================================

// Cancel cancels the in-flight turn. Content received so far is kept, no
// further fragments are appended, and the turn settles without an error.
// Queued turns still run. Returns false when no turn is in flight.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	turn := s.turn
	if turn == nil || turn.canceled {
		s.mu.Unlock()
		return false
	}
	turn.canceled = true
	body := turn.body
	s.mu.Unlock()

	if body != nil {
		body.Cancel()
	}
	if turn.cancel != nil {
		turn.cancel()
	}
	return true
}

// ClearQueue drops queued submissions and returns how many were dropped.
func (s *Session) ClearQueue() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	s.queue = nil
	if n > 0 {
		s.notifyLocked()
	}
	return n
}

// Close cancels the in-flight turn, drops the queue and waits for the turn
// goroutine to exit. Submit fails afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	s.Cancel()
	s.cancel()
	s.wg.Wait()
}

// SetModel changes the model used by the next turn.
func (s *Session) SetModel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = name
	s.notifyLocked()
}

// Model returns the model used for new turns.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// =============================================================================
// OBSERVATION
// =============================================================================

// State returns a snapshot of the session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		History:   s.conv.Messages(),
		IsLoading: s.loading,
		LastError: s.lastErr,
		Phase:     s.lastPhase,
		Queued:    len(s.queue),
	}
}

// History returns snapshots of every message, oldest first.
func (s *Session) History() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Messages()
}

// IsLoading reports whether a turn is in flight.
func (s *Session) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// LastError returns the error of the most recent failed turn, cleared when
// a new turn starts.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Changes returns a channel closed at the next state change.
func (s *Session) Changes() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// Wait blocks until no turn is in flight and the queue is empty.
func (s *Session) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		if !s.loading && len(s.queue) == 0 {
			s.mu.Unlock()
			return nil
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// notifyLocked wakes Changes observers. Must be called with mu held.
func (s *Session) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
