// Package irlearn drives the capture, verify and commit workflow for learning
// IR codes on one gateway.
package irlearn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/codec"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/ircode"
)

// Phase is the position of a session in the learning workflow.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseArmed           Phase = "armed"
	PhaseAwaitingCapture Phase = "awaiting-capture"
	PhaseCaptured        Phase = "captured"
	PhaseVerifying       Phase = "verifying"
	PhaseDone            Phase = "done"
	PhaseFailed          Phase = "failed"
)

// Active reports whether a session in phase p blocks a new one.
func (p Phase) Active() bool {
	switch p {
	case PhaseArmed, PhaseAwaitingCapture, PhaseCaptured, PhaseVerifying:
		return true
	}
	return false
}

func (p Phase) capturing() bool {
	return p == PhaseArmed || p == PhaseAwaitingCapture
}

// Session is a snapshot of one learning attempt.
type Session struct {
	ID         string    `json:"id"`
	GatewayID  string    `json:"gateway_id"`
	ProfileID  string    `json:"profile_id"`
	Button     string    `json:"button"`
	Port       int       `json:"port"`
	Phase      Phase     `json:"phase"`
	Deadline   time.Time `json:"deadline"`
	Candidate  []byte    `json:"candidate,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
	Verified   bool      `json:"verified"`
	Committed  bool      `json:"committed"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`

	err error
}

// Err returns the failure of a failed session.
func (s Session) Err() error { return s.err }

// Gateway is the part of an IR gateway the learner drives.
type Gateway interface {
	Arm(ctx context.Context, port int) error
	Disarm(ctx context.Context, port int) error
	Transmit(ctx context.Context, port int, code []byte) error
}

// CodeSaver persists committed codes.
type CodeSaver interface {
	Save(cmd ircode.Command) error
}

type Options struct {
	// LearnPort is the gateway receiver used for capture.
	LearnPort      int
	CaptureTimeout time.Duration
	DisarmTimeout  time.Duration
}

// Learner runs at most one session per gateway.
type Learner struct {
	gatewayID string
	gw        Gateway
	codes     CodeSaver
	opts      Options
	logger    *slog.Logger
	onChange  func(Session)
	now       func() time.Time

	mu      sync.Mutex
	cur     *Session
	gen     uint64
	timer   *time.Timer
	changed chan struct{}
}

// New creates a learner for gatewayID. onChange, if set, is called with a
// snapshot after every transition while the learner lock is held; it must not
// call back into the learner.
func New(gatewayID string, gw Gateway, codes CodeSaver, opts Options, logger *slog.Logger, onChange func(Session)) *Learner {
	if opts.CaptureTimeout <= 0 {
		opts.CaptureTimeout = 15 * time.Second
	}
	if opts.DisarmTimeout <= 0 {
		opts.DisarmTimeout = 5 * time.Second
	}
	return &Learner{
		gatewayID: gatewayID,
		gw:        gw,
		codes:     codes,
		opts:      opts,
		logger:    logger.With("component", "irlearn", "gateway", gatewayID),
		onChange:  onChange,
		now:       time.Now,
		changed:   make(chan struct{}),
	}
}

// changedLocked wakes waiters and reports s. Caller must hold l.mu.
func (l *Learner) changedLocked(s Session) {
	close(l.changed)
	l.changed = make(chan struct{})
	l.logger.Info("learn session", "session", s.ID, "profile", s.ProfileID, "button", s.Button, "phase", s.Phase)
	if l.onChange != nil {
		l.onChange(s)
	}
}

func (l *Learner) stopTimerLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

func (l *Learner) failLocked(s *Session, err error) {
	l.stopTimerLocked()
	s.Phase = PhaseFailed
	s.Deadline = time.Time{}
	s.err = err
	s.Error = err.Error()
	s.ErrorKind = av.KindOf(err)
	l.changedLocked(*s)
}

func errNoSession(what string) error {
	return fmt.Errorf("%s: %w", what, av.ErrInvalidState)
}

// StartLearn arms the gateway's learn mode for (profileID, button). port is
// the transmit port later used by TestCandidate.
func (l *Learner) StartLearn(ctx context.Context, profileID, button string, port int) (Session, error) {
	if profileID == "" || button == "" {
		return Session{}, fmt.Errorf("profile and button are required: %w", av.ErrInvalidParameter)
	}

	l.mu.Lock()
	if l.cur != nil && l.cur.Phase.Active() {
		id := l.cur.ID
		l.mu.Unlock()
		return Session{}, fmt.Errorf("gateway %s session %s: %w", l.gatewayID, id, av.ErrAlreadyLearning)
	}
	l.stopTimerLocked()
	l.gen++
	gen := l.gen
	s := &Session{
		ID:        uuid.NewString(),
		GatewayID: l.gatewayID,
		ProfileID: profileID,
		Button:    button,
		Port:      port,
		Phase:     PhaseArmed,
	}
	l.cur = s
	l.changedLocked(*s)
	l.mu.Unlock()

	armErr := l.gw.Arm(ctx, l.opts.LearnPort)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gen != gen {
		return Session{}, errNoSession("session cancelled while arming")
	}
	if armErr != nil {
		l.failLocked(s, fmt.Errorf("arm learn mode: %w", armErr))
		return *s, s.err
	}
	if s.Phase != PhaseArmed {
		// A capture or gateway failure raced the arm acknowledgement.
		return *s, s.err
	}
	s.Phase = PhaseAwaitingCapture
	s.Deadline = l.now().Add(l.opts.CaptureTimeout)
	l.timer = time.AfterFunc(l.opts.CaptureTimeout, func() { l.expire(gen) })
	l.changedLocked(*s)
	return *s, nil
}

func (l *Learner) expire(gen uint64) {
	l.mu.Lock()
	if l.gen != gen || l.cur == nil || !l.cur.Phase.capturing() {
		l.mu.Unlock()
		return
	}
	l.timer = nil
	l.failLocked(l.cur, fmt.Errorf("no code captured within %s: %w", l.opts.CaptureTimeout, av.ErrTimeout))
	l.mu.Unlock()
	l.disarm()
}

func (l *Learner) disarm() {
	ctx, cancel := context.WithTimeout(context.Background(), l.opts.DisarmTimeout)
	defer cancel()
	if err := l.gw.Disarm(ctx, l.opts.LearnPort); err != nil {
		l.logger.Warn("disarm learn mode", "err", err)
	}
}

// HandleEvent feeds a learn-mode notification from the gateway. Events that
// arrive with no capturing session are ignored.
func (l *Learner) HandleEvent(ev codec.IRLearnEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.cur
	if s == nil || !s.Phase.capturing() || int(ev.Port) != l.opts.LearnPort {
		l.logger.Debug("learn event ignored", "event", ev.String())
		return
	}
	switch ev.Kind {
	case codec.LearnCaptured:
		if err := codec.ValidateIRCode(ev.Code); err != nil {
			l.failLocked(s, fmt.Errorf("captured code: %w", err))
			return
		}
		l.stopTimerLocked()
		s.Phase = PhaseCaptured
		s.Deadline = time.Time{}
		s.Candidate = append([]byte(nil), ev.Code...)
		s.CapturedAt = l.now()
		l.changedLocked(*s)
	case codec.LearnTimedOut:
		l.failLocked(s, fmt.Errorf("gateway gave up waiting for a code: %w", av.ErrTimeout))
	default:
		l.failLocked(s, av.NewProtocolError(fmt.Sprintf("gateway learn error 0x%02X", ev.Reason), nil))
	}
}

// WaitCapture blocks until the session leaves the capture phases and returns
// the resulting snapshot. A failed session is returned with its error.
func (l *Learner) WaitCapture(ctx context.Context) (Session, error) {
	for {
		l.mu.Lock()
		s := l.cur
		if s == nil {
			l.mu.Unlock()
			return Session{}, errNoSession("no learning session")
		}
		if !s.Phase.capturing() {
			snap := *s
			l.mu.Unlock()
			return snap, snap.err
		}
		ch := l.changed
		l.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return Session{}, ctx.Err()
		}
	}
}

// TestCandidate transmits the captured code. Success marks the session done
// and verified. A gateway rejection of the code fails the session; any other
// error returns it to captured so the test can be repeated.
func (l *Learner) TestCandidate(ctx context.Context) (Session, error) {
	l.mu.Lock()
	s := l.cur
	if s == nil || s.Phase != PhaseCaptured {
		l.mu.Unlock()
		return Session{}, errNoSession("no captured code to test")
	}
	gen := l.gen
	s.Phase = PhaseVerifying
	code, port := s.Candidate, s.Port
	l.changedLocked(*s)
	l.mu.Unlock()

	txErr := l.gw.Transmit(ctx, port, code)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gen != gen {
		return Session{}, errNoSession("session cancelled while testing")
	}
	switch {
	case txErr == nil:
		s.Phase = PhaseDone
		s.Verified = true
		l.changedLocked(*s)
		return *s, nil
	case errors.Is(txErr, av.ErrInvalidParameter):
		l.failLocked(s, fmt.Errorf("test transmit: %w", txErr))
		return *s, s.err
	default:
		s.Phase = PhaseCaptured
		l.changedLocked(*s)
		return *s, fmt.Errorf("test transmit: %w", txErr)
	}
}

// Commit persists the verified candidate.
func (l *Learner) Commit() (ircode.Command, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.cur
	if s == nil || s.Phase != PhaseDone || s.Committed {
		return ircode.Command{}, errNoSession("no verified code to commit")
	}
	cmd := ircode.Command{
		ProfileID:  s.ProfileID,
		Button:     s.Button,
		Code:       s.Candidate,
		CapturedAt: s.CapturedAt,
		Verified:   true,
	}
	if err := l.codes.Save(cmd); err != nil {
		return ircode.Command{}, fmt.Errorf("commit %s/%s: %w", s.ProfileID, s.Button, err)
	}
	s.Committed = true
	l.changedLocked(*s)
	return cmd, nil
}

// Cancel abandons the current session, discarding any uncommitted candidate.
// If learn mode was armed it is disarmed on a best-effort basis.
func (l *Learner) Cancel(ctx context.Context) error {
	l.mu.Lock()
	s := l.cur
	if s == nil || s.Phase == PhaseFailed || s.Committed {
		l.mu.Unlock()
		return errNoSession("no session to cancel")
	}
	wasArmed := s.Phase.capturing()
	l.stopTimerLocked()
	l.gen++
	l.cur = nil
	idle := Session{ID: s.ID, GatewayID: s.GatewayID, ProfileID: s.ProfileID, Button: s.Button, Port: s.Port, Phase: PhaseIdle}
	l.changedLocked(idle)
	l.mu.Unlock()

	if wasArmed {
		if err := l.gw.Disarm(ctx, l.opts.LearnPort); err != nil {
			l.logger.Warn("disarm learn mode", "err", err)
		}
	}
	return nil
}

// Status returns the current session, if any.
func (l *Learner) Status() (Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cur == nil {
		return Session{GatewayID: l.gatewayID, Phase: PhaseIdle}, false
	}
	return *l.cur, true
}

// Close stops the capture timer.
func (l *Learner) Close() {
	l.mu.Lock()
	l.stopTimerLocked()
	l.gen++
	l.mu.Unlock()
}
