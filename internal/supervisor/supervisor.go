// Package supervisor drives one instance through its connection lifecycle:
// dialing, pairing, serving, reconnecting and the terminal states. All
// lifecycle state is owned by the goroutine running Run; everyone else reads
// published snapshots or posts requests to it.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/wabot-instance/internal/config"
	"codeberg.org/mutker/wabot-instance/internal/errors"
	"codeberg.org/mutker/wabot-instance/internal/logger"
	"codeberg.org/mutker/wabot-instance/internal/pairing"
	"codeberg.org/mutker/wabot-instance/internal/protocol"
	"codeberg.org/mutker/wabot-instance/internal/session"
)

const (
	defaultDialTimeout    = 30 * time.Second
	defaultPairingTimeout = 30 * time.Second
	defaultWelcomeTimeout = 15 * time.Second

	eventBuffer      = 16
	subscriberBuffer = 64
)

// Tap receives inbound message batches while the instance is connected,
// together with the handle to reply on. Submit must not block.
type Tap interface {
	Submit(reply protocol.Sender, upsert protocol.Upsert)
}

type Options struct {
	Identity config.Identity
	Dialer   protocol.Dialer
	Store    session.Store
	Tap      Tap
	Logger   logger.Logger

	// BotName is announced to the service and used in the welcome message.
	BotName       string
	CommandPrefix string

	SettleDelay          time.Duration
	ReconnectDelay       time.Duration
	RegenerateTimeout    time.Duration
	DialTimeout          time.Duration
	PairingTimeout       time.Duration
	MaxReconnectAttempts int

	// Now is the clock used for snapshots and pairing codes.
	Now func() time.Time
}

// Supervisor is the single owner of an instance's connection handle.
type Supervisor struct {
	opts Options
	log  logger.Logger

	snap    atomic.Pointer[Snapshot]
	running atomic.Bool

	regen       chan chan RegenerateResult
	events      chan taggedEvent
	pairResults chan pairResult

	subMu   sync.Mutex
	subs    map[int]chan Transition
	nextSub int

	wg sync.WaitGroup

	// Everything below is owned by the Run goroutine.
	state           State
	code            pairing.Code
	creds           protocol.Credentials
	user            *protocol.User
	attempts        int
	lastErr         string
	handle          protocol.Handle
	gen             uint64
	stopForward     chan struct{}
	settle          *time.Timer
	backoff         *time.Timer
	pairingInFlight bool
	pairingErr      errors.Error // non-nil holds pairing until Regenerate
	tapEnabled      bool
	waiters         []chan RegenerateResult
}

type taggedEvent struct {
	gen   uint64
	event protocol.Event
}

type pairResult struct {
	gen uint64
	raw string
	err error
}

func New(opts Options) (*Supervisor, error) {
	errFactory := errors.New()

	if opts.Dialer == nil {
		return nil, errFactory.WithMessage(ErrInvalidOptions, "dialer is required")
	}
	if opts.Store == nil {
		return nil, errFactory.WithMessage(ErrInvalidOptions, "credential store is required")
	}
	if opts.Identity.InstanceID == "" {
		return nil, errFactory.WithMessage(ErrInvalidOptions, "instance id is required")
	}

	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = config.DefaultSettleDelay
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = config.DefaultReconnectDelay
	}
	if opts.RegenerateTimeout <= 0 {
		opts.RegenerateTimeout = config.DefaultRegenerateTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.PairingTimeout <= 0 {
		opts.PairingTimeout = defaultPairingTimeout
	}
	if opts.MaxReconnectAttempts < 0 {
		return nil, errFactory.WithMessage(ErrInvalidOptions, "max reconnect attempts must not be negative")
	}
	if opts.BotName == "" {
		opts.BotName = config.DefaultBotName
	}
	if opts.CommandPrefix == "" {
		opts.CommandPrefix = config.DefaultCommandPrefix
	}

	s := &Supervisor{
		opts:        opts,
		log:         opts.Logger.With("component", "supervisor"),
		regen:       make(chan chan RegenerateResult),
		events:      make(chan taggedEvent, eventBuffer),
		pairResults: make(chan pairResult, 1),
		subs:        make(map[int]chan Transition),
		state:       Initializing,
	}
	initial := s.build()
	s.snap.Store(&initial)

	return s, nil
}

// Snapshot returns the latest committed snapshot. It never blocks.
func (s *Supervisor) Snapshot() Snapshot {
	return *s.snap.Load()
}

// Subscribe delivers every subsequent transition on the returned channel
// until cancel is called. Delivery never blocks the supervisor; a
// subscriber that falls more than its buffer behind misses transitions.
func (s *Supervisor) Subscribe() (<-chan Transition, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Transition, subscriberBuffer)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(ch)
			}
		})
	}
}

// Run owns the lifecycle until ctx is done. The handle is closed and every
// helper goroutine has exited when Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New().New(ErrAlreadyRunning)
	}
	defer s.shutdown()

	s.log.Info().
		Str("phone_number", s.opts.Identity.PhoneNumber).
		Int("max_reconnect_attempts", s.opts.MaxReconnectAttempts).
		Msg("Starting connection supervisor")

	s.initialize(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.events:
			if ev.gen != s.gen {
				continue
			}
			s.handleEvent(ctx, ev.event)
		case <-timerC(s.settle):
			s.settle = nil
			s.requestPairing(ctx)
		case <-timerC(s.backoff):
			s.backoff = nil
			s.commit(Reconnecting, "")
			s.connect(ctx)
		case res := <-s.pairResults:
			s.handlePairingResult(res)
		case reply := <-s.regen:
			s.regenerate(ctx, reply)
		}
	}
}

func (s *Supervisor) shutdown() {
	s.teardown()
	stopTimer(&s.backoff)
	s.notify(false)
	s.wg.Wait()

	s.subMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subMu.Unlock()

	s.log.Info().Msg("Connection supervisor stopped")
}

func (s *Supervisor) initialize(ctx context.Context) {
	s.commit(Initializing, "")

	creds, err := s.opts.Store.Load(ctx)
	if err != nil {
		// A store that cannot be read will not heal by retrying
		s.fail(errors.New().Wrap(ErrCredentialStore, err), "load credentials")
		s.notify(false)
		return
	}
	s.creds = creds

	s.connect(ctx)
}

func (s *Supervisor) connect(ctx context.Context) {
	s.teardown()
	s.commit(Connecting, "")

	dialCtx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
	h, err := s.opts.Dialer.Dial(dialCtx, protocol.DialConfig{
		InstanceID:  s.opts.Identity.InstanceID,
		Credentials: s.creds,
		BrowserName: s.opts.BotName,
	})
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.attempts++
		s.fail(errors.New().Wrap(ErrConnect, err), "dial")
		s.notify(false)
		s.scheduleReconnect()
		return
	}

	s.handle = h
	s.stopForward = make(chan struct{})
	s.wg.Add(1)
	go s.forward(s.gen, h.Events(), s.stopForward)

	s.log.Debug().
		Bool("registered", s.creds.Registered).
		Int("attempt", s.attempts).
		Msg("Connection handle opened")

	if !s.creds.Registered {
		s.awaitPairing()
	}
}

// forward relays handle events to the loop until stop is closed or the
// handle ends. Anything left on the handle after stop is drained so a
// driver blocked on emit can finish closing.
func (s *Supervisor) forward(gen uint64, events <-chan protocol.Event, stop <-chan struct{}) {
	defer s.wg.Done()

	drain := func() {
		for range events {
		}
	}

	for {
		select {
		case <-stop:
			drain()
			return
		case ev, ok := <-events:
			if !ok {
				ended := protocol.Event{
					Kind:  protocol.EventClose,
					Close: protocol.CloseReason{Err: errors.New().New(ErrStreamEnded)},
				}
				select {
				case s.events <- taggedEvent{gen: gen, event: ended}:
				case <-stop:
				}
				return
			}
			select {
			case s.events <- taggedEvent{gen: gen, event: ev}:
			case <-stop:
				drain()
				return
			}
		}
	}
}

func (s *Supervisor) awaitPairing() {
	if s.pairingErr != nil {
		s.log.Info().Msg("Pairing is on hold until a code is regenerated")
		s.fail(s.pairingErr, "request pairing code")
		s.notify(false)
		return
	}

	s.commit(AwaitingPairing, "")

	if s.opts.Identity.PhoneNumber == "" {
		s.log.Warn().Msg("Credentials are not registered and no phone number is configured, cannot pair")
		s.lastErr = errors.New().New(ErrNoPhoneNumber).Error()
		s.publish()
		s.notify(false)
		return
	}
	stopTimer(&s.settle)
	s.settle = time.NewTimer(s.opts.SettleDelay)
}

func (s *Supervisor) requestPairing(ctx context.Context) {
	if s.pairingInFlight || s.handle == nil || s.state != AwaitingPairing {
		return
	}
	s.pairingInFlight = true

	h, gen, phone := s.handle, s.gen, s.opts.Identity.PhoneNumber
	s.log.Info().Str("phone_number", phone).Msg("Requesting pairing code")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		reqCtx, cancel := context.WithTimeout(ctx, s.opts.PairingTimeout)
		raw, err := h.RequestPairingCode(reqCtx, phone)
		cancel()

		select {
		case s.pairResults <- pairResult{gen: gen, raw: raw, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (s *Supervisor) handlePairingResult(res pairResult) {
	if res.gen != s.gen {
		return
	}
	s.pairingInFlight = false
	if s.state != AwaitingPairing {
		return
	}

	if res.err != nil {
		s.pairingErr = errors.New().Wrap(ErrPairingFailed, res.err)
		s.fail(s.pairingErr, "request pairing code")
		s.notify(false)
		return
	}

	s.code = pairing.Issue(pairing.Format(res.raw), s.opts.Now())
	s.lastErr = ""
	s.commit(AwaitingPairing, "pairing code issued")

	s.log.Info().
		Str("pairing_code", s.code.Value).
		Time("expires_at", s.code.ExpiresAt).
		Msg("Pairing code issued")

	s.notify(true)
}

func (s *Supervisor) handleEvent(ctx context.Context, ev protocol.Event) {
	switch ev.Kind {
	case protocol.EventConnecting:
		s.log.Debug().Msg("Connection handshake in progress")
	case protocol.EventOpen:
		s.handleOpen(ctx)
	case protocol.EventCredentialsUpdated:
		s.creds = ev.Credentials
		s.persist(ctx)
		s.publish()
	case protocol.EventMessages:
		if s.tapEnabled && s.opts.Tap != nil {
			s.opts.Tap.Submit(s.handle, ev.Upsert)
		}
	case protocol.EventClose:
		s.handleClose(ctx, ev.Close)
	default:
		s.log.Debug().Str("event", ev.Kind.String()).Msg("Ignoring event")
	}
}

func (s *Supervisor) handleOpen(ctx context.Context) {
	stopTimer(&s.settle)
	s.pairingInFlight = false
	s.pairingErr = nil
	s.code = pairing.Clear()
	s.attempts = 0
	s.lastErr = ""

	if u := s.handle.User(); u != nil {
		user := *u
		s.user = &user
	}

	s.persist(ctx)
	s.tapEnabled = true
	s.commit(Connected, "")

	s.log.Info().
		Str("user", userID(s.user)).
		Msg("Connected")

	s.welcome(ctx)
	s.notify(false)
}

// welcome sends the connect notice to the instance's own chat. Failure is
// logged only.
func (s *Supervisor) welcome(ctx context.Context) {
	if s.user == nil || s.user.ID == "" {
		return
	}

	h := s.handle
	to := protocol.NormalizeUser(s.user.ID)
	text := fmt.Sprintf(
		"*%s Connected!*\n\nTime: %s\nInstance: %s\nStatus: Online and Ready!\n\nUse %shelp or %smenu to see commands.",
		s.opts.BotName,
		s.opts.Now().Format(time.RFC1123),
		s.opts.Identity.InstanceID,
		s.opts.CommandPrefix,
		s.opts.CommandPrefix,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		sendCtx, cancel := context.WithTimeout(ctx, defaultWelcomeTimeout)
		defer cancel()

		if err := h.SendText(sendCtx, to, text); err != nil {
			s.log.Warn().Err(err).Str("to", to).Msg("Failed to send welcome message")
		}
	}()
}

func (s *Supervisor) handleClose(ctx context.Context, reason protocol.CloseReason) {
	s.teardown()
	s.user = nil

	if reason.Terminal() {
		s.commit(Closed, "logged out")

		if err := s.opts.Store.Delete(ctx); err != nil {
			s.log.ErrorWithCode(errors.New().Wrap(ErrCredentialStore, err)).Msg("Failed to purge credentials")
		}
		s.creds = protocol.Credentials{}
		s.code = pairing.Clear()
		s.lastErr = errors.New().New(ErrLoggedOut).Error()
		s.commit(LoggedOut, "session invalidated by the service")

		s.log.Warn().Int("code", reason.Code).Msg("Logged out, credentials purged; a new pairing cycle is required")
		s.notify(false)
		return
	}

	s.attempts++
	s.lastErr = reason.String()
	s.commit(Closed, closeReason(reason))

	if err := reason.Err; err != nil && errors.IsNoisy(err) {
		s.log.Debug().Err(err).Int("code", reason.Code).Msg("Connection closed")
	} else {
		s.log.Warn().Err(err).Int("code", reason.Code).Int("attempt", s.attempts).Msg("Connection closed")
	}

	s.notify(false)
	s.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer, or parks the supervisor in
// FatalError once the attempt ceiling is exceeded.
func (s *Supervisor) scheduleReconnect() {
	if ceiling := s.opts.MaxReconnectAttempts; ceiling > 0 && s.attempts > ceiling {
		s.fail(errors.New().WithMessage(ErrReconnectCap,
			fmt.Sprintf("giving up after %d reconnect attempts", s.attempts)), "reconnect")
		return
	}

	stopTimer(&s.backoff)
	s.backoff = time.NewTimer(s.opts.ReconnectDelay)

	s.log.Info().
		Dur("delay", s.opts.ReconnectDelay).
		Int("attempt", s.attempts).
		Msg("Reconnect scheduled")
}

func (s *Supervisor) regenerate(ctx context.Context, reply chan RegenerateResult) {
	s.waiters = append(s.waiters, reply)
	s.log.Info().Str("from", s.Snapshot().Status).Msg("Regenerating pairing code")

	s.teardown()
	stopTimer(&s.backoff)

	// The prior code is gone before any new attempt can succeed or fail
	s.code = pairing.Clear()
	s.pairingErr = nil
	s.attempts = 0
	s.lastErr = ""
	s.user = nil
	s.publish()

	if err := s.opts.Store.Delete(ctx); err != nil {
		s.fail(errors.New().Wrap(ErrCredentialStore, err), "purge credentials")
		s.notify(false)
		return
	}
	s.creds = protocol.Credentials{}

	s.initialize(ctx)
}

// Regenerate discards the current session and waits, at most
// RegenerateTimeout, for a fresh pairing code. On timeout the result carries
// the latest snapshot and Success is false.
func (s *Supervisor) Regenerate(ctx context.Context) (RegenerateResult, error) {
	errFactory := errors.New()

	ctx, cancel := context.WithTimeout(ctx, s.opts.RegenerateTimeout)
	defer cancel()

	reply := make(chan RegenerateResult, 1)

	select {
	case s.regen <- reply:
	case <-ctx.Done():
		return RegenerateResult{Snapshot: s.Snapshot()}, errFactory.Wrap(ErrRegenTimeout, ctx.Err())
	}

	select {
	case res := <-reply:
		if !res.Success {
			msg := res.Snapshot.LastError
			if msg == "" {
				msg = "no pairing code was issued"
			}
			return res, errFactory.WithMessage(ErrRegenerate, msg)
		}
		return res, nil
	case <-ctx.Done():
		return RegenerateResult{Snapshot: s.Snapshot()}, errFactory.Wrap(ErrRegenTimeout, ctx.Err())
	}
}

// teardown closes the live handle, if any, and invalidates everything tied
// to it: queued events, a pending settle and an in-flight pairing result.
func (s *Supervisor) teardown() {
	stopTimer(&s.settle)

	if s.handle != nil {
		close(s.stopForward)
		if err := s.handle.Close(); err != nil {
			s.log.Debug().Err(err).Msg("Failed to close connection handle")
		}
		s.handle = nil
		s.stopForward = nil
	}

	s.gen++
	s.pairingInFlight = false
	s.tapEnabled = false
}

func (s *Supervisor) persist(ctx context.Context) {
	if err := s.opts.Store.Save(ctx, s.creds); err != nil {
		s.log.ErrorWithCode(errors.New().Wrap(ErrCredentialStore, err)).Msg("Failed to persist credentials")
	}
}

func (s *Supervisor) fail(err errors.Error, operation string) {
	s.lastErr = err.Error()
	s.commit(FatalError, err.Error())

	if errors.IsNoisy(err) {
		s.log.Debug().Err(err).Str("operation", operation).Msg("Supervisor error")
		return
	}
	s.log.ErrorWithContext(err, "supervisor", operation).Msg("Supervisor error")
}

// notify resolves every pending regenerate request.
func (s *Supervisor) notify(success bool) {
	if len(s.waiters) == 0 {
		return
	}

	res := RegenerateResult{Success: success, Snapshot: s.Snapshot()}
	for _, w := range s.waiters {
		w <- res
	}
	s.waiters = nil
}

// commit moves to state and publishes the result. A transition is
// broadcast when either the state or the wire status changed.
func (s *Supervisor) commit(state State, reason string) {
	prev := s.Snapshot()
	s.state = state
	next := s.publish()

	if prev.State == next.State && prev.Status == next.Status {
		return
	}

	tr := Transition{
		From:       prev.State,
		To:         next.State,
		FromStatus: prev.Status,
		ToStatus:   next.Status,
		Attempt:    s.attempts,
		Reason:     reason,
		At:         next.UpdatedAt,
	}

	s.log.Debug().
		Str("from", tr.FromStatus).
		Str("to", tr.ToStatus).
		Int("attempt", tr.Attempt).
		Str("reason", reason).
		Msg("State transition")

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- tr:
		default:
		}
	}
}

func (s *Supervisor) publish() Snapshot {
	next := s.build()
	s.snap.Store(&next)
	return next
}

func (s *Supervisor) build() Snapshot {
	var user *protocol.User
	if s.user != nil {
		u := *s.user
		user = &u
	}

	return Snapshot{
		InstanceID:        s.opts.Identity.InstanceID,
		PhoneNumber:       s.opts.Identity.PhoneNumber,
		State:             s.state,
		Status:            statusOf(s.state, s.code),
		Code:              s.code,
		User:              user,
		Registered:        s.creds.Registered,
		ReconnectAttempts: s.attempts,
		LastError:         s.lastErr,
		UpdatedAt:         s.opts.Now(),
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func closeReason(r protocol.CloseReason) string {
	if r.Err != nil {
		return fmt.Sprintf("code %d: %v", r.Code, r.Err)
	}
	return fmt.Sprintf("code %d", r.Code)
}

func userID(u *protocol.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}
