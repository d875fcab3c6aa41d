package supervisor_test

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/wabot-instance/internal/config"
	"codeberg.org/mutker/wabot-instance/internal/errors"
	"codeberg.org/mutker/wabot-instance/internal/pairing"
	"codeberg.org/mutker/wabot-instance/internal/protocol"
	"codeberg.org/mutker/wabot-instance/internal/protocol/loopback"
	"codeberg.org/mutker/wabot-instance/internal/session"
	"codeberg.org/mutker/wabot-instance/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	phone    = "254700000000"
	settle   = 20 * time.Millisecond
	backoff  = 30 * time.Millisecond
	waitFor  = 2 * time.Second
	pollTick = 5 * time.Millisecond
)

var registered = protocol.Credentials{Registered: true, Me: phone + "@s.whatsapp.net", Blob: []byte("keys")}

// countingDialer counts every dial attempt, failed ones included.
type countingDialer struct {
	protocol.Dialer

	mu    sync.Mutex
	times []time.Time
}

func (d *countingDialer) Dial(ctx context.Context, cfg protocol.DialConfig) (protocol.Handle, error) {
	d.mu.Lock()
	d.times = append(d.times, time.Now())
	d.mu.Unlock()
	return d.Dialer.Dial(ctx, cfg)
}

func (d *countingDialer) Attempts() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.times...)
}

type blockingDialer struct{}

func (blockingDialer) Dial(ctx context.Context, _ protocol.DialConfig) (protocol.Handle, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type recordingTap struct {
	mu      sync.Mutex
	upserts []protocol.Upsert
}

func (r *recordingTap) Submit(_ protocol.Sender, u protocol.Upsert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts = append(r.upserts, u)
}

func (r *recordingTap) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.upserts)
}

type harness struct {
	sup    *supervisor.Supervisor
	svc    *loopback.Service
	dialer *countingDialer
	store  *session.MemoryStore
}

func options(svc protocol.Dialer, store session.Store) supervisor.Options {
	return supervisor.Options{
		Identity:          config.Identity{InstanceID: "bot-1", PhoneNumber: phone, ControlPort: 3001},
		Dialer:            svc,
		Store:             store,
		SettleDelay:       settle,
		ReconnectDelay:    backoff,
		RegenerateTimeout: waitFor,
	}
}

type setup func(*loopback.Service, *supervisor.Options)

func withService(fn func(*loopback.Service)) setup {
	return func(svc *loopback.Service, _ *supervisor.Options) { fn(svc) }
}

func withOptions(fn func(*supervisor.Options)) setup {
	return func(_ *loopback.Service, o *supervisor.Options) { fn(o) }
}

func start(t *testing.T, creds protocol.Credentials, steps ...setup) *harness {
	t.Helper()

	svc := loopback.New(loopback.Options{})
	dialer := &countingDialer{Dialer: svc}
	store := session.NewMemoryStore(creds)

	opts := options(dialer, store)
	for _, step := range steps {
		step(svc, &opts)
	}

	sup, err := supervisor.New(opts)
	require.NoError(t, err)

	run(t, sup)

	return &harness{sup: sup, svc: svc, dialer: dialer, store: store}
}

func run(t *testing.T, sup *supervisor.Supervisor) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Error("supervisor did not stop")
		}
	})
}

func (h *harness) eventually(t *testing.T, cond func(supervisor.Snapshot) bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.sup.Snapshot()) }, waitFor, pollTick, msg)
}

func (h *harness) inState(t *testing.T, state supervisor.State) {
	t.Helper()
	h.eventually(t, func(s supervisor.Snapshot) bool { return s.State == state }, "state "+state.String())
}

func (h *harness) handle(t *testing.T, n int) *loopback.Handle {
	t.Helper()
	require.Eventually(t, func() bool { return h.svc.Dials() >= n }, waitFor, pollTick)
	return h.svc.Current()
}

func (h *harness) waitForCode(t *testing.T) supervisor.Snapshot {
	t.Helper()
	h.eventually(t, func(s supervisor.Snapshot) bool { return s.Status == supervisor.StatusPairing }, "pairing code")
	return h.sup.Snapshot()
}

func TestNewValidatesOptions(t *testing.T) {
	store := session.NewMemoryStore(protocol.Credentials{})
	svc := loopback.New(loopback.Options{})

	_, err := supervisor.New(supervisor.Options{Store: store, Identity: config.Identity{InstanceID: "a"}})
	assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))

	_, err = supervisor.New(supervisor.Options{Dialer: svc, Identity: config.Identity{InstanceID: "a"}})
	assert.Error(t, err)

	_, err = supervisor.New(supervisor.Options{Dialer: svc, Store: store})
	assert.Error(t, err)

	opts := options(svc, store)
	opts.MaxReconnectAttempts = -1
	_, err = supervisor.New(opts)
	assert.Error(t, err)

	sup, err := supervisor.New(options(svc, store))
	require.NoError(t, err)
	snap := sup.Snapshot()
	assert.Equal(t, supervisor.Initializing, snap.State)
	assert.Equal(t, supervisor.StatusInitializing, snap.Status)
	assert.Equal(t, "bot-1", snap.InstanceID)
}

func TestStateWireNames(t *testing.T) {
	names := map[supervisor.State]string{
		supervisor.Initializing:    "initializing",
		supervisor.Connecting:      "connecting",
		supervisor.AwaitingPairing: "waiting_for_pairing",
		supervisor.Connected:       "connected",
		supervisor.Closed:          "disconnected",
		supervisor.Reconnecting:    "reconnecting",
		supervisor.LoggedOut:       "logged_out",
		supervisor.FatalError:      "error",
	}
	for state, name := range names {
		assert.Equal(t, name, state.String())
	}
}

func TestColdStartExposesPairingCode(t *testing.T) {
	h := start(t, protocol.Credentials{}, withService(func(svc *loopback.Service) { svc.QueueCodes("abcdefgh") }))

	snap := h.waitForCode(t)

	assert.Equal(t, supervisor.AwaitingPairing, snap.State)
	assert.Equal(t, "ABCD-EFGH", snap.Code.Value)
	now := time.Now()
	assert.True(t, snap.Code.Valid(now))
	assert.GreaterOrEqual(t, snap.Code.RemainingSeconds(now), int(pairing.Validity/time.Second)-2)
	assert.Equal(t, pairing.Validity, snap.Code.ExpiresAt.Sub(snap.Code.IssuedAt))
	assert.False(t, snap.Authenticated())

	assert.Equal(t, []string{phone}, h.svc.Current().PairingRequests())
}

func TestPairingRequestedOncePerEntry(t *testing.T) {
	h := start(t, protocol.Credentials{})
	h.waitForCode(t)

	time.Sleep(5 * settle)
	assert.Len(t, h.svc.Current().PairingRequests(), 1)
	assert.Equal(t, 1, h.svc.Dials())
}

func TestOpenClearsPairingCode(t *testing.T) {
	h := start(t, protocol.Credentials{})
	h.waitForCode(t)

	conn := h.svc.Current()
	conn.UpdateCredentials(registered)
	conn.Open(&protocol.User{ID: phone + ":7@s.whatsapp.net", Name: "Bot"})

	h.inState(t, supervisor.Connected)
	snap := h.sup.Snapshot()
	assert.Equal(t, supervisor.StatusConnected, snap.Status)
	assert.False(t, snap.Code.Present())
	assert.True(t, snap.Registered)
	assert.True(t, snap.Authenticated())
	require.NotNil(t, snap.User)
	assert.Equal(t, "Bot", snap.User.Name)

	saves, _ := h.store.Stats()
	assert.GreaterOrEqual(t, saves, 2, "credentials update and connect both persist")
	stored, err := h.store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, registered, stored)

	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, waitFor, pollTick)
	welcome := conn.Sent()[0]
	assert.Equal(t, phone+"@s.whatsapp.net", welcome.To)
	assert.Contains(t, welcome.Text, "bot-1")
}

func TestWelcomeFailureIsNotFatal(t *testing.T) {
	h := start(t, registered)

	conn := h.handle(t, 1)
	conn.FailSends(stderrors.New("send refused"))
	conn.Open(&protocol.User{ID: phone + "@s.whatsapp.net"})

	h.inState(t, supervisor.Connected)
	time.Sleep(3 * settle)
	assert.Equal(t, supervisor.Connected, h.sup.Snapshot().State)
}

func TestLoggedOutPurgesCredentials(t *testing.T) {
	h := start(t, registered)

	conn := h.handle(t, 1)
	assert.Equal(t, registered, conn.Config().Credentials, "dial carries loaded credentials")
	conn.Open(&protocol.User{ID: phone + "@s.whatsapp.net"})
	h.inState(t, supervisor.Connected)

	conn.Drop(protocol.StatusLoggedOut, stderrors.New("logged out"))
	h.inState(t, supervisor.LoggedOut)

	_, deletes := h.store.Stats()
	assert.Equal(t, 1, deletes)
	stored, err := h.store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, stored.Empty())

	snap := h.sup.Snapshot()
	assert.False(t, snap.Code.Present())
	assert.Equal(t, supervisor.StatusLoggedOut, snap.Status)
	assert.True(t, conn.Closed())

	// No automatic way out of LoggedOut
	time.Sleep(4 * backoff)
	assert.Len(t, h.dialer.Attempts(), 1)
	assert.Equal(t, supervisor.LoggedOut, h.sup.Snapshot().State)
}

func TestTransientCloseReconnects(t *testing.T) {
	h := start(t, registered)
	transitions, cancel := h.sup.Subscribe()
	defer cancel()

	conn := h.handle(t, 1)
	conn.Open(&protocol.User{ID: phone + "@s.whatsapp.net"})
	h.inState(t, supervisor.Connected)

	dropped := time.Now()
	conn.Drop(protocol.StatusConnectionClosed, stderrors.New("connection reset by peer"))

	next := h.handle(t, 2)
	attempts := h.dialer.Attempts()
	require.Len(t, attempts, 2)
	assert.GreaterOrEqual(t, attempts[1].Sub(dropped), backoff, "reconnect waits for the backoff delay")
	assert.True(t, conn.Closed(), "previous handle closed before redial")
	assert.Equal(t, 1, h.sup.Snapshot().ReconnectAttempts)

	// Cycles that never reach Open count up by exactly one each
	for want := 2; want <= 3; want++ {
		next.Drop(protocol.StatusConnectionClosed, nil)
		next = h.handle(t, want+1)
		assert.Equal(t, want, h.sup.Snapshot().ReconnectAttempts)
	}
	assert.Len(t, h.dialer.Attempts(), 4)

	next.Open(&protocol.User{ID: phone + "@s.whatsapp.net"})
	h.eventually(t, func(s supervisor.Snapshot) bool {
		return s.State == supervisor.Connected && s.ReconnectAttempts == 0
	}, "reconnected with attempts reset")

	var path []supervisor.State
	for len(transitions) > 0 {
		path = append(path, (<-transitions).To)
	}
	assert.Subset(t, path, []supervisor.State{supervisor.Closed, supervisor.Reconnecting, supervisor.Connecting, supervisor.Connected})

	_, deletes := h.store.Stats()
	assert.Zero(t, deletes)
}

func TestDialFailureRetriesAfterDelay(t *testing.T) {
	svc := loopback.New(loopback.Options{})
	svc.FailNextDial(stderrors.New("dns failure"))

	dialer := &countingDialer{Dialer: svc}
	store := session.NewMemoryStore(registered)
	sup, err := supervisor.New(options(dialer, store))
	require.NoError(t, err)
	h := &harness{sup: sup, svc: svc, dialer: dialer, store: store}
	run(t, sup)

	h.handle(t, 1)
	attempts := dialer.Attempts()
	require.Len(t, attempts, 2)
	assert.GreaterOrEqual(t, attempts[1].Sub(attempts[0]), backoff)
	assert.Equal(t, supervisor.Connecting, h.sup.Snapshot().State)
}

func TestReconnectCeiling(t *testing.T) {
	svc := loopback.New(loopback.Options{})
	for range 5 {
		svc.FailNextDial(stderrors.New("unreachable"))
	}

	dialer := &countingDialer{Dialer: svc}
	opts := options(dialer, session.NewMemoryStore(registered))
	opts.MaxReconnectAttempts = 2
	sup, err := supervisor.New(opts)
	require.NoError(t, err)
	run(t, sup)

	require.Eventually(t, func() bool {
		s := sup.Snapshot()
		return s.State == supervisor.FatalError && s.ReconnectAttempts == 3
	}, waitFor, pollTick)

	time.Sleep(4 * backoff)
	assert.Len(t, dialer.Attempts(), 3, "no dial once the ceiling is exceeded")
	assert.Contains(t, sup.Snapshot().LastError, "3 reconnect attempts")
}

func TestPairingFailureHoldsUntilRegenerate(t *testing.T) {
	h := start(t, protocol.Credentials{}, withService(func(svc *loopback.Service) {
		svc.FailPairing(stderrors.New("invalid phone number"))
	}))

	h.eventually(t, func(s supervisor.Snapshot) bool { return s.State == supervisor.FatalError }, "pairing failure")
	assert.Contains(t, h.sup.Snapshot().LastError, "invalid phone number")

	// A reconnect must not retry pairing on its own
	h.svc.FailPairing(nil)
	h.svc.Current().Drop(protocol.StatusConnectionClosed, nil)
	conn := h.handle(t, 2)
	h.eventually(t, func(s supervisor.Snapshot) bool {
		return s.State == supervisor.FatalError && s.ReconnectAttempts == 1
	}, "hold surfaced again after reconnect")
	time.Sleep(5 * settle)
	assert.Empty(t, conn.PairingRequests())

	snap := h.sup.Snapshot()
	assert.Equal(t, supervisor.StatusError, snap.Status)
	assert.Contains(t, snap.LastError, "invalid phone number")
	assert.False(t, snap.Code.Present())

	res, err := h.sup.Regenerate(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Snapshot.Code.Valid(time.Now()))
}

func TestRegenerateIssuesFreshCode(t *testing.T) {
	h := start(t, protocol.Credentials{}, withService(func(svc *loopback.Service) { svc.QueueCodes("AAAAAAAA", "BBBBBBBB") }))

	old := h.waitForCode(t)
	require.Equal(t, "AAAA-AAAA", old.Code.Value)
	first := h.svc.Current()

	res, err := h.sup.Regenerate(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success)

	assert.Equal(t, "BBBB-BBBB", res.Snapshot.Code.Value)
	assert.Equal(t, supervisor.StatusPairing, res.Snapshot.Status)
	assert.True(t, res.Snapshot.Code.Supersedes(old.Code))
	assert.False(t, res.Snapshot.Code.ValidAgainst(old.Code, time.Now()))
	assert.True(t, first.Closed())
	assert.Equal(t, 2, h.svc.Dials())

	_, deletes := h.store.Stats()
	assert.Equal(t, 1, deletes)
}

func TestRegenerateClearsCodeEvenOnFailure(t *testing.T) {
	h := start(t, protocol.Credentials{})
	h.waitForCode(t)

	h.svc.FailPairing(stderrors.New("rate-overlimit"))
	res, err := h.sup.Regenerate(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, supervisor.ErrRegenerate))
	assert.False(t, res.Success)
	assert.False(t, res.Snapshot.Code.Present())
	assert.Equal(t, supervisor.FatalError, res.Snapshot.State)
}

func TestRegenerateFromLoggedOut(t *testing.T) {
	h := start(t, registered)

	conn := h.handle(t, 1)
	conn.Drop(protocol.StatusLoggedOut, nil)
	h.inState(t, supervisor.LoggedOut)

	res, err := h.sup.Regenerate(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, supervisor.AwaitingPairing, res.Snapshot.State)
	assert.False(t, h.svc.Current().Config().Credentials.Registered)
}

func TestRegenerateWithoutPhoneFails(t *testing.T) {
	h := start(t, protocol.Credentials{}, withOptions(func(o *supervisor.Options) { o.Identity.PhoneNumber = "" }))
	h.inState(t, supervisor.AwaitingPairing)

	res, err := h.sup.Regenerate(context.Background())
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, err.Error(), "phone")
}

func TestRegenerateTimesOut(t *testing.T) {
	opts := options(blockingDialer{}, session.NewMemoryStore(protocol.Credentials{}))
	opts.RegenerateTimeout = 50 * time.Millisecond
	sup, err := supervisor.New(opts)
	require.NoError(t, err)
	run(t, sup)

	require.Eventually(t, func() bool { return sup.Snapshot().State == supervisor.Connecting }, waitFor, pollTick)

	began := time.Now()
	res, err := sup.Regenerate(context.Background())
	assert.Less(t, time.Since(began), time.Second)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrTimeout))
	assert.False(t, res.Success)
	assert.Equal(t, supervisor.Connecting, res.Snapshot.State)
}

func TestMessagesReachTapOnlyWhenConnected(t *testing.T) {
	tap := &recordingTap{}
	h := start(t, registered, withOptions(func(o *supervisor.Options) { o.Tap = tap }))

	conn := h.handle(t, 1)
	batch := protocol.Upsert{Type: "notify", Messages: []protocol.Message{{RemoteJID: "1@s.whatsapp.net", Payload: &protocol.Payload{Text: ".ping"}}}}
	conn.Deliver(batch)

	conn.Open(&protocol.User{ID: phone + "@s.whatsapp.net"})
	h.inState(t, supervisor.Connected)
	assert.Zero(t, tap.Len())

	conn.Deliver(batch)
	require.Eventually(t, func() bool { return tap.Len() == 1 }, waitFor, pollTick)
}

func TestStreamEndWithoutCloseReconnects(t *testing.T) {
	h := start(t, registered)

	conn := h.handle(t, 1)
	conn.Open(&protocol.User{ID: phone + "@s.whatsapp.net"})
	h.inState(t, supervisor.Connected)

	require.NoError(t, conn.Close())
	h.handle(t, 2)
	assert.Equal(t, 1, h.sup.Snapshot().ReconnectAttempts)
}

func TestReachableStates(t *testing.T) {
	h := start(t, protocol.Credentials{})
	transitions, cancel := h.sup.Subscribe()
	defer cancel()

	var (
		mu   sync.Mutex
		seen = map[supervisor.State]bool{}
		last atomic.Value
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for tr := range transitions {
			mu.Lock()
			seen[tr.From] = true
			seen[tr.To] = true
			mu.Unlock()
			last.Store(tr)
		}
	}()

	h.waitForCode(t)
	conn := h.svc.Current()
	conn.UpdateCredentials(registered)
	conn.Open(&protocol.User{ID: phone + "@s.whatsapp.net"})
	h.inState(t, supervisor.Connected)

	conn.Drop(protocol.StatusConnectionClosed, nil)
	conn = h.handle(t, 2)
	conn.Open(&protocol.User{ID: phone + "@s.whatsapp.net"})
	h.inState(t, supervisor.Connected)

	conn.Drop(protocol.StatusLoggedOut, nil)
	h.inState(t, supervisor.LoggedOut)

	time.Sleep(4 * backoff)
	cancel()
	<-done

	tr, ok := last.Load().(supervisor.Transition)
	require.True(t, ok)
	assert.Equal(t, supervisor.LoggedOut, tr.To, "LoggedOut has no outgoing transition")

	allowed := []supervisor.State{
		supervisor.Initializing, supervisor.Connecting, supervisor.AwaitingPairing, supervisor.Connected,
		supervisor.Closed, supervisor.Reconnecting, supervisor.LoggedOut, supervisor.FatalError,
	}
	mu.Lock()
	defer mu.Unlock()
	for state := range seen {
		assert.Contains(t, allowed, state)
	}
	for _, state := range []supervisor.State{supervisor.Connecting, supervisor.AwaitingPairing, supervisor.Connected, supervisor.Closed, supervisor.Reconnecting, supervisor.LoggedOut} {
		assert.True(t, seen[state], "expected to pass through %s", state)
	}
}

func TestSnapshotReadsAreStable(t *testing.T) {
	h := start(t, registered)
	h.handle(t, 1)
	h.inState(t, supervisor.Connecting)

	a := h.sup.Snapshot()
	b := h.sup.Snapshot()
	assert.Equal(t, a, b)
}

func TestRunTwice(t *testing.T) {
	h := start(t, registered)
	h.handle(t, 1)

	err := h.sup.Run(context.Background())
	assert.True(t, errors.HasCode(err, errors.ErrAlreadyRunning))
}
