// Package loopback is an in-process stand-in for the messaging service. It
// issues pairing codes, records sent messages and lets callers script
// lifecycle events. It registers itself as the "loopback" protocol driver.
package loopback

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"codeberg.org/mutker/wabot-instance/internal/errors"
	"codeberg.org/mutker/wabot-instance/internal/protocol"
	"github.com/google/uuid"
)

const (
	ErrClosed = errors.ErrorCode("loopback_handle_closed")

	eventBuffer  = 64
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 8
)

func init() {
	protocol.Register("loopback", New(Options{}))
}

type Options struct {
	// AutoLinkAfter, when positive, simulates the phone entering the code:
	// that long after a pairing request the handle reports registered
	// credentials and opens.
	AutoLinkAfter time.Duration
}

// Service is a fake messaging service. The zero value is not usable; call New.
type Service struct {
	opts Options

	mu         sync.Mutex
	handles    []*Handle
	dialErrs   []error
	pairingErr error
	codes      []string
}

func New(opts Options) *Service {
	return &Service{opts: opts}
}

// FailNextDial makes the next Dial return err.
func (s *Service) FailNextDial(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialErrs = append(s.dialErrs, err)
}

// FailPairing makes every pairing request return err until reset with nil.
func (s *Service) FailPairing(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairingErr = err
}

// QueueCodes fixes the raw codes returned by the next pairing requests.
func (s *Service) QueueCodes(codes ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes = append(s.codes, codes...)
}

// Dials returns how many handles have been opened.
func (s *Service) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Current returns the most recently dialed handle, or nil.
func (s *Service) Current() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.handles) == 0 {
		return nil
	}
	return s.handles[len(s.handles)-1]
}

func (s *Service) Dial(ctx context.Context, cfg protocol.DialConfig) (protocol.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.dialErrs) > 0 {
		err := s.dialErrs[0]
		s.dialErrs = s.dialErrs[1:]
		return nil, err
	}

	h := &Handle{
		service: s,
		cfg:     cfg,
		events:  make(chan protocol.Event, eventBuffer),
		done:    make(chan struct{}),
	}
	s.handles = append(s.handles, h)
	h.emit(protocol.Event{Kind: protocol.EventConnecting})

	return h, nil
}

func (s *Service) nextCode() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pairingErr != nil {
		return "", s.pairingErr
	}
	if len(s.codes) > 0 {
		code := s.codes[0]
		s.codes = s.codes[1:]
		return code, nil
	}

	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i := range buf {
		buf[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}
	return string(buf), nil
}

type SentMessage struct {
	ID   string
	To   string
	Text string
}

// Handle is one fake connection.
type Handle struct {
	service *Service
	cfg     protocol.DialConfig

	// emitMu serializes senders on events; mu guards the rest and is never
	// held across a channel send.
	emitMu   sync.Mutex
	mu       sync.Mutex
	events   chan protocol.Event
	done     chan struct{}
	closed   bool
	user     *protocol.User
	sent     []SentMessage
	pairings []string
	sendErr  error
}

func (h *Handle) Events() <-chan protocol.Event {
	return h.events
}

// Config returns the configuration the handle was dialed with.
func (h *Handle) Config() protocol.DialConfig {
	return h.cfg
}

func (h *Handle) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if h.Closed() {
		return "", errors.New().New(ErrClosed)
	}

	code, err := h.service.nextCode()
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	h.pairings = append(h.pairings, phone)
	h.mu.Unlock()

	if d := h.service.opts.AutoLinkAfter; d > 0 {
		time.AfterFunc(d, func() {
			h.UpdateCredentials(protocol.Credentials{Registered: true, Me: protocol.UserJID(phone)})
			h.Open(&protocol.User{ID: protocol.UserJID(phone)})
		})
	}

	return code, nil
}

// PairingRequests returns the phone numbers pairing was requested for.
func (h *Handle) PairingRequests() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.pairings...)
}

func (h *Handle) SendText(ctx context.Context, to, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return errors.New().New(ErrClosed)
	}
	if h.sendErr != nil {
		return h.sendErr
	}
	h.sent = append(h.sent, SentMessage{ID: uuid.NewString(), To: to, Text: text})
	return nil
}

// FailSends makes SendText return err.
func (h *Handle) FailSends(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendErr = err
}

// Sent returns every message sent through the handle.
func (h *Handle) Sent() []SentMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]SentMessage(nil), h.sent...)
}

func (h *Handle) User() *protocol.User {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.user
}

// Open reports the connection as open and logged in as user.
func (h *Handle) Open(user *protocol.User) {
	h.mu.Lock()
	h.user = user
	h.mu.Unlock()
	h.emit(protocol.Event{Kind: protocol.EventOpen})
}

// Drop reports the connection as closed with code. The handle stays usable
// for Close, as a real client's would.
func (h *Handle) Drop(code int, err error) {
	h.emit(protocol.Event{Kind: protocol.EventClose, Close: protocol.CloseReason{Code: code, Err: err}})
}

// UpdateCredentials reports new session material.
func (h *Handle) UpdateCredentials(creds protocol.Credentials) {
	h.emit(protocol.Event{Kind: protocol.EventCredentialsUpdated, Credentials: creds})
}

// Deliver reports an inbound batch of messages. Messages without an id get
// a random one.
func (h *Handle) Deliver(upsert protocol.Upsert) {
	for i := range upsert.Messages {
		if upsert.Messages[i].ID == "" {
			upsert.Messages[i].ID = uuid.NewString()
		}
	}
	h.emit(protocol.Event{Kind: protocol.EventMessages, Upsert: upsert})
}

func (h *Handle) Close() error {
	h.mu.Lock()

	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.done)
	h.mu.Unlock()

	// A pending emit returns on done, so events can be closed once it has.
	h.emitMu.Lock()
	close(h.events)
	h.emitMu.Unlock()
	return nil
}

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) emit(ev protocol.Event) {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()

	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return
	}

	select {
	case h.events <- ev:
	case <-h.done:
	}
}
