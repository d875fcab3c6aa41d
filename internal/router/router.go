// Package router filters the inbound message stream of a connected instance
// and hands what survives to the command and status handlers.
package router

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/wabot-instance/internal/errors"
	"codeberg.org/mutker/wabot-instance/internal/logger"
	"codeberg.org/mutker/wabot-instance/internal/protocol"
)

const (
	DefaultQueueSize = 256
	dispatchTimeout  = 30 * time.Second

	ErrHandlerPanic = errors.ErrorCode("router_handler_panic")
)

// Inbound is one filtered message and the connection it arrived on.
type Inbound struct {
	Message    protocol.Message
	UpsertType string
	Reply      protocol.Sender
}

// Dispatcher handles command traffic.
type Dispatcher interface {
	Dispatch(ctx context.Context, in Inbound) error
}

// StatusHandler handles status-channel traffic.
type StatusHandler interface {
	HandleStatus(ctx context.Context, in Inbound) error
}

type Config struct {
	Options
	QueueSize int
}

type item struct {
	in       Inbound
	decision Decision
}

// Router is a bounded queue between the supervisor and the handlers. Submit
// never blocks; a full queue drops the message.
type Router struct {
	cfg        Config
	dispatcher Dispatcher
	status     StatusHandler
	log        logger.Logger
	queue      chan item
	dropped    atomic.Uint64
}

func New(cfg Config, dispatcher Dispatcher, status StatusHandler, log logger.Logger) *Router {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if status == nil {
		status = LogStatus{Logger: log}
	}

	return &Router{
		cfg:        cfg,
		dispatcher: dispatcher,
		status:     status,
		log:        log.With("component", "router"),
		queue:      make(chan item, cfg.QueueSize),
	}
}

// Submit filters every message of the batch and queues the survivors.
func (r *Router) Submit(reply protocol.Sender, upsert protocol.Upsert) {
	for _, raw := range upsert.Messages {
		msg, decision := Filter(raw, r.cfg.Options)
		if decision == Drop {
			continue
		}

		select {
		case r.queue <- item{in: Inbound{Message: msg, UpsertType: upsert.Type, Reply: reply}, decision: decision}:
		default:
			n := r.dropped.Add(1)
			r.log.Warn().
				Str("message_id", msg.ID).
				Uint64("dropped_total", n).
				Msg("Router queue full, dropping message")
		}
	}
}

// Dropped returns how many messages were lost to a full queue.
func (r *Router) Dropped() uint64 {
	return r.dropped.Load()
}

// Run handles queued messages until ctx is done.
func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case it := <-r.queue:
			r.handle(ctx, it)
		}
	}
}

func (r *Router) handle(ctx context.Context, it item) {
	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	err := r.invoke(ctx, it)
	if err == nil {
		return
	}

	entry := r.log.Warn()
	if errors.IsNoisy(err) {
		entry = r.log.Debug()
	}
	entry.Err(err).
		Str("message_id", it.in.Message.ID).
		Str("route", it.decision.String()).
		Msg("Message handler failed")
}

func (r *Router) invoke(ctx context.Context, it item) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.New().WithMessage(ErrHandlerPanic, fmt.Sprintf("handler panic: %v", p))
		}
	}()

	switch it.decision {
	case Status:
		return r.status.HandleStatus(ctx, it.in)
	case Command:
		if r.dispatcher == nil {
			return nil
		}
		return r.dispatcher.Dispatch(ctx, it.in)
	default:
		return nil
	}
}

// LogStatus records status posts and does nothing else.
type LogStatus struct {
	Logger logger.Logger
}

func (l LogStatus) HandleStatus(_ context.Context, in Inbound) error {
	l.Logger.Debug().
		Str("message_id", in.Message.ID).
		Str("author", in.Message.Sender()).
		Msg("Status update received")
	return nil
}
