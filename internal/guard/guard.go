// Package guard enforces the memory ceiling of an instance process. A
// breach ends the process so the process manager restarts it from
// persisted credentials.
package guard

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/wabot-instance/internal/config"
	"codeberg.org/mutker/wabot-instance/internal/errors"
	"codeberg.org/mutker/wabot-instance/internal/logger"
	"golang.org/x/sys/unix"
)

const (
	ErrResourceExhausted = errors.ErrResourceExhausted
	ErrReadUsage         = errors.ErrorCode("guard_read_usage_failed")

	statmPath = "/proc/self/statm"
	bytesInMB = 1024 * 1024

	exitCodeBreach = 1
)

// Reader reports the memory currently used by the process, in bytes.
type Reader interface {
	UsedBytes() (uint64, error)
}

type ReaderFunc func() (uint64, error)

func (f ReaderFunc) UsedBytes() (uint64, error) {
	return f()
}

type Guard struct {
	Interval        time.Duration
	CeilingMB       int
	ReclaimInterval time.Duration

	Reader  Reader
	Exit    func(code int)
	Reclaim func()
	Logger  logger.Logger
}

// New returns a guard configured from cfg that reads /proc and exits the
// process on breach.
func New(cfg *config.Config, log logger.Logger) *Guard {
	return &Guard{
		Interval:        cfg.MemoryCheckInterval,
		CeilingMB:       cfg.MemoryCeilingMB,
		ReclaimInterval: cfg.MemoryReclaimInterval,
		Reader:          ProcReader{},
		Exit:            os.Exit,
		Reclaim:         debug.FreeOSMemory,
		Logger:          log.With("component", "guard"),
	}
}

// Check returns a resource_exhausted error when used is above the ceiling.
func (g *Guard) Check(used uint64) error {
	if g.CeilingMB <= 0 {
		return nil
	}

	ceiling := uint64(g.CeilingMB) * bytesInMB
	if used <= ceiling {
		return nil
	}

	return errors.New().WithMessage(ErrResourceExhausted,
		fmt.Sprintf("memory usage %dMB exceeds %dMB ceiling", used/bytesInMB, g.CeilingMB))
}

// Run samples usage every Interval and reclaims memory every
// ReclaimInterval until ctx is done. On breach it calls Exit and returns
// the breach error.
func (g *Guard) Run(ctx context.Context) error {
	log := g.Logger
	if log == nil {
		log = logger.Nop()
	}

	interval := g.Interval
	if interval <= 0 {
		interval = config.DefaultMemoryCheckInterval
	}
	check := time.NewTicker(interval)
	defer check.Stop()

	var reclaimC <-chan time.Time
	if g.ReclaimInterval > 0 && g.Reclaim != nil {
		reclaim := time.NewTicker(g.ReclaimInterval)
		defer reclaim.Stop()
		reclaimC = reclaim.C
	}

	log.Debug().
		Dur("interval", interval).
		Int("ceiling_mb", g.CeilingMB).
		Msg("Memory guard started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reclaimC:
			g.Reclaim()
		case <-check.C:
			used, err := g.Reader.UsedBytes()
			if err != nil {
				log.Warn().Err(err).Msg("Failed to read memory usage")
				continue
			}

			if err := g.Check(used); err != nil {
				var appErr errors.Error
				if errors.As(err, &appErr) {
					log.ErrorWithCode(appErr).Msg("Memory ceiling exceeded, exiting")
				}
				if g.Exit != nil {
					g.Exit(exitCodeBreach)
				}
				return err
			}

			log.Debug().Uint64("used_mb", used/bytesInMB).Msg("Memory usage")
		}
	}
}

// ProcReader reads resident set size from procfs, falling back to the Go
// runtime's view of obtained memory where procfs is unavailable.
type ProcReader struct {
	Path string
}

func (p ProcReader) UsedBytes() (uint64, error) {
	path := p.Path
	if path == "" {
		path = statmPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return runtimeBytes(), nil
		}
		return 0, errors.New().Wrap(ErrReadUsage, err)
	}

	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, errors.New().WithMessage(ErrReadUsage, "malformed statm")
	}

	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, errors.New().Wrap(ErrReadUsage, err)
	}

	return pages * uint64(unix.Getpagesize()), nil
}

func runtimeBytes() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Sys
}
