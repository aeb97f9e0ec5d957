package keg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/mkravchenko/kegsync/common"
	"github.com/mkravchenko/kegsync/digest"
	"github.com/mkravchenko/kegsync/logging"
	"github.com/mkravchenko/kegsync/warnings"
)

// SyncedOptions tune a SyncedKeg's reconciliation behavior.
type SyncedOptions struct {
	// Digest drives automatic reloads when the server announces changes.
	// Nil disables digest-driven reloads; explicit Reload still works.
	Digest digest.Digest
	// OnSynced runs after every successful save or reload, on the worker
	// goroutine.
	OnSynced func()
	// OnSaveError runs after a save has definitively failed (retries
	// exhausted, state rolled back where possible).
	OnSaveError func(err error)
	// RetryBase is the first backoff delay for transient failures.
	RetryBase time.Duration
	// MaxRetries bounds retry attempts per operation.
	MaxRetries uint64
	// TaskTimeout bounds each queued operation, retries included. The
	// queue is single-concurrency, so one stalled transport call would
	// otherwise block every later load and save.
	TaskTimeout time.Duration
}

func (o *SyncedOptions) loadDefaults() {
	if o.RetryBase == 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 5
	}
	if o.TaskTimeout == 0 {
		o.TaskTimeout = 2 * time.Minute
	}
}

type syncTask struct {
	name string
	run  func(ctx context.Context) error
	done chan error
}

// SyncedKeg keeps one keg continuously reconciled with the server. All
// loads and saves funnel through a single worker goroutine, so operations
// execute strictly in submission order and never overlap. Digest pushes
// enqueue reloads; a reload whose collection version already covers the
// announced update resolves without touching the network.
type SyncedKeg struct {
	keg  *Keg
	opts SyncedOptions
	log  logging.Logger

	tasks       chan *syncTask
	stop        chan struct{}
	stopped     chan struct{}
	unsubscribe func()
}

// NewSynced wraps k and starts its worker. An initial reload is enqueued
// immediately. Call Close when the keg is no longer needed.
func NewSynced(k *Keg, opts SyncedOptions) *SyncedKeg {
	opts.loadDefaults()
	s := &SyncedKeg{
		keg:     k,
		opts:    opts,
		log:     k.log.With("component", "synced", "kegType", k.Type()),
		tasks:   make(chan *syncTask, 32),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.worker()

	if opts.Digest != nil {
		s.unsubscribe = opts.Digest.Subscribe(k.db.ID(), k.Type(), func() {
			s.enqueueReload()
		})
	}
	s.enqueueReload()
	return s
}

// Keg exposes the wrapped engine.
func (s *SyncedKeg) Keg() *Keg { return s.keg }

// Close detaches from the digest and stops the worker. Queued tasks are
// failed with ErrUnavailable rather than silently dropped.
func (s *SyncedKeg) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	close(s.stop)
	<-s.stopped
}

func (s *SyncedKeg) worker() {
	defer close(s.stopped)
	for {
		select {
		case <-s.stop:
			for {
				select {
				case t := <-s.tasks:
					t.finish(fmt.Errorf("%w: synced keg closed", common.ErrUnavailable))
				default:
					return
				}
			}
		case t := <-s.tasks:
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.TaskTimeout)
			err := t.run(ctx)
			if err != nil {
				s.log.Warn(ctx, "synced task failed", "task", t.name, "kegId", s.keg.ID(), "error", err)
			}
			cancel()
			t.finish(err)
		}
	}
}

func (t *syncTask) finish(err error) {
	if t.done != nil {
		t.done <- err
		close(t.done)
	}
}

// enqueueReload schedules a fire-and-forget reload. A full queue means
// reloads are already pending, so dropping this one loses nothing.
func (s *SyncedKeg) enqueueReload() {
	select {
	case s.tasks <- &syncTask{name: "reload", run: s.reload}:
	default:
	}
}

// submit runs fn on the worker and waits for its result.
func (s *SyncedKeg) submit(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	t := &syncTask{name: name, run: fn, done: make(chan error, 1)}
	select {
	case s.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stop:
		return fmt.Errorf("%w: synced keg closed", common.ErrUnavailable)
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reload fetches the latest server state, unless the digest shows this
// instance is already current.
func (s *SyncedKeg) Reload(ctx context.Context) error {
	return s.submit(ctx, "reload", s.reload)
}

func (s *SyncedKeg) reload(ctx context.Context) error {
	if s.opts.Digest != nil {
		entry := s.opts.Digest.Get(s.keg.db.ID(), s.keg.Type())
		if s.keg.Loaded() && entry.MaxUpdateID != "" &&
			digest.CompareUpdateIDs(s.keg.CollectionVersion(), entry.MaxUpdateID) >= 0 {
			return nil
		}
	}

	err := s.withBackoff(ctx, func(ctx context.Context) error {
		return s.keg.Load(ctx)
	})
	if err != nil {
		return err
	}

	s.markSeen(ctx)
	if s.opts.OnSynced != nil {
		s.opts.OnSynced()
	}
	return nil
}

// Save applies change to the keg state and persists it. change returning
// false cancels the save with no effect. restore undoes change after a
// definitive failure; when nil, the pre-change serialized state is
// captured and restored automatically. Rollback is skipped if the keg's
// version moved during the attempt, because newer state would be
// clobbered. warningKey, when non-empty, is reported to the user on
// failure.
func (s *SyncedKeg) Save(ctx context.Context, change func() bool, restore func(), warningKey string) error {
	return s.submit(ctx, "save", func(ctx context.Context) error {
		return s.save(ctx, change, restore, warningKey)
	})
}

func (s *SyncedKeg) save(ctx context.Context, change func() bool, restore func(), warningKey string) error {
	versionBefore := s.keg.Version()

	var snap *stateSnapshot
	if restore == nil {
		var err error
		snap, err = s.keg.snapshotState(ctx)
		if err != nil {
			return fmt.Errorf("capturing rollback state: %w", err)
		}
	}

	if change != nil && !change() {
		return nil
	}

	err := s.withBackoff(ctx, func(ctx context.Context) error {
		return s.keg.SaveToServer(ctx)
	})
	if err == nil {
		s.markSeen(ctx)
		if s.opts.OnSynced != nil {
			s.opts.OnSynced()
		}
		return nil
	}

	if errors.Is(err, common.ErrMalformedRequest) {
		// local state diverged from what the server will accept; resync
		// before surfacing the failure
		if loadErr := s.keg.Load(ctx); loadErr != nil {
			s.log.Warn(ctx, "reload after rejected save failed", "kegId", s.keg.ID(), "error", loadErr)
		}
	} else if s.keg.Version() == versionBefore {
		if restore != nil {
			restore()
		} else if rbErr := s.keg.restoreState(snap); rbErr != nil {
			s.log.Error(ctx, "rollback after failed save did not apply", "kegId", s.keg.ID(), "error", rbErr)
		}
	} else {
		s.log.Warn(ctx, "skipping rollback, keg version moved during save",
			"kegId", s.keg.ID(), "versionBefore", versionBefore, "versionNow", s.keg.Version())
	}

	if warningKey != "" {
		s.keg.deps.Warnings.Warn(warnings.Warning{LocaleKey: warningKey})
	}
	if s.opts.OnSaveError != nil {
		s.opts.OnSaveError(err)
	}
	return err
}

// markSeen acknowledges the keg's collection version to the digest.
// Best effort: a failed acknowledgement only means a redundant reload
// later.
func (s *SyncedKeg) markSeen(ctx context.Context) {
	if s.opts.Digest == nil {
		return
	}
	cv := s.keg.CollectionVersion()
	if cv == "" {
		return
	}
	if err := s.opts.Digest.SeenThis(ctx, s.keg.db.ID(), s.keg.Type(), cv); err != nil {
		s.log.Warn(ctx, "acknowledging digest failed", "kegId", s.keg.ID(), "error", err)
	}
}

// withBackoff retries fn with exponential backoff for transient failures.
// Only unavailability and timeouts retry; everything else (validation,
// auth, crypto) fails immediately.
func (s *SyncedKeg) withBackoff(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(s.opts.MaxRetries, retry.NewExponential(s.opts.RetryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, common.ErrUnavailable) || errors.Is(err, common.ErrTimeout) {
			return retry.RetryableError(err)
		}
		return err
	})
}
