// Package indexer wires the pipeline together: chain listener → event bus
// → processor → persistence and notifications, with the timer worker and
// admin surface alongside.
package indexer

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/stellarlinkco/proofpay-indexer/internal/admin"
	"github.com/stellarlinkco/proofpay-indexer/internal/bus"
	"github.com/stellarlinkco/proofpay-indexer/internal/chain"
	"github.com/stellarlinkco/proofpay-indexer/internal/config"
	"github.com/stellarlinkco/proofpay-indexer/internal/notify"
	"github.com/stellarlinkco/proofpay-indexer/internal/processor"
	"github.com/stellarlinkco/proofpay-indexer/internal/store"
	"github.com/stellarlinkco/proofpay-indexer/internal/timer"
)

const Version = "1.0.0"

// Options carries injectable pieces for tests.
type Options struct {
	Pusher     notify.Pusher
	SignalChan chan os.Signal
}

type Indexer struct {
	cfg        *config.Config
	store      *store.Store
	bus        *bus.EventBus
	listener   *chain.Listener
	processor  *processor.Processor
	notifier   *notify.Notifier
	timer      *timer.Worker
	admin      *admin.Server
	signalChan chan os.Signal

	shutdownOnce sync.Once
}

func New(cfg *config.Config) (*Indexer, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions builds the indexer. Persistence connectivity is the only
// dependency checked here: a database that cannot be reached is a startup
// failure, everything else recovers at runtime.
func NewWithOptions(cfg *config.Config, opts Options) (*Indexer, error) {
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if !st.TestConnection() {
		return nil, fmt.Errorf("persistence connection test failed")
	}
	log.Printf("[indexer] persistence connection established")

	pusher := opts.Pusher
	if pusher == nil && cfg.Push.CredentialsFile != "" {
		pusher, err = notify.NewFCMPusher(context.Background(), cfg.Push.CredentialsFile)
		if err != nil {
			// Push is best-effort by contract; run without it.
			log.Printf("[indexer] push disabled: %v", err)
			pusher = nil
		}
	}
	notifier := notify.New(st, pusher)

	eventBus := bus.NewEventBus(cfg.Chain.EventBuffer)

	ix := &Indexer{
		cfg:        cfg,
		store:      st,
		bus:        eventBus,
		listener:   chain.NewListener(cfg.Chain, eventBus),
		processor:  processor.New(st, notifier),
		notifier:   notifier,
		timer:      timer.NewWorker(st, notifier, cfg.Timer.Spec),
		signalChan: opts.SignalChan,
	}

	ix.admin = admin.NewServer(admin.Deps{
		Store:     st,
		Listener:  ix.listener,
		Timer:     ix.timer,
		Processor: ix.processor,
		Notifier:  notifier,
		Version:   Version,
	})

	return ix, nil
}

// Run starts every component and blocks until SIGINT/SIGTERM.
func (ix *Indexer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ix.listener.OnEvent(func(ev bus.Event) error {
		if !ix.processor.Process(ctx, ev) {
			return fmt.Errorf("event %s task=%s left unprocessed", ev.Kind(), ev.TaskID())
		}
		return nil
	})
	go ix.bus.Dispatch(ctx)

	if !ix.listener.Connect(ctx) {
		// Not fatal: the listener keeps reconnecting on its own and the
		// health endpoint reports the degraded state.
		log.Printf("[indexer] chain connection not yet established")
	}

	if err := ix.timer.Start(); err != nil {
		return fmt.Errorf("start timer worker: %w", err)
	}

	go func() {
		if err := ix.admin.Listen(ix.cfg.Gateway.HealthPort); err != nil {
			log.Printf("[admin] server error: %v", err)
		}
	}()

	log.Printf("[indexer] operational (health on :%d)", ix.cfg.Gateway.HealthPort)

	sigCh := ix.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	<-sigCh

	log.Printf("[indexer] shutting down...")
	ix.Shutdown()
	return nil
}

// Shutdown stops components in dependency order. In-flight event handlers
// are allowed to finish.
func (ix *Indexer) Shutdown() {
	ix.shutdownOnce.Do(func() {
		ix.timer.Stop()
		ix.listener.Disconnect()
		if err := ix.admin.Shutdown(); err != nil {
			log.Printf("[indexer] admin shutdown error: %v", err)
		}
		log.Printf("[indexer] shutdown complete")
	})
}
