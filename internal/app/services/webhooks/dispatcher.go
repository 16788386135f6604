package webhooks

import (
	"context"
	"sync"

	"github.com/quantumshield/backend/internal/app/events"
	"github.com/quantumshield/backend/internal/app/system"
	"github.com/quantumshield/backend/pkg/logger"
)

var _ system.Service = (*Dispatcher)(nil)

// Subscriber is the bus surface the dispatcher listens on.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan events.Event, error)
}

// Dispatcher feeds every bus event to the webhook service.
type Dispatcher struct {
	service *Service
	bus     Subscriber
	log     *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewDispatcher constructs a lifecycle-managed dispatcher.
func NewDispatcher(service *Service, bus Subscriber, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewDefault("webhook-dispatcher")
	}
	return &Dispatcher{service: service, bus: bus, log: log}
}

func (d *Dispatcher) Name() string { return "webhook-dispatcher" }

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch, err := d.bus.Subscribe(runCtx, events.AllTopics)
	if err != nil {
		cancel()
		return err
	}
	d.cancel = cancel
	d.running = true

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for evt := range ch {
			if _, err := d.service.HandleEvent(runCtx, evt); err != nil {
				d.log.WithError(err).WithField("topic", evt.Topic).Warn("webhook fan-out failed")
			}
		}
	}()
	d.log.Info("webhook dispatcher started")
	return nil
}

func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	cancel := d.cancel
	d.running = false
	d.cancel = nil
	d.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	d.log.Info("webhook dispatcher stopped")
	return nil
}
