package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domoutbox "github.com/openstall/marketplace-payments/internal/domain/outbox"
	"github.com/openstall/marketplace-payments/internal/domain/suborder"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestBusDeliversToSubscriber(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	bus.Start(context.Background())
	defer bus.Stop(context.Background())

	var (
		mu       sync.Mutex
		received []string
	)
	bus.Subscribe("payment.cancel_authorization_requested", func(_ context.Context, e domoutbox.Event) error {
		evt := e.(suborder.CancelAuthorizationRequestedEvent)
		mu.Lock()
		received = append(received, evt.AuthorizationRef)
		mu.Unlock()
		return nil
	})

	evt := suborder.NewCancelAuthorizationRequestedEvent("so-1", "pi_dead", "test")
	if err := bus.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1 && received[0] == "pi_dead"
	})
}

func TestBusFansOutToAllSubscribers(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	bus.Start(context.Background())
	defer bus.Stop(context.Background())

	var delivered sync.WaitGroup
	delivered.Add(2)
	for i := 0; i < 2; i++ {
		bus.Subscribe("payment.captured", func(context.Context, domoutbox.Event) error {
			delivered.Done()
			return nil
		})
	}

	if err := bus.Publish(context.Background(), suborder.NewCapturedEvent(&suborder.SubOrder{ID: "so-1"}, 100)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	done := make(chan struct{})
	go func() { delivered.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all subscribers saw the event")
	}
}

func TestBusSurvivesPanicAndErrorHandlers(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	bus.Start(context.Background())
	defer bus.Stop(context.Background())

	var (
		mu    sync.Mutex
		calls int
	)
	bus.Subscribe("payment.reconciliation_required", func(context.Context, domoutbox.Event) error {
		panic("boom")
	})
	bus.Subscribe("payment.reconciliation_required", func(context.Context, domoutbox.Event) error {
		return errors.New("handler failed")
	})
	bus.Subscribe("payment.reconciliation_required", func(context.Context, domoutbox.Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	for i := 0; i < 2; i++ {
		evt := suborder.NewReconciliationRequiredEvent("so-1", "pi_1", "test")
		if err := bus.Publish(context.Background(), evt); err != nil {
			t.Fatalf("Publish #%d: %v", i+1, err)
		}
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	})
}

func TestBusDropsUnsubscribedEvents(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	bus.Start(context.Background())
	defer bus.Stop(context.Background())

	evt := suborder.NewAuthorizationSucceededEvent(&suborder.SubOrder{ID: "so-1"})
	if err := bus.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish without subscriber: %v", err)
	}
}

func TestBusPublishDuringStopDoesNotPanic(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	bus.Start(context.Background())

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 100; j++ {
				evt := suborder.NewCancelAuthorizationRequestedEvent("so-1", "pi_1", "test")
				if err := bus.Publish(context.Background(), evt); err != nil {
					if !errors.Is(err, ErrStopped) {
						t.Errorf("Publish: %v", err)
					}
					return
				}
			}
		}()
	}

	close(start)
	bus.Stop(context.Background())
	wg.Wait()

	evt := suborder.NewCancelAuthorizationRequestedEvent("so-1", "pi_1", "test")
	if err := bus.Publish(context.Background(), evt); !errors.Is(err, ErrStopped) {
		t.Errorf("Publish after Stop = %v, want ErrStopped", err)
	}
}

func TestBusPublishNilEvent(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	if err := bus.Publish(context.Background(), nil); err != nil {
		t.Fatalf("Publish(nil): %v", err)
	}
}
