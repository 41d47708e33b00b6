package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublisherDeliversToSubscribers(t *testing.T) {
	p := NewPublisher(nil, "", zap.NewNop())
	ch, cancel := p.Subscribe()
	defer cancel()

	ev := Event{StationID: "st-1", TransactionID: 9, EnergyKWh: 1.25, At: time.Now()}
	p.Publish(ev)

	select {
	case got := <-ch:
		assert.Equal(t, ev.StationID, got.StationID)
		assert.Equal(t, ev.EnergyKWh, got.EnergyKWh)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublisherDropsWhenSubscriberIsSlow(t *testing.T) {
	p := NewPublisher(nil, "", zap.NewNop())
	ch, cancel := p.Subscribe()
	defer cancel()

	// Nobody reads; publishing past the buffer must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			p.Publish(Event{StationID: "st-1", EnergyKWh: float64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
	assert.Equal(t, subscriberBuffer, len(ch))
}

func TestPublisherUnsubscribeClosesChannel(t *testing.T) {
	p := NewPublisher(nil, "", zap.NewNop())
	ch, cancel := p.Subscribe()

	cancel()
	// A second cancel is harmless.
	cancel()

	_, open := <-ch
	require.False(t, open)

	// Publishing after unsubscribe must not panic.
	p.Publish(Event{StationID: "st-1"})
}

func TestPublisherFanOut(t *testing.T) {
	p := NewPublisher(nil, "", zap.NewNop())
	ch1, cancel1 := p.Subscribe()
	ch2, cancel2 := p.Subscribe()
	defer cancel1()
	defer cancel2()

	p.Publish(Event{StationID: "st-7", EnergyKWh: 0.5})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, "st-7", got.StationID)
		case <-time.After(time.Second):
			t.Fatal("fan-out missed a subscriber")
		}
	}
}
