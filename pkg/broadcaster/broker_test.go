package broadcaster

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBrokerFanOut(t *testing.T) {
	broker := NewBroker[string]("test")
	defer broker.Stop()

	var wg sync.WaitGroup
	var received int64
	for i := 0; i < 100; i++ {
		wg.Add(1)
		sub := broker.Subscribe()
		go func() {
			defer wg.Done()
			select {
			case <-sub:
				atomic.AddInt64(&received, 1)
			case <-broker.Done():
			}
		}()
	}

	time.Sleep(100 * time.Millisecond)
	broker.Publish("oracle-message-change")
	wg.Wait()
	require.EqualValues(t, 100, atomic.LoadInt64(&received))
}

func TestBrokerPublishAfterStop(t *testing.T) {
	broker := NewBroker[int]("test")
	broker.Stop()
	// must not block or panic
	broker.Publish(1)
	broker.UnSubscribe(broker.Subscribe())
}

func TestBrokerUnsubscribe(t *testing.T) {
	broker := NewBroker[int]("test")
	defer broker.Stop()

	sub := broker.Subscribe()
	time.Sleep(50 * time.Millisecond)
	broker.UnSubscribe(sub)
	time.Sleep(50 * time.Millisecond)
	broker.Publish(7)

	select {
	case v := <-sub:
		t.Fatalf("received %d after unsubscribe", v)
	case <-time.After(100 * time.Millisecond):
	}
}
