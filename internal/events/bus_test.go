package events

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/hostagent/internal/logging"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(4, logging.Discard())
	defer bus.Close()

	var rec recorder
	unsub := bus.Subscribe(EventAgentStatus, rec.add)
	defer unsub()

	bus.Publish(EventAgentStatus, map[string]any{"status": "ok"})
	bus.Publish(EventCameraChanged, nil)

	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, EventAgentStatus, rec.events[0].Type)
	assert.Equal(t, "ok", rec.events[0].Data["status"])
	assert.False(t, rec.events[0].Timestamp.IsZero())
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := NewBus(4, logging.Discard())
	defer bus.Close()

	var a, b recorder
	bus.Subscribe(EventIntentsChanged, a.add)
	bus.Subscribe(EventIntentsChanged, b.add)
	assert.Equal(t, 2, bus.SubscriberCount(EventIntentsChanged))

	bus.Publish(EventIntentsChanged, nil)

	require.Eventually(t, func() bool { return a.len() == 1 && b.len() == 1 }, time.Second, time.Millisecond)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(4, logging.Discard())
	defer bus.Close()

	var rec recorder
	unsub := bus.Subscribe(EventAgentStatus, rec.add)
	unsub()
	unsub()
	assert.Equal(t, 0, bus.SubscriberCount(EventAgentStatus))

	bus.Publish(EventAgentStatus, nil)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, rec.len())
}

func TestBus_FullBufferDropsEvents(t *testing.T) {
	bus := NewBus(1, logging.Discard())
	defer bus.Close()

	release := make(chan struct{})
	var rec recorder
	bus.Subscribe(EventAgentStatus, func(e Event) {
		<-release
		rec.add(e)
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(EventAgentStatus, nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	close(release)
	require.Eventually(t, func() bool { return rec.len() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, rec.len(), 2)
}

func TestBus_SubscriberPanicIsLogged(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	logger := logging.New(&lockedWriter{w: &buf, mu: &mu}, logging.LevelDebug, "events")
	bus := NewBus(4, logger)
	defer bus.Close()

	var rec recorder
	bus.Subscribe(EventAgentStatus, func(e Event) {
		if e.Data["panic"] == true {
			panic("boom")
		}
		rec.add(e)
	})

	bus.Publish(EventAgentStatus, map[string]any{"panic": true})
	bus.Publish(EventAgentStatus, nil)

	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, buf.String(), "subscriber panic")
}

type lockedWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
