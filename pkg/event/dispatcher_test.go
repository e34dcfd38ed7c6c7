package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestDispatcherPreservesOrderPerSubscriber(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	defer d.Close()

	var rec recorder
	d.Subscribe("rec", rec.handle, TopicDataUpdated)

	for i := 0; i < 500; i++ {
		d.Publish(DataUpdated{Element: string(rune('a' + i%26))})
	}

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 500 }, 2*time.Second, 5*time.Millisecond)
	for i, ev := range rec.snapshot() {
		assert.Equal(t, string(rune('a'+i%26)), ev.(DataUpdated).Element)
	}
}

func TestDispatcherRoutesByTopic(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	defer d.Close()

	var logins, data recorder
	d.Subscribe("logins", logins.handle, TopicLoginSucceeded, TopicLoginFailed)
	d.Subscribe("data", data.handle, TopicDataUpdated)

	d.Publish(LoginSucceeded{CorrelationID: "a"})
	d.Publish(LoginFailed{CorrelationID: "b"})
	d.Publish(DataUpdated{Element: "5"})

	require.Eventually(t, func() bool {
		return len(logins.snapshot()) == 2 && len(data.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcherDeadEvents(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	defer d.Close()

	d.Publish(ConnectionLost{Remote: "nowhere"})
	published, dead := d.Stats()
	assert.Equal(t, uint64(1), published)
	assert.Equal(t, uint64(1), dead)
}

func TestDispatcherSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	defer d.Close()

	release := make(chan struct{})
	d.Subscribe("slow", func(ctx context.Context, ev Event) { <-release }, TopicDataUpdated)

	var fast recorder
	d.Subscribe("fast", fast.handle, TopicDataUpdated)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			d.Publish(DataUpdated{Element: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	require.Eventually(t, func() bool { return len(fast.snapshot()) == 100 }, time.Second, 5*time.Millisecond)
	close(release)
}

func TestDispatcherRecoversPanics(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	defer d.Close()

	var rec recorder
	calls := 0
	d.Subscribe("flaky", func(ctx context.Context, ev Event) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		rec.handle(ctx, ev)
	}, TopicDataUpdated)

	d.Publish(DataUpdated{Element: "1"})
	d.Publish(DataUpdated{Element: "2"})

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "2", rec.snapshot()[0].(DataUpdated).Element)
}

func TestUnsubscribe(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	defer d.Close()

	var rec recorder
	sub := d.Subscribe("rec", rec.handle, TopicDataUpdated)
	d.Publish(DataUpdated{Element: "1"})
	sub.Unsubscribe()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription did not stop")
	}
	assert.Len(t, rec.snapshot(), 1)

	d.Publish(DataUpdated{Element: "2"})
	_, dead := d.Stats()
	assert.Equal(t, uint64(1), dead)
}

func TestCloseDrainsMailboxes(t *testing.T) {
	d := NewDispatcher(zap.NewNop())

	var rec recorder
	d.Subscribe("rec", rec.handle, TopicDataUpdated)
	for i := 0; i < 50; i++ {
		d.Publish(DataUpdated{Element: "x"})
	}
	d.Close()
	d.Close()

	assert.Len(t, rec.snapshot(), 50)
	d.Publish(DataUpdated{Element: "late"})
	assert.Len(t, rec.snapshot(), 50)
}
