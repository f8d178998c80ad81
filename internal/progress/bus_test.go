package progress

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestReplayThenLive(t *testing.T) {
	bus := NewBus(Config{BufferSize: 16})
	bus.Open("run-1")

	bus.Publish("run-1", Event{Kind: KindRunStarted, Total: 2})
	bus.Publish("run-1", ForSlot(KindSlotStarted, 0))
	bus.Publish("run-1", ForSlot(KindDraftingAttemptStarted, 0))

	sub, err := bus.Subscribe("run-1", 0)
	require.NoError(t, err)
	defer bus.Unsubscribe(sub)

	require.Len(t, sub.Replay, 3)
	for i, ev := range sub.Replay {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
	assert.Equal(t, KindRunStarted, sub.Replay[0].Kind)

	bus.Publish("run-1", ForSlot(KindContractValidated, 0))
	live := recv(t, sub.C())
	assert.Equal(t, int64(4), live.Seq)
	assert.Equal(t, KindContractValidated, live.Kind)
}

func TestResumeFromLastSeq(t *testing.T) {
	bus := NewBus(Config{})
	for i := 0; i < 5; i++ {
		bus.Publish("r", ForSlot(KindSlotStarted, i))
	}
	sub, err := bus.Subscribe("r", 3)
	require.NoError(t, err)
	require.Len(t, sub.Replay, 2)
	assert.Equal(t, int64(4), sub.Replay[0].Seq)
	assert.Equal(t, int64(5), sub.Replay[1].Seq)
}

func TestRingDropsOldestFirst(t *testing.T) {
	bus := NewBus(Config{BufferSize: 3})
	for i := 0; i < 5; i++ {
		bus.Publish("r", ForSlot(KindSlotStarted, i))
	}
	sub, err := bus.Subscribe("r", 0)
	require.NoError(t, err)
	require.Len(t, sub.Replay, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{sub.Replay[0].Seq, sub.Replay[1].Seq, sub.Replay[2].Seq})
}

func TestTerminalEventClosesSubscribers(t *testing.T) {
	bus := NewBus(Config{})
	bus.Open("r")
	sub, err := bus.Subscribe("r", 0)
	require.NoError(t, err)

	bus.Publish("r", Event{Kind: KindRunCompleted, ActivityID: "a1"})
	ev := recv(t, sub.C())
	assert.Equal(t, "a1", ev.ActivityID)

	_, ok := <-sub.C()
	assert.False(t, ok, "channel should close after terminal event")

	late, err := bus.Subscribe("r", 0)
	require.NoError(t, err)
	require.Len(t, late.Replay, 1)
	_, ok = <-late.C()
	assert.False(t, ok)

	bus.Publish("r", ForSlot(KindSlotStarted, 1))
	assert.Equal(t, int64(1), bus.LastSeq("r"), "publishing after close is ignored")
}

func TestSlowSubscriberIsDroppedWithoutBlocking(t *testing.T) {
	bus := NewBus(Config{SubscriberBuffer: 2})
	bus.Open("r")
	sub, err := bus.Subscribe("r", 0)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish("r", ForSlot(KindSlotStarted, i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
	assert.True(t, bus.Dropped(sub))

	resumed, err := bus.Subscribe("r", 2)
	require.NoError(t, err)
	assert.Len(t, resumed.Replay, 8)
}

func TestHeartbeatIsLiveOnly(t *testing.T) {
	bus := NewBus(Config{})
	bus.Publish("r", Event{Kind: KindRunStarted})
	sub, err := bus.Subscribe("r", 0)
	require.NoError(t, err)

	bus.Heartbeat()
	hb := recv(t, sub.C())
	assert.Equal(t, KindHeartbeat, hb.Kind)
	assert.Equal(t, int64(1), hb.Seq)

	again, err := bus.Subscribe("r", 0)
	require.NoError(t, err)
	for _, ev := range again.Replay {
		assert.NotEqual(t, KindHeartbeat, ev.Kind)
	}
}

func TestUnsubscribeDoesNotAffectRun(t *testing.T) {
	bus := NewBus(Config{})
	bus.Open("r")
	sub, err := bus.Subscribe("r", 0)
	require.NoError(t, err)
	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub)

	bus.Publish("r", ForSlot(KindSlotStarted, 0))
	assert.Equal(t, int64(1), bus.LastSeq("r"))
}

func TestSubscribeUnknownRun(t *testing.T) {
	bus := NewBus(Config{})
	_, err := bus.Subscribe("missing", 0)
	assert.ErrorIs(t, err, ErrUnknownRun)
}

func TestSweepRemovesExpiredRuns(t *testing.T) {
	bus := NewBus(Config{Retention: time.Minute})
	now := time.Now()
	bus.now = func() time.Time { return now }

	bus.Publish("old", Event{Kind: KindRunFailed, Error: "boom"})
	bus.Publish("open", Event{Kind: KindRunStarted})

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, bus.Sweep())
	_, err := bus.Subscribe("old", 0)
	assert.ErrorIs(t, err, ErrUnknownRun)
	_, err = bus.Subscribe("open", 0)
	assert.NoError(t, err)
}

func TestSanitize(t *testing.T) {
	msg := "tests failed:\n```python\nprint('secret')\n```\n  case_3   expected 4"
	got := Sanitize(msg)
	assert.NotContains(t, got, "secret")
	assert.NotContains(t, got, "\n")
	assert.Equal(t, "tests failed: case_3 expected 4", got)

	long := Sanitize(strings.Repeat("x", 400))
	assert.LessOrEqual(t, len(long), MaxErrorLength)
	assert.True(t, strings.HasSuffix(long, "..."))
}
