package hooks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockListener records its calls and optionally fails.
type mockListener struct {
	name        string
	priority    int
	isAsync     bool
	returnErr   error
	workDelay   time.Duration
	callSignal  chan string
	onEventFunc func(event HookEvent)

	mu        *sync.Mutex
	callOrder *[]string
}

func (m *mockListener) OnEvent(ctx context.Context, event HookEvent) error {
	if m.workDelay > 0 {
		time.Sleep(m.workDelay)
	}
	if m.onEventFunc != nil {
		m.onEventFunc(event)
	}
	if m.callOrder != nil {
		m.mu.Lock()
		*m.callOrder = append(*m.callOrder, m.name)
		m.mu.Unlock()
	}
	if m.callSignal != nil {
		m.callSignal <- m.name
	}
	return m.returnErr
}

func (m *mockListener) Priority() int { return m.priority }
func (m *mockListener) IsAsync() bool { return m.isAsync }

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) listener(name string, priority int) *mockListener {
	return &mockListener{name: name, priority: priority, mu: &r.mu, callOrder: &r.calls}
}

func TestNewHookManager(t *testing.T) {
	manager, ok := NewHookManager(nil).(*DefaultHookManager)
	require.True(t, ok)
	assert.NotNil(t, manager.listeners)
	assert.NotNil(t, manager.logger)
}

func TestDefaultHookManager_Register(t *testing.T) {
	manager := NewHookManager(nil).(*DefaultHookManager)
	var r recorder
	manager.Register(EventPreBackup, r.listener("p10", 10))
	manager.Register(EventPreBackup, r.listener("p1", 1))
	manager.Register(EventPreBackup, r.listener("p5", 5))
	manager.Register(EventPreBackup, r.listener("p5-second", 5))

	var names []string
	for _, l := range manager.listeners[EventPreBackup] {
		names = append(names, l.listener.(*mockListener).name)
	}
	assert.Equal(t, []string{"p1", "p5", "p5-second", "p10"}, names)
}

func TestDefaultHookManager_Trigger(t *testing.T) {
	t.Run("pre hooks run in priority order", func(t *testing.T) {
		manager := NewHookManager(nil)
		var r recorder
		manager.Register(EventPreBackup, r.listener("third", 10))
		manager.Register(EventPreBackup, r.listener("first", 1))
		manager.Register(EventPreBackup, r.listener("second", 5))

		require.NoError(t, manager.Trigger(context.Background(), NewPreBackupEvent(PreBackupPayload{Mode: "hierarchical"})))
		assert.Equal(t, []string{"first", "second", "third"}, r.calls)
	})

	t.Run("pre hook error cancels", func(t *testing.T) {
		manager := NewHookManager(nil)
		var r recorder
		simulated := errors.New("storage is read-only")
		failing := r.listener("failing", 5)
		failing.returnErr = simulated
		manager.Register(EventPreRestore, r.listener("first", 1))
		manager.Register(EventPreRestore, failing)
		manager.Register(EventPreRestore, r.listener("never", 10))

		err := manager.Trigger(context.Background(), NewPreRestoreEvent(PreRestorePayload{}))
		require.Error(t, err)
		assert.ErrorIs(t, err, simulated)
		assert.Equal(t, []string{"first", "failing"}, r.calls)
	})

	t.Run("pre hooks ignore the async flag", func(t *testing.T) {
		manager := NewHookManager(nil)
		var r recorder
		l := r.listener("async-request", 1)
		l.isAsync = true
		manager.Register(EventPreBackup, l)

		require.NoError(t, manager.Trigger(context.Background(), NewPreBackupEvent(PreBackupPayload{})))
		assert.Equal(t, []string{"async-request"}, r.calls)
	})

	t.Run("post hook errors are not returned", func(t *testing.T) {
		manager := NewHookManager(nil)
		var r recorder
		failing := r.listener("failing", 1)
		failing.returnErr = errors.New("post hook error")
		manager.Register(EventPostBackup, failing)
		manager.Register(EventPostBackup, r.listener("next", 5))

		require.NoError(t, manager.Trigger(context.Background(), NewPostBackupEvent(PostBackupPayload{})))
		assert.Equal(t, []string{"failing", "next"}, r.calls)
	})

	t.Run("async post hooks run in the background", func(t *testing.T) {
		manager := NewHookManager(nil)
		signal := make(chan string, 1)
		var payload atomic.Value
		manager.Register(EventPostLogFilter, &mockListener{
			name:       "async",
			isAsync:    true,
			callSignal: signal,
			onEventFunc: func(event HookEvent) {
				payload.Store(event.Payload())
			},
		})

		require.NoError(t, manager.Trigger(context.Background(), NewPostLogFilterEvent(LogFilterPayload{File: "log.1", Kept: 3})))
		select {
		case name := <-signal:
			assert.Equal(t, "async", name)
		case <-time.After(time.Second):
			t.Fatal("Timed out waiting for async listener to be called")
		}
		manager.Stop()
		assert.Equal(t, LogFilterPayload{File: "log.1", Kept: 3}, payload.Load())
	})

	t.Run("no listeners", func(t *testing.T) {
		assert.NoError(t, NewHookManager(nil).Trigger(context.Background(), NewPostArchiveEvent(ArchivePayload{})))
	})
}

func TestDefaultHookManager_Stop(t *testing.T) {
	manager := NewHookManager(nil)
	var completed atomic.Bool
	delay := 50 * time.Millisecond
	manager.Register(EventPostRestore, &mockListener{
		isAsync:     true,
		workDelay:   delay,
		onEventFunc: func(HookEvent) { completed.Store(true) },
	})

	start := time.Now()
	require.NoError(t, manager.Trigger(context.Background(), NewPostRestoreEvent(PostRestorePayload{})))
	manager.Stop()
	assert.GreaterOrEqual(t, time.Since(start), delay)
	assert.True(t, completed.Load())
}

func BenchmarkTrigger_PreHook_10_Listeners(b *testing.B) {
	manager := NewHookManager(nil)
	for i := 0; i < 10; i++ {
		manager.Register(EventPreBackup, &mockListener{name: "l", priority: i})
	}
	event := NewPreBackupEvent(PreBackupPayload{})
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = manager.Trigger(ctx, event)
	}
}
