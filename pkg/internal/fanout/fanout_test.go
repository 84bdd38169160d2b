package fanout

import (
    "context"
    "testing"
    "time"

    "github.com/stretchr/testify/require"
)

func TestFanout_OrderedNoDropWithSlowConsumer(t *testing.T) {
    f := New[int]()
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    slow := f.Subscribe(ctx)
    fast := f.Subscribe(ctx)

    const n = 1000
    for i := 0; i < n; i++ { f.Publish(i) }

    for i := 0; i < n; i++ {
        select {
        case v := <-fast:
            require.Equal(t, i, v)
        case <-time.After(2 * time.Second):
            t.Fatalf("fast consumer stalled at %d", i)
        }
    }
    for i := 0; i < n; i++ {
        require.Equal(t, i, <-slow)
    }
}

func TestFanout_CancelAndClose(t *testing.T) {
    f := New[string]()
    ctx, cancel := context.WithCancel(context.Background())
    ch := f.Subscribe(ctx)
    other := f.Subscribe(context.Background())
    cancel()
    for range ch {
    }
    require.Eventually(t, func() bool { return f.Len() == 1 }, time.Second, 10*time.Millisecond)

    f.Close()
    for range other {
    }
    _, ok := <-f.Subscribe(context.Background())
    require.False(t, ok)
}
