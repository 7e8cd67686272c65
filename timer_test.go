package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSystemTimerServiceFires(t *testing.T) {
	fired := make(chan struct{}, 1)
	handle := SystemTimerService{}.ScheduleEvery(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	}, time.Millisecond)
	defer handle.Cancel()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer didn't fire")
	}
}

func TestSystemTimerServiceCancel(t *testing.T) {
	handle := SystemTimerService{}.ScheduleEvery(func() {}, time.Millisecond)
	handle.Cancel()
	// Cancel is idempotent and doesn't block.
	handle.Cancel()
}

func TestSystemTimerServiceClock(t *testing.T) {
	svc := SystemTimerService{}
	t1 := svc.Now()
	require.False(t, t1.IsZero())
	t2 := svc.Now()
	require.False(t, t2.Before(t1))
}
