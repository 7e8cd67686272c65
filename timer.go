package recovery

import (
	"sync"
	"time"

	"github.com/jedisct1/go-clocksmith"

	"github.com/AeonDave/quic-recovery/internal/monotime"
)

// SystemTimerService is the default TimerService. Scheduled callbacks run on
// their own goroutine, sleeping between invocations; the sleep doesn't pause
// when the system hibernates.
type SystemTimerService struct{}

var _ TimerService = SystemTimerService{}

func (SystemTimerService) Now() monotime.Time {
	return monotime.Now()
}

func (SystemTimerService) ScheduleEvery(f func(), period time.Duration) TimerHandle {
	t := &recurringTimer{
		f:           f,
		period:      period,
		closeCalled: make(chan struct{}),
		runStopped:  make(chan struct{}),
	}
	go t.run()
	return t
}

type recurringTimer struct {
	f      func()
	period time.Duration

	closeOnce   sync.Once
	closeCalled chan struct{} // closed when Cancel() is called
	runStopped  chan struct{} // closed when the run loop returns
}

func (t *recurringTimer) run() {
	defer close(t.runStopped)
	for {
		clocksmith.Sleep(t.period)
		select {
		case <-t.closeCalled:
			return
		default:
		}
		t.f()
	}
}

// Cancel stops the timer. The callback fires at most once more: a tick that
// was already past its sleep when Cancel was called still runs. It doesn't
// block, so it is safe to call while holding locks the callback acquires.
func (t *recurringTimer) Cancel() {
	t.closeOnce.Do(func() { close(t.closeCalled) })
}
