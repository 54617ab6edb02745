// Package loop is the single cooperative task sequence of the daemon.
// All component state is mutated only inside funcs executed by Loop.Run.
// Timers and foreign goroutines (MQTT client, upload worker) Post into the loop.
package loop

import (
	"sync"
	"time"

	"github.com/temoto/alive/v2"
	"github.com/temoto/muonlink/log2"
)

const DefaultQueueSize = 256

// Scheduler is what components need from the loop.
type Scheduler interface {
	// Post enqueues f for execution on the loop. false after stop.
	Post(f func()) bool
	// AfterFunc arms one-shot timer, f runs on the loop.
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	// Stop cancels pending fire, returns false if already fired or stopped.
	Stop() bool
}

type Loop struct {
	alive *alive.Alive
	log   *log2.Log
	q     chan func()
}

func New(a *alive.Alive, log *log2.Log, size int) *Loop {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Loop{
		alive: a,
		log:   log,
		q:     make(chan func(), size),
	}
}

func (self *Loop) Alive() *alive.Alive { return self.alive }

// Post blocks while the queue is full, returns false when loop is stopping.
func (self *Loop) Post(f func()) bool {
	if !self.alive.IsRunning() {
		return false
	}
	select {
	case self.q <- f:
		return true
	case <-self.alive.StopChan():
		return false
	}
}

// Run executes posted funcs until alive stops. Pending funcs are dropped on stop.
func (self *Loop) Run() {
	if !self.alive.Add(1) {
		return
	}
	defer self.alive.Done()
	stopCh := self.alive.StopChan()
	for {
		select {
		case f := <-self.q:
			f()
		case <-stopCh:
			self.log.Debugf("loop stop, dropped=%d", len(self.q))
			return
		}
	}
}

type loopTimer struct {
	t *time.Timer
}

func (self loopTimer) Stop() bool { return self.t.Stop() }

func (self *Loop) AfterFunc(d time.Duration, f func()) Timer {
	return loopTimer{time.AfterFunc(d, func() { self.Post(f) })}
}

type ticker struct {
	once   sync.Once
	stopCh chan struct{}
}

func (self *ticker) Stop() bool {
	stopped := false
	self.once.Do(func() {
		close(self.stopCh)
		stopped = true
	})
	return stopped
}

// Every posts f each interval until Stop or alive stop.
// Ticks are skipped rather than queued while previous f is still pending.
func (self *Loop) Every(interval time.Duration, f func()) Timer {
	tk := &ticker{stopCh: make(chan struct{})}
	if !self.alive.Add(1) {
		tk.Stop()
		return tk
	}
	pending := make(chan struct{}, 1)
	go func() {
		defer self.alive.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				select {
				case pending <- struct{}{}:
					self.Post(func() {
						<-pending
						f()
					})
				default:
					self.log.Debugf("loop tick skipped, previous pending interval=%v", interval)
				}
			case <-tk.stopCh:
				return
			case <-self.alive.StopChan():
				return
			}
		}
	}()
	return tk
}
