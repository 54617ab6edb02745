package tele

import (
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/temoto/muonlink/internal/loop"
)

type mockToken struct{ err error }

func (self mockToken) Wait() bool                     { return true }
func (self mockToken) WaitTimeout(time.Duration) bool { return true }
func (self mockToken) Error() error                   { return self.err }
func (self mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type mockPub struct {
	topic   string
	payload []byte
}

// MqttMock records calls, Connect results are popped from connectErrs, nil when exhausted.
type MqttMock struct {
	opt          *mqtt.ClientOptions
	connectErrs  []error
	connects     int
	disconnects  int
	published    []mockPub
	subscribed   []string
	unsubscribed []string
}

func (self *MqttMock) Connect() mqtt.Token {
	self.connects++
	var err error
	if len(self.connectErrs) > 0 {
		err, self.connectErrs = self.connectErrs[0], self.connectErrs[1:]
	}
	return mockToken{err}
}

func (self *MqttMock) Disconnect(uint) { self.disconnects++ }

func (self *MqttMock) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	self.published = append(self.published, mockPub{topic, payload.([]byte)})
	return mockToken{}
}

func (self *MqttMock) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	self.subscribed = append(self.subscribed, topic)
	return mockToken{}
}

func (self *MqttMock) Unsubscribe(topics ...string) mqtt.Token {
	self.unsubscribed = append(self.unsubscribed, topics...)
	return mockToken{}
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (self *fakeTimer) Stop() bool {
	if self.stopped || self.fired {
		return false
	}
	self.stopped = true
	return true
}

// fakeScheduler runs posted funcs inline, timers fire only on request.
type fakeScheduler struct {
	timers []*fakeTimer
}

func (self *fakeScheduler) Post(f func()) bool { f(); return true }

func (self *fakeScheduler) AfterFunc(d time.Duration, f func()) loop.Timer {
	t := &fakeTimer{d: d, f: f}
	self.timers = append(self.timers, t)
	return t
}

func (self *fakeScheduler) pending() []*fakeTimer {
	result := make([]*fakeTimer, 0, len(self.timers))
	for _, t := range self.timers {
		if !t.stopped && !t.fired {
			result = append(result, t)
		}
	}
	return result
}

// fire runs all armed timers, returns how many fired.
func (self *fakeScheduler) fire() int {
	ts := self.pending()
	for _, t := range ts {
		t.fired = true
		t.f()
	}
	return len(ts)
}
