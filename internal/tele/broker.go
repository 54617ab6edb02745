package tele

import (
	"sort"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/muonlink/helpers"
	"github.com/temoto/muonlink/internal/credential"
	"github.com/temoto/muonlink/internal/loop"
	"github.com/temoto/muonlink/log2"
)

type State uint8

const (
	StateInvalid State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	}
	return "state?"
}

var (
	ErrNotConnected = helpers.NetworkError(errors.New("mqtt not connected"))
	ErrNotStarted   = helpers.StateError(errors.New("mqtt not started"))
)

// Broker keeps MQTT session with bounded reconnect.
// All methods must be called on the event loop.
type Broker struct {
	OnStateChange func(State)
	OnGiveUp      func()
	OnMessage     func(topic string, payload []byte)

	config    Config
	deviceID  string
	log       *log2.Log
	sched     loop.Scheduler
	newClient func(*mqtt.ClientOptions) mqttClient
	spawn     func(func())

	client    mqttClient
	cred      credential.Credential
	state     State
	tries     int
	backoff   helpers.Backoff
	timer     loop.Timer
	gen       uint64 // connect attempt, results of older attempts are ignored
	topics    map[string]struct{}
	topicData string
	topicLog  string
}

func NewBroker(config Config, deviceID string, sched loop.Scheduler, log *log2.Log) *Broker {
	if config.MaxTries <= 0 {
		config.MaxTries = DefaultMaxTries
	}
	if config.KeepAlive == 0 {
		config.KeepAlive = DefaultKeepAlive
	}
	if config.PingTimeout == 0 {
		config.PingTimeout = config.KeepAlive / 2
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	if config.ReconnectMin == 0 {
		config.ReconnectMin = DefaultReconnectMin
	}
	if config.ReconnectMax == 0 {
		config.ReconnectMax = DefaultReconnectMax
	}
	if config.TopicBase == "" {
		config.TopicBase = DefaultTopicBase
	}
	return &Broker{
		config:    config,
		deviceID:  deviceID,
		log:       log,
		sched:     sched,
		newClient: newPahoClient,
		spawn:     func(f func()) { go f() },
		backoff:   helpers.Backoff{Min: config.ReconnectMin, Max: config.ReconnectMax, K: 2, Res: 100 * time.Millisecond},
		topics:    make(map[string]struct{}),
		topicData: TopicData(config.TopicBase, deviceID),
		topicLog:  TopicLog(config.TopicBase, deviceID),
	}
}

func (self *Broker) State() State      { return self.state }
func (self *Broker) Tries() int        { return self.tries }
func (self *Broker) TopicData() string { return self.topicData }
func (self *Broker) TopicLog() string  { return self.topicLog }
func (self *Broker) Config() Config    { return self.config }

// Start (re)creates client with given login and connects.
func (self *Broker) Start(cred credential.Credential) {
	self.cancelTimer()
	if self.client != nil {
		self.gen++
		self.client.Disconnect(disconnectQuiesceMs)
	}
	self.cred = cred
	self.client = self.newClient(self.clientOptions())
	self.tries = 0
	self.backoff.Reset()
	self.log.Infof("mqtt start broker=%s user=%s", self.config.BrokerURL, cred.Username)
	self.connect()
}

// Restart is the external way out of give up. Resets retry counter.
func (self *Broker) Restart() error {
	if self.client == nil {
		return ErrNotStarted
	}
	self.cancelTimer()
	self.tries = 0
	self.backoff.Reset()
	switch self.state {
	case StateConnected, StateConnecting:
		return nil
	}
	self.log.Infof("mqtt restart")
	self.connect()
	return nil
}

func (self *Broker) Stop() {
	self.cancelTimer()
	self.gen++
	// also aborts connect in flight
	if self.client != nil {
		self.client.Disconnect(disconnectQuiesceMs)
	}
	if self.state != StateInvalid {
		self.setState(StateDisconnected)
	}
}

func (self *Broker) Publish(topic string, payload []byte) error {
	if self.state != StateConnected {
		return errors.Annotatef(ErrNotConnected, "mqtt publish topic=%s", topic)
	}
	token := self.client.Publish(topic, self.config.QOS, false, payload)
	self.watchToken("publish", topic, token)
	return nil
}

func (self *Broker) PublishData(line string) error { return self.Publish(self.topicData, []byte(line)) }
func (self *Broker) PublishLog(line string) error  { return self.Publish(self.topicLog, []byte(line)) }

func (self *Broker) Subscribe(topic string) {
	if _, ok := self.topics[topic]; ok {
		return
	}
	self.topics[topic] = struct{}{}
	if self.state == StateConnected {
		self.watchToken("subscribe", topic, self.client.Subscribe(topic, self.config.QOS, nil))
	}
}

func (self *Broker) Unsubscribe(topic string) {
	if _, ok := self.topics[topic]; !ok {
		return
	}
	delete(self.topics, topic)
	if self.state == StateConnected {
		self.watchToken("unsubscribe", topic, self.client.Unsubscribe(topic))
	}
}

// Topics returns sorted subscription set.
func (self *Broker) Topics() []string {
	ts := make([]string, 0, len(self.topics))
	for t := range self.topics {
		ts = append(ts, t)
	}
	sort.Strings(ts)
	return ts
}

func (self *Broker) connect() {
	self.gen++
	self.setState(StateConnecting)
	self.log.Debugf("mqtt connect attempt=%d", self.tries+1)
	// waitToken must be last, result may be delivered synchronously
	self.waitToken(self.gen, self.client.Connect())
}

func (self *Broker) onConnectResult(gen uint64, err error) {
	if gen != self.gen || self.state != StateConnecting {
		self.log.Debugf("mqtt stale connect result err=%v", err)
		return
	}
	if err != nil {
		self.fail(errors.Annotate(helpers.NetworkError(err), "mqtt connect"))
		return
	}
	self.tries = 0
	self.backoff.Reset()
	self.setState(StateConnected)
	for _, topic := range self.Topics() {
		self.watchToken("subscribe", topic, self.client.Subscribe(topic, self.config.QOS, nil))
	}
}

func (self *Broker) onConnectionLost(err error) {
	if self.state != StateConnected {
		return
	}
	self.fail(errors.Annotate(helpers.NetworkError(err), "mqtt connection lost"))
}

func (self *Broker) onMessage(topic string, payload []byte) {
	self.log.Debugf("mqtt message topic=%s payload=%q", topic, payload)
	if self.OnMessage != nil {
		self.OnMessage(topic, payload)
	}
}

func (self *Broker) fail(err error) {
	self.tries++
	self.log.Errorf("%v tries=%d/%d", err, self.tries, self.config.MaxTries)
	self.setState(StateDisconnected)
	if self.tries >= self.config.MaxTries {
		self.setState(StateError)
		self.log.Errorf("mqtt giving up after tries=%d", self.tries)
		if self.OnGiveUp != nil {
			self.OnGiveUp()
		}
		return
	}
	delay := self.backoff.Next()
	self.backoff.Failure()
	gen := self.gen
	self.log.Debugf("mqtt reconnect in %v", delay)
	self.timer = self.sched.AfterFunc(delay, func() {
		self.timer = nil
		if gen != self.gen || self.state != StateDisconnected {
			return
		}
		self.connect()
	})
}

func (self *Broker) cancelTimer() {
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
}

func (self *Broker) setState(s State) {
	if s == self.state {
		return
	}
	self.log.Debugf("mqtt state %s -> %s", self.state, s)
	self.state = s
	if self.OnStateChange != nil {
		self.OnStateChange(s)
	}
}
