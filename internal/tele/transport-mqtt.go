package tele

import (
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/temoto/muonlink/log2"
)

// SetClientLog routes paho internals into log.
// paho uses package globals, call once per process.
func SetClientLog(log *log2.Log, debug bool) {
	mqtt.ERROR = log
	mqtt.CRITICAL = log
	mqtt.WARN = log
	if debug {
		mqtt.DEBUG = log
	}
}

func (self *Broker) clientOptions() *mqtt.ClientOptions {
	clientID := self.config.ClientID
	if clientID == "" {
		clientID = self.deviceID
	}
	cred := self.cred
	return mqtt.NewClientOptions().
		AddBroker(self.config.BrokerURL).
		SetClientID(clientID).
		SetUsername(cred.Username).
		SetPassword(cred.Password).
		SetKeepAlive(self.config.KeepAlive).
		SetPingTimeout(self.config.PingTimeout).
		SetConnectTimeout(self.config.ConnectTimeout).
		SetCleanSession(true).
		SetOrderMatters(false).
		// reconnect is ours, see Broker.fail
		SetAutoReconnect(false).
		SetDefaultPublishHandler(self.messageHandler).
		SetConnectionLostHandler(self.connectionLostHandler)
}

// paho callbacks run on client goroutines, only Post from here.

func (self *Broker) messageHandler(c mqtt.Client, msg mqtt.Message) {
	topic, payload := msg.Topic(), msg.Payload()
	self.sched.Post(func() { self.onMessage(topic, payload) })
}

func (self *Broker) connectionLostHandler(c mqtt.Client, err error) {
	self.sched.Post(func() { self.onConnectionLost(err) })
}

func (self *Broker) waitToken(gen uint64, token mqtt.Token) {
	self.spawn(func() {
		token.Wait()
		err := token.Error()
		self.sched.Post(func() { self.onConnectResult(gen, err) })
	})
}

func (self *Broker) watchToken(what, topic string, token mqtt.Token) {
	timeout := self.config.ConnectTimeout
	self.spawn(func() {
		if !token.WaitTimeout(timeout) {
			self.log.Errorf("mqtt %s topic=%s timeout=%v", what, topic, timeout)
			return
		}
		if err := token.Error(); err != nil {
			self.log.Errorf("mqtt %s topic=%s err=%v", what, topic, err)
		}
	})
}
