package tele

import (
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Broker connection contract:
// - durability is not here, records are already on disk when published
// - Publish fails fast unless connected, no outbound queue
// - reconnect is driven by loop timers with backoff, bounded by MaxTries
// - after give up only explicit Restart() connects again
// - subscriptions are replayed after every successful connect

type Config struct {
	BrokerURL      string // tcp://host:port
	ClientID       string
	KeepAlive      time.Duration
	PingTimeout    time.Duration
	ConnectTimeout time.Duration
	QOS            byte
	TopicBase      string
	MaxTries       int
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	LogDebug       bool
}

const (
	DefaultMaxTries       = 10
	DefaultKeepAlive      = 45 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultReconnectMin   = 5 * time.Second
	DefaultReconnectMax   = 5 * time.Minute
	DefaultTopicBase      = "muonpi"

	disconnectQuiesceMs = 250
)

func TopicData(base, deviceID string) string { return base + "/data/" + deviceID }
func TopicLog(base, deviceID string) string  { return base + "/log/" + deviceID }

// Subset of mqtt.Client used by Broker, paho client satisfies it.
type mqttClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

func newPahoClient(opt *mqtt.ClientOptions) mqttClient { return mqtt.NewClient(opt) }
