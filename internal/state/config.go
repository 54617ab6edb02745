package state

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/muonlink/helpers"
	"github.com/temoto/muonlink/internal/rotation"
	"github.com/temoto/muonlink/internal/tele"
	"github.com/temoto/muonlink/internal/upload"
	"github.com/temoto/muonlink/log2"
)

const (
	DefaultStorageRoot   = "/var/muondetector"
	DefaultFileSizeMB    = 500
	DefaultDailyRotation = "11:11:11.111"
	DefaultMqttHost      = "data.muonpi.org"
	DefaultMqttPort      = 1883
	DefaultMqttQos       = 1
	DefaultReminder      = 5 * time.Minute
	DefaultLogInterval   = 1 * time.Minute
	DefaultCheckInterval = 10 * time.Second
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Device struct {
		// empty = discover from network interfaces
		HardwareAddress string `hcl:"hardware_address"`
	} `hcl:"device"`

	Storage struct {
		Root             string `hcl:"root"`
		FileSizeMB       int    `hcl:"file_size_mb"`
		DailyRotation    string `hcl:"daily_rotation"`
		CheckIntervalSec int    `hcl:"check_interval_sec"`
	} `hcl:"storage"`

	Mqtt struct { //nolint:maligned
		Host              string `hcl:"host"`
		Port              int    `hcl:"port"`
		ClientID          string `hcl:"client_id"`
		Qos               int    `hcl:"qos"`
		TopicBase         string `hcl:"topic_base"`
		KeepaliveSec      int    `hcl:"keepalive_sec"`
		PingTimeoutSec    int    `hcl:"ping_timeout_sec"`
		ConnectTimeoutSec int    `hcl:"connect_timeout_sec"`
		MaxTries          int    `hcl:"max_tries"`
		ReconnectMinSec   int    `hcl:"reconnect_min_sec"`
		ReconnectMaxSec   int    `hcl:"reconnect_max_sec"`
		LogDebug          bool   `hcl:"log_debug"`
	} `hcl:"mqtt"`

	Upload struct {
		Enable      bool   `hcl:"enable"`
		Program     string `hcl:"program"`
		URL         string `hcl:"url"`
		Port        int    `hcl:"port"`
		ReminderMin int    `hcl:"reminder_min"`
		TimeoutSec  int    `hcl:"timeout_sec"`
		RCPath      string `hcl:"rc_path"`
	} `hcl:"upload"`

	Log struct {
		IntervalMin int  `hcl:"interval_min"`
		Debug       bool `hcl:"debug"`
	} `hcl:"log"`

	// same effect as -username -password flags, flags win
	Login struct {
		Username string `hcl:"username"`
		Password string `hcl:"password"`
	} `hcl:"login"`

	dailyRotation helpers.ClockTime
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig reads names in order, later sources overwrite earlier values.
// Defaults are applied after all sources, then the result is validated.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.Errorf("code error ReadConfig() without names")
	}
	names = append([]string(nil), names...)

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if dir != "" {
			osfs.SetBase(dir)
		}
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if len(errs) == 0 {
		c.applyDefaults()
		errs = append(errs, c.validate()...)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

func (c *Config) applyDefaults() {
	if c.Storage.Root == "" {
		c.Storage.Root = DefaultStorageRoot
	}
	if c.Storage.FileSizeMB == 0 {
		c.Storage.FileSizeMB = DefaultFileSizeMB
	}
	if c.Storage.DailyRotation == "" {
		c.Storage.DailyRotation = DefaultDailyRotation
	}
	if c.Mqtt.Host == "" {
		c.Mqtt.Host = DefaultMqttHost
	}
	if c.Mqtt.Port == 0 {
		c.Mqtt.Port = DefaultMqttPort
	}
	if c.Mqtt.Qos == 0 {
		c.Mqtt.Qos = DefaultMqttQos
	}
	if c.Mqtt.TopicBase == "" {
		c.Mqtt.TopicBase = tele.DefaultTopicBase
	}
	if c.Upload.Program == "" {
		c.Upload.Program = upload.DefaultProgram
	}
	if c.Upload.URL == "" {
		c.Upload.URL = upload.DefaultURL
	}
	if c.Upload.Port == 0 {
		c.Upload.Port = upload.DefaultPort
	}
}

func (c *Config) validate() []error {
	errs := make([]error, 0)
	if c.Storage.FileSizeMB < 0 {
		errs = append(errs, errors.NotValidf("config: storage.file_size_mb=%d", c.Storage.FileSizeMB))
	}
	if ct, err := helpers.ParseClockTime(c.Storage.DailyRotation); err != nil {
		errs = append(errs, errors.Annotate(err, "config: storage.daily_rotation"))
	} else {
		c.dailyRotation = ct
	}
	if c.Mqtt.Port < 0 || c.Mqtt.Port > 65535 {
		errs = append(errs, errors.NotValidf("config: mqtt.port=%d", c.Mqtt.Port))
	}
	if c.Mqtt.Qos < 0 || c.Mqtt.Qos > 2 {
		errs = append(errs, errors.NotValidf("config: mqtt.qos=%d", c.Mqtt.Qos))
	}
	if c.Mqtt.MaxTries < 0 {
		errs = append(errs, errors.NotValidf("config: mqtt.max_tries=%d", c.Mqtt.MaxTries))
	}
	if c.Upload.Port < 0 || c.Upload.Port > 65535 {
		errs = append(errs, errors.NotValidf("config: upload.port=%d", c.Upload.Port))
	}
	if (c.Login.Username == "") != (c.Login.Password == "") {
		errs = append(errs, errors.NotValidf("config: login with partial username/password"))
	}
	return errs
}

func (c *Config) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.Mqtt.Host, c.Mqtt.Port)
}

func (c *Config) TeleConfig() tele.Config {
	return tele.Config{
		BrokerURL:      c.BrokerURL(),
		ClientID:       c.Mqtt.ClientID,
		KeepAlive:      helpers.IntSecondDefault(c.Mqtt.KeepaliveSec, tele.DefaultKeepAlive),
		PingTimeout:    helpers.IntSecondDefault(c.Mqtt.PingTimeoutSec, 0),
		ConnectTimeout: helpers.IntSecondDefault(c.Mqtt.ConnectTimeoutSec, tele.DefaultConnectTimeout),
		QOS:            byte(c.Mqtt.Qos),
		TopicBase:      c.Mqtt.TopicBase,
		MaxTries:       c.Mqtt.MaxTries,
		ReconnectMin:   helpers.IntSecondDefault(c.Mqtt.ReconnectMinSec, tele.DefaultReconnectMin),
		ReconnectMax:   helpers.IntSecondDefault(c.Mqtt.ReconnectMaxSec, tele.DefaultReconnectMax),
		LogDebug:       c.Mqtt.LogDebug,
	}
}

// RotationConfig for device storage folder root.
func (c *Config) RotationConfig(root string) rotation.Config {
	return rotation.Config{
		Root:          root,
		FileSizeBytes: int64(c.Storage.FileSizeMB) << 20,
		DailyRotation: c.dailyRotation,
	}
}

func (c *Config) Lftp(deviceID string, log *log2.Log) *upload.Lftp {
	return &upload.Lftp{
		Program:  c.Upload.Program,
		Port:     c.Upload.Port,
		URL:      c.Upload.URL,
		DeviceID: deviceID,
		Timeout:  helpers.IntSecondDefault(c.Upload.TimeoutSec, upload.DefaultTimeout),
		RCPath:   c.Upload.RCPath,
		Log:      log,
	}
}

func (c *Config) CheckInterval() time.Duration {
	return helpers.IntSecondDefault(c.Storage.CheckIntervalSec, DefaultCheckInterval)
}

func (c *Config) UploadReminder() time.Duration {
	return helpers.IntMinuteDefault(c.Upload.ReminderMin, DefaultReminder)
}

func (c *Config) LogInterval() time.Duration {
	return helpers.IntMinuteDefault(c.Log.IntervalMin, DefaultLogInterval)
}
