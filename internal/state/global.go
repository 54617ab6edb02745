package state

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/muonlink/helpers/atomic_clock"
	"github.com/temoto/muonlink/internal/credential"
	"github.com/temoto/muonlink/internal/device"
	"github.com/temoto/muonlink/internal/loop"
	"github.com/temoto/muonlink/internal/rotation"
	"github.com/temoto/muonlink/internal/tele"
	"github.com/temoto/muonlink/internal/upload"
	"github.com/temoto/muonlink/log2"
)

// Global wires components around one event loop.
// After Init every field except Alive and Log is owned by the loop.
type Global struct {
	Alive    *alive.Alive
	Config   *Config
	Log      *log2.Log
	Loop     *loop.Loop
	Identity device.Identity
	Creds    *credential.Store
	Files    *rotation.Manager
	Broker   *tele.Broker
	Upload   *upload.Agent

	// Login from command line, replaces stored credential when set.
	// Empty falls back to config login block.
	Login credential.Credential
	// OnGiveUp is called on the loop when MQTT reconnect budget is exhausted.
	OnGiveUp func()

	now       func() time.Time
	errCount  uint32
	lastInput atomic_clock.Clock // written by producers, read by status log
	timers    []loop.Timer
	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time
}

func NewGlobal(log *log2.Log) *Global {
	ctx, cancel := context.WithCancel(context.Background())
	return &Global{
		Alive:  alive.NewAlive(),
		Log:    log,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Init fails only on configuration or identity problems.
// Storage and credential problems are logged, daemon continues degraded.
func (g *Global) Init(cfg *Config) error {
	g.Config = cfg

	if cfg.Device.HardwareAddress != "" {
		g.Identity = device.FromAddress(cfg.Device.HardwareAddress)
	} else {
		id, err := device.Discover()
		if err != nil {
			return errors.Annotate(err, "config: device.hardware_address is empty")
		}
		g.Identity = id
	}
	root := filepath.Join(cfg.Storage.Root, g.Identity.ID)
	g.Log.Infof("device address=%s id=%s root=%s", g.Identity.HardwareAddress, g.Identity.ID, root)

	// counter for status log, installed before anything can fail
	g.Log.SetErrorFunc(func(error) { atomic.AddUint32(&g.errCount, 1) })

	g.Loop = loop.New(g.Alive, g.Log, 0)

	g.Files = rotation.NewManager(cfg.RotationConfig(root), g.Log)
	g.Files.OnRotate = g.onRotate
	if err := g.Files.Start(); err != nil {
		g.Log.Error(errors.Annotate(err, "storage degraded"))
	}

	g.Creds = credential.NewStore(filepath.Join(root, credential.FileName), g.Identity.Key(), g.Log)
	login := g.Login
	if login.Username == "" && login.Password == "" {
		login = credential.Credential{Username: cfg.Login.Username, Password: cfg.Login.Password}
	}
	if err := g.Creds.Configure(login.Username, login.Password); err != nil {
		g.Log.Error(errors.Annotate(err, "credential"))
	}

	g.Broker = tele.NewBroker(cfg.TeleConfig(), g.Identity.ID, g.Loop, g.Log)
	g.Broker.OnGiveUp = g.onGiveUp
	g.Broker.OnStateChange = func(s tele.State) { g.Log.Infof("mqtt state=%s", s) }

	uploadConfig := upload.Config{Enable: cfg.Upload.Enable, ArchiveDir: g.Files.ArchiveDir()}
	g.Upload = upload.NewAgent(uploadConfig, cfg.Lftp(g.Identity.ID, g.Log), g.Files, g.Creds, g.Loop, g.Log)
	g.Upload.OnPassDone = g.onUploadDone
	return nil
}

// Run blocks until Stop. Components are closed on return.
func (g *Global) Run() {
	g.startedAt = g.now()
	g.Loop.Post(g.start)
	g.Loop.Run()
	g.shutdown()
}

// Watchdog runs notify on the loop every interval/2, a stuck loop misses pings.
// Call before Run. Zero interval disables.
func (g *Global) Watchdog(interval time.Duration, notify func()) {
	if interval <= 0 {
		return
	}
	g.timers = append(g.timers, g.Loop.Every(interval/2, notify))
}

func (g *Global) Stop() { g.Alive.Stop() }

func (g *Global) StopWait(timeout time.Duration) bool {
	g.Alive.Stop()
	select {
	case <-g.Alive.WaitChan():
		return true
	case <-time.After(timeout):
		return false
	}
}

// Data appends record to data file and publishes it live. Safe from any goroutine.
func (g *Global) Data(line string) bool {
	g.lastInput.SetTime(g.now())
	return g.Loop.Post(func() { g.data(line) })
}

// LogLine appends line to log file and log topic. Safe from any goroutine.
func (g *Global) LogLine(line string) bool {
	return g.Loop.Post(func() { g.logLine(line) })
}

// Restart MQTT after give up. Safe from any goroutine.
func (g *Global) RestartBroker() bool {
	return g.Loop.Post(func() {
		if err := g.Broker.Restart(); err != nil {
			g.Log.Error(err)
		}
	})
}

func (g *Global) start() {
	if cred, ok := g.Creds.Credential(); ok {
		g.Broker.Start(cred)
	} else {
		g.Log.Errorf("no credential, mqtt and upload disabled until login is configured")
	}
	g.timers = append(g.timers,
		g.Loop.Every(g.Config.CheckInterval(), g.checkRotation),
		g.Loop.Every(g.Config.UploadReminder(), g.triggerUpload),
		g.Loop.Every(g.Config.LogInterval(), g.statusLog),
	)
}

func (g *Global) shutdown() {
	for _, t := range g.timers {
		t.Stop()
	}
	g.timers = nil
	g.cancel()
	if g.Broker != nil {
		g.Broker.Stop()
	}
	if g.Files != nil {
		g.Files.Close()
	}
}

func (g *Global) data(line string) {
	g.Files.WriteData(line)
	if g.Broker.State() == tele.StateConnected {
		if err := g.Broker.PublishData(line); err != nil {
			g.Log.Debugf("publish data err=%v", err)
		}
	}
}

func (g *Global) logLine(line string) {
	g.Files.WriteLog(line)
	if g.Broker.State() == tele.StateConnected {
		if err := g.Broker.PublishLog(line); err != nil {
			g.Log.Debugf("publish log err=%v", err)
		}
	}
}

func (g *Global) checkRotation() {
	if _, err := g.Files.Check(); err != nil {
		g.Log.Error(errors.Annotate(err, "rotation"))
	}
}

func (g *Global) triggerUpload() {
	g.Upload.Trigger(g.ctx)
}

func (g *Global) onRotate(old, next rotation.WorkingFileSet) {
	g.logLine(FormatParam(g.now(), "rotated", filepath.Base(old.DataPath)+" "+filepath.Base(next.DataPath), ""))
}

func (g *Global) onGiveUp() {
	g.Log.Errorf("mqtt gave up after tries=%d, waiting for restart", g.Broker.Tries())
	if g.OnGiveUp != nil {
		g.OnGiveUp()
	}
}

func (g *Global) onUploadDone(uploaded int, err error) {
	if err != nil {
		g.Log.Errorf("upload pass uploaded=%d err=%v", uploaded, err)
		return
	}
	g.Log.Infof("upload pass uploaded=%d", uploaded)
}
