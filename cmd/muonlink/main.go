// muonlink buffers detector records on local disk and delivers them.
// Records are read from stdin, one per line, lines prefixed "log " go to the log sink.
package main

import (
	"bufio"
	"flag"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/temoto/muonlink/internal/state"
	"github.com/temoto/muonlink/internal/tele"
	"github.com/temoto/muonlink/log2"
)

const logPrefix = "log "

var log = log2.NewStderr(log2.LDebug)

func main() {
	flagConfig := flag.String("config", "muonlink.hcl", "")
	flagUsername := flag.String("username", "", "replace stored login")
	flagPassword := flag.String("password", "", "replace stored password")
	flag.Parse()

	if sdnotify("start") {
		// we're under systemd, assume systemd journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	} else {
		log.SetFlags(log2.LStdFlags)
	}

	fs, err := state.NewOsFullReader(".")
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	config := state.MustReadConfig(log, fs, *flagConfig)
	if !config.Log.Debug {
		log.SetLevel(log2.LInfo)
	}
	tele.SetClientLog(log.Clone(log2.LInfo), config.Mqtt.LogDebug)

	g := state.NewGlobal(log)
	g.Login.Username = *flagUsername
	g.Login.Password = *flagPassword
	g.OnGiveUp = func() { sdnotify("STATUS=mqtt gave up, send SIGHUP to reconnect") }
	if err := g.Init(config); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	if interval, err := daemon.SdWatchdogEnabled(false); err != nil {
		log.Error(errors.Annotate(err, "watchdog"))
	} else {
		g.Watchdog(interval, func() { sdnotify(daemon.SdNotifyWatchdog) })
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigs {
			if sig == syscall.SIGHUP {
				log.Infof("signal=%v restart mqtt", sig)
				sdnotify("STATUS=running")
				g.RestartBroker()
				continue
			}
			log.Infof("signal=%v stopping", sig)
			sdnotify(daemon.SdNotifyStopping)
			g.Stop()
			return
		}
	}()
	go readInput(g, os.Stdin)

	sdnotify(daemon.SdNotifyReady)
	log.Infof("muonlink running device=%s", g.Identity.ID)
	g.Run()
	if !g.StopWait(5 * time.Second) {
		log.Errorf("stop timeout")
	}
}

// readInput feeds records until EOF, daemon keeps running without producer.
func readInput(g *state.Global, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		var ok bool
		if strings.HasPrefix(line, logPrefix) {
			ok = g.LogLine(strings.TrimPrefix(line, logPrefix))
		} else {
			ok = g.Data(line)
		}
		if !ok {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Errorf("input err=%v", err)
	}
	log.Infof("input closed")
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
