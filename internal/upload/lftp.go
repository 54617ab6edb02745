package upload

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/muonlink/helpers"
	"github.com/temoto/muonlink/internal/credential"
	"github.com/temoto/muonlink/log2"
)

const (
	DefaultProgram = "lftp"
	DefaultPort    = 35221
	DefaultURL     = "balu.physik.uni-giessen.de:/cosmicshower"
	DefaultTimeout = 600 * time.Second

	PasswordEnv = "LFTP_PASSWORD"
	rcContent   = "set ssl:verify-certificate no\n"
	rcMinSize   = 10
	killGrace   = time.Second
)

// Lftp uploads one file per child process.
// Password is passed only through child environment, never argv.
type Lftp struct {
	Program  string
	Port     int
	URL      string
	DeviceID string // remote directory
	Timeout  time.Duration
	RCPath   string // default $HOME/.lftp/rc, "-" skips bootstrap
	Log      *log2.Log
}

var _ Uploader = &Lftp{}

func (self *Lftp) Upload(ctx context.Context, path string, cred credential.Credential) error {
	if cred.Username == "" {
		return errors.NotValidf("upload without username")
	}
	if err := self.ensureRC(); err != nil {
		self.Log.Errorf("upload rc bootstrap err=%v", err)
	}

	timeout := self.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(self.program(), self.args(path, cred.Username)...)
	env := append(os.Environ(), PasswordEnv+"="+cred.Password)
	cmd.Env = env
	defer func() { env[len(env)-1] = PasswordEnv + "=" }()
	// own process group, so timeout kills helpers lftp spawned too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	self.Log.Debugf("upload start file=%s", path)
	started := time.Now()
	if err := cmd.Start(); err != nil {
		return helpers.NetworkError(errors.Annotatef(err, "upload file=%s", path))
	}
	waitch := make(chan error, 1)
	go func() { waitch <- cmd.Wait() }()

	select {
	case err := <-waitch:
		if err != nil {
			return helpers.NetworkError(errors.Annotatef(err, "upload file=%s output=%q", path, output.Bytes()))
		}
	case <-ctx.Done():
		pid := cmd.Process.Pid
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			self.Log.Debugf("upload kill pgid=%d err=%v", pid, err)
		}
		// output is not read here, a process that left the group may still hold the pipe
		select {
		case <-waitch:
		case <-time.After(killGrace):
			self.Log.Errorf("upload pid=%d not reaped after kill", pid)
		}
		if ctx.Err() == context.DeadlineExceeded {
			return helpers.NetworkError(errors.Errorf("upload file=%s timeout=%v", path, timeout))
		}
		return helpers.NetworkError(errors.Annotatef(ctx.Err(), "upload file=%s", path))
	}
	self.Log.Debugf("upload done file=%s duration=%v", path, time.Since(started))
	return nil
}

func (self *Lftp) program() string {
	if self.Program == "" {
		return DefaultProgram
	}
	return self.Program
}

func (self *Lftp) args(path, username string) []string {
	port := self.Port
	if port == 0 {
		port = DefaultPort
	}
	url := self.URL
	if url == "" {
		url = DefaultURL
	}
	script := fmt.Sprintf("mkdir %s ; cd %s && put %s ; exit", self.DeviceID, self.DeviceID, path)
	return []string{"--env-password", "-p", strconv.Itoa(port), "-u", username, url, "-e", script}
}

func (self *Lftp) rcPath() string {
	if self.RCPath != "" {
		return self.RCPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".lftp", "rc")
}

// ensureRC writes lftp rc disabling certificate check when rc is missing or near empty.
func (self *Lftp) ensureRC() error {
	path := self.rcPath()
	if path == "" || path == "-" {
		return nil
	}
	if fi, err := os.Stat(path); err == nil && fi.Size() >= rcMinSize {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return helpers.IOError(errors.Annotate(err, "lftp rc"))
	}
	if err := ioutil.WriteFile(path, []byte(rcContent), 0644); err != nil {
		return helpers.IOError(errors.Annotate(err, "lftp rc"))
	}
	self.Log.Infof("lftp rc created path=%s", path)
	return nil
}
