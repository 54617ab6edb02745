// Package upload ships closed backlog files and archives them.
//
// Each file is uploaded at most once per pass, then moved to archive.
// First failure ends the pass, files already moved stay moved.
// Failed files remain in backlog for next reminder, there is no retry ceiling.
package upload

import (
	"context"
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/temoto/muonlink/helpers"
	"github.com/temoto/muonlink/internal/credential"
	"github.com/temoto/muonlink/internal/loop"
	"github.com/temoto/muonlink/internal/rotation"
	"github.com/temoto/muonlink/log2"
)

type Uploader interface {
	Upload(ctx context.Context, path string, cred credential.Credential) error
}

// Source of backlog, satisfied by rotation.Manager.
type Source interface {
	Backlog() ([]string, error)
	Current() rotation.WorkingFileSet
}

// Credentials satisfied by credential.Store.
type Credentials interface {
	Credential() (credential.Credential, bool)
}

type Config struct {
	Enable     bool
	ArchiveDir string
}

type Agent struct {
	OnPassDone func(uploaded int, err error)

	config   Config
	uploader Uploader
	source   Source
	creds    Credentials
	sched    loop.Scheduler
	log      *log2.Log
	spawn    func(func())
	busy     bool
}

func NewAgent(config Config, uploader Uploader, source Source, creds Credentials, sched loop.Scheduler, log *log2.Log) *Agent {
	return &Agent{
		config:   config,
		uploader: uploader,
		source:   source,
		creds:    creds,
		sched:    sched,
		log:      log,
		spawn:    func(f func()) { go f() },
	}
}

func (self *Agent) Busy() bool { return self.busy }

// Trigger starts background pass over current backlog.
// Must be called on the event loop. Returns false when pass was skipped.
func (self *Agent) Trigger(ctx context.Context) bool {
	if !self.config.Enable {
		return false
	}
	if self.busy {
		self.log.Debugf("upload skip, pass in progress")
		return false
	}
	cred, ok := self.creds.Credential()
	if !ok || cred.Username == "" {
		self.log.Debugf("upload skip, no credential")
		return false
	}
	backlog, err := self.source.Backlog()
	if err != nil {
		self.log.Errorf("upload backlog err=%v", err)
		return false
	}
	cur := self.source.Current()
	exclude := []string{cur.DataPath, cur.LogPath}
	candidates := withoutPaths(backlog, exclude)
	if len(candidates) == 0 {
		return false
	}

	self.busy = true
	self.spawn(func() {
		n, err := self.Pass(ctx, candidates, exclude, cred)
		self.sched.Post(func() {
			self.busy = false
			if self.OnPassDone != nil {
				self.OnPassDone(n, err)
			}
		})
	})
	return true
}

// Pass uploads and archives files in order.
// Safe to call off the event loop, touches only the filesystem and uploader.
func (self *Agent) Pass(ctx context.Context, backlog []string, exclude []string, cred credential.Credential) (int, error) {
	backlog = withoutPaths(backlog, exclude)
	uploaded := 0
	for _, path := range backlog {
		if err := ctx.Err(); err != nil {
			return uploaded, errors.Annotate(err, "upload pass")
		}
		if err := self.uploader.Upload(ctx, path, cred); err != nil {
			if !helpers.IsKind(err, helpers.KindNetwork) {
				err = helpers.NetworkError(err)
			}
			return uploaded, errors.Annotatef(err, "upload pass uploaded=%d/%d", uploaded, len(backlog))
		}
		target := filepath.Join(self.config.ArchiveDir, filepath.Base(path))
		if err := os.Rename(path, target); err != nil {
			return uploaded, helpers.IOError(errors.Annotatef(err, "upload archive file=%s", path))
		}
		uploaded++
		self.log.Infof("uploaded file=%s", filepath.Base(path))
	}
	return uploaded, nil
}

func withoutPaths(paths []string, exclude []string) []string {
	skip := make(map[string]struct{}, len(exclude))
	for _, p := range exclude {
		if p != "" {
			skip[filepath.Clean(p)] = struct{}{}
		}
	}
	result := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := skip[filepath.Clean(p)]; !ok {
			result = append(result, p)
		}
	}
	return result
}
