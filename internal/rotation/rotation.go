// Package rotation owns the single open pair of data and log files.
//
// Layout under Config.Root:
//   notUploadedFiles/                  open pair and backlog, data_<utc>.dat log_<utc>.dat
//   uploadedFiles/                     archive, filled by upload
//   currentWorkingFileInformation.conf two lines: data path, log path of the open pair
//   rotation/                          persisted last daily rotation instant
//
// Manager is not safe for concurrent use, owner is the event loop.
// Known inconsistency window: crash after state file write and before files are open.
package rotation

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/muonlink/helpers"
	"github.com/temoto/muonlink/internal/persist"
	"github.com/temoto/muonlink/log2"
)

const (
	DataFolderName    = "notUploadedFiles"
	ArchiveFolderName = "uploadedFiles"
	StateFileName     = "currentWorkingFileInformation.conf"
	persistTag        = "rotation"

	Extension  = ".dat"
	DataPrefix = "data_"
	LogPrefix  = "log_"
	NameLayout = "2006-01-02_15-04-05"

	DataHeader = "#unix_timestamp_rising(s)  unix_timestamp_trailing(s)  time_accuracy(ns)  valid  timebase(0=gps,2=utc)  utc_available"
	LogHeader  = "#log parameters: time<YYYY-MM-DD_hh-mm-ss>  parname   value  unit"

	DirPerm  os.FileMode = 0755
	FilePerm os.FileMode = 0664
)

type Config struct {
	// Device storage root, created if missing.
	Root string
	// Size trigger, 0 disables.
	FileSizeBytes int64
	// Daily trigger wall clock time, UTC.
	DailyRotation helpers.ClockTime
}

type Phase uint8

const (
	PhaseNoFiles Phase = iota
	PhaseOpen
	PhaseRotatingClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseNoFiles:
		return "NoFiles"
	case PhaseOpen:
		return "Open"
	case PhaseRotatingClosed:
		return "RotatingClosed"
	}
	return "Phase?"
}

type WorkingFileSet struct {
	DataPath  string
	LogPath   string
	CreatedAt time.Time
}

func (self WorkingFileSet) IsZero() bool { return self.DataPath == "" && self.LogPath == "" }

type Manager struct {
	OnRotate func(old, new WorkingFileSet)

	config     Config
	log        *log2.Log
	now        func() time.Time
	dataDir    string
	archiveDir string
	statePath  string

	phase     Phase
	current   WorkingFileSet
	data      *os.File
	logf      *os.File
	lastDaily persist.Instant
	daily     persist.Persist
}

func NewManager(config Config, log *log2.Log) *Manager {
	if abs, err := filepath.Abs(config.Root); err == nil {
		config.Root = abs
	}
	return &Manager{
		config:     config,
		log:        log,
		now:        time.Now,
		dataDir:    filepath.Join(config.Root, DataFolderName),
		archiveDir: filepath.Join(config.Root, ArchiveFolderName),
		statePath:  filepath.Join(config.Root, StateFileName),
	}
}

func (self *Manager) DataDir() string    { return self.dataDir }
func (self *Manager) ArchiveDir() string { return self.archiveDir }
func (self *Manager) StatePath() string  { return self.statePath }
func (self *Manager) Phase() Phase       { return self.phase }

// Current returns the open pair, zero value when none.
func (self *Manager) Current() WorkingFileSet { return self.current }

// Start resumes the pair recorded in state file or creates a new one.
// Returned error describes degraded sinks, Manager stays usable.
func (self *Manager) Start() error {
	for _, dir := range []string{self.config.Root, self.dataDir, self.archiveDir} {
		if err := os.MkdirAll(dir, DirPerm); err != nil {
			return errors.Annotatef(helpers.IOError(err), "rotation mkdir=%s", dir)
		}
	}
	self.loadDaily()

	names, err := self.backlogNames()
	if err != nil {
		return err
	}
	set, err := self.readState()
	if err != nil {
		self.log.Errorf("rotation state file ignored err=%v", err)
	}
	if !set.IsZero() {
		self.log.Debugf("rotation resume data=%s log=%s", set.DataPath, set.LogPath)
		self.current = set
		if err = self.open(); err == nil || self.phase == PhaseOpen {
			return err
		}
		self.log.Errorf("rotation resume failed, new files err=%v", err)
	}

	self.current = self.synthesize(names, set)
	if err := self.writeState(); err != nil {
		self.log.Error(err)
	}
	return self.open()
}

func (self *Manager) WriteData(line string) {
	if self.data == nil {
		return
	}
	if err := helpers.WriteLine(self.data, line); err != nil {
		self.log.Errorf("rotation write data path=%s err=%v", self.current.DataPath, err)
	}
}

func (self *Manager) WriteLog(line string) {
	if self.logf == nil {
		return
	}
	if err := helpers.WriteLine(self.logf, line); err != nil {
		self.log.Errorf("rotation write log path=%s err=%v", self.current.LogPath, err)
	}
}

// Check evaluates size and daily triggers, rotates at most once per call.
func (self *Manager) Check() (bool, error) {
	if self.data == nil && self.logf == nil {
		return false, nil
	}
	now := self.now().UTC()

	sizeTrigger := false
	if self.config.FileSizeBytes > 0 && self.data != nil {
		if st, err := self.data.Stat(); err != nil {
			self.log.Errorf("rotation stat path=%s err=%v", self.current.DataPath, err)
		} else if st.Size() > self.config.FileSizeBytes {
			sizeTrigger = true
			self.log.Debugf("rotation size=%d threshold=%d", st.Size(), self.config.FileSizeBytes)
		}
	}

	due := self.config.DailyRotation.On(now)
	dailyTrigger := self.lastDaily.T.Before(due) && !now.Before(due)
	if dailyTrigger {
		self.log.Debugf("rotation daily due=%s last=%s", due.Format(time.RFC3339), self.lastDaily.T.Format(time.RFC3339))
		self.lastDaily.T = now
		if err := self.daily.Store(); err != nil {
			self.log.Errorf("rotation daily store err=%v", err)
		}
	}

	if !(sizeTrigger || dailyTrigger) {
		return false, nil
	}
	return true, self.SwitchFiles("")
}

// SwitchFiles closes open pair and opens a new one.
// Empty name synthesizes timestamp name, otherwise data_<name> and log_<name> are used verbatim.
func (self *Manager) SwitchFiles(name string) error {
	old := self.current
	self.closeFiles()
	self.phase = PhaseRotatingClosed

	if name == "" {
		names, err := self.backlogNames()
		if err != nil {
			self.log.Error(err)
		}
		self.current = self.synthesize(names, old)
	} else {
		self.current = WorkingFileSet{
			DataPath:  filepath.Join(self.dataDir, DataPrefix+name),
			LogPath:   filepath.Join(self.dataDir, LogPrefix+name),
			CreatedAt: self.now().UTC(),
		}
	}
	if err := self.writeState(); err != nil {
		self.log.Error(err)
	}
	err := self.open()
	self.log.Infof("rotation switch old=%s new=%s", filepath.Base(old.DataPath), filepath.Base(self.current.DataPath))
	if self.OnRotate != nil {
		self.OnRotate(old, self.current)
	}
	return err
}

// Backlog lists closed data folder files as absolute sorted paths, open pair excluded.
func (self *Manager) Backlog() ([]string, error) {
	names, err := self.backlogNames()
	if err != nil {
		return nil, err
	}
	result := make([]string, 0, len(names))
	for name := range names {
		path := filepath.Join(self.dataDir, name)
		if path == self.current.DataPath || path == self.current.LogPath {
			continue
		}
		result = append(result, path)
	}
	sort.Strings(result)
	return result, nil
}

func (self *Manager) CurrentDataFileName() string {
	if self.data == nil {
		return ""
	}
	return self.current.DataPath
}

func (self *Manager) CurrentLogFileName() string {
	if self.logf == nil {
		return ""
	}
	return self.current.LogPath
}

func (self *Manager) DataFileInfo() os.FileInfo { return statOrNil(self.data) }
func (self *Manager) LogFileInfo() os.FileInfo  { return statOrNil(self.logf) }

// CurrentAge in seconds of open data file, -1 without one.
func (self *Manager) CurrentAge() int64 {
	if self.data == nil || self.current.CreatedAt.IsZero() {
		return -1
	}
	return int64(self.now().Sub(self.current.CreatedAt) / time.Second)
}

func (self *Manager) Close() {
	self.closeFiles()
	self.phase = PhaseNoFiles
}

func (self *Manager) loadDaily() {
	if err := self.daily.Init(persistTag, &self.lastDaily, self.config.Root, self.log); err != nil {
		self.log.Errorf("rotation daily init err=%v", err)
		return
	}
	if err := self.daily.Load(); err != nil {
		self.log.Errorf("rotation daily load err=%v", err)
	}
	if self.lastDaily.T.IsZero() {
		// first run, next daily instant is the first trigger
		self.lastDaily.T = self.now().UTC()
		if err := self.daily.Store(); err != nil {
			self.log.Errorf("rotation daily store err=%v", err)
		}
	}
}

// synthesize regenerates until both names are free; each retry moves one second forward.
func (self *Manager) synthesize(taken map[string]struct{}, exclude WorkingFileSet) WorkingFileSet {
	isTaken := func(name string) bool {
		_, ok := taken[name]
		path := filepath.Join(self.dataDir, name)
		return ok || path == exclude.DataPath || path == exclude.LogPath
	}
	t := self.now().UTC().Truncate(time.Second)
	for {
		part := t.Format(NameLayout) + Extension
		if !isTaken(DataPrefix+part) && !isTaken(LogPrefix+part) {
			return WorkingFileSet{
				DataPath:  filepath.Join(self.dataDir, DataPrefix+part),
				LogPath:   filepath.Join(self.dataDir, LogPrefix+part),
				CreatedAt: t,
			}
		}
		self.log.Debugf("rotation name collision name=%s", part)
		t = t.Add(time.Second)
	}
}

func (self *Manager) open() error {
	var errs []error
	var err error
	if self.data, err = self.openSink(self.current.DataPath, DataHeader); err != nil {
		errs = append(errs, err)
	}
	if self.logf, err = self.openSink(self.current.LogPath, LogHeader); err != nil {
		errs = append(errs, err)
	}
	if self.data != nil || self.logf != nil {
		self.phase = PhaseOpen
	} else {
		self.phase = PhaseNoFiles
	}
	if len(errs) != 0 {
		return helpers.IOError(helpers.FoldErrors(errs))
	}
	return nil
}

func (self *Manager) openSink(path, header string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, FilePerm)
	if err != nil {
		self.log.Errorf("rotation open path=%s err=%v", path, err)
		return nil, errors.Annotatef(err, "open path=%s", path)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Annotatef(err, "stat path=%s", path)
	}
	if st.Size() == 0 {
		if err = helpers.WriteLine(f, header); err != nil {
			f.Close()
			return nil, errors.Annotatef(err, "header path=%s", path)
		}
	}
	return f, nil
}

func (self *Manager) closeFiles() {
	for _, f := range []*os.File{self.data, self.logf} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil {
			self.log.Errorf("rotation close path=%s err=%v", f.Name(), err)
		}
	}
	self.data, self.logf = nil, nil
}

func (self *Manager) writeState() error {
	content := self.current.DataPath + "\n" + self.current.LogPath + "\n"
	tmp := self.statePath + ".tmp"
	if err := ioutil.WriteFile(tmp, []byte(content), 0644); err != nil {
		return errors.Annotatef(helpers.IOError(err), "rotation state write path=%s", tmp)
	}
	if err := os.Rename(tmp, self.statePath); err != nil {
		return errors.Annotatef(helpers.IOError(err), "rotation state rename path=%s", self.statePath)
	}
	return nil
}

// readState returns zero set and nil error when state file is absent or empty.
func (self *Manager) readState() (WorkingFileSet, error) {
	b, err := ioutil.ReadFile(self.statePath)
	if os.IsNotExist(err) {
		return WorkingFileSet{}, nil
	}
	if err != nil {
		return WorkingFileSet{}, errors.Annotatef(helpers.IOError(err), "rotation state read path=%s", self.statePath)
	}
	if len(b) == 0 {
		return WorkingFileSet{}, nil
	}
	lines := strings.Split(string(b), "\n")
	if len(lines) < 2 {
		return WorkingFileSet{}, helpers.StateError(errors.Errorf("state file lines=%d", len(lines)))
	}
	set := WorkingFileSet{
		DataPath: strings.TrimSpace(lines[0]),
		LogPath:  strings.TrimSpace(lines[1]),
	}
	if set.DataPath == "" || set.LogPath == "" {
		return WorkingFileSet{}, helpers.StateError(errors.Errorf("state file empty path data=%q log=%q", set.DataPath, set.LogPath))
	}
	if filepath.Dir(set.DataPath) != self.dataDir || filepath.Dir(set.LogPath) != self.dataDir {
		return WorkingFileSet{}, helpers.StateError(errors.Errorf("state file paths outside data folder data=%s log=%s", set.DataPath, set.LogPath))
	}
	set.CreatedAt = createdFromName(filepath.Base(set.DataPath))
	if set.CreatedAt.IsZero() {
		set.CreatedAt = self.now().UTC()
	}
	return set, nil
}

func (self *Manager) backlogNames() (map[string]struct{}, error) {
	infos, err := ioutil.ReadDir(self.dataDir)
	if err != nil {
		return nil, errors.Annotatef(helpers.IOError(err), "rotation scan dir=%s", self.dataDir)
	}
	names := make(map[string]struct{}, len(infos))
	for _, fi := range infos {
		if fi.Mode().IsRegular() && strings.HasSuffix(fi.Name(), Extension) {
			names[fi.Name()] = struct{}{}
		}
	}
	return names, nil
}

func createdFromName(name string) time.Time {
	s := strings.TrimSuffix(strings.TrimPrefix(name, DataPrefix), Extension)
	t, err := time.Parse(NameLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func statOrNil(f *os.File) os.FileInfo {
	if f == nil {
		return nil
	}
	st, err := f.Stat()
	if err != nil {
		return nil
	}
	return st
}
