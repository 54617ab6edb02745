package state

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/temoto/muonlink/internal/rotation"
)

// Log file line: time<YYYY-MM-DD_hh-mm-ss> parname value unit
func FormatParam(t time.Time, name string, value interface{}, unit string) string {
	line := fmt.Sprintf("%s %s %v %s", t.UTC().Format(rotation.NameLayout), name, value, unit)
	return strings.TrimRight(line, " ")
}

type param struct {
	name  string
	value interface{}
	unit  string
}

func (g *Global) statusParams() []param {
	backlog, err := g.Files.Backlog()
	if err != nil {
		g.Log.Error(err)
	}
	dataSize := int64(-1)
	if fi := g.Files.DataFileInfo(); fi != nil {
		dataSize = fi.Size()
	}
	return []param{
		{"uptime", int64(g.now().Sub(g.startedAt) / time.Second), "s"},
		{"mqttState", g.Broker.State().String(), ""},
		{"mqttTries", g.Broker.Tries(), ""},
		{"backlogFiles", len(backlog), ""},
		{"dataFileSize", dataSize, "bytes"},
		{"logAge", g.Files.CurrentAge(), "s"},
		{"inputAge", ageSeconds(g.lastInput.Age(g.now())), "s"},
		{"errors", atomic.SwapUint32(&g.errCount, 0), ""},
	}
}

// statusLog writes daemon parameters as log records, same path as producer log lines.
func (g *Global) statusLog() {
	now := g.now()
	for _, p := range g.statusParams() {
		g.logLine(FormatParam(now, p.name, p.value, p.unit))
	}
}

func ageSeconds(d time.Duration) int64 {
	if d < 0 {
		return -1
	}
	return int64(d / time.Second)
}
