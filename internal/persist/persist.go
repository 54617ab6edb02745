// Package persist binds small binary state to crash safe storage (extremofile:
// main and backup copy with checksum). Used for bookkeeping that must survive
// restart but has no externally defined file format.
package persist

import (
	"encoding"
	"io"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/extremofile"
	"github.com/temoto/muonlink/helpers"
	"github.com/temoto/muonlink/log2"
)

type Stater interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type storage interface {
	Read() ([]byte, error)
	io.Writer
}

// Binds Stater to persistent storage under root/tag.
// Not safe for concurrent use, owner is the event loop.
type Persist struct {
	log     *log2.Log
	tag     string
	target  Stater
	storage storage
}

func (p *Persist) Init(tag string, target Stater, root string, log *log2.Log) error {
	p.tag = tag
	p.log = log
	if root == "" {
		return errors.Errorf("persist %s root=empty", p.tag)
	}
	if target == nil {
		panic("code error persist target nil")
	}
	p.target = target
	p.storage = extremofile.New(extremofile.Config{
		Dir:      filepath.Join(root, tag),
		DirPerm:  0755,
		FilePerm: 0644,
	})
	return nil
}

// Load returns nil and leaves target untouched when nothing was stored yet.
func (p *Persist) Load() error {
	if p.storage == nil {
		panic("code error persist must call .Init() first")
	}
	tbegin := time.Now()
	b, err := p.storage.Read()
	p.log.Debugf("persist %s storage.read duration=%v", p.tag, time.Since(tbegin))
	if b == nil {
		return errors.Annotatef(helpers.StateError(err), "persist %s Load", p.tag)
	}
	if err != nil {
		p.log.Errorf("persist %s ignore non-critical storage err=%v", p.tag, err)
	}
	return errors.Annotatef(p.target.UnmarshalBinary(b), "persist %s Load", p.tag)
}

func (p *Persist) Store() error {
	if p.storage == nil {
		panic("code error persist must call .Init() first")
	}
	b, err := p.target.MarshalBinary()
	if err == nil {
		tbegin := time.Now()
		_, err = p.storage.Write(b)
		p.log.Debugf("persist %s storage.write duration=%v", p.tag, time.Since(tbegin))
	}
	return errors.Annotatef(helpers.IOError(err), "persist %s Store", p.tag)
}

// Instant is a Stater for single UTC timestamp.
type Instant struct{ T time.Time }

func (self *Instant) MarshalBinary() ([]byte, error) { return self.T.UTC().MarshalBinary() }
func (self *Instant) UnmarshalBinary(b []byte) error {
	var t time.Time
	if err := t.UnmarshalBinary(b); err != nil {
		return helpers.StateError(err)
	}
	self.T = t.UTC()
	return nil
}
