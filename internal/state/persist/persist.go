// Package persist keeps small state values on flash across restarts.
package persist

import (
	"encoding"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/bmsbox/log2"
	"github.com/temoto/extremofile"
)

type Stater interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type storage interface {
	Read() ([]byte, error)
	io.Writer
}

// Persist binds target Load/Store to checksummed file pair under root/tag.
// Zero root disables storage, Load and Store become no-op.
type Persist struct {
	mu      sync.Mutex
	log     *log2.Log
	tag     string
	target  Stater
	storage storage
}

func New(log *log2.Log, tag string, target Stater, root string) *Persist {
	if target == nil {
		panic("code error persist target nil")
	}
	p := &Persist{log: log, tag: tag, target: target}
	if root == "" {
		p.log.Debugf("persist %s disabled", tag)
		return p
	}
	p.storage = extremofile.New(extremofile.Config{
		Dir:      filepath.Join(root, tag),
		DirPerm:  0755,
		FilePerm: 0644,
	})
	return p
}

func (p *Persist) Enabled() bool { return p.storage != nil }

// Load leaves target untouched when nothing was stored yet.
func (p *Persist) Load() error {
	if p.storage == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	tbegin := time.Now()
	b, err := p.storage.Read()
	p.log.Debugf("persist %s read duration=%v", p.tag, time.Since(tbegin))
	if b != nil {
		if err != nil {
			// backup copy was used
			p.log.Errorf("persist %s ignore non-critical storage err=%v", p.tag, err)
		}
		err = p.target.UnmarshalBinary(b)
	}
	return errors.Annotatef(err, "persist %s load", p.tag)
}

func (p *Persist) Store() error {
	if p.storage == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	b, err := p.target.MarshalBinary()
	if err == nil {
		tbegin := time.Now()
		_, err = p.storage.Write(b)
		p.log.Debugf("persist %s write duration=%v", p.tag, time.Since(tbegin))
	}
	return errors.Annotatef(err, "persist %s store", p.tag)
}
