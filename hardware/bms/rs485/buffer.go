package rs485

import (
	"bytes"

	"github.com/juju/errors"
	"github.com/temoto/bmsbox/hardware/bms"
	"github.com/temoto/bmsbox/helpers"
)

type Resync int

const (
	// ResyncFlush drops everything buffered on bad preamble, terminator or checksum.
	// Frames already queued behind the bad one are lost too.
	ResyncFlush Resync = iota
	// ResyncScan drops bytes up to next preamble candidate.
	ResyncScan
)

func ParseResync(s string) (Resync, error) {
	switch s {
	case "", "flush":
		return ResyncFlush, nil
	case "scan":
		return ResyncScan, nil
	}
	return ResyncFlush, errors.NotValidf("rs485 resync=%s", s)
}

func (r Resync) String() string {
	switch r {
	case ResyncFlush:
		return "flush"
	case ResyncScan:
		return "scan"
	}
	return "invalid"
}

var preamble = []byte{Preamble0, Preamble1}

// FrameBuffer reassembles frames from arbitrary chunks of serial input.
// Not safe for concurrent use, owned by single reader.
type FrameBuffer struct {
	Codec  Codec
	Resync Resync
	Stat   *bms.Stat // optional
	buf    []byte
}

func (self *FrameBuffer) Len() int { return len(self.buf) }

func (self *FrameBuffer) Reset() { self.buf = self.buf[:0] }

// Append adds chunk and calls onFrame for every complete valid frame, in arrival order.
// Returned error describes discarded input, remaining data stays buffered.
func (self *FrameBuffer) Append(chunk []byte, onFrame func(Frame)) error {
	self.buf = append(self.buf, chunk...)
	var errs []error
	for len(self.buf) >= MinFrameLength {
		if !bytes.HasPrefix(self.buf, preamble) {
			errs = append(errs, errors.NotValidf("rs485 preamble=%x", self.buf[:2]))
			self.inc(func(s *bms.Stat) *uint32 { return &s.FramingErrors })
			self.discard()
			continue
		}
		length := int(self.buf[3]) + Overhead
		if len(self.buf) < length {
			break
		}
		f, err := self.Codec.Verify(self.buf[:length])
		if err != nil {
			errs = append(errs, err)
			if errors.Cause(err) == ErrChecksum {
				self.inc(func(s *bms.Stat) *uint32 { return &s.ChecksumErrors })
			} else {
				self.inc(func(s *bms.Stat) *uint32 { return &s.FramingErrors })
			}
			self.discard()
			continue
		}
		self.consume(length)
		onFrame(f)
	}
	return helpers.FoldErrors(errs)
}

func (self *FrameBuffer) inc(field func(*bms.Stat) *uint32) {
	if self.Stat != nil {
		bms.Inc(field(self.Stat))
	}
}

func (self *FrameBuffer) consume(n int) {
	rest := copy(self.buf, self.buf[n:])
	self.buf = self.buf[:rest]
}

func (self *FrameBuffer) discard() {
	switch self.Resync {
	case ResyncScan:
		// byte 0 is known bad, look for next candidate after it
		i := bytes.IndexByte(self.buf[1:], Preamble0)
		if i < 0 {
			self.Reset()
			return
		}
		self.consume(i + 1)
	default:
		self.Reset()
	}
}
