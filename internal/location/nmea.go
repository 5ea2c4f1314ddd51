package location

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/bmsbox/log2"
	tele_api "github.com/temoto/bmsbox/tele"
)

const (
	DefaultMaxAge = 30 * time.Second
	maxLine       = 128
)

type Sentence struct {
	Talker string // GP, GN, GL, GB
	Type   string // RMC, GGA, VTG...
	Fields []string
	Raw    string
}

// ParseSentence checks NMEA 0183 framing and XOR checksum.
func ParseSentence(line string) (Sentence, error) {
	line = strings.TrimRight(line, "\r\n")
	if len(line) < 9 || line[0] != '$' {
		return Sentence{}, errors.NotValidf("nmea line=%q", line)
	}
	star := strings.LastIndexByte(line, '*')
	if star < 0 || star+3 != len(line) {
		return Sentence{}, errors.NotValidf("nmea line=%q checksum missing", line)
	}
	expect, err := strconv.ParseUint(line[star+1:], 16, 8)
	if err != nil {
		return Sentence{}, errors.NotValidf("nmea line=%q checksum", line)
	}
	var actual byte
	for i := 1; i < star; i++ {
		actual ^= line[i]
	}
	if byte(expect) != actual {
		return Sentence{}, errors.NotValidf("nmea line=%q checksum=%02X actual=%02X", line, expect, actual)
	}
	fields := strings.Split(line[1:star], ",")
	if len(fields[0]) != 5 {
		return Sentence{}, errors.NotValidf("nmea line=%q address=%s", line, fields[0])
	}
	return Sentence{
		Talker: fields[0][:2],
		Type:   fields[0][2:],
		Fields: fields[1:],
		Raw:    line,
	}, nil
}

// NMEA keeps latest RMC, GGA and VTG sentences from GNSS receiver serial output.
type NMEA struct {
	Log    *log2.Log
	Opener func() (io.ReadCloser, error)
	Method func() int // tele.Loc* bits, nil means GPS
	MaxAge time.Duration
	Now    func() time.Time

	lk       sync.Mutex
	a        *alive.Alive
	port     io.ReadCloser
	rmc      string
	gga      string
	vtg      string
	fixAt    time.Time
	badLines uint32
}

var _ Locator = &NMEA{}

func (self *NMEA) now() time.Time {
	if self.Now != nil {
		return self.Now()
	}
	return time.Now()
}

// Open starts reader goroutine, repeated Open is no-op.
func (self *NMEA) Open() error {
	self.lk.Lock()
	defer self.lk.Unlock()
	if self.a != nil {
		return nil
	}
	port, err := self.Opener()
	if err != nil {
		return errors.Annotate(err, "location open")
	}
	self.port = port
	self.a = alive.NewAlive()
	a := self.a
	if a.Add(1) {
		go func() {
			defer a.Done()
			self.readLoop(a, port)
		}()
	}
	return nil
}

func (self *NMEA) Close() error {
	self.lk.Lock()
	a, port := self.a, self.port
	self.a, self.port = nil, nil
	self.lk.Unlock()
	if a == nil {
		return nil
	}
	a.Stop()
	// unblocks pending read
	err := port.Close()
	a.Wait()
	self.lk.Lock()
	self.rmc, self.gga, self.vtg = "", "", ""
	self.lk.Unlock()
	return errors.Annotate(err, "location close")
}

func (self *NMEA) readLoop(a *alive.Alive, r io.Reader) {
	buf := make([]byte, 256)
	var pending []byte
	for a.IsRunning() {
		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				self.HandleLine(string(pending[:i]))
				pending = pending[i+1:]
			}
			if len(pending) > maxLine {
				pending = pending[:0]
			}
		}
		if err != nil {
			if err != io.EOF && a.IsRunning() {
				self.Log.Errorf("location read err=%v", err)
			}
			return
		}
	}
}

// HandleLine accepts one line of receiver output, invalid lines are counted and dropped.
func (self *NMEA) HandleLine(line string) {
	s, err := ParseSentence(line)
	if err != nil {
		self.lk.Lock()
		self.badLines++
		self.lk.Unlock()
		self.Log.Debugf("location %v", err)
		return
	}
	self.lk.Lock()
	defer self.lk.Unlock()
	switch s.Type {
	case "RMC":
		// status A = valid fix, V = warning
		if len(s.Fields) > 1 && s.Fields[1] == "A" {
			self.rmc = s.Raw
			self.fixAt = self.now()
		} else {
			self.rmc = ""
		}
	case "GGA":
		self.gga = s.Raw
	case "VTG":
		self.vtg = s.Raw
	}
}

func (self *NMEA) Location() Data {
	method := tele_api.LocGPS
	if self.Method != nil {
		method = self.Method()
	}
	if method&tele_api.LocGPS == 0 {
		return Data{}
	}
	maxAge := self.MaxAge
	if maxAge == 0 {
		maxAge = DefaultMaxAge
	}
	self.lk.Lock()
	defer self.lk.Unlock()
	if self.rmc == "" || self.now().Sub(self.fixAt) > maxAge {
		return Data{}
	}
	return Data{"gps": []string{self.rmc, self.gga, self.vtg}}
}

func (self *NMEA) String() string {
	self.lk.Lock()
	defer self.lk.Unlock()
	return fmt.Sprintf("rmc=%q gga=%q vtg=%q bad=%d", self.rmc, self.gga, self.vtg, self.badLines)
}
