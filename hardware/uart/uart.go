// Package uart opens serial lines for BMS and GNSS links.
// RS485 half duplex transceivers may need driver enable pin, driven by GPIO chardev.
package uart

import (
	"expvar"
	"io"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/tarm/serial"
	"github.com/temoto/bmsbox/helpers"
	"github.com/temoto/bmsbox/log2"
	gpio "github.com/temoto/gpio-cdev-go"
)

const (
	DefaultBaud        = 9600
	DefaultReadTimeout = 100 * time.Millisecond
	deConsumer         = "bmsbox-de"
)

type Config struct {
	Path        string
	Baud        int
	DataBits    int    // default 8
	Parity      string // N E O, default N
	StopBits    int    // 1 or 2, default 1
	ReadTimeout time.Duration

	DEChip      string // empty disables driver enable control
	DELine      uint32
	DEActiveLow bool
}

var stats = expvar.NewMap("uart")

// test seams
var (
	openSerial = func(c *serial.Config) (io.ReadWriteCloser, error) {
		p, err := serial.OpenPort(c)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	openChip = gpio.Open
)

// Port is serial line with byte counters and optional driver enable.
// Read timeout yields (0, nil), so readers may check for stop between reads.
type Port struct {
	log      *log2.Log
	path     string
	raw      io.ReadWriteCloser
	rw       *helpers.StatReadWriter
	charTime time.Duration

	wlk     sync.Mutex
	deChip  gpio.Chiper
	deLines gpio.Lineser
}

var _ io.ReadWriteCloser = &Port{}

func (c *Config) serialConfig() (*serial.Config, error) {
	sc := &serial.Config{
		Name:        c.Path,
		Baud:        c.Baud,
		ReadTimeout: c.ReadTimeout,
		Size:        byte(c.DataBits),
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	}
	if sc.Name == "" {
		return nil, errors.NotValidf("uart path empty")
	}
	if sc.Baud == 0 {
		sc.Baud = DefaultBaud
	}
	if sc.ReadTimeout == 0 {
		sc.ReadTimeout = DefaultReadTimeout
	}
	switch sc.Size {
	case 0:
		sc.Size = 8
	case 5, 6, 7, 8:
	default:
		return nil, errors.NotValidf("uart path=%s data_bits=%d", c.Path, c.DataBits)
	}
	switch c.Parity {
	case "", "N", "n":
	case "E", "e":
		sc.Parity = serial.ParityEven
	case "O", "o":
		sc.Parity = serial.ParityOdd
	default:
		return nil, errors.NotValidf("uart path=%s parity=%s", c.Path, c.Parity)
	}
	switch c.StopBits {
	case 0, 1:
	case 2:
		sc.StopBits = serial.Stop2
	default:
		return nil, errors.NotValidf("uart path=%s stop_bits=%d", c.Path, c.StopBits)
	}
	return sc, nil
}

// frameBits is start + data + parity + stop bits per character on the wire.
func frameBits(sc *serial.Config) int {
	bits := 1 + int(sc.Size) + int(sc.StopBits)
	if sc.Parity != serial.ParityNone {
		bits++
	}
	return bits
}

func Open(log *log2.Log, c Config) (*Port, error) {
	sc, err := c.serialConfig()
	if err != nil {
		return nil, err
	}
	raw, err := openSerial(sc)
	if err != nil {
		return nil, errors.Annotatef(err, "uart open path=%s", c.Path)
	}
	rx, tx := new(expvar.Int), new(expvar.Int)
	stats.Set(c.Path+".rx", rx)
	stats.Set(c.Path+".tx", tx)
	p := &Port{
		log:      log,
		path:     c.Path,
		raw:      raw,
		rw:       helpers.NewStatReadWriter(raw, rx, tx),
		charTime: time.Duration(frameBits(sc)) * time.Second / time.Duration(sc.Baud),
	}
	if c.DEChip != "" {
		if err = p.openDE(c); err != nil {
			_ = raw.Close()
			return nil, err
		}
	}
	log.Debugf("uart open path=%s baud=%d frame=%d%c%d de=%v", c.Path, sc.Baud, sc.Size, sc.Parity, sc.StopBits, p.deLines != nil)
	return p, nil
}

func (self *Port) openDE(c Config) error {
	chip, err := openChip(c.DEChip, deConsumer)
	if err != nil {
		return errors.Annotatef(err, "uart de chip=%s", c.DEChip)
	}
	flag := gpio.GPIOHANDLE_REQUEST_OUTPUT
	if c.DEActiveLow {
		flag |= gpio.GPIOHANDLE_REQUEST_ACTIVE_LOW
	}
	lines, err := chip.OpenLines(flag, deConsumer, c.DELine)
	if err != nil {
		_ = chip.Close()
		return errors.Annotatef(err, "uart de chip=%s line=%d", c.DEChip, c.DELine)
	}
	self.deChip, self.deLines = chip, lines
	return self.setDE(0)
}

func (self *Port) setDE(v byte) error {
	if self.deLines == nil {
		return nil
	}
	self.deLines.SetBulk(v)
	return errors.Annotatef(self.deLines.Flush(), "uart de path=%s value=%d", self.path, v)
}

func (self *Port) Read(b []byte) (int, error) {
	n, err := self.rw.Read(b)
	if err == io.EOF && n == 0 {
		return 0, nil
	}
	return n, err
}

// Write enables driver for duration of transmission.
// Serial driver returns before last byte leaves the wire, so driver stays on for computed character time.
func (self *Port) Write(b []byte) (int, error) {
	self.wlk.Lock()
	defer self.wlk.Unlock()
	if err := self.setDE(1); err != nil {
		return 0, err
	}
	err := helpers.WriteAll(self.rw, b)
	if self.deLines != nil {
		time.Sleep(time.Duration(len(b)) * self.charTime)
	}
	if deErr := self.setDE(0); err == nil {
		err = deErr
	}
	if err != nil {
		return 0, errors.Annotatef(err, "uart write path=%s", self.path)
	}
	return len(b), nil
}

func (self *Port) Close() error {
	errs := []error{self.raw.Close()}
	if self.deLines != nil {
		errs = append(errs, self.deLines.Close(), self.deChip.Close())
	}
	return helpers.FoldErrors(errs)
}
