package state

import (
	"path/filepath"
	"sync"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/bmsbox/hardware/uart"
	"github.com/temoto/bmsbox/helpers"
	"github.com/temoto/bmsbox/internal/box"
	"github.com/temoto/bmsbox/internal/ipc"
	"github.com/temoto/bmsbox/log2"
	tele_config "github.com/temoto/bmsbox/tele/config"
)

const (
	ProtocolRS485 = "rs485"
	ProtocolSif   = "sif"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	BMS struct {
		Protocol string      `hcl:"protocol"` // rs485 (default) or sif
		RS485    RS485Config `hcl:"rs485"`
		Sif      struct {
			Device   string `hcl:"device"`
			AccTimer string `hcl:"acc_timer"` // control file, write 0 to stop bus polling
		} `hcl:"sif"`
	} `hcl:"bms"`

	Box box.Config `hcl:"box"`

	IPC ipc.Config `hcl:"ipc"`

	Location struct {
		Enabled   bool   `hcl:"enable"`
		LocMethod int    `hcl:"loc_method"` // tele.Loc* bits, default gps
		Device    string `hcl:"device"`
		Baud      int    `hcl:"baudrate"`
		MaxAgeSec int    `hcl:"max_age_sec"`
	} `hcl:"location"`

	Persist struct {
		Root string `hcl:"root"`
	} `hcl:"persist"`

	Tele tele_config.Config `hcl:"tele"`

	_copy_guard sync.Mutex //nolint:unused
}

type RS485Config struct {
	Device          string `hcl:"device"`
	Baud            int    `hcl:"baudrate"`
	DataBits        int    `hcl:"data_bits"`
	Parity          string `hcl:"parity"`
	StopBits        int    `hcl:"stop_bits"`
	ReadTimeoutMs   int    `hcl:"read_timeout_ms"`
	DEChip          string `hcl:"de_chip"`
	DELine          int    `hcl:"de_line"`
	DEActiveLow     bool   `hcl:"de_active_low"`
	ChecksumAddress bool   `hcl:"checksum_address"`
	Resync          string `hcl:"resync"`    // flush (default) or scan
	ReadFail        string `hcl:"read_fail"` // restart (default) or stop
	RequestMs       int    `hcl:"request_ms"`
	LogDebug        bool   `hcl:"log_debug"`
}

func (c *RS485Config) UART() uart.Config {
	return uart.Config{
		Path:        c.Device,
		Baud:        c.Baud,
		DataBits:    c.DataBits,
		Parity:      c.Parity,
		StopBits:    c.StopBits,
		ReadTimeout: helpers.IntMillisecondDefault(c.ReadTimeoutMs, uart.DefaultReadTimeout),
		DEChip:      c.DEChip,
		DELine:      uint32(c.DELine),
		DEActiveLow: c.DEActiveLow,
	}
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		log.Fatalf("config duplicate source=%s", source.Name)
	} else {
		log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	}
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
			return
		}
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
