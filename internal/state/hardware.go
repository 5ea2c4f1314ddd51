package state

import (
	"io"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/bmsbox/hardware/bms"
	"github.com/temoto/bmsbox/hardware/bms/rs485"
	"github.com/temoto/bmsbox/hardware/bms/sif"
	"github.com/temoto/bmsbox/hardware/uart"
	"github.com/temoto/bmsbox/helpers"
	"github.com/temoto/bmsbox/internal/location"
	"github.com/temoto/bmsbox/log2"
)

const DefaultGNSSBaud = 115200

type hardware struct {
	// Open* are replaced in tests, nil means serial port from config
	OpenRS485 func() (io.ReadWriteCloser, error)
	OpenGNSS  func() (io.ReadCloser, error)

	link       *rs485.Link
	sifDecoder *sif.Decoder
}

func (g *Global) initProtocol() error {
	c := &g.Config.BMS
	switch c.Protocol {
	case "", ProtocolRS485:
		c.Protocol = ProtocolRS485
		rc := c.RS485
		resync, err := rs485.ParseResync(rc.Resync)
		if err != nil {
			return errors.Annotate(err, "config bms.rs485")
		}
		readFail, err := rs485.ParseReadFailPolicy(rc.ReadFail)
		if err != nil {
			return errors.Annotate(err, "config bms.rs485")
		}
		log := g.Log.Clone(log2.LInfo)
		if rc.LogDebug {
			log.SetLevel(log2.LDebug)
		}
		codec := rs485.Codec{ChecksumAddress: rc.ChecksumAddress}
		decoder := rs485.NewDecoder(log, g.Store, codec, resync)
		if g.Hardware.OpenRS485 == nil {
			if rc.Device == "" {
				return errors.NotValidf("config bms.rs485.device empty")
			}
			uc := rc.UART()
			g.Hardware.OpenRS485 = func() (io.ReadWriteCloser, error) {
				p, err := uart.Open(log, uc)
				if err != nil {
					return nil, err
				}
				return p, nil
			}
		}
		g.Hardware.link = &rs485.Link{
			Log:      log,
			Decoder:  decoder,
			Open:     g.Hardware.OpenRS485,
			ReadFail: readFail,
			Requester: &rs485.Requester{
				Log:      log,
				Codec:    codec,
				Interval: helpers.IntMillisecondDefault(rc.RequestMs, rs485.DefaultRequestInterval),
			},
		}
		g.Protocol = decoder

	case ProtocolSif:
		if c.Sif.Device == "" {
			return errors.NotValidf("config bms.sif.device empty")
		}
		g.Hardware.sifDecoder = sif.NewDecoder(g.Log, g.Store)
		g.Protocol = g.Hardware.sifDecoder

	default:
		return errors.NotValidf("config bms.protocol=%s", c.Protocol)
	}
	g.Log.Debugf("config bms.protocol=%s", c.Protocol)
	return nil
}

func (g *Global) initLocator() error {
	c := &g.Config.Location
	if !c.Enabled {
		g.Locator = location.Noop{}
		return nil
	}
	if g.Hardware.OpenGNSS == nil {
		if c.Device == "" {
			return errors.NotValidf("config location.device empty")
		}
		baud := c.Baud
		if baud == 0 {
			baud = DefaultGNSSBaud
		}
		uc := uart.Config{Path: c.Device, Baud: baud, ReadTimeout: time.Second}
		g.Hardware.OpenGNSS = func() (io.ReadCloser, error) {
			p, err := uart.Open(g.Log, uc)
			if err != nil {
				return nil, err
			}
			return p, nil
		}
	}
	g.Locator = &location.NMEA{
		Log:    g.Log,
		Opener: g.Hardware.OpenGNSS,
		Method: func() int { return g.Box.Settings.LocMethod() },
		MaxAge: helpers.IntSecondDefault(c.MaxAgeSec, location.DefaultMaxAge),
	}
	return nil
}

// runTransport starts receiver of configured BMS link under g.Alive.
func (g *Global) runTransport() error {
	switch g.Config.BMS.Protocol {
	case ProtocolRS485:
		link := g.Hardware.link
		go func() {
			if err := link.Run(g.Alive); err != nil {
				g.Error(err)
			}
		}()

	case ProtocolSif:
		c := g.Config.BMS.Sif
		dev, err := sif.OpenChardev(g.Log, c.Device, c.AccTimer)
		if err != nil {
			return err
		}
		g.Box.Suspender = dev
		decoder := g.Hardware.sifDecoder
		go func() {
			defer dev.Close()
			if err := dev.Run(g.Alive, decoder.HandleDatagram); err != nil {
				g.Error(err)
			}
		}()
	}
	return nil
}

var _ bms.PushSuspender = &sif.Chardev{}
