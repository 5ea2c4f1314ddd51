package rs485

import (
	"context"
	"encoding/binary"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/bmsbox/hardware/bms"
	"github.com/temoto/bmsbox/log2"
)

const (
	cellsFirstBlock  = 7
	ProtocolProvider = 0x01
	MerchantCode     = 0x01
	DeviceType       = 0x65
)

type Decoder struct {
	log   *log2.Log
	store *bms.Store
	stat  bms.Stat
	fb    FrameBuffer
}

var _ bms.Protocol = &Decoder{}

func NewDecoder(log *log2.Log, store *bms.Store, codec Codec, resync Resync) *Decoder {
	d := &Decoder{log: log, store: store}
	d.fb = FrameBuffer{Codec: codec, Resync: resync, Stat: &d.stat}
	return d
}

func (self *Decoder) Name() string { return "rs485" }

// Feed accepts raw serial input in any chunking.
// Returned error only describes dropped input, decoding continues with next call.
func (self *Decoder) Feed(chunk []byte) error {
	err := self.fb.Append(chunk, self.handleFrame)
	if err != nil {
		self.log.Debugf("rs485 dropped input err=%v", err)
	}
	return err
}

func (self *Decoder) handleFrame(f Frame) {
	apply, err := decodeFrame(f)
	if err != nil {
		bms.Inc(&self.stat.DecodeErrors)
		self.log.Errorf("rs485 decode %s err=%v", f.String(), err)
		return
	}
	if apply == nil {
		bms.Inc(&self.stat.Unknown)
		self.log.Debugf("rs485 unknown %s", f.String())
	}
	bms.Inc(&self.stat.Frames)
	self.store.Update(apply)
}

func needLength(f Frame, min int) error {
	if len(f.Payload) < min {
		return errors.NotValidf("cmd=%02x payload=%x length=%d < min=%d", f.Cmd, f.Payload, len(f.Payload), min)
	}
	return nil
}

var minPayload = map[byte]int{
	CmdTemperature: 2,
	CmdVoltage:     2,
	CmdCurrent:     4,
	CmdSOC:         2,
	CmdCycles:      2,
	CmdCells1:      2 * cellsFirstBlock,
	CmdCells2:      2,
	CmdSOH:         1,
	CmdVersion:     2,
	CmdID:          2,
}

// decodeFrame returns nil func for valid frame with unknown command.
func decodeFrame(f Frame) (func(*bms.Snapshot), error) {
	min, known := minPayload[f.Cmd]
	if !known {
		return nil, nil
	}
	if err := needLength(f, min); err != nil {
		return nil, err
	}
	p := f.Payload
	u16 := func(i int) uint16 { return binary.LittleEndian.Uint16(p[i:]) }

	switch f.Cmd {
	case CmdTemperature:
		temp := float64(int(u16(0))-2731) / 10
		return func(s *bms.Snapshot) {
			s.TempHigh = temp
			s.TempLow = temp
			s.TempMos = temp
		}, nil

	case CmdVoltage:
		v := float64(u16(0)) / 1000
		return func(s *bms.Snapshot) { s.Voltage = v }, nil

	case CmdCurrent:
		i := float64(int32(binary.LittleEndian.Uint32(p))) / 1000
		return func(s *bms.Snapshot) { s.Current = i }, nil

	case CmdSOC:
		soc := float64(p[1])
		return func(s *bms.Snapshot) { s.SOC = soc }, nil

	case CmdCycles:
		n := u16(0)
		return func(s *bms.Snapshot) { s.Cycles = n }, nil

	case CmdCells1:
		var block [cellsFirstBlock]uint16
		for i := range block {
			block[i] = u16(2 * i)
		}
		return func(s *bms.Snapshot) {
			if len(s.CellVolts) < cellsFirstBlock {
				s.CellVolts = append(s.CellVolts, make([]uint16, cellsFirstBlock-len(s.CellVolts))...)
			}
			copy(s.CellVolts, block[:])
		}, nil

	case CmdCells2:
		n := len(p) / 2
		block := make([]uint16, n)
		for i := range block {
			block[i] = u16(2 * i)
		}
		return func(s *bms.Snapshot) {
			cells := make([]uint16, cellsFirstBlock+n)
			copy(cells, s.CellVolts)
			copy(cells[cellsFirstBlock:], block)
			s.CellVolts = cells
		}, nil

	case CmdSOH:
		soh := p[0]
		return func(s *bms.Snapshot) { s.SOH = soh }, nil

	case CmdVersion:
		sw, hw := p[0], p[1]
		return func(s *bms.Snapshot) {
			s.SoftwareVersion = sw
			s.HardwareVersion = hw
		}, nil

	case CmdID:
		id := strings.TrimRight(string(p), "\x00")
		return func(s *bms.Snapshot) { s.ID = id }, nil
	}
	panic("code error rs485 minPayload and decodeFrame out of sync")
}

func (self *Decoder) ReportData() bms.Data {
	s := self.store.Load()
	return bms.Data{
		"ver":              s.SoftwareVersion,
		"hwVer":            s.HardwareVersion,
		"soc":              s.SOC,
		"soh":              s.SOH,
		"vol":              s.Voltage,
		"current":          s.Current,
		"highTemp":         s.TempHigh,
		"lowTemp":          s.TempLow,
		"mosTemp":          s.TempMos,
		"batteryCycles":    s.Cycles,
		"bar":              s.ID,
		"merchantCode":     MerchantCode,
		"protocolProvider": ProtocolProvider,
		"DeviceType":       DeviceType,
	}
}

// AlarmData is plain report data, this link carries no fault code.
func (self *Decoder) AlarmData() bms.Data { return self.ReportData() }

func (self *Decoder) FaultFree() bool                    { return !self.store.Load().FaultActive() }
func (self *Decoder) FreshAt() time.Time                 { return self.store.FreshAt() }
func (self *Decoder) Received(ctx context.Context) bool { return self.store.Received(ctx) }
func (self *Decoder) PollReceived() bool                 { return self.store.PollReceived() }
func (self *Decoder) DrainReceived()                     { self.store.DrainReceived() }
func (self *Decoder) CellVoltages() []uint16             { return self.store.Load().CellVolts }
func (self *Decoder) Stat() bms.Stat                     { return self.stat.Copy() }
