// Package sif decodes single-wire BMS datagrams.
// Bus driver delivers each datagram whole, so there is no reassembly and no resync.
package sif

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/bmsbox/crc"
	"github.com/temoto/bmsbox/hardware/bms"
	"github.com/temoto/bmsbox/log2"
)

const (
	TagPublic  byte = 0x01
	TagPrivate byte = 0x3a
	TagCells   byte = 0x3b
	TagID      byte = 0x3c

	PublicLength = 20
	// tag, ?, len, 25 fixed fields, checksum
	PrivateMinLength = 29
	// tag, ?, len, checksum
	variableOverhead = 4

	ProtocolProvider = 1
	DeviceType       = 101
)

type Decoder struct {
	log   *log2.Log
	store *bms.Store
	stat  bms.Stat
}

var _ bms.Protocol = &Decoder{}

func NewDecoder(log *log2.Log, store *bms.Store) *Decoder {
	return &Decoder{log: log, store: store}
}

func (self *Decoder) Name() string { return "sif" }

// HandleDatagram validates one datagram and applies its fields as a single update.
// Invalid input leaves snapshot and freshness untouched.
func (self *Decoder) HandleDatagram(b []byte) error {
	apply, err := self.decode(b)
	if err != nil {
		self.log.Debugf("sif drop datagram=%x err=%v", b, err)
		return err
	}
	bms.Inc(&self.stat.Frames)
	self.store.Update(apply)
	return nil
}

func (self *Decoder) decode(b []byte) (func(*bms.Snapshot), error) {
	if len(b) == 0 {
		bms.Inc(&self.stat.FramingErrors)
		return nil, errors.NotValidf("datagram empty")
	}
	tag := b[0]
	switch {
	case tag == TagPublic && len(b) == PublicLength:
	case (tag == TagPrivate || tag == TagCells || tag == TagID) && len(b) >= 3 && len(b) == int(b[2])+variableOverhead:
	default:
		bms.Inc(&self.stat.Unknown)
		return nil, errors.NotValidf("datagram=%x tag=%02x length=%d unknown shape", b, tag, len(b))
	}

	last := len(b) - 1
	if local := crc.Sum8(b[:last]); local != b[last] {
		bms.Inc(&self.stat.ChecksumErrors)
		return nil, errors.NotValidf("datagram=%x checksum=%02x actual=%02x", b, b[last], local)
	}

	switch tag {
	case TagPublic:
		return decodePublic(b), nil
	case TagPrivate:
		if len(b) < PrivateMinLength {
			bms.Inc(&self.stat.DecodeErrors)
			return nil, errors.NotValidf("private datagram=%x length=%d < min=%d", b, len(b), PrivateMinLength)
		}
		return decodePrivate(b), nil
	case TagCells:
		return decodeCells(b), nil
	case TagID:
		return decodeID(b), nil
	}
	panic("code error sif decode unhandled tag")
}

func le16(lo, hi byte) uint16 { return uint16(lo) | uint16(hi)<<8 }

func current(lo, hi byte) float64 { return float64(le16(lo, hi))/10 - 500 }

func temperature(b byte) float64 { return float64(int(b) - 40) }

func decodePublic(b []byte) func(*bms.Snapshot) {
	return func(s *bms.Snapshot) {
		s.Manufacturer = b[2]
		s.Type = b[3]
		s.Material = b[4]
		s.RatedVoltage = float64(le16(b[5], b[6])) / 10
		s.RatedCapacity = float64(le16(b[7], b[8])) / 10
		s.RemainCapacity = float64(b[9]) / 2
		s.Voltage = float64(le16(b[10], b[11])) / 10
		s.Current = current(b[12], b[13])
		s.TempHigh = temperature(b[14])
		s.TempLow = temperature(b[15])
		s.TempMos = temperature(b[16])
		s.Fault = b[17]
		s.WorkState = b[18]
	}
}

func decodePrivate(b []byte) func(*bms.Snapshot) {
	keyResponse := append([]byte(nil), b[28:len(b)-1]...)
	return func(s *bms.Snapshot) {
		s.SOC = float64(b[3]) / 2
		s.Voltage = float64(le16(b[4], b[5])) / 10
		s.Current = current(b[6], b[7])
		s.TempHigh = temperature(b[8])
		s.TempLow = temperature(b[9])
		s.TempMos = temperature(b[10])
		s.Fault = b[11]
		s.WorkState = b[12]
		s.Flags = bms.ChargeFlags(b[13])
		s.Cycles = le16(b[14], b[15])
		s.CellMax = le16(b[16], b[17])
		s.CellMin = le16(b[18], b[19])
		s.CellMaxPos = b[20]
		s.CellMinPos = b[21]
		s.FeedbackCurrent = b[22]
		s.ChargeVoltageReq = le16(b[23], b[24])
		s.ChargeCurrentReq = b[25]
		s.ChargeState = b[26]
		s.Key = b[27]
		s.KeyResponse = keyResponse
	}
}

func decodeCells(b []byte) func(*bms.Snapshot) {
	n := int(b[2]) / 2
	cells := make([]uint16, n)
	for i := range cells {
		cells[i] = le16(b[3+2*i], b[4+2*i])
	}
	return func(s *bms.Snapshot) { s.CellVolts = cells }
}

func decodeID(b []byte) func(*bms.Snapshot) {
	id := strings.TrimRight(string(b[3:3+int(b[2])]), "\x00")
	return func(s *bms.Snapshot) { s.ID = id }
}

func baseData(s *bms.Snapshot) bms.Data {
	return bms.Data{
		"ver":                s.SoftwareVersion,
		"soc":                s.SOC,
		"vol":                s.Voltage,
		"current":            s.Current,
		"highTemp":           s.TempHigh,
		"lowTemp":            s.TempLow,
		"mosTemp":            s.TempMos,
		"fault":              s.Fault,
		"chargeEnable":       s.Flags.Has(bms.FlagAllowCharge),
		"chargeWrongful":     s.Flags.Has(bms.FlagIllegalCharger),
		"detc":               s.Flags.Has(bms.FlagChargerLink),
		"dischargeStatus":    s.Flags.Has(bms.FlagPreDischargeMos),
		"dischargeMosStatus": s.Flags.Has(bms.FlagDischargeMos),
		"chargeMosStatus":    s.Flags.Has(bms.FlagChargeMos),
		"batteryCycles":      s.Cycles,
		"batteryHighVol":     s.CellMax,
		"batteryLowVol":      s.CellMin,
		"highVpos":           s.CellMaxPos,
		"lowVpos":            s.CellMinPos,
		"feedbackCur":        s.FeedbackCurrent,
		"seqVol":             s.ChargeVoltageReq,
		"seqCur":             s.ChargeCurrentReq,
		"key":                s.Key,
		"keyRes":             hex.EncodeToString(s.KeyResponse),
		"bar":                s.ID,
		"mbStatus":           1,
		"batteryStatus":      s.WorkState,
		"chargeStatus":       s.ChargeState,
	}
}

func (self *Decoder) ReportData() bms.Data {
	s := self.store.Load()
	return bms.Merge(baseData(s), bms.Data{
		"merchantCode":     s.Manufacturer,
		"code":             s.Type,
		"material":         s.Material,
		"protocolProvider": ProtocolProvider,
		"DeviceType":       DeviceType,
	})
}

func (self *Decoder) AlarmData() bms.Data {
	s := self.store.Load()
	return bms.Merge(bms.FaultFlags(s.Fault), baseData(s))
}

func (self *Decoder) FaultFree() bool                    { return !self.store.Load().FaultActive() }
func (self *Decoder) FreshAt() time.Time                 { return self.store.FreshAt() }
func (self *Decoder) Received(ctx context.Context) bool { return self.store.Received(ctx) }
func (self *Decoder) PollReceived() bool                 { return self.store.PollReceived() }
func (self *Decoder) DrainReceived()                     { self.store.DrainReceived() }
func (self *Decoder) CellVoltages() []uint16             { return self.store.Load().CellVolts }
func (self *Decoder) Stat() bms.Stat                     { return self.stat.Copy() }
