package bms

import "time"

type ChargeFlags uint8

const (
	FlagAllowCharge     ChargeFlags = 0x01
	FlagIllegalCharger  ChargeFlags = 0x02
	FlagChargerLink     ChargeFlags = 0x04
	FlagPreDischargeMos ChargeFlags = 0x20
	FlagChargeMos       ChargeFlags = 0x40
	FlagDischargeMos    ChargeFlags = 0x80
)

func (f ChargeFlags) Has(x ChargeFlags) bool { return f&x != 0 }

// Snapshot is the latest known battery state.
// Values handed out by Store are never mutated, copy with Clone before changes.
type Snapshot struct {
	Manufacturer   byte
	Type           byte
	Material       byte
	RatedVoltage   float64 // V
	RatedCapacity  float64 // Ah
	RemainCapacity float64 // Ah

	SOC      float64 // %
	SOH      byte    // %
	Voltage  float64 // V
	Current  float64 // A, negative is discharge
	TempHigh float64 // C
	TempLow  float64 // C
	TempMos  float64 // C

	Fault     byte
	WorkState byte
	Flags     ChargeFlags
	Cycles    uint16

	CellMax    uint16 // mV
	CellMin    uint16 // mV
	CellMaxPos byte
	CellMinPos byte
	CellVolts  []uint16 // mV, index is cell position

	FeedbackCurrent  byte
	ChargeVoltageReq uint16
	ChargeCurrentReq byte
	ChargeState      byte
	Key              byte
	KeyResponse      []byte

	SoftwareVersion byte
	HardwareVersion byte
	ID              string

	// FreshAt is time of last valid frame.
	FreshAt time.Time
}

func (s *Snapshot) Clone() *Snapshot {
	c := *s
	if s.CellVolts != nil {
		c.CellVolts = append([]uint16(nil), s.CellVolts...)
	}
	if s.KeyResponse != nil {
		c.KeyResponse = append([]byte(nil), s.KeyResponse...)
	}
	return &c
}

// FaultActive is true when pack reports any fault code.
func (s *Snapshot) FaultActive() bool { return s.Fault != 0 }
