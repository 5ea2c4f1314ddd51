// Package bms holds battery state shared between link decoders and the control loop.
package bms

import (
	"context"
	"time"
)

type Data = map[string]interface{}

// Protocol is the query side of a BMS link decoder.
type Protocol interface {
	Name() string
	ReportData() Data
	AlarmData() Data
	// FaultFree is true when pack reports no fault.
	FaultFree() bool
	FreshAt() time.Time
	// Received blocks until a valid frame arrived since last consume.
	Received(ctx context.Context) bool
	PollReceived() bool
	DrainReceived()
	CellVoltages() []uint16
	Stat() Stat
}

// PushSuspender is implemented by transports with their own polling timer that may be paused.
type PushSuspender interface {
	SuspendPolling() error
}

var faultNames = map[byte]string{
	0x01: "doc2p",
	0x02: "doc1p",
	0x03: "cutp",
	0x04: "cotp",
	0x05: "dotp",
	0x06: "uvp",
	0x07: "ovp",
	0x08: "cocp",
	0x09: "dutp",
	0x0a: "cmosp",
	0x0b: "dmosp",
}

// FaultFlags maps pack fault code to active flag name.
func FaultFlags(code byte) Data {
	d := Data{}
	if name, ok := faultNames[code]; ok {
		d[name] = true
	}
	return d
}

func Merge(dst Data, srcs ...Data) Data {
	if dst == nil {
		dst = Data{}
	}
	for _, src := range srcs {
		for k, v := range src {
			dst[k] = v
		}
	}
	return dst
}
