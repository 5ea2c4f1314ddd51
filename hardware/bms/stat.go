package bms

import (
	"fmt"
	"sync/atomic"
)

type Stat struct {
	Frames         uint32
	ChecksumErrors uint32
	FramingErrors  uint32
	DecodeErrors   uint32
	ReadErrors     uint32
	Unknown        uint32
}

func Inc(counter *uint32) { atomic.AddUint32(counter, 1) }

// Copy is consistent per field, not across fields.
func (s *Stat) Copy() Stat {
	return Stat{
		Frames:         atomic.LoadUint32(&s.Frames),
		ChecksumErrors: atomic.LoadUint32(&s.ChecksumErrors),
		FramingErrors:  atomic.LoadUint32(&s.FramingErrors),
		DecodeErrors:   atomic.LoadUint32(&s.DecodeErrors),
		ReadErrors:     atomic.LoadUint32(&s.ReadErrors),
		Unknown:        atomic.LoadUint32(&s.Unknown),
	}
}

func (s Stat) String() string {
	return fmt.Sprintf("frames=%d checksum_errors=%d framing_errors=%d decode_errors=%d read_errors=%d unknown=%d",
		s.Frames, s.ChecksumErrors, s.FramingErrors, s.DecodeErrors, s.ReadErrors, s.Unknown)
}

func (s Stat) ReportData() map[string]interface{} {
	return map[string]interface{}{
		"statFrames":         s.Frames,
		"statChecksumErrors": s.ChecksumErrors,
		"statFramingErrors":  s.FramingErrors,
		"statDecodeErrors":   s.DecodeErrors,
		"statReadErrors":     s.ReadErrors,
	}
}
