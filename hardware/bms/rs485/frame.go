// Package rs485 talks to BMS over half duplex poll/response serial link.
//
// Frame: 3a 16 cmd len payload[len] sum_lo sum_hi 0d 0a
// sum is little endian 16 bit byte sum of cmd, len and payload.
package rs485

import (
	"encoding/hex"
	"fmt"

	"github.com/juju/errors"
	"github.com/temoto/bmsbox/crc"
)

const (
	Preamble0   byte = 0x3a
	Preamble1   byte = 0x16
	Terminator0 byte = 0x0d
	Terminator1 byte = 0x0a

	// preamble(2) + cmd + len + checksum(2) + terminator(2)
	Overhead       = 8
	MinFrameLength = Overhead + 1
	MaxFrameLength = Overhead + 0xff
)

const (
	CmdTemperature byte = 0x08
	CmdVoltage     byte = 0x09
	CmdCurrent     byte = 0x0a
	CmdSOH         byte = 0x0c
	CmdSOC         byte = 0x0d
	CmdCycles      byte = 0x17
	CmdCells1      byte = 0x24
	CmdCells2      byte = 0x25
	CmdID          byte = 0x7e
	CmdVersion     byte = 0x7f
)

var ErrChecksum = errors.New("checksum mismatch")

// PollCycle is the order of requests sent by Requester.
var PollCycle = []byte{
	CmdTemperature,
	CmdVoltage,
	CmdCurrent,
	CmdSOC,
	CmdCycles,
	CmdCells1,
	CmdCells2,
	CmdSOH,
	CmdVersion,
	CmdID,
}

type Frame struct {
	Cmd     byte
	Payload []byte
}

func (f Frame) String() string {
	return fmt.Sprintf("cmd=%02x payload=%s", f.Cmd, hex.EncodeToString(f.Payload))
}

// Codec selects checksum range.
// Some BMS firmware include address byte 0x16 in the sum.
type Codec struct {
	ChecksumAddress bool
}

func (c Codec) sumStart() int {
	if c.ChecksumAddress {
		return 1
	}
	return 2
}

// Checksum of complete frame b, stored checksum and terminator excluded.
func (c Codec) Checksum(b []byte) uint16 {
	return crc.Sum16(b[c.sumStart() : len(b)-4])
}

func (c Codec) Encode(cmd byte, payload []byte) []byte {
	if len(payload) > 0xff {
		panic(fmt.Sprintf("code error rs485 payload length=%d > 255", len(payload)))
	}
	b := make([]byte, 0, Overhead+len(payload))
	b = append(b, Preamble0, Preamble1, cmd, byte(len(payload)))
	b = append(b, payload...)
	b = append(b, 0, 0, Terminator0, Terminator1)
	sum := c.Checksum(b)
	b[len(b)-4] = byte(sum)
	b[len(b)-3] = byte(sum >> 8)
	return b
}

// EncodeCommand builds read request, payload is single zero byte.
func (c Codec) EncodeCommand(cmd byte) []byte { return c.Encode(cmd, []byte{0x00}) }

// Verify checks complete frame b, which must be exactly one frame long.
func (c Codec) Verify(b []byte) (Frame, error) {
	if len(b) < MinFrameLength {
		return Frame{}, errors.NotValidf("frame=%x length=%d < min=%d", b, len(b), MinFrameLength)
	}
	if b[0] != Preamble0 || b[1] != Preamble1 {
		return Frame{}, errors.NotValidf("frame=%x preamble=%02x%02x", b, b[0], b[1])
	}
	if expect := int(b[3]) + Overhead; expect != len(b) {
		return Frame{}, errors.NotValidf("frame=%x claims length=%d actual=%d", b, expect, len(b))
	}
	n := len(b)
	if b[n-2] != Terminator0 || b[n-1] != Terminator1 {
		return Frame{}, errors.NotValidf("frame=%x terminator=%02x%02x", b, b[n-2], b[n-1])
	}
	sumIn := uint16(b[n-4]) | uint16(b[n-3])<<8
	if sumLocal := c.Checksum(b); sumIn != sumLocal {
		return Frame{}, errors.Annotatef(ErrChecksum, "frame=%x checksum=%04x actual=%04x", b, sumIn, sumLocal)
	}
	return Frame{Cmd: b[2], Payload: append([]byte(nil), b[4:n-4]...)}, nil
}
