package rs485

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/bmsbox/hardware/bms"
	"github.com/temoto/bmsbox/helpers"
)

func TestFrameBuffer(t *testing.T) {
	t.Parallel()
	type Case struct {
		name          string
		resync        Resync
		input         string
		expectFrames  []string
		expectLen     int
		expectFraming uint32
		expectSum     uint32
	}
	cases := []Case{
		{"empty", ResyncFlush, "", nil, 0, 0, 0},
		{"partial", ResyncFlush, "3a160802a50b", nil, 6, 0, 0},
		{"one", ResyncFlush, fixtures["soh"], []string{"cmd=0c payload=62"}, 0, 0, 0},
		{"one-and-partial", ResyncFlush, fixtures["soh"] + "3a1608", []string{"cmd=0c payload=62"}, 3, 0, 0},
		{"two", ResyncFlush, fixtures["soh"] + fixtures["version"], []string{"cmd=0c payload=62", "cmd=7f payload=1203"}, 0, 0, 0},
		{"flush/terminator", ResyncFlush, "3a160c01626f000d0b" + fixtures["soh"], nil, 0, 1, 0},
		{"scan/terminator", ResyncScan, "3a160c01626f000d0b" + fixtures["soh"], []string{"cmd=0c payload=62"}, 0, 1, 0},
		{"flush/checksum", ResyncFlush, "3a160c01626e000d0a" + fixtures["soh"], nil, 0, 0, 1},
		{"scan/checksum", ResyncScan, "3a160c01626e000d0a" + fixtures["soh"], []string{"cmd=0c payload=62"}, 0, 0, 1},
		{"scan/garbage-tail", ResyncScan, "0102030405060708090a", nil, 0, 1, 0},
	}
	helpers.RandUnix().Shuffle(len(cases), func(i int, j int) { cases[i], cases[j] = cases[j], cases[i] })
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			var stat bms.Stat
			fb := FrameBuffer{Resync: c.resync, Stat: &stat}
			var frames []string
			_ = fb.Append(helpers.MustHex(c.input), func(f Frame) { frames = append(frames, f.String()) })
			assert.Equal(t, c.expectFrames, frames)
			assert.Equal(t, c.expectLen, fb.Len())
			assert.Equal(t, c.expectFraming, stat.FramingErrors)
			assert.Equal(t, c.expectSum, stat.ChecksumErrors)
		})
	}
}

func TestFrameBufferWaitsForClaimedLength(t *testing.T) {
	t.Parallel()
	fb := FrameBuffer{}
	frame := helpers.MustHex(fixtures["cells1"])
	n := 0
	for i := range frame[:len(frame)-1] {
		require.NoError(t, fb.Append(frame[i:i+1], func(Frame) { n++ }))
	}
	assert.Equal(t, 0, n)
	assert.Equal(t, len(frame)-1, fb.Len())
	require.NoError(t, fb.Append(frame[len(frame)-1:], func(Frame) { n++ }))
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, fb.Len())
}

func TestParseResync(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"", "flush", "scan"} {
		r, err := ParseResync(s)
		require.NoError(t, err)
		if s != "" {
			assert.Equal(t, s, r.String())
		}
	}
	_, err := ParseResync("hope")
	require.Error(t, err)
	assert.Equal(t, "rs485 resync=hope not valid", err.Error())
}
