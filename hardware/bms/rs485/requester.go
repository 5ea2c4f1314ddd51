package rs485

import (
	"io"
	"time"

	"github.com/temoto/bmsbox/helpers"
	"github.com/temoto/bmsbox/log2"
)

const DefaultRequestInterval = 500 * time.Millisecond

// Requester sends PollCycle commands forever with fixed delay after each.
// It does not wait for or check responses.
type Requester struct {
	Log      *log2.Log
	Codec    Codec
	Interval time.Duration
	cursor   int
}

// Next returns command at cursor and advances it.
func (self *Requester) Next() byte {
	cmd := PollCycle[self.cursor]
	self.cursor = (self.cursor + 1) % len(PollCycle)
	return cmd
}

func (self *Requester) Run(w io.Writer, stop <-chan struct{}) {
	interval := self.Interval
	if interval <= 0 {
		interval = DefaultRequestInterval
	}
	tmr := time.NewTimer(0)
	defer tmr.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tmr.C:
		}
		cmd := self.Next()
		if err := helpers.WriteAll(w, self.Codec.EncodeCommand(cmd)); err != nil {
			self.Log.Errorf("rs485 request cmd=%02x err=%v", cmd, err)
		}
		tmr.Reset(interval)
	}
}
