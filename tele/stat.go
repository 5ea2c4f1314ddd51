package tele

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Counters updated by cloud client, safe for concurrent use.
type StatCounters struct {
	sent     uint32
	failed   uint32
	commands uint32
	lastSent int64
}

type Stat struct {
	Sent       uint32
	Failed     uint32
	Commands   uint32
	LastSentAt int64 // unix seconds, 0 if never
}

func (s *StatCounters) Sent() {
	atomic.AddUint32(&s.sent, 1)
	atomic.StoreInt64(&s.lastSent, time.Now().Unix())
}
func (s *StatCounters) Failed()  { atomic.AddUint32(&s.failed, 1) }
func (s *StatCounters) Command() { atomic.AddUint32(&s.commands, 1) }

func (s *StatCounters) Copy() Stat {
	return Stat{
		Sent:       atomic.LoadUint32(&s.sent),
		Failed:     atomic.LoadUint32(&s.failed),
		Commands:   atomic.LoadUint32(&s.commands),
		LastSentAt: atomic.LoadInt64(&s.lastSent),
	}
}

func (s Stat) String() string {
	return fmt.Sprintf("sent=%d failed=%d commands=%d last_sent=%d", s.Sent, s.Failed, s.Commands, s.LastSentAt)
}
