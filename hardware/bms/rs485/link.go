package rs485

import (
	"io"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/bmsbox/hardware/bms"
	"github.com/temoto/bmsbox/helpers"
	"github.com/temoto/bmsbox/log2"
)

type ReadFailPolicy int

const (
	// ReadFailRestart closes port and reopens it with backoff.
	ReadFailRestart ReadFailPolicy = iota
	// ReadFailStop ends Link.Run with the error, link stays down.
	ReadFailStop
)

func ParseReadFailPolicy(s string) (ReadFailPolicy, error) {
	switch s {
	case "", "restart":
		return ReadFailRestart, nil
	case "stop":
		return ReadFailStop, nil
	}
	return ReadFailRestart, errors.NotValidf("rs485 read_fail=%s", s)
}

const readBufferSize = 1024

// Link owns serial port lifecycle: open, receive loop, optional requester.
type Link struct {
	Log       *log2.Log
	Decoder   *Decoder
	Open      func() (io.ReadWriteCloser, error)
	ReadFail  ReadFailPolicy
	Requester *Requester // nil disables polling
	Backoff   helpers.Backoff
}

// Run returns nil after a is stopped, or error under ReadFailStop.
func (self *Link) Run(a *alive.Alive) error {
	if !a.Add(1) {
		return nil
	}
	defer a.Done()
	if self.Backoff.Min == 0 {
		self.Backoff = helpers.Backoff{Min: time.Second, Max: 30 * time.Second, K: 2}
	}
	stopCh := a.StopChan()
	for a.IsRunning() {
		port, err := self.Open()
		if err != nil {
			bms.Inc(&self.Decoder.stat.ReadErrors)
			err = errors.Annotate(err, "rs485 open")
			if self.ReadFail == ReadFailStop {
				return err
			}
			self.Log.Error(err)
			if !self.Backoff.Sleep(false, stopCh) {
				return nil
			}
			continue
		}
		err = self.session(a, port)
		_ = port.Close()
		if err == nil {
			return nil
		}
		bms.Inc(&self.Decoder.stat.ReadErrors)
		if self.ReadFail == ReadFailStop {
			self.Log.Errorf("rs485 receiver stopped by policy err=%v", err)
			return err
		}
		self.Log.Error(err)
		self.Decoder.fb.Reset()
		if !self.Backoff.Sleep(false, stopCh) {
			return nil
		}
	}
	return nil
}

// session reads port until error or stop.
// Port read timeout bounds reaction to stop.
func (self *Link) session(a *alive.Alive, port io.ReadWriter) error {
	sessionStop := make(chan struct{})
	requesterDone := make(chan struct{})
	if self.Requester != nil {
		go func() {
			defer close(requesterDone)
			self.Requester.Run(port, mergeStop(a.StopChan(), sessionStop))
		}()
	} else {
		close(requesterDone)
	}
	defer func() {
		close(sessionStop)
		<-requesterDone
	}()

	buf := make([]byte, readBufferSize)
	for a.IsRunning() {
		n, err := port.Read(buf)
		if n > 0 {
			_ = self.Decoder.Feed(buf[:n])
			self.Backoff.Reset()
		}
		if err != nil {
			return errors.Annotate(err, "rs485 read")
		}
	}
	return nil
}

func mergeStop(a, b <-chan struct{}) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		select {
		case <-a:
		case <-b:
		}
		close(out)
	}()
	return out
}
