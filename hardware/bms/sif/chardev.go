package sif

import (
	"io/ioutil"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/bmsbox/log2"
	"golang.org/x/sys/unix"
)

const (
	maxDatagram  = 256
	pollInterval = 200 * time.Millisecond
)

// Chardev is push transport over a character device returning one datagram per read.
type Chardev struct {
	log          *log2.Log
	path         string
	accTimerPath string
	fd           int
}

func OpenChardev(log *log2.Log, path, accTimerPath string) (*Chardev, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Annotatef(err, "sif open path=%s", path)
	}
	return &Chardev{log: log, path: path, accTimerPath: accTimerPath, fd: fd}, nil
}

func (self *Chardev) Close() error { return unix.Close(self.fd) }

// Run delivers datagrams to onDatagram until a is stopped.
// Poll timeout lets stop request through without closing fd under a blocked read.
func (self *Chardev) Run(a *alive.Alive, onDatagram func([]byte) error) error {
	if !a.Add(1) {
		return nil
	}
	defer a.Done()
	buf := make([]byte, maxDatagram)
	fds := []unix.PollFd{{Fd: int32(self.fd), Events: unix.POLLIN}}
	timeoutMs := int(pollInterval / time.Millisecond)
	for a.IsRunning() {
		n, err := unix.Poll(fds, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Annotatef(err, "sif poll path=%s", self.path)
		}
		if n == 0 {
			continue
		}
		revents := fds[0].Revents
		if revents&unix.POLLIN == 0 {
			if revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
				return errors.Errorf("sif poll path=%s revents=%#x device lost", self.path, revents)
			}
			continue
		}
		n, err = unix.Read(self.fd, buf)
		switch err {
		case nil:
		case unix.EAGAIN, unix.EINTR:
			continue
		default:
			return errors.Annotatef(err, "sif read path=%s", self.path)
		}
		if n == 0 {
			continue
		}
		datagram := append([]byte(nil), buf[:n]...)
		if err := onDatagram(datagram); err != nil {
			self.log.Debugf("sif datagram=%x err=%v", datagram, err)
		}
	}
	return nil
}

// SuspendPolling stops bus driver periodic wakeups until next datagram re-arms it.
func (self *Chardev) SuspendPolling() error {
	if self.accTimerPath == "" {
		return nil
	}
	err := ioutil.WriteFile(self.accTimerPath, []byte("0\n"), 0)
	return errors.Annotatef(err, "sif acc timer stop path=%s", self.accTimerPath)
}
