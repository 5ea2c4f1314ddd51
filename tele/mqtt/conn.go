package mqtt

import (
	"sync"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/bmsbox/log2"
)

// Server side of one client connection.
type conn struct {
	tc  transport.Conn
	id  string
	log *log2.Log

	mu    sync.Mutex
	dead  bool
	disco bool
	will  *packet.Message
}

func newConn(tc transport.Conn, log *log2.Log, pktConnect *packet.Connect) *conn {
	c := &conn{tc: tc, id: pktConnect.ClientID, log: log}
	if pktConnect.Will != nil {
		c.will = pktConnect.Will.Copy()
	}
	return c
}

func (c *conn) send(pkt packet.Generic) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return ErrClosing
	}
	if err := c.tc.Send(pkt, false); err != nil {
		return errors.Annotatef(err, "mqtt send id=%s", c.id)
	}
	return nil
}

// publish does not wait for puback.
func (c *conn) publish(id packet.ID, msg *packet.Message) error {
	pub := packet.NewPublish()
	pub.Message = *msg
	if msg.QOS != packet.QOSAtMostOnce {
		pub.ID = id
	}
	return c.send(pub)
}

// die closes connection once.
func (c *conn) die(e error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return
	}
	c.dead = true
	c.log.Debugf("mqtt die id=%s err=%v", c.id, e)
	_ = c.tc.Close()
}

func (c *conn) markDisconnect() {
	c.mu.Lock()
	c.disco = true
	c.will = nil
	c.mu.Unlock()
}

func (c *conn) disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disco
}

// takeWill returns will message unless client disconnected properly.
func (c *conn) takeWill() *packet.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.will
	c.will = nil
	return w
}
