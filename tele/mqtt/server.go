// Package mqtt is a small MQTT 3.1.1 broker standing in for telemetry cloud
// on a bench or in tests. QOS 0 and 1, clean sessions only, retained messages and wills.
package mqtt

import (
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/broker"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/topic"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/bmsbox/helpers"
	"github.com/temoto/bmsbox/log2"
)

const (
	DefaultNetworkTimeout = 30 * time.Second
	defaultReadLimit      = 1 << 20
)

var ErrClosing = fmt.Errorf("server is closing")

// AuthFunc checks CONNECT credentials.
type AuthFunc = func(clientID, username, password string) bool

type Options struct {
	Log            *log2.Log
	URL            string // tcp://host:port, empty port picks free one
	NetworkTimeout time.Duration
	Auth           AuthFunc // nil accepts everyone
	OnPublish      func(clientID string, msg *packet.Message)
}

type subscription struct {
	pattern string
	client  string
	qos     packet.QOS
}

type Server struct {
	alive  *alive.Alive
	log    *log2.Log
	ns     *transport.NetServer
	opt    Options
	nextid uint32 // atomic packet.ID

	mu      sync.Mutex
	conns   map[string]*conn
	retain  *topic.Tree // *packet.Message
	subs    *topic.Tree // *subscription
	closing bool
}

func Listen(opt Options) (*Server, error) {
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	u, err := url.ParseRequestURI(opt.URL)
	if err != nil {
		return nil, errors.Annotatef(err, "mqtt listen url=%s", opt.URL)
	}
	if u.Scheme != "tcp" {
		return nil, errors.NotSupportedf("mqtt listen url=%s scheme", opt.URL)
	}
	l, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, errors.Annotatef(err, "mqtt listen url=%s", opt.URL)
	}
	s := &Server{
		alive:  alive.NewAlive(),
		log:    opt.Log,
		ns:     transport.NewNetServer(l),
		opt:    opt,
		conns:  make(map[string]*conn),
		retain: topic.NewStandardTree(),
		subs:   topic.NewStandardTree(),
	}
	s.alive.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *Server) Addr() string { return s.ns.Addr().String() }
func (s *Server) URL() string  { return "tcp://" + s.Addr() }

func (s *Server) Close() error {
	s.alive.Stop()
	err := s.ns.Close()
	s.mu.Lock()
	s.closing = true
	for _, c := range s.conns {
		c.die(ErrClosing)
	}
	s.mu.Unlock()
	s.alive.Wait()
	return errors.Annotate(err, "mqtt close")
}

// Retained returns copy of retained message on exact topic.
func (s *Server) Retained(name string) *packet.Message {
	for _, x := range s.retain.Search(name) {
		if m := x.(*packet.Message); m.Topic == name {
			return m.Copy()
		}
	}
	return nil
}

// Publish delivers msg to matching subscribers, returns number of receivers.
func (s *Server) Publish(msg *packet.Message) (int, error) {
	s.log.Debugf("mqtt publish %s", messageString(msg))
	if msg.Retain {
		if len(msg.Payload) != 0 {
			s.retain.Set(msg.Topic, msg.Copy())
		} else {
			s.retain.Empty(msg.Topic)
		}
	}

	uniq := make(map[string]packet.QOS)
	for _, x := range s.subs.Match(msg.Topic) {
		sub := x.(*subscription)
		if q, ok := uniq[sub.client]; !ok || sub.qos > q {
			uniq[sub.client] = sub.qos
		}
	}
	errs := make([]error, 0)
	n := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, qos := range uniq {
		c, ok := s.conns[id]
		if !ok {
			continue
		}
		m := msg.Copy()
		// retain flag is only kept for messages sent on subscribe
		m.Retain = false
		if qos < m.QOS {
			m.QOS = qos
		}
		if err := c.publish(s.nextID(), m); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, helpers.FoldErrors(errs)
}

func (s *Server) nextID() packet.ID {
	for {
		if id := packet.ID(atomic.AddUint32(&s.nextid, 1) % (1 << 16)); id != 0 {
			return id
		}
	}
}

func (s *Server) acceptLoop() {
	defer s.alive.Done() // one alive subtask for listener
	for {
		tc, err := s.ns.Accept()
		if !s.alive.IsRunning() {
			if tc != nil {
				_ = tc.Close()
			}
			return
		}
		if err != nil {
			s.log.Error(errors.Annotate(err, "mqtt accept"))
			s.alive.Stop()
			return
		}
		if !s.alive.Add(1) { // and one for each connection
			_ = tc.Close()
			return
		}
		go s.serve(tc)
	}
}

func (s *Server) handshake(tc transport.Conn) (*conn, error) {
	pkt, err := tc.Receive()
	if err != nil {
		return nil, errors.Annotate(err, "receive connect")
	}
	pktConnect, ok := pkt.(*packet.Connect)
	if !ok {
		return nil, errors.Annotatef(broker.ErrUnexpectedPacket, "first packet=%s", pkt.Type())
	}

	connack := packet.NewConnack()
	if pktConnect.ClientID == "" {
		connack.ReturnCode = packet.IdentifierRejected
		_ = tc.Send(connack, false)
		return nil, errors.Annotate(broker.ErrNotAuthorized, "empty clientid")
	}
	if s.opt.Auth != nil && !s.opt.Auth(pktConnect.ClientID, pktConnect.Username, pktConnect.Password) {
		connack.ReturnCode = packet.NotAuthorized
		_ = tc.Send(connack, false)
		return nil, errors.Annotatef(broker.ErrNotAuthorized, "clientid=%s", pktConnect.ClientID)
	}

	keepalive := time.Duration(pktConnect.KeepAlive) * time.Second
	if keepalive == 0 || keepalive > s.opt.NetworkTimeout {
		keepalive = s.opt.NetworkTimeout
	}
	tc.SetReadTimeout(keepalive + keepalive/2)
	connack.ReturnCode = packet.ConnectionAccepted
	if err = tc.Send(connack, false); err != nil {
		return nil, errors.Annotate(err, "send connack")
	}
	s.log.Debugf("mqtt connect addr=%s id=%s username=%s keepalive=%d",
		tc.RemoteAddr(), pktConnect.ClientID, pktConnect.Username, pktConnect.KeepAlive)
	return newConn(tc, s.log, pktConnect), nil
}

func (s *Server) serve(tc transport.Conn) {
	defer s.alive.Done()
	tc.SetMaxWriteDelay(0)
	tc.SetReadLimit(defaultReadLimit)
	tc.SetReadTimeout(s.opt.NetworkTimeout)
	c, err := s.handshake(tc)
	if err != nil {
		s.log.Infof("mqtt addr=%s err=%v", tc.RemoteAddr(), err)
		_ = tc.Close()
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		c.die(ErrClosing)
		return
	}
	// same client id takes over
	if ex, ok := s.conns[c.id]; ok {
		s.log.Infof("mqtt client overtake id=%s", c.id)
		ex.die(fmt.Errorf("clientid overtake"))
	}
	s.conns[c.id] = c
	s.mu.Unlock()

	for {
		pkt, err := c.tc.Receive()
		if err != nil {
			c.die(err)
			break
		}
		if err = s.handle(c, pkt); err != nil {
			s.log.Errorf("mqtt id=%s pkt=%s err=%v", c.id, pkt.Type(), err)
			c.die(err)
			break
		}
		if c.disconnected() {
			c.die(nil)
			break
		}
	}

	s.mu.Lock()
	if s.conns[c.id] == c {
		delete(s.conns, c.id)
	}
	s.mu.Unlock()
	for _, x := range s.subs.All() {
		if sub := x.(*subscription); sub.client == c.id {
			s.subs.Remove(sub.pattern, x)
		}
	}
	if will := c.takeWill(); will != nil {
		s.log.Debugf("mqtt id=%s will %s", c.id, messageString(will))
		if _, err := s.Publish(will); err != nil {
			s.log.Error(errors.Annotate(err, "mqtt will"))
		}
	}
}

func (s *Server) handle(c *conn, pkt packet.Generic) error {
	switch p := pkt.(type) {
	case *packet.Pingreq:
		return c.send(packet.NewPingresp())

	case *packet.Publish:
		if p.Message.QOS > packet.QOSAtLeastOnce {
			return errors.NotSupportedf("qos=%d", p.Message.QOS)
		}
		// failed delivery to others is not publisher problem
		if _, err := s.Publish(&p.Message); err != nil {
			s.log.Error(errors.Annotatef(err, "mqtt id=%s publish", c.id))
		}
		if s.opt.OnPublish != nil {
			s.opt.OnPublish(c.id, &p.Message)
		}
		if p.Message.QOS == packet.QOSAtLeastOnce {
			ack := packet.NewPuback()
			ack.ID = p.ID
			return c.send(ack)
		}
		return nil

	case *packet.Puback:
		return nil

	case *packet.Subscribe:
		if len(p.Subscriptions) == 0 {
			return errors.NotValidf("subscribe with empty list")
		}
		suback := packet.NewSuback()
		suback.ID = p.ID
		suback.ReturnCodes = make([]packet.QOS, 0, len(p.Subscriptions))
		retained := make([]*packet.Message, 0)
		for _, sub := range p.Subscriptions {
			qos := sub.QOS
			if qos > packet.QOSAtLeastOnce {
				qos = packet.QOSAtLeastOnce
			}
			s.subs.Add(sub.Topic, &subscription{pattern: sub.Topic, client: c.id, qos: qos})
			suback.ReturnCodes = append(suback.ReturnCodes, qos)
			for _, x := range s.retain.Search(sub.Topic) {
				m := x.(*packet.Message).Copy()
				if qos < m.QOS {
					m.QOS = qos
				}
				retained = append(retained, m)
			}
		}
		if err := c.send(suback); err != nil {
			return err
		}
		for _, m := range retained {
			if err := c.publish(s.nextID(), m); err != nil {
				return err
			}
		}
		return nil

	case *packet.Disconnect:
		c.markDisconnect()
		return nil

	default:
		return errors.NotSupportedf("packet=%s", pkt.Type())
	}
}

func messageString(m *packet.Message) string {
	return fmt.Sprintf("topic=%s qos=%d retain=%t payload=%q", m.Topic, m.QOS, m.Retain, m.Payload)
}
