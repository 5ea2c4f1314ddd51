package tele

import (
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
)

type MqttMock struct {
	Opt *mqtt.ClientOptions
	Pub chan MockMsg

	lk         sync.Mutex
	subs       []MockSub
	connected  bool
	publishErr error
}
type MockSub struct {
	Pattern string
	Qos     byte
	Handler mqtt.MessageHandler
}

var _ mqtt.Client = &MqttMock{}

func NewMqttMock() *MqttMock {
	return &MqttMock{
		Pub:  make(chan MockMsg, 32),
		subs: make([]MockSub, 0, 16),
	}
}

// Install replaces client constructor until test ends.
func (self *MqttMock) Install(t testing.TB) {
	old := newMqttClient
	newMqttClient = func(opt *mqtt.ClientOptions) mqtt.Client {
		self.Opt = opt
		return self
	}
	t.Cleanup(func() { newMqttClient = old })
}

func (self *MqttMock) TestPublish(t testing.TB, topic string, payload []byte) {
	self.lk.Lock()
	subs := append([]MockSub(nil), self.subs...)
	self.lk.Unlock()
	for _, sub := range subs {
		if topic == sub.Pattern {
			msg := MockMsg{T: topic, P: payload}
			if sub.Qos > 0 {
				msg.acked = make(chan struct{})
			}
			sub.Handler(self, msg)
			if sub.Qos > 0 {
				select {
				case <-msg.acked:
				default:
					t.Errorf("message='%s' handled without Ack()", string(payload))
				}
			}
			return
		}
	}
	t.Errorf("not subscribed for topic=%s", topic)
}

// ExpectPub returns next published message or fails test.
func (self *MqttMock) ExpectPub(t testing.TB) MockMsg {
	t.Helper()
	select {
	case msg := <-self.Pub:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no publish")
		return MockMsg{}
	}
}

func (self *MqttMock) ExpectNoPub(t testing.TB) {
	t.Helper()
	select {
	case msg := <-self.Pub:
		t.Errorf("unexpected publish topic=%s payload=%s", msg.T, msg.P)
	default:
	}
}

func (self *MqttMock) Disconnect(uint) {
	self.lk.Lock()
	self.connected = false
	self.lk.Unlock()
}
func (self *MqttMock) IsConnected() bool {
	self.lk.Lock()
	defer self.lk.Unlock()
	return self.connected
}
func (self *MqttMock) IsConnectionOpen() bool { return self.IsConnected() }

func (self *MqttMock) Connect() mqtt.Token {
	self.lk.Lock()
	self.connected = true
	self.lk.Unlock()
	if self.Opt != nil && self.Opt.OnConnect != nil {
		self.Opt.OnConnect(self)
	}
	return mockToken{nil}
}

func (self *MqttMock) Publish(topic string, qos byte, retain bool, payload interface{}) mqtt.Token {
	self.lk.Lock()
	err := self.publishErr
	self.lk.Unlock()
	if err == nil {
		self.Pub <- MockMsg{T: topic, P: payload.([]byte), Q: qos, R: retain}
	}
	return mockToken{err}
}

func (self *MqttMock) Subscribe(pattern string, qos byte, handler mqtt.MessageHandler) mqtt.Token {
	self.lk.Lock()
	self.subs = append(self.subs, MockSub{pattern, qos, handler})
	self.lk.Unlock()
	return mockToken{nil}
}

func (self *MqttMock) AddRoute(string, mqtt.MessageHandler) { panic("not implemented") }

func (self *MqttMock) OptionsReader() mqtt.ClientOptionsReader {
	panic("not implemented")
}

func (self *MqttMock) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	panic("not implemented")
}
func (self *MqttMock) Unsubscribe(...string) mqtt.Token { panic("not implemented") }

type mockToken struct{ error }

var closedChan = func() chan struct{} { c := make(chan struct{}); close(c); return c }()

func (tok mockToken) Error() error                   { return tok.error }
func (tok mockToken) Wait() bool                     { return !errors.IsTimeout(tok.error) }
func (tok mockToken) WaitTimeout(time.Duration) bool { return tok.Wait() }
func (tok mockToken) Done() <-chan struct{}          { return closedChan }

type MockMsg struct {
	T     string
	P     []byte
	Q     byte
	R     bool
	acked chan struct{}
}

func (msg MockMsg) Ack() {
	if msg.acked != nil {
		close(msg.acked)
	}
}

func (msg MockMsg) Duplicate() bool   { return false }
func (msg MockMsg) MessageID() uint16 { return 0 }
func (msg MockMsg) Payload() []byte   { return msg.P }
func (msg MockMsg) Qos() byte         { return msg.Q }
func (msg MockMsg) Retained() bool    { return msg.R }
func (msg MockMsg) Topic() string     { return msg.T }
