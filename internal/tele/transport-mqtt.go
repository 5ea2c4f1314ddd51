package tele

import (
	"context"
	"net/url"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/bmsbox/helpers"
	"github.com/temoto/bmsbox/log2"
)

var (
	statusOnline  = []byte("1")
	statusOffline = []byte("0")
)

// replaced in tests
var newMqttClient = mqtt.NewClient

func (self *Tele) mqttInit(ctx context.Context) error {
	if _, err := url.ParseRequestURI(self.config.MqttBroker); err != nil {
		return errors.Annotatef(err, "tele mqtt_broker=%s", self.config.MqttBroker)
	}
	mqttLog := self.log.Clone(log2.LInfo)
	mqttLog.SetPrefix("mqtt ")
	mqtt.CRITICAL = mqttLog
	mqtt.ERROR = mqttLog
	mqtt.WARN = mqttLog
	if self.config.MqttLogDebug {
		mqttLog.SetLevel(log2.LDebug)
		mqtt.DEBUG = mqttLog
	}

	clientID := self.config.DeviceID
	credFun := func() (string, string) {
		return clientID, self.config.MqttPassword
	}
	keepalive := helpers.IntSecondDefault(self.config.KeepaliveSec, self.networkTimeout*2)
	defaultHandler := func(_ mqtt.Client, msg mqtt.Message) {
		self.log.Errorf("tele unexpected mqtt topic=%s payload=%s", msg.Topic(), msg.Payload())
	}
	onConnect := func(c mqtt.Client) {
		self.log.Infof("tele mqtt connected")
		topic := self.Topic("cmd")
		t := c.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) { self.onMessage(ctx, msg) })
		if err := self.tokenWait(ctx, t, "subscribe "+topic); err != nil {
			return
		}
		c.Publish(self.Topic("status"), 1, true, statusOnline)
	}

	self.mopt = mqtt.NewClientOptions().
		AddBroker(self.config.MqttBroker).
		SetAutoReconnect(true).
		SetBinaryWill(self.Topic("status"), statusOffline, 1, true).
		SetCleanSession(true).
		SetClientID(clientID).
		SetConnectTimeout(self.networkTimeout).
		SetCredentialsProvider(credFun).
		SetDefaultPublishHandler(defaultHandler).
		SetKeepAlive(keepalive).
		SetMaxReconnectInterval(self.networkTimeout * 3).
		SetOnConnectHandler(onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) { self.log.Infof("tele mqtt connection lost err=%v", err) }).
		SetOrderMatters(false).
		SetPingTimeout(self.networkTimeout).
		SetWriteTimeout(self.networkTimeout)
	self.m = newMqttClient(self.mopt)
	return nil
}

// Connect blocks until connected or network timeout.
func (self *Tele) Connect() error {
	if self.m.IsConnectionOpen() {
		return nil
	}
	return self.tokenWait(context.Background(), self.m.Connect(), "connect")
}

// Disconnect marks device offline on purpose, so will message is not needed.
func (self *Tele) Disconnect() {
	if !self.m.IsConnected() {
		return
	}
	t := self.m.Publish(self.Topic("status"), 1, true, statusOffline)
	_ = self.tokenWait(context.Background(), t, "publish status")
	self.m.Disconnect(uint(self.networkTimeout / 10 / time.Millisecond))
	self.log.Infof("tele mqtt disconnected")
}

func (self *Tele) Close() { self.Disconnect() }

func (self *Tele) tokenWait(ctx context.Context, t mqtt.Token, tag string) error {
	tmr := time.NewTimer(self.networkTimeout)
	defer tmr.Stop()
	select {
	case <-t.Done():
	case <-tmr.C:
		err := errors.Timeoutf("tele mqtt %s", tag)
		self.log.Error(err)
		return err
	case <-ctx.Done():
		return errors.Annotatef(ctx.Err(), "tele mqtt %s", tag)
	}
	if err := t.Error(); err != nil {
		err = errors.Annotatef(err, "tele mqtt %s", tag)
		self.log.Error(err)
		return err
	}
	return nil
}
