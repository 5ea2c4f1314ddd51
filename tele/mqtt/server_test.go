package mqtt_test

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/bmsbox/helpers"
	"github.com/temoto/bmsbox/log2"
	"github.com/temoto/bmsbox/tele/mqtt"
)

const testTimeout = 2 * time.Second

type tenv struct {
	t    testing.TB
	log  *log2.Log
	s    *mqtt.Server
	rand *rand.Rand

	mu        sync.Mutex
	published []string
}

func TestServer(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		check func(*tenv)
	}{
		{name: "invalid-credentials", check: func(env *tenv) {
			conn := connDial(env)
			pktConnect := packet.NewConnect()
			pktConnect.ClientID = "cli"
			pktConnect.Username = "cli"
			pktConnect.Password = "wrong"
			require.NoError(env.t, conn.Send(pktConnect, false))
			pktConnack := connReceive(env, conn).(*packet.Connack)
			assert.Equal(env.t, packet.NotAuthorized, pktConnack.ReturnCode)
		}},
		{name: "empty-clientid", check: func(env *tenv) {
			conn := connDial(env)
			pktConnect := packet.NewConnect()
			pktConnect.CleanSession = true
			require.NoError(env.t, conn.Send(pktConnect, false))
			pktConnack := connReceive(env, conn).(*packet.Connack)
			assert.Equal(env.t, packet.IdentifierRejected, pktConnack.ReturnCode)
		}},
		{name: "ping", check: func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
			require.NoError(env.t, conn.Send(packet.NewPingreq(), false))
			_, ok := connReceive(env, conn).(*packet.Pingresp)
			assert.True(env.t, ok)
		}},
		{name: "sub-qos0", check: func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
			connSubscribe(env, conn, []packet.Subscription{{Topic: "bms/#", QOS: packet.QOSAtMostOnce}})
			msgout := packet.Message{Topic: "bms/b1/report", QOS: packet.QOSAtMostOnce, Payload: []byte("{}")}
			connPublish(env, conn, msgout)
			pktPublish := connReceive(env, conn).(*packet.Publish)
			assert.Equal(env.t, msgout.Topic, pktPublish.Message.Topic)
			assert.Equal(env.t, msgout.Payload, pktPublish.Message.Payload)
			assert.Eventually(env.t, func() bool { return len(env.publishedCopy()) == 1 }, testTimeout, time.Millisecond)
			assert.Equal(env.t, []string{"bms/b1/report"}, env.publishedCopy())
		}},
		{name: "sub-qos0-pub-qos1", check: func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
			connSubscribe(env, conn, []packet.Subscription{{Topic: "bms/+/alarm", QOS: packet.QOSAtMostOnce}})
			pktOut := packet.NewPublish()
			pktOut.ID = 7
			pktOut.Message = packet.Message{Topic: "bms/b1/alarm", QOS: packet.QOSAtLeastOnce, Payload: []byte("uvp")}
			require.NoError(env.t, conn.Send(pktOut, false))
			// own subscription delivery and puback may arrive in any order
			var pktPublish *packet.Publish
			var pktPuback *packet.Puback
			for i := 0; i < 2; i++ {
				switch p := connReceive(env, conn).(type) {
				case *packet.Publish:
					pktPublish = p
				case *packet.Puback:
					pktPuback = p
				default:
					env.t.Fatalf("unexpected packet %s", p.String())
				}
			}
			require.NotNil(env.t, pktPuback)
			assert.Equal(env.t, pktOut.ID, pktPuback.ID)
			require.NotNil(env.t, pktPublish)
			assert.Equal(env.t, "uvp", string(pktPublish.Message.Payload))
			assert.Equal(env.t, packet.QOSAtMostOnce, pktPublish.Message.QOS)
			assert.Equal(env.t, packet.ID(0), pktPublish.ID)
		}},
		{name: "server-publish-qos1", check: func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "b1", nil)
			connSubscribe(env, conn, []packet.Subscription{{Topic: "bms/b1/cmd", QOS: packet.QOSAtLeastOnce}})
			n, err := env.s.Publish(&packet.Message{Topic: "bms/b1/cmd", QOS: packet.QOSAtLeastOnce, Payload: []byte(`{"query":true}`)})
			require.NoError(env.t, err)
			assert.Equal(env.t, 1, n)
			pktPublish := connReceive(env, conn).(*packet.Publish)
			assert.Equal(env.t, packet.QOSAtLeastOnce, pktPublish.Message.QOS)
			assert.NotEqual(env.t, packet.ID(0), pktPublish.ID)
			n, err = env.s.Publish(&packet.Message{Topic: "bms/b2/cmd"})
			require.NoError(env.t, err)
			assert.Equal(env.t, 0, n)
		}},
		{name: "retain", check: func(env *tenv) {
			pub := connDial(env)
			connConnect(env, pub, "", nil)
			connPublish(env, pub, packet.Message{Topic: "bms/b1/status", Payload: []byte("1"), Retain: true})
			require.Eventually(env.t, func() bool { return env.s.Retained("bms/b1/status") != nil }, testTimeout, time.Millisecond)

			conn := connDial(env)
			connConnect(env, conn, "", nil)
			connSubscribe(env, conn, []packet.Subscription{{Topic: "bms/+/status", QOS: packet.QOSAtMostOnce}})
			pktPublish := connReceive(env, conn).(*packet.Publish)
			assert.Equal(env.t, "1", string(pktPublish.Message.Payload))
			assert.True(env.t, pktPublish.Message.Retain)

			connPublish(env, pub, packet.Message{Topic: "bms/b1/status", Retain: true})
			require.Eventually(env.t, func() bool { return env.s.Retained("bms/b1/status") == nil }, testTimeout, time.Millisecond)
		}},
		{name: "will", check: func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
			connSubscribe(env, conn, []packet.Subscription{{Topic: "#", QOS: packet.QOSAtMostOnce}})

			connTrigger := connDial(env)
			will := &packet.Message{Topic: "bms/b1/status", Payload: []byte("0"), Retain: true}
			connConnect(env, connTrigger, "", will)
			require.NoError(env.t, connTrigger.Close())

			pktPublish := connReceive(env, conn).(*packet.Publish)
			assert.Equal(env.t, will.Topic, pktPublish.Message.Topic)
			assert.Equal(env.t, will.Payload, pktPublish.Message.Payload)
			assert.Equal(env.t, "0", string(env.s.Retained(will.Topic).Payload))
		}},
		{name: "disconnect-clean", check: func(env *tenv) {
			connTrigger := connDial(env)
			will := &packet.Message{Topic: "bms/b1/status", Payload: []byte("0"), Retain: true}
			connConnect(env, connTrigger, "", will)
			require.NoError(env.t, connTrigger.Send(packet.NewDisconnect(), false))
			require.NoError(env.t, connTrigger.Close())
			time.Sleep(50 * time.Millisecond)
			assert.Nil(env.t, env.s.Retained(will.Topic))
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := &tenv{
				t:    t,
				log:  log2.NewTest(t, log2.LDebug),
				rand: helpers.RandUnix(),
			}
			env.log.SetFlags(log2.LTestFlags)
			s, err := mqtt.Listen(mqtt.Options{
				Log:            env.log,
				URL:            "tcp://127.0.0.1:0",
				NetworkTimeout: testTimeout,
				Auth:           func(id, username, password string) bool { return password != "wrong" },
				OnPublish: func(_ string, msg *packet.Message) {
					env.mu.Lock()
					env.published = append(env.published, msg.Topic)
					env.mu.Unlock()
				},
			})
			require.NoError(t, err)
			env.s = s
			defer func() { assert.NoError(t, s.Close()) }()
			c.check(env)
		})
	}
}

func TestListenInvalid(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	_, err := mqtt.Listen(mqtt.Options{Log: log, URL: "udp://127.0.0.1:0"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheme not supported")
	_, err = mqtt.Listen(mqtt.Options{Log: log, URL: "nope"})
	require.Error(t, err)
}

func (env *tenv) publishedCopy() []string {
	env.mu.Lock()
	defer env.mu.Unlock()
	return append([]string(nil), env.published...)
}

func connDial(env *tenv) transport.Conn {
	c, err := transport.Dial(env.s.URL())
	require.NoError(env.t, err)
	c.SetReadTimeout(testTimeout)
	env.t.Cleanup(func() { _ = c.Close() })
	return c
}

func connConnect(env *tenv, c transport.Conn, id string, will *packet.Message) {
	if id == "" {
		id = fmt.Sprintf("cli%d", env.rand.Int31())
	}
	pktConnect := packet.NewConnect()
	pktConnect.CleanSession = true
	pktConnect.ClientID = id
	pktConnect.Username = id
	pktConnect.Password = "secret"
	pktConnect.Will = will
	require.NoError(env.t, c.Send(pktConnect, false))
	pktConnack := connReceive(env, c).(*packet.Connack)
	assert.False(env.t, pktConnack.SessionPresent)
	require.Equal(env.t, packet.ConnectionAccepted, pktConnack.ReturnCode)
}

func connPublish(env *tenv, c transport.Conn, msg packet.Message) {
	pktPublish := packet.NewPublish()
	pktPublish.ID = packet.ID(env.rand.Uint32()%(1<<16-1) + 1)
	pktPublish.Message = msg
	require.NoError(env.t, c.Send(pktPublish, false))
	if msg.QOS == packet.QOSAtLeastOnce {
		pktPuback := connReceive(env, c).(*packet.Puback)
		assert.Equal(env.t, pktPublish.ID, pktPuback.ID)
	}
}

func connReceive(env *tenv, c transport.Conn) packet.Generic {
	pkt, err := c.Receive()
	require.NoError(env.t, err)
	env.log.Debugf("test client recv %s", pkt.String())
	return pkt
}

func connSubscribe(env *tenv, c transport.Conn, subs []packet.Subscription) {
	pktSubscribe := packet.NewSubscribe()
	pktSubscribe.ID = packet.ID(env.rand.Uint32()%(1<<16-1) + 1)
	pktSubscribe.Subscriptions = subs
	require.NoError(env.t, c.Send(pktSubscribe, false))
	pktSuback := connReceive(env, c).(*packet.Suback)
	expect := make([]packet.QOS, 0, len(subs))
	for _, sub := range subs {
		expect = append(expect, sub.QOS)
	}
	assert.Equal(env.t, expect, pktSuback.ReturnCodes)
}
