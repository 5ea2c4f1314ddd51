// Bench MQTT broker: prints everything boxes publish, stdin lines "topic payload" are sent to subscribers.
package main

import (
	"flag"
	"os"
	"strings"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/temoto/bmsbox/helpers/cli"
	"github.com/temoto/bmsbox/log2"
	"github.com/temoto/bmsbox/tele/mqtt"
)

var log = log2.NewStderr(log2.LInfo)

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	listen := cmdline.String("listen", "tcp://0.0.0.0:1883", "")
	debug := cmdline.Bool("debug", false, "")
	_ = cmdline.Parse(os.Args[1:])

	log.SetFlags(log2.LInteractiveFlags)
	if *debug {
		log.SetLevel(log2.LDebug)
	}

	s, err := mqtt.Listen(mqtt.Options{
		Log: log,
		URL: *listen,
		OnPublish: func(clientID string, msg *packet.Message) {
			log.Infof("client=%s topic=%s retain=%t payload=%s", clientID, msg.Topic, msg.Retain, msg.Payload)
		},
	})
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	log.Infof("listening %s", s.URL())

	cli.ScriptLoop(os.Stdin, func(line string) {
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			log.Errorf("expected: topic payload")
			return
		}
		n, err := s.Publish(&packet.Message{Topic: parts[0], QOS: packet.QOSAtLeastOnce, Payload: []byte(parts[1])})
		if err != nil {
			log.Error(err)
		}
		log.Infof("sent to %d clients", n)
	})
	if err := s.Close(); err != nil {
		log.Error(err)
	}
}
