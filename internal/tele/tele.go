// Package tele implements cloud reporting over MQTT with JSON payloads.
package tele

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/bmsbox/helpers"
	"github.com/temoto/bmsbox/log2"
	tele_api "github.com/temoto/bmsbox/tele"
	tele_config "github.com/temoto/bmsbox/tele/config"
)

const (
	DefaultNetworkTimeout = 30 * time.Second
	DefaultTopicPrefix    = "bms"
	DefaultModule         = "bmsbox"
)

// Tele contract:
// - New fails only with invalid config, network issues are reported by Connect
// - Report* block at most network timeout, no queue, no retry
// - commands arrive on MQTT goroutine and are passed to onCommand synchronously
type Tele struct {
	config         tele_config.Config
	log            *log2.Log
	m              mqtt.Client
	mopt           *mqtt.ClientOptions
	onCommand      tele_api.CommandFunc
	networkTimeout time.Duration
	topicPrefix    string
	stat           tele_api.StatCounters
	now            func() time.Time
}

var _ tele_api.Cloud = &Tele{}

// Envelope wraps every published payload.
type Envelope struct {
	MsgID  string      `json:"msgId"`
	Device string      `json:"device"`
	Time   int64       `json:"time"` // unix milliseconds
	Kind   string      `json:"kind"`
	Data   interface{} `json:"data"`
}

type Cell struct {
	N  int    `json:"n"`
	MV uint16 `json:"mv"`
}

func New(ctx context.Context, log *log2.Log, conf tele_config.Config, onCommand tele_api.CommandFunc) (*Tele, error) {
	if conf.DeviceID == "" {
		return nil, errors.NotValidf("tele device_id empty")
	}
	if conf.Module == "" {
		conf.Module = DefaultModule
	}
	self := &Tele{
		config:         conf,
		log:            log,
		onCommand:      onCommand,
		networkTimeout: helpers.IntSecondDefault(conf.NetworkTimeoutSec, DefaultNetworkTimeout),
		topicPrefix:    conf.TopicPrefix,
		now:            time.Now,
	}
	if self.topicPrefix == "" {
		self.topicPrefix = DefaultTopicPrefix
	}
	if self.networkTimeout < time.Second {
		self.networkTimeout = time.Second
	}
	if conf.LogDebug {
		self.log.SetLevel(log2.LDebug)
	}
	if err := self.mqttInit(ctx); err != nil {
		return nil, errors.Annotate(err, "tele init")
	}
	return self, nil
}

func (self *Tele) Topic(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", self.topicPrefix, self.config.DeviceID, suffix)
}

func (self *Tele) Connected() bool { return self.m.IsConnectionOpen() }

func (self *Tele) Stat() tele_api.Stat { return self.stat.Copy() }

func (self *Tele) Report(ctx context.Context, kind tele_api.Kind, data map[string]interface{}) error {
	// location goes to separate topic, rest of report is not held back by GNSS failure
	if gps, ok := data["gps"]; ok {
		if err := self.publish(ctx, self.Topic("loc"), "gps", gps); err != nil {
			self.log.Errorf("tele loc report err=%v", err)
		} else {
			rest := make(map[string]interface{}, len(data))
			for k, v := range data {
				if k != "gps" {
					rest[k] = v
				}
			}
			data = rest
		}
	}
	return self.publish(ctx, self.Topic(string(kind)), string(kind), data)
}

// ReportCells sends nothing for empty cell list.
func (self *Tele) ReportCells(ctx context.Context, cells []uint16) error {
	if len(cells) == 0 {
		return nil
	}
	list := make([]Cell, len(cells))
	for i, mv := range cells {
		list[i] = Cell{N: i + 1, MV: mv}
	}
	return self.publish(ctx, self.Topic("cells"), "cells", map[string]interface{}{"cells": list})
}

func (self *Tele) DeviceReport(ctx context.Context) error {
	return self.publish(ctx, self.Topic("device"), "device", map[string]interface{}{
		"module":  self.config.Module,
		"version": self.config.BuildVersion,
	})
}

func (self *Tele) OtaSearch(ctx context.Context) error {
	return self.publish(ctx, self.Topic("ota"), "ota", map[string]interface{}{
		"action":  "search",
		"module":  self.config.Module,
		"version": self.config.BuildVersion,
	})
}

// Error is best effort, never blocks.
// Must not be wired as error hook of the same logger Tele logs to.
func (self *Tele) Error(e error) {
	if e == nil || !self.Connected() {
		return
	}
	b, err := self.marshal("error", map[string]interface{}{"message": e.Error()})
	if err != nil {
		self.log.Errorf("tele error marshal err=%v", err)
		return
	}
	self.m.Publish(self.Topic("error"), 0, false, b)
}

func (self *Tele) marshal(kind string, data interface{}) ([]byte, error) {
	env := Envelope{
		MsgID:  uuid.New().String(),
		Device: self.config.DeviceID,
		Time:   self.now().UnixNano() / int64(time.Millisecond),
		Kind:   kind,
		Data:   data,
	}
	return json.Marshal(env)
}

func (self *Tele) publish(ctx context.Context, topic, kind string, data interface{}) error {
	if !self.Connected() {
		return errors.Annotatef(tele_api.ErrOffline, "tele publish topic=%s", topic)
	}
	b, err := self.marshal(kind, data)
	if err != nil {
		return errors.Annotatef(err, "tele marshal kind=%s", kind)
	}
	self.log.Debugf("tele publish topic=%s payload=%s", topic, b)
	err = self.tokenWait(ctx, self.m.Publish(topic, 1, false, b), "publish "+topic)
	if err != nil {
		self.stat.Failed()
		return err
	}
	self.stat.Sent()
	return nil
}
