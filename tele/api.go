// Package tele is cloud reporting API, box side.
// Implementation lives in internal/tele, this package only holds types shared with callers.
package tele

import (
	"context"
	"fmt"
)

type Kind string

const (
	KindReport Kind = "report"
	KindAlarm  Kind = "alarm"
)

var (
	ErrOffline  = fmt.Errorf("cloud offline")
	ErrDisabled = fmt.Errorf("cloud disabled")
)

// Cloud is reporting collaborator of the control loop.
// Report methods return ErrOffline without connection and never retry by themselves.
type Cloud interface {
	Connect() error
	Disconnect()
	Connected() bool
	Report(ctx context.Context, kind Kind, data map[string]interface{}) error
	ReportCells(ctx context.Context, cells []uint16) error
	DeviceReport(ctx context.Context) error
	OtaSearch(ctx context.Context) error
	Error(error)
	Stat() Stat
	Close()
}

// Command is JSON message from cloud, all parts optional.
// {"msgId":"...","set":{"reportTimes":30,"loc_method":{"gps":1}},"query":true}
type Command struct {
	MsgID string    `json:"msgId,omitempty"`
	Set   *Settings `json:"set,omitempty"`
	Query bool      `json:"query,omitempty"`
	Ota   *OtaPlan  `json:"ota,omitempty"`
}

type Settings struct {
	ReportTimes *int       `json:"reportTimes,omitempty"`
	LocMethod   *LocMethod `json:"loc_method,omitempty"`
}

// LocMethod flags come as 0/1 numbers.
type LocMethod struct {
	GPS  int `json:"gps"`
	Cell int `json:"cell"`
	WiFi int `json:"wifi"`
}

const (
	LocGPS  = 1 << 0
	LocCell = 1 << 1
	LocWiFi = 1 << 2
	LocAll  = LocGPS | LocCell | LocWiFi
)

func (m LocMethod) Bits() int {
	bits := 0
	if m.GPS != 0 {
		bits |= LocGPS
	}
	if m.Cell != 0 {
		bits |= LocCell
	}
	if m.WiFi != 0 {
		bits |= LocWiFi
	}
	return bits
}

func (c *Command) String() string {
	s := fmt.Sprintf("msgId=%s", c.MsgID)
	if c.Set != nil {
		if c.Set.ReportTimes != nil {
			s += fmt.Sprintf(" reportTimes=%d", *c.Set.ReportTimes)
		}
		if c.Set.LocMethod != nil {
			s += fmt.Sprintf(" loc_method=%d", c.Set.LocMethod.Bits())
		}
	}
	if c.Query {
		s += " query"
	}
	if c.Ota != nil {
		s += fmt.Sprintf(" ota=%s/%s", c.Ota.Module, c.Ota.Version)
	}
	return s
}

// OtaPlan announces upgrade available for module.
type OtaPlan struct {
	Module  string `json:"module"`
	Version string `json:"version"`
}

// CommandFunc applies cloud command to the box, OtaPlan is handled by cloud client itself.
type CommandFunc func(context.Context, *Command) error
