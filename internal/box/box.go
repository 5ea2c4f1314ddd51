// Package box is the control loop: periodic reports, fault alarms and low power mode
// driven by freshness of decoded battery data.
package box

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/bmsbox/hardware/bms"
	"github.com/temoto/bmsbox/helpers"
	"github.com/temoto/bmsbox/internal/ipc"
	"github.com/temoto/bmsbox/internal/location"
	"github.com/temoto/bmsbox/log2"
	tele_api "github.com/temoto/bmsbox/tele"
)

const (
	DefaultTick         = 50 * time.Millisecond
	DefaultReportPeriod = 60 * time.Second
	DefaultStale        = 30 * time.Second
)

type Config struct {
	TickMs    int `hcl:"tick_ms"`
	ReportSec int `hcl:"report_sec"`
	StaleSec  int `hcl:"stale_sec"`
}

type Mode int32

const (
	ModeActive Mode = iota
	ModeLowPower
)

func (m Mode) String() string {
	switch m {
	case ModeActive:
		return "active"
	case ModeLowPower:
		return "low_power"
	}
	return "invalid"
}

type Storer interface {
	Store() error
}

// Box state is owned by the goroutine calling Tick, except Mode and RequestReport.
// Optional collaborators are replaced with no-op versions by New, Suspender and Persist may stay nil.
type Box struct {
	Log       *log2.Log
	Protocol  bms.Protocol
	Cloud     tele_api.Cloud
	Locator   location.Locator
	IPC       ipc.Publisher
	Suspender bms.PushSuspender
	Settings  *Settings
	Persist   Storer
	Now       func() time.Time

	tick       time.Duration
	stale      time.Duration
	mode       int32 // Mode
	force      uint32
	lastReport time.Time
	fault      FaultEdge
}

func New(log *log2.Log, c Config, protocol bms.Protocol, cloud tele_api.Cloud) *Box {
	if cloud == nil {
		cloud = tele_api.Noop{}
	}
	reportSec := c.ReportSec
	if reportSec <= 0 {
		reportSec = int(DefaultReportPeriod / time.Second)
	}
	return &Box{
		Log:      log,
		Protocol: protocol,
		Cloud:    cloud,
		Locator:  location.Noop{},
		IPC:      ipc.Noop{},
		Settings: NewSettings(reportSec, tele_api.LocGPS),
		Now:      time.Now,
		tick:     helpers.IntMillisecondDefault(c.TickMs, DefaultTick),
		stale:    helpers.IntSecondDefault(c.StaleSec, DefaultStale),
	}
}

func (self *Box) Mode() Mode { return Mode(atomic.LoadInt32(&self.mode)) }

func (self *Box) setMode(m Mode) {
	self.Log.Infof("box mode %s -> %s", self.Mode(), m)
	atomic.StoreInt32(&self.mode, int32(m))
}

// RequestReport makes next active tick send report regardless of period.
func (self *Box) RequestReport() { atomic.StoreUint32(&self.force, 1) }

// Start connects cloud and opens locator, failures are logged and retried by reports.
func (self *Box) Start() {
	if err := self.Cloud.Connect(); err != nil {
		self.logCloud(errors.Annotate(err, "box start cloud connect"))
	}
	if err := self.Locator.Open(); err != nil {
		self.Log.Error(errors.Annotate(err, "box start"))
	}
}

// Run ticks until a is stopped, then closes collaborators.
func (self *Box) Run(a *alive.Alive) {
	if !a.Add(1) {
		return
	}
	defer a.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopCh := a.StopChan()
	go func() {
		<-stopCh
		cancel()
	}()

	self.Start()
	t := time.NewTicker(self.tick)
	defer t.Stop()
	for {
		select {
		case <-stopCh:
			self.Cloud.Close()
			if err := self.Locator.Close(); err != nil {
				self.Log.Error(errors.Annotate(err, "box stop"))
			}
			return
		case <-t.C:
			self.Tick(ctx)
		}
	}
}

// Tick runs one iteration of control loop.
func (self *Box) Tick(ctx context.Context) {
	now := self.Now()
	if self.lastReport.IsZero() {
		self.lastReport = now
	}

	switch self.Mode() {
	case ModeLowPower:
		if self.Protocol.PollReceived() {
			self.exitLowPower()
		}

	case ModeActive:
		force := atomic.CompareAndSwapUint32(&self.force, 1, 0)
		if force || now.Sub(self.lastReport) >= self.Settings.ReportPeriod() {
			self.report(ctx)
			self.lastReport = now
		}
		self.checkFault(ctx)
		if now.Sub(self.Protocol.FreshAt()) >= self.stale {
			self.enterLowPower()
		}
	}
}

func (self *Box) enterLowPower() {
	self.setMode(ModeLowPower)
	self.Cloud.Disconnect()
	if err := self.Locator.Close(); err != nil {
		self.Log.Error(errors.Annotate(err, "box low power"))
	}
	if self.Suspender != nil {
		if err := self.Suspender.SuspendPolling(); err != nil {
			self.Log.Error(errors.Annotate(err, "box low power"))
		}
	}
	// frames decoded while active must not wake us up right away
	self.Protocol.DrainReceived()
}

func (self *Box) exitLowPower() {
	self.setMode(ModeActive)
	if err := self.Cloud.Connect(); err != nil {
		self.logCloud(errors.Annotate(err, "box wake cloud connect"))
	}
	if err := self.Locator.Open(); err != nil {
		self.Log.Error(errors.Annotate(err, "box wake"))
	}
}

func (self *Box) ReportData() bms.Data {
	return bms.Merge(nil,
		self.Locator.Location(),
		self.Protocol.ReportData(),
		self.Protocol.Stat().ReportData(),
		bms.Data{"reportTimes": self.Settings.ReportSec()},
	)
}

func (self *Box) report(ctx context.Context) {
	data := self.ReportData()
	if err := self.IPC.Report(ctx, self.Protocol.ReportData()); err != nil {
		self.Log.Error(err)
	}
	if err := self.ensureConnected(); err != nil {
		self.logCloud(errors.Annotate(err, "box report skip"))
		return
	}
	self.logCloud(errors.Annotate(self.Cloud.Report(ctx, tele_api.KindReport, data), "box report"))
	self.logCloud(errors.Annotate(self.Cloud.ReportCells(ctx, self.Protocol.CellVoltages()), "box report cells"))
	if self.Cloud.Connected() {
		self.logCloud(errors.Annotate(self.Cloud.DeviceReport(ctx), "box device report"))
		self.logCloud(errors.Annotate(self.Cloud.OtaSearch(ctx), "box ota search"))
	}
}

func (self *Box) checkFault(ctx context.Context) {
	faultFree := self.Protocol.FaultFree()
	if !self.fault.Observe(!faultFree) {
		return
	}
	alarm := self.Protocol.AlarmData()
	self.Log.Infof("box fault edge active=%t", !faultFree)
	if err := self.IPC.Fault(ctx, faultFree, alarm); err != nil {
		self.Log.Error(err)
	}
	if err := self.ensureConnected(); err != nil {
		self.logCloud(errors.Annotate(err, "box alarm skip"))
		return
	}
	self.logCloud(errors.Annotate(self.Cloud.Report(ctx, tele_api.KindAlarm, alarm), "box alarm"))
	self.logCloud(errors.Annotate(self.Cloud.ReportCells(ctx, self.Protocol.CellVoltages()), "box alarm cells"))
}

// ensureConnected makes one inline reconnect attempt.
func (self *Box) ensureConnected() error {
	if self.Cloud.Connected() {
		return nil
	}
	self.Cloud.Disconnect()
	if err := self.Cloud.Connect(); err != nil {
		return errors.Annotate(err, "reconnect")
	}
	if !self.Cloud.Connected() {
		return tele_api.ErrOffline
	}
	return nil
}

// logCloud keeps disabled cloud quiet.
func (self *Box) logCloud(err error) {
	if err == nil {
		return
	}
	if errors.Cause(err) == tele_api.ErrDisabled {
		self.Log.Debug(err)
		return
	}
	self.Log.Error(err)
}
