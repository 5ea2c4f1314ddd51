// Package state wires configured components into running box.
package state

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/bmsbox/hardware/bms"
	"github.com/temoto/bmsbox/helpers"
	"github.com/temoto/bmsbox/internal/box"
	"github.com/temoto/bmsbox/internal/ipc"
	"github.com/temoto/bmsbox/internal/location"
	"github.com/temoto/bmsbox/internal/state/persist"
	"github.com/temoto/bmsbox/internal/tele"
	"github.com/temoto/bmsbox/log2"
	tele_api "github.com/temoto/bmsbox/tele"
)

const DefaultPersistRoot = "./tmp-bmsbox-db"

type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *Config
	Hardware     hardware // hardware.go
	Log          *log2.Log
	Store        *bms.Store
	Protocol     bms.Protocol
	Tele         tele_api.Cloud
	Locator      location.Locator
	IPC          ipc.Publisher
	Box          *box.Box
	Settings     *persist.Persist
}

const ContextKey = "run/state-global"

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}
	g := &Global{
		Alive:        alive.NewAlive(),
		BuildVersion: "unknown",
		Log:          log,
		Tele:         tele_api.Noop{},
		IPC:          ipc.Noop{},
		Locator:      location.Noop{},
	}
	ctx := context.Background()
	ctx = context.WithValue(ctx, log2.ContextKey, log)
	ctx = context.WithValue(ctx, ContextKey, g)
	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg
	g.Log.Infof("build version=%s", g.BuildVersion)

	if g.Config.Persist.Root == "" {
		g.Config.Persist.Root = DefaultPersistRoot
		g.Log.Errorf("config: persist.root=empty changed=%s", g.Config.Persist.Root)
	}
	g.Log.Debugf("config: persist.root=%s", g.Config.Persist.Root)

	// Since tele is remote error reporting mechanism, it must be inited before anything else
	if g.Config.Tele.Enabled {
		g.Config.Tele.BuildVersion = g.BuildVersion
		// clone before SetErrorFunc, so tele errors don't recurse into tele
		t, err := tele.New(ctx, g.Log.Clone(log2.LInfo), g.Config.Tele, g.onCommand)
		if err != nil {
			return errors.Annotate(err, "tele init")
		}
		g.Tele = t
		g.Log.SetErrorFunc(g.Tele.Error)
	}

	errs := make([]error, 0, 4)
	g.Store = bms.NewStore(nil)
	if err := g.initProtocol(); err != nil {
		return err
	}
	g.Box = box.New(g.Log, g.Config.Box, g.Protocol, g.Tele)
	if err := g.initSettings(); err != nil {
		errs = append(errs, err)
	}
	if err := g.initLocator(); err != nil {
		errs = append(errs, err)
	}
	if err := g.initIPC(); err != nil {
		errs = append(errs, err)
	}
	g.Box.Locator = g.Locator
	g.Box.IPC = g.IPC
	return helpers.FoldErrors(errs)
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Fatal(err)
	}
}

// initSettings restores values changed by cloud, config provides defaults.
func (g *Global) initSettings() error {
	locMethod := g.Config.Location.LocMethod
	if locMethod == 0 {
		locMethod = tele_api.LocGPS
	}
	g.Box.Settings = box.NewSettings(g.Box.Settings.ReportSec(), locMethod)
	g.Settings = persist.New(g.Log, "settings", g.Box.Settings, g.Config.Persist.Root)
	g.Box.Persist = g.Settings
	err := g.Settings.Load()
	g.Log.Debugf("settings %s", g.Box.Settings.String())
	return err
}

func (g *Global) initIPC() error {
	if !g.Config.IPC.Enabled {
		return nil
	}
	r, err := ipc.NewRedis(g.Log, g.Config.IPC)
	if err != nil {
		return errors.Annotate(err, "config")
	}
	g.IPC = r
	return nil
}

func (g *Global) onCommand(ctx context.Context, cmd *tele_api.Command) error {
	if g.Box == nil {
		return errors.Errorf("box not ready")
	}
	return g.Box.OnCommand(ctx, cmd)
}

// Run starts BMS receiver and control loop, returns without waiting.
func (g *Global) Run() error {
	if err := g.runTransport(); err != nil {
		return errors.Annotate(err, "run")
	}
	go g.Box.Run(g.Alive)
	return nil
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(err)
	}
}

func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		g.Error(err, args...)
		g.StopWait(5 * time.Second)
		g.Log.Fatal(errors.ErrorStack(err))
		os.Exit(1)
	}
}

func (g *Global) Stop() {
	g.Alive.Stop()
}

// StopWait returns false if workers did not finish in time.
func (g *Global) StopWait(timeout time.Duration) bool {
	g.Alive.Stop()
	select {
	case <-g.Alive.WaitChan():
	case <-time.After(timeout):
		return false
	}
	if err := g.IPC.Close(); err != nil {
		g.Log.Error(errors.Annotate(err, "ipc close"))
	}
	g.Tele.Close()
	return true
}
