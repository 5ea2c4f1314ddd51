package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/bmsbox/internal/state"
	"github.com/temoto/bmsbox/log2"
)

// set with -ldflags "-X main.BuildVersion=..."
var BuildVersion = "unknown"

const stopTimeout = 10 * time.Second

var log = log2.NewStderr(log2.LDebug)

func main() {
	flagConfig := flag.String("config", "bmsbox.hcl", "")
	flag.Parse()

	if sdnotify("start") {
		// under systemd, journal adds timestamps
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	ctx, g := state.NewContext(log)
	g.BuildVersion = BuildVersion
	config := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	g.MustInit(ctx, config)
	g.Log.Debugf("config=%+v", g.Config)

	if err := g.Run(); err != nil {
		g.Fatal(err)
	}
	sdnotify(daemon.SdNotifyReady)
	g.Log.Infof("bmsbox running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		g.Log.Infof("signal=%v stopping", sig)
		sdnotify(daemon.SdNotifyStopping)
	case <-g.Alive.StopChan():
	}
	if !g.StopWait(stopTimeout) {
		g.Log.Errorf("stop timeout=%v", stopTimeout)
		os.Exit(1)
	}
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
