package state

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/temoto/bmsbox/log2"
)

// NewTestContext reads inline config, keeps persist under test temp dir.
// Serial ports are replaced with openers that always fail.
func NewTestContext(t testing.TB, confString string) (context.Context, *Global) {
	fs := NewMockFullReader(map[string]string{
		"test-inline": confString,
	})

	log := log2.NewTest(t, log2.LDebug)
	log.SetFlags(log2.LTestFlags)
	ctx, g := NewContext(log)
	g.Hardware.OpenRS485 = func() (io.ReadWriteCloser, error) { return nil, fmt.Errorf("test rs485 port not set") }
	g.Hardware.OpenGNSS = func() (io.ReadCloser, error) { return nil, fmt.Errorf("test gnss port not set") }
	cfg := MustReadConfig(log, fs, "test-inline")
	if cfg.Persist.Root == "" {
		cfg.Persist.Root = t.TempDir()
	}
	g.MustInit(ctx, cfg)
	return ctx, g
}
