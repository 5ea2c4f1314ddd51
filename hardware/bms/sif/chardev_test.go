package sif

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/alive/v2"
	"github.com/temoto/bmsbox/helpers"
	"github.com/temoto/bmsbox/log2"
	"golang.org/x/sys/unix"
)

func TestChardevRun(t *testing.T) {
	t.Parallel()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	defer unix.Close(p[1])
	dev := &Chardev{log: log2.NewTest(t, log2.LDebug), path: "pipe", fd: p[0]}
	defer dev.Close()

	d, _, _ := newTestDecoder(t)
	a := alive.NewAlive()
	done := make(chan error, 1)
	go func() { done <- dev.Run(a, d.HandleDatagram) }()

	_, err := unix.Write(p[1], helpers.MustHex(fixtureID))
	require.NoError(t, err)
	deadline := time.Now().Add(5 * time.Second)
	for d.Stat().Frames == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, "BAT01", d.ReportData()["bar"])

	a.Stop()
	a.Wait()
	assert.NoError(t, <-done)
}

func TestChardevHangup(t *testing.T) {
	t.Parallel()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	dev := &Chardev{log: log2.NewTest(t, log2.LDebug), path: "pipe", fd: p[0]}
	defer dev.Close()
	require.NoError(t, unix.Close(p[1]))

	d, _, _ := newTestDecoder(t)
	a := alive.NewAlive()
	defer a.Stop()
	done := make(chan error, 1)
	go func() { done <- dev.Run(a, d.HandleDatagram) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "device lost")
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after writer hangup")
	}
}

func TestChardevSuspendPolling(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "acctimer")
	require.NoError(t, ioutil.WriteFile(path, []byte("1\n"), 0644))
	dev := &Chardev{accTimerPath: path}
	require.NoError(t, dev.SuspendPolling())
	b, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0\n", string(b))

	assert.NoError(t, (&Chardev{}).SuspendPolling())
}
