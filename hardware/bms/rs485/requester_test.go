package rs485

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/bmsbox/log2"
)

type recordWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *recordWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(b)
}

func (w *recordWriter) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.buf.Bytes()...)
}

func TestRequesterNext(t *testing.T) {
	t.Parallel()
	r := &Requester{}
	var got []byte
	for i := 0; i < 2*len(PollCycle); i++ {
		got = append(got, r.Next())
	}
	expect := []byte{0x08, 0x09, 0x0a, 0x0d, 0x17, 0x24, 0x25, 0x0c, 0x7f, 0x7e}
	assert.Equal(t, append(expect, expect...), got)
}

func TestRequesterRun(t *testing.T) {
	t.Parallel()
	w := &recordWriter{}
	codec := Codec{}
	r := &Requester{Log: log2.NewTest(t, log2.LDebug), Codec: codec, Interval: time.Millisecond}
	var expect []byte
	for _, cmd := range PollCycle {
		expect = append(expect, codec.EncodeCommand(cmd)...)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		r.Run(w, stop)
		close(done)
	}()
	require.Eventually(t, func() bool { return len(w.Bytes()) >= len(expect) }, 5*time.Second, time.Millisecond)
	close(stop)
	<-done
	got := w.Bytes()
	assert.Equal(t, expect, got[:len(expect)])
	assert.Equal(t, 0, len(got)%len(codec.EncodeCommand(0x08)), "only whole frames written")
}
