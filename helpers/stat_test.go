package helpers

import (
	"bytes"
	"expvar"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatReadWriter(t *testing.T) {
	t.Parallel()
	var rx, tx expvar.Int
	buf := bytes.NewBufferString(strings.Repeat(".", 1024))
	s := NewStatReadWriter(buf, &rx, &tx)
	assert.Equal(t, int64(0), rx.Value())
	p := make([]byte, 17)
	_, _ = s.Read(p[:0])
	assert.Equal(t, int64(0), rx.Value())
	_, _ = s.Read(p[:5])
	assert.Equal(t, int64(5), rx.Value())
	_, _ = s.Read(p)
	assert.Equal(t, int64(22), rx.Value())

	_, _ = s.Write(p[:3])
	assert.Equal(t, int64(3), tx.Value())
	assert.Equal(t, int64(22), rx.Value())
}
