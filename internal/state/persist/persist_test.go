package persist

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/bmsbox/log2"
)

type counter struct {
	n    int
	fail bool
}

func (c *counter) MarshalBinary() ([]byte, error) { return []byte(fmt.Sprint(c.n)), nil }
func (c *counter) UnmarshalBinary(b []byte) error {
	if c.fail {
		return fmt.Errorf("counter rejects %q", b)
	}
	_, err := fmt.Sscan(string(b), &c.n)
	return err
}

func TestRoundtrip(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	root := t.TempDir()

	c1 := &counter{}
	p1 := New(log, "counter", c1, root)
	require.True(t, p1.Enabled())
	require.NoError(t, p1.Load())
	assert.Equal(t, 0, c1.n)
	c1.n = 42
	require.NoError(t, p1.Store())

	c2 := &counter{}
	require.NoError(t, New(log, "counter", c2, root).Load())
	assert.Equal(t, 42, c2.n)

	c3 := &counter{fail: true}
	err := New(log, "counter", c3, root).Load()
	require.Error(t, err)
	assert.Equal(t, `persist counter load: counter rejects "42"`, err.Error())
}

func TestDisabled(t *testing.T) {
	t.Parallel()
	c := &counter{n: 3}
	p := New(log2.NewTest(t, log2.LDebug), "counter", c, "")
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Store())
	assert.NoError(t, p.Load())
	assert.Equal(t, 3, c.n)
}
