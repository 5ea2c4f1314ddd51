package main

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/bmsbox/hardware/bms"
	"github.com/temoto/bmsbox/hardware/bms/rs485"
	"github.com/temoto/bmsbox/helpers"
	"github.com/temoto/bmsbox/log2"
)

func TestParseLine(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		input     string
		expectTx  string
		expectErr string
	}
	cases := []Case{
		{"empty", "", "", ""},
		{"raw", "@3a16", "3a16", ""},
		{"request", "q0d", "3a160d01000e000d0a", ""},
		{"loop", "@aa loop=3 s1", "aaaaaa", ""},
		{"error-request", "q0d0e", "", "word=q0d0e command not valid"},
		{"error-hex", "@zz", "", "word=@zz"},
		{"error-loop-twice", "loop=1 loop=2", "", "multiple loop commands"},
		{"error-unknown", "reset", "", "invalid command: 'reset'"},
	}
	helpers.RandUnix().Shuffle(len(cases), func(i int, j int) { cases[i], cases[j] = cases[j], cases[i] })
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			actions, loopn, err := parseLine(c.input)
			if c.expectErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
				return
			}
			require.NoError(t, err)
			var w bytes.Buffer
			log := log2.NewTest(t, log2.LDebug)
			con := &console{
				log:     log,
				port:    &w,
				decoder: rs485.NewDecoder(log, bms.NewStore(nil), rs485.Codec{}, rs485.ResyncFlush),
			}
			for i := uint(0); i < loopn; i++ {
				for _, a := range actions {
					require.NoError(t, a(con))
				}
			}
			assert.Equal(t, c.expectTx, hex.EncodeToString(w.Bytes()))
		})
	}
}
