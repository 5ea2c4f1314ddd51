package location

import (
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/bmsbox/helpers"
	"github.com/temoto/bmsbox/log2"
	tele_api "github.com/temoto/bmsbox/tele"
)

const (
	rmcFix   = "$GNRMC,083559.00,A,4717.11437,N,00833.91522,E,0.004,77.52,091202,,,A*49"
	rmcNoFix = "$GNRMC,083559.00,V,,,,,,,091202,,,N*69"
	gga      = "$GNGGA,083559.00,4717.11437,N,00833.91522,E,1,08,1.01,499.6,M,48.0,M,,*46"
	vtg      = "$GNVTG,77.52,T,,M,0.004,N,0.008,K,A*18"
	gsv      = "$GPGSV,1,1,00*79"
)

func TestParseSentence(t *testing.T) {
	t.Parallel()
	type Case struct {
		name      string
		input     string
		expect    string
		expectErr string
	}
	cases := []Case{
		{"rmc", rmcFix + "\r\n", "GN RMC 12", ""},
		{"gsv", gsv, "GP GSV 3", ""},
		{"empty", "", "", `nmea line="" not valid`},
		{"no-dollar", "GPGSV,1,1,00*79", "", `nmea line="GPGSV,1,1,00*79" not valid`},
		{"no-star", "$GPGSV,1,1,00", "", `nmea line="$GPGSV,1,1,00" checksum missing not valid`},
		{"checksum", "$GPGSV,1,1,01*79", "", `nmea line="$GPGSV,1,1,01*79" checksum=79 actual=78 not valid`},
	}
	helpers.RandUnix().Shuffle(len(cases), func(i int, j int) { cases[i], cases[j] = cases[j], cases[i] })
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			s, err := ParseSentence(c.input)
			if c.expectErr != "" {
				require.Error(t, err)
				assert.Equal(t, c.expectErr, err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expect, s.Talker+" "+s.Type+" "+strconv.Itoa(len(s.Fields)))
		})
	}
}

func TestLocation(t *testing.T) {
	t.Parallel()
	now := time.Unix(1666000000, 0)
	method := tele_api.LocGPS
	n := &NMEA{
		Log:    log2.NewTest(t, log2.LDebug),
		Method: func() int { return method },
		Now:    func() time.Time { return now },
	}
	assert.Equal(t, Data{}, n.Location())

	n.HandleLine(gga)
	n.HandleLine(rmcNoFix)
	assert.Equal(t, Data{}, n.Location(), "no fix")

	n.HandleLine(rmcFix)
	n.HandleLine(vtg)
	n.HandleLine("$GNRMC,garbage*00")
	assert.Equal(t, Data{"gps": []string{rmcFix, gga, vtg}}, n.Location())

	method = tele_api.LocCell
	assert.Equal(t, Data{}, n.Location(), "gps not in loc_method")
	method = tele_api.LocAll

	now = now.Add(DefaultMaxAge + time.Second)
	assert.Equal(t, Data{}, n.Location(), "stale fix")
	n.HandleLine(rmcFix)
	assert.Equal(t, Data{"gps": []string{rmcFix, gga, vtg}}, n.Location())

	n.HandleLine(rmcNoFix)
	assert.Equal(t, Data{}, n.Location(), "fix lost")
}

func TestOpenClose(t *testing.T) {
	t.Parallel()
	var w *io.PipeWriter
	opens := 0
	n := &NMEA{
		Log: log2.NewTest(t, log2.LDebug),
		Opener: func() (io.ReadCloser, error) {
			opens++
			var r *io.PipeReader
			r, w = io.Pipe()
			return r, nil
		},
	}
	require.NoError(t, n.Open())
	require.NoError(t, n.Open())
	assert.Equal(t, 1, opens)

	// sentences split across writes
	pw := w
	go func() {
		_, _ = io.WriteString(pw, gga+"\r\n"+rmcFix[:20])
		_, _ = io.WriteString(pw, rmcFix[20:]+"\r\n"+vtg+"\r\n")
	}()
	require.Eventually(t, func() bool { return len(n.Location()) != 0 }, 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		gps, _ := n.Location()["gps"].([]string)
		return len(gps) == 3 && gps[2] == vtg
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, n.Close())
	assert.Equal(t, Data{}, n.Location(), "close forgets fix")
	require.NoError(t, n.Close())

	require.NoError(t, n.Open())
	assert.Equal(t, 2, opens)
	require.NoError(t, n.Close())
}
