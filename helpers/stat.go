package helpers

import (
	"expvar"
	"io"
)

// StatReadWriter counts bytes passed through in both directions.
type StatReadWriter struct {
	RW io.ReadWriter
	R  *expvar.Int
	W  *expvar.Int
}

var _ io.ReadWriter = &StatReadWriter{}

func NewStatReadWriter(rw io.ReadWriter, r, w *expvar.Int) *StatReadWriter {
	return &StatReadWriter{RW: rw, R: r, W: w}
}

func (s *StatReadWriter) Read(p []byte) (n int, err error) {
	n, err = s.RW.Read(p)
	if s.R != nil {
		s.R.Add(int64(n))
	}
	return
}

func (s *StatReadWriter) Write(p []byte) (n int, err error) {
	n, err = s.RW.Write(p)
	if s.W != nil {
		s.W.Add(int64(n))
	}
	return
}
