package tele

import "context"

// Noop is used when cloud is disabled in config.
type Noop struct{}

var _ Cloud = Noop{} // compile-time interface test

func (Noop) Connect() error                                             { return ErrDisabled }
func (Noop) Disconnect()                                                {}
func (Noop) Connected() bool                                            { return false }
func (Noop) Report(context.Context, Kind, map[string]interface{}) error { return ErrDisabled }
func (Noop) ReportCells(context.Context, []uint16) error                { return ErrDisabled }
func (Noop) DeviceReport(context.Context) error                         { return ErrDisabled }
func (Noop) OtaSearch(context.Context) error                            { return ErrDisabled }
func (Noop) Error(error)                                                {}
func (Noop) Stat() Stat                                                 { return Stat{} }
func (Noop) Close()                                                     {}
