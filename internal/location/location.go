// Package location provides position for reports.
package location

type Data = map[string]interface{}

// Locator is opened while box is active and closed in low power.
// Location returns empty map without fix.
type Locator interface {
	Open() error
	Close() error
	Location() Data
}

type Noop struct{}

var _ Locator = Noop{}

func (Noop) Open() error    { return nil }
func (Noop) Close() error   { return nil }
func (Noop) Location() Data { return Data{} }
