package box

import (
	"context"

	"github.com/juju/errors"
	tele_api "github.com/temoto/bmsbox/tele"
)

// OnCommand applies cloud command, suitable as tele.CommandFunc.
// Changed settings are stored before returning.
func (self *Box) OnCommand(ctx context.Context, cmd *tele_api.Command) error {
	if cmd.Set != nil {
		changed, err := self.Settings.Apply(cmd.Set)
		if err != nil {
			return errors.Annotate(err, "box command set")
		}
		if changed {
			self.Log.Infof("box settings %s", self.Settings.String())
			if self.Persist != nil {
				if err := self.Persist.Store(); err != nil {
					return errors.Annotate(err, "box command set")
				}
			}
		}
	}
	if cmd.Query {
		self.RequestReport()
	}
	return nil
}
