package tele

import (
	"context"
	"encoding/json"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	tele_api "github.com/temoto/bmsbox/tele"
)

func (self *Tele) onMessage(ctx context.Context, msg mqtt.Message) {
	defer msg.Ack()
	self.stat.Command()
	cmd := new(tele_api.Command)
	if err := json.Unmarshal(msg.Payload(), cmd); err != nil {
		self.log.Errorf("tele command parse raw=%s err=%v", msg.Payload(), err)
		return
	}
	self.log.Debugf("tele command %s", cmd.String())
	if err := self.dispatchCommand(ctx, cmd); err != nil {
		self.log.Error(errors.Annotatef(err, "tele command %s", cmd.String()))
	}
}

func (self *Tele) dispatchCommand(ctx context.Context, cmd *tele_api.Command) error {
	if cmd.Ota != nil {
		if err := self.otaPlan(ctx, cmd.Ota); err != nil {
			return err
		}
	}
	if cmd.Set == nil && !cmd.Query {
		return nil
	}
	if self.onCommand == nil {
		return errors.NotSupportedf("tele command handler")
	}
	return self.onCommand(ctx, cmd)
}

// otaPlan accepts upgrade of this module to a different version.
// Download and install are done by cloud agent outside of this process.
func (self *Tele) otaPlan(ctx context.Context, plan *tele_api.OtaPlan) error {
	if !self.config.Ota {
		self.log.Infof("tele ota disabled, ignore plan module=%s version=%s", plan.Module, plan.Version)
		return nil
	}
	if plan.Module != self.config.Module || plan.Version == self.config.BuildVersion {
		return nil
	}
	self.log.Infof("tele ota accept module=%s version=%s current=%s", plan.Module, plan.Version, self.config.BuildVersion)
	return self.publish(ctx, self.Topic("ota"), "ota", map[string]interface{}{
		"action":  "accept",
		"module":  plan.Module,
		"version": plan.Version,
	})
}
