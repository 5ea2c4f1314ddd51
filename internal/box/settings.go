package box

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/juju/errors"
	tele_api "github.com/temoto/bmsbox/tele"
)

// Settings are runtime values changed by cloud commands and kept across restarts.
type Settings struct {
	mu        sync.Mutex
	reportSec int
	locMethod int
}

type settingsState struct {
	ReportTimes int `json:"reportTimes"`
	LocMethod   int `json:"loc_method"`
}

func NewSettings(reportSec, locMethod int) *Settings {
	return &Settings{reportSec: reportSec, locMethod: locMethod}
}

func (self *Settings) ReportSec() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.reportSec
}

func (self *Settings) ReportPeriod() time.Duration {
	return time.Duration(self.ReportSec()) * time.Second
}

// LocMethod returns tele.Loc* bits.
func (self *Settings) LocMethod() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.locMethod
}

func validReportSec(x int) error {
	if x <= 0 {
		return errors.NotValidf("reportTimes=%d", x)
	}
	return nil
}

func validLocMethod(x int) error {
	if x < 0 || x > tele_api.LocAll {
		return errors.NotValidf("loc_method=%d", x)
	}
	return nil
}

// Apply changes settings from cloud command. Invalid command changes nothing.
func (self *Settings) Apply(set *tele_api.Settings) (bool, error) {
	if set == nil {
		return false, nil
	}
	if set.ReportTimes != nil {
		if err := validReportSec(*set.ReportTimes); err != nil {
			return false, err
		}
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	changed := false
	if set.ReportTimes != nil && *set.ReportTimes != self.reportSec {
		self.reportSec = *set.ReportTimes
		changed = true
	}
	if set.LocMethod != nil {
		if bits := set.LocMethod.Bits(); bits != self.locMethod {
			self.locMethod = bits
			changed = true
		}
	}
	return changed, nil
}

func (self *Settings) MarshalBinary() ([]byte, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	return json.Marshal(settingsState{ReportTimes: self.reportSec, LocMethod: self.locMethod})
}

func (self *Settings) UnmarshalBinary(b []byte) error {
	var st settingsState
	if err := json.Unmarshal(b, &st); err != nil {
		return errors.Annotate(err, "settings")
	}
	if err := validReportSec(st.ReportTimes); err != nil {
		return errors.Annotate(err, "settings")
	}
	if err := validLocMethod(st.LocMethod); err != nil {
		return errors.Annotate(err, "settings")
	}
	self.mu.Lock()
	self.reportSec, self.locMethod = st.ReportTimes, st.LocMethod
	self.mu.Unlock()
	return nil
}

func (self *Settings) String() string {
	self.mu.Lock()
	defer self.mu.Unlock()
	return fmt.Sprintf("reportTimes=%d loc_method=%d", self.reportSec, self.locMethod)
}
