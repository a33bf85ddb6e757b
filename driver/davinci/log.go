package davinci

import (
	"github.com/platinasystems/log"
)

func (h *Host) debugf(format string, args ...interface{}) {
	if h.debug {
		h.logf("debug", format, args...)
	}
}

func (h *Host) infof(format string, args ...interface{}) {
	h.logf("info", format, args...)
}

func (h *Host) warnf(format string, args ...interface{}) {
	h.logf("warning", format, args...)
}

func (h *Host) errorf(format string, args ...interface{}) {
	h.logf("err", format, args...)
}

func (h *Host) logf(priority, format string, args ...interface{}) {
	log.Printf(append([]interface{}{priority, "%s: " + format, h.name}, args...)...)
}
