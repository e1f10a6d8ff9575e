//go:build windows

package agentlog

import (
	"errors"

	"github.com/sirupsen/logrus"
)

func newSyslogHook(addr string) (logrus.Hook, error) {
	return nil, errors.New("agentlog: syslog sink is not supported on windows")
}
