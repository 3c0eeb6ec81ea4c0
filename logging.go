package shufflefs

import (
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// Log field names
const (
	fieldDevice = "device"
	fieldVolume = "volume"
	fieldPSI    = "psi"
	fieldLSI    = "lsi"
)

func deviceLogger(base logrus.FieldLogger, path string, totalSlices uint32) logrus.FieldLogger {
	return base.WithFields(logrus.Fields{
		fieldDevice: path,
		"size":      humanize.IBytes(uint64(totalSlices) * SliceBlocks * SectorSize),
	})
}

// logCritical reports conditions an operator must act on, such as an
// exhausted slice pool.
func logCritical(log logrus.FieldLogger, err error, msg string) {
	log.WithError(err).WithField("severity", "critical").Error(msg)
}

// ParseLogLevel parses a logrus level name
func ParseLogLevel(s string) (logrus.Level, error) {
	if s == "" {
		return logrus.InfoLevel, nil
	}
	lvl, err := logrus.ParseLevel(s)
	if err != nil {
		return logrus.InfoLevel, NewValidationError("log_level", s, err.Error())
	}
	return lvl, nil
}
