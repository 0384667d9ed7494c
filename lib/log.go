package lib

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the package wide logger. Binaries adjust it with ConfigureLogging.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(os.Stderr)
	Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// ConfigureLogging maps the verbose/quiet switches onto log levels.
func ConfigureLogging(verbose, quiet bool) {
	switch {
	case verbose:
		Logger.SetLevel(logrus.DebugLevel)
	case quiet:
		Logger.SetLevel(logrus.WarnLevel)
	default:
		Logger.SetLevel(logrus.InfoLevel)
	}
}

func peerLogger(peer string, op Operation, proto Protocol) *logrus.Entry {
	return Logger.WithFields(logrus.Fields{
		"peer":     peer,
		"op":       op.String(),
		"protocol": proto.String(),
	})
}
