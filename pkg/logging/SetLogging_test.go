package logging_test

import (
	"os"
	"path"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/labthings/labthings-go/pkg/logging"
)

func TestLogging(t *testing.T) {
	logFile := path.Join(t.TempDir(), "TestLogging.log")

	err := logging.SetLogging("info", logFile)
	assert.NoError(t, err)
	logrus.Info("Hello info")
	logging.SetLogging("debug", logFile)
	logrus.Debug("Hello debug")
	logging.SetLogging("warn", logFile)
	logrus.Warn("Hello warn")
	logging.SetLogging("error", logFile)
	logrus.Error("Hello error")
	assert.FileExists(t, logFile)
}

func TestLoggingBadFile(t *testing.T) {
	logFile := "/nosuchfolder/cantloghere.log"

	err := logging.SetLogging("info", logFile)
	assert.Error(t, err)
	os.Remove(logFile)
}

func TestLoggingBadLevel(t *testing.T) {
	err := logging.SetLogging("notalevel", "")
	assert.Error(t, err)
}
