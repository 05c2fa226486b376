// Package logging with a helper to configure the logging level, format and
// output file
package logging

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// SetLogging sets the logging level and output file of the standard logger.
//
// Intended for standardized logging in the server and its Things. Caller
// reporting is enabled so per-invocation log capture records file and line.
//
//	levelName is the requested logging level: error, warning, info, debug
//	filename is the output log file. Use "" for stderr only.
func SetLogging(levelName string, filename string) error {
	loggingLevel := logrus.DebugLevel
	var err error

	if levelName != "" {
		switch strings.ToLower(levelName) {
		case "error":
			loggingLevel = logrus.ErrorLevel
		case "warn", "warning":
			loggingLevel = logrus.WarnLevel
		case "info":
			loggingLevel = logrus.InfoLevel
		case "debug":
			loggingLevel = logrus.DebugLevel
		default:
			err = fmt.Errorf("unknown logging level '%s', using debug", levelName)
			logrus.Warningf("SetLogging: %s", err)
		}
	}

	var logOut io.Writer = os.Stderr
	if filename != "" {
		logFileHandle, err2 := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0640)
		if err2 != nil {
			err = fmt.Errorf("unable to open logfile: %s", err2)
			logrus.Errorf("SetLogging: %s", err)
		} else {
			logrus.Infof("SetLogging: logging to file %s", filename)
			logOut = io.MultiWriter(logOut, logFileHandle)
		}
	}

	logrus.SetReportCaller(true)
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors:   false,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000-0700",
		CallerPrettyfier: func(frame *runtime.Frame) (string, string) {
			funcName := path.Base(frame.Function)
			fileName := fmt.Sprintf("%s:%d", path.Base(frame.File), frame.Line)
			return funcName, fileName
		},
	})
	logrus.SetOutput(logOut)
	logrus.SetLevel(loggingLevel)
	return err
}
