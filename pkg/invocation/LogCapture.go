package invocation

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// FieldInvocationID is the logrus field that routes a log entry into an
// invocation's captured log. Entries without it are left alone.
const FieldInvocationID = "invocation_id"

var captureMutex sync.RWMutex
var captureTargets = make(map[uuid.UUID]*Invocation)
var captureHookOnce sync.Once

// enableCapture installs the capture hook on the standard logger. Installed
// once per process; the hook consults the live target registry so it works
// for any number of managers and servers.
func enableCapture() {
	captureHookOnce.Do(func() {
		logrus.AddHook(&captureHook{})
	})
}

func registerCapture(inv *Invocation) {
	captureMutex.Lock()
	defer captureMutex.Unlock()
	captureTargets[inv.id] = inv
}

func unregisterCapture(invocationID uuid.UUID) {
	captureMutex.Lock()
	defer captureMutex.Unlock()
	delete(captureTargets, invocationID)
}

// captureHook copies log entries tagged with an invocation ID into that
// invocation's log ring. The entry still reaches the normal log output.
type captureHook struct{}

func (hook *captureHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (hook *captureHook) Fire(entry *logrus.Entry) error {
	value, found := entry.Data[FieldInvocationID]
	if !found {
		return nil
	}
	invocationID, valid := value.(uuid.UUID)
	if !valid {
		return nil
	}
	captureMutex.RLock()
	inv := captureTargets[invocationID]
	captureMutex.RUnlock()
	if inv == nil {
		return nil
	}
	inv.appendLog(recordFromEntry(entry))
	return nil
}

// recordFromEntry converts a logrus entry to a LogRecord. File and line are
// available when the logger reports callers (see logging.SetLogging).
func recordFromEntry(entry *logrus.Entry) LogRecord {
	record := LogRecord{
		Message:   entry.Message,
		LevelName: strings.ToUpper(entry.Level.String()),
		LevelNo:   levelNumber(entry.Level),
		Created:   entry.Time,
	}
	if entry.Caller != nil {
		record.Filename = filepath.Base(entry.Caller.File)
		record.LineNo = entry.Caller.Line
	}
	if value, found := entry.Data[logrus.ErrorKey]; found {
		if err, valid := value.(error); valid {
			record.ExceptionType = fmt.Sprintf("%T", err)
			record.Traceback = errorChain(err)
		}
	}
	return record
}

// levelNumber maps logrus levels onto the conventional numeric scale
// (error 40, warning 30, info 20, debug 10)
func levelNumber(level logrus.Level) int {
	switch level {
	case logrus.PanicLevel, logrus.FatalLevel:
		return 50
	case logrus.ErrorLevel:
		return 40
	case logrus.WarnLevel:
		return 30
	case logrus.InfoLevel:
		return 20
	case logrus.DebugLevel:
		return 10
	case logrus.TraceLevel:
		return 5
	}
	return 0
}

// errorChain renders an error and its wrapped causes, one per line
func errorChain(err error) string {
	var lines []string
	for err != nil {
		lines = append(lines, err.Error())
		err = errors.Unwrap(err)
	}
	return strings.Join(lines, "\ncaused by: ")
}
