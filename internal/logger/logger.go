package logger

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogType distinguishes clean user-facing messages from detailed
// operational logs. User logs go to stdout, operational logs to stderr.
type LogType string

const (
	UserLog LogType = "user"
	OpLog   LogType = "op"
)

var (
	User *UserLogger // Clean messages for users (stdout) with emojis
	Op   *OpLogger   // Detailed operational logs (stderr) without emojis

	base *logrus.Logger
	mu   sync.Mutex
)

func init() {
	base = logrus.New()
	// All output is routed by the hook, the logger itself writes nowhere.
	base.SetOutput(io.Discard)
	base.SetLevel(logrus.InfoLevel)
	base.AddHook(NewOutputRouterHook())

	User = &UserLogger{logger: base}
	Op = &OpLogger{logger: base}
}

// Setup configures the global loggers from CLI flags.
func Setup(verbose bool, jsonLogs bool, quiet bool) {
	mu.Lock()
	defer mu.Unlock()

	level := logrus.InfoLevel
	if quiet {
		level = logrus.ErrorLevel
	} else if verbose {
		level = logrus.DebugLevel
	}
	base.SetLevel(level)

	hook := NewOutputRouterHook()
	hook.JSONFormat = jsonLogs
	if f, ok := hook.OpFormatter.(*CLIFormatter); ok {
		f.ShowTimestamp = verbose
	}
	base.ReplaceHooks(logrus.LevelHooks{})
	base.AddHook(hook)
}

// SetOutputs redirects both streams, primarily for tests.
func SetOutputs(userOut, opOut io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	hook := NewOutputRouterHook()
	hook.UserWriter = userOut
	hook.OpWriter = opOut
	base.ReplaceHooks(logrus.LevelHooks{})
	base.AddHook(hook)
}

// UserLogger emits clean, emoji-tagged messages for end users.
type UserLogger struct {
	logger *logrus.Logger
}

func (u *UserLogger) Info(msg string) {
	u.logger.WithField("log_type", string(UserLog)).Info(msg)
}

func (u *UserLogger) Infof(format string, args ...interface{}) {
	u.logger.WithField("log_type", string(UserLog)).Infof(format, args...)
}

func (u *UserLogger) Error(msg string) {
	u.logger.WithFields(logrus.Fields{
		"log_type": string(UserLog),
		"emoji":    "❌",
	}).Error(msg)
}

func (u *UserLogger) Errorf(format string, args ...interface{}) {
	u.logger.WithFields(logrus.Fields{
		"log_type": string(UserLog),
		"emoji":    "❌",
	}).Errorf(format, args...)
}

func (u *UserLogger) Warn(msg string) {
	u.logger.WithFields(logrus.Fields{
		"log_type": string(UserLog),
		"emoji":    "⚠️",
	}).Warn(msg)
}

func (u *UserLogger) Warnf(format string, args ...interface{}) {
	u.logger.WithFields(logrus.Fields{
		"log_type": string(UserLog),
		"emoji":    "⚠️",
	}).Warnf(format, args...)
}

// Starting announces the beginning of a team run.
func (u *UserLogger) Starting(msg string) {
	u.logger.WithFields(logrus.Fields{
		"log_type": string(UserLog),
		"emoji":    "🚀",
	}).Info(msg)
}

func (u *UserLogger) Startingf(format string, args ...interface{}) {
	u.logger.WithFields(logrus.Fields{
		"log_type": string(UserLog),
		"emoji":    "🚀",
	}).Infof(format, args...)
}

func (u *UserLogger) Success(msg string) {
	u.logger.WithFields(logrus.Fields{
		"log_type": string(UserLog),
		"emoji":    "✅",
	}).Info(msg)
}

func (u *UserLogger) Successf(format string, args ...interface{}) {
	u.logger.WithFields(logrus.Fields{
		"log_type": string(UserLog),
		"emoji":    "✅",
	}).Infof(format, args...)
}

// Shutdown reports worker pool teardown progress.
func (u *UserLogger) Shutdown(msg string) {
	u.logger.WithFields(logrus.Fields{
		"log_type": string(UserLog),
		"emoji":    "🛑",
	}).Info(msg)
}

func (u *UserLogger) Shutdownf(format string, args ...interface{}) {
	u.logger.WithFields(logrus.Fields{
		"log_type": string(UserLog),
		"emoji":    "🛑",
	}).Infof(format, args...)
}

// OpLogger emits structured operational logs for debugging and auditing.
type OpLogger struct {
	logger *logrus.Logger
}

func (o *OpLogger) entry() *logrus.Entry {
	return o.logger.WithField("log_type", string(OpLog))
}

// WithFields returns a structured entry carrying the given fields.
func (o *OpLogger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return o.entry().WithFields(logrus.Fields(fields))
}

func (o *OpLogger) Info(msg string)  { o.entry().Info(msg) }
func (o *OpLogger) Warn(msg string)  { o.entry().Warn(msg) }
func (o *OpLogger) Error(msg string) { o.entry().Error(msg) }
func (o *OpLogger) Debug(msg string) { o.entry().Debug(msg) }

func (o *OpLogger) Infof(format string, args ...interface{}) {
	o.entry().Infof(format, args...)
}

func (o *OpLogger) Warnf(format string, args ...interface{}) {
	o.entry().Warnf(format, args...)
}

func (o *OpLogger) Errorf(format string, args ...interface{}) {
	o.entry().Errorf(format, args...)
}

func (o *OpLogger) Debugf(format string, args ...interface{}) {
	o.entry().Debugf(format, args...)
}
