package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// CLIFormatter renders log entries for terminal consumption. User entries
// are printed bare (optionally emoji-prefixed), operational entries carry
// level and key=value fields.
type CLIFormatter struct {
	ShowTimestamp bool
	ShowLevel     bool
	EnableColors  bool
}

// Format implements logrus.Formatter.
func (f *CLIFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer

	if f.ShowTimestamp {
		b.WriteString(entry.Time.Format("2006-01-02 15:04:05"))
		b.WriteString(" ")
	}

	if f.ShowLevel {
		levelColor := ""
		resetColor := ""
		if f.EnableColors {
			switch entry.Level {
			case logrus.ErrorLevel:
				levelColor = "\033[31m" // Red
			case logrus.WarnLevel:
				levelColor = "\033[33m" // Yellow
			case logrus.InfoLevel:
				levelColor = "\033[36m" // Cyan
			case logrus.DebugLevel:
				levelColor = "\033[37m" // White
			}
			resetColor = "\033[0m"
		}
		b.WriteString(levelColor)
		b.WriteString(strings.ToUpper(entry.Level.String()))
		b.WriteString(resetColor)
		b.WriteString(": ")
	}

	b.WriteString(entry.Message)

	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			if k == "log_type" || k == "emoji" {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(fmt.Sprintf(" %s=%v", k, entry.Data[k]))
		}
	}

	b.WriteByte('\n')
	return b.Bytes(), nil
}

// OutputRouterHook routes log entries to different outputs based on log_type.
type OutputRouterHook struct {
	UserFormatter logrus.Formatter
	OpFormatter   logrus.Formatter
	UserWriter    io.Writer
	OpWriter      io.Writer
	JSONFormat    bool
}

// NewOutputRouterHook creates a router with the default stdout/stderr split.
func NewOutputRouterHook() *OutputRouterHook {
	colors := isatty.IsTerminal(os.Stderr.Fd())
	return &OutputRouterHook{
		UserFormatter: &CLIFormatter{},
		OpFormatter: &CLIFormatter{
			ShowLevel:    true,
			EnableColors: colors,
		},
		UserWriter: os.Stdout,
		OpWriter:   os.Stderr,
	}
}

// Levels returns all log levels (this hook processes all levels).
func (h *OutputRouterHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire routes the entry to the user or operational stream.
func (h *OutputRouterHook) Fire(entry *logrus.Entry) error {
	logType, _ := entry.Data["log_type"].(string)

	var formatter logrus.Formatter
	var writer io.Writer

	if logType == string(UserLog) {
		formatter = h.UserFormatter
		writer = h.UserWriter
		if emoji, ok := entry.Data["emoji"].(string); ok && emoji != "" {
			entry.Message = emoji + " " + entry.Message
		}
	} else {
		formatter = h.OpFormatter
		writer = h.OpWriter
	}

	if h.JSONFormat {
		formatter = &logrus.JSONFormatter{}
	}

	out, err := formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = writer.Write(out)
	return err
}
