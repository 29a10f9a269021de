package logger

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// HCLogAdapter lets hashicorp libraries (go-retryablehttp in particular) log
// through a Logger.
type HCLogAdapter struct {
	logger Logger
	name   string
	args   []interface{}
}

var _ hclog.Logger = (*HCLogAdapter)(nil)

func NewHCLogAdapter(logger Logger) hclog.Logger {
	return &HCLogAdapter{logger: logger}
}

func (a *HCLogAdapter) Log(level hclog.Level, msg string, args ...interface{}) {
	switch level {
	case hclog.Trace:
		a.Trace(msg, args...)
	case hclog.Debug:
		a.Debug(msg, args...)
	case hclog.Warn:
		a.Warn(msg, args...)
	case hclog.Error:
		a.Error(msg, args...)
	default:
		a.Info(msg, args...)
	}
}

func (a *HCLogAdapter) Trace(msg string, args ...interface{}) {
	a.logger.Trace(msg, a.fields(args)...)
}

func (a *HCLogAdapter) Debug(msg string, args ...interface{}) {
	a.logger.Debug(msg, a.fields(args)...)
}

func (a *HCLogAdapter) Info(msg string, args ...interface{}) {
	a.logger.Info(msg, a.fields(args)...)
}

func (a *HCLogAdapter) Warn(msg string, args ...interface{}) {
	a.logger.Warn(msg, a.fields(args)...)
}

func (a *HCLogAdapter) Error(msg string, args ...interface{}) {
	a.logger.Error(msg, a.fields(args)...)
}

// fields turns hclog's alternating key/value pairs into TypedFields. A
// dangling key is logged under "extra".
func (a *HCLogAdapter) fields(args []interface{}) []TypedField {
	all := make([]interface{}, 0, len(a.args)+len(args))
	all = append(all, a.args...)
	all = append(all, args...)

	fields := make([]TypedField, 0, len(all)/2+1)
	for i := 0; i < len(all); i += 2 {
		if i+1 == len(all) {
			fields = append(fields, Any("extra", all[i]))
			break
		}
		key, ok := all[i].(string)
		if !ok {
			key = fmt.Sprint(all[i])
		}
		switch v := all[i+1].(type) {
		case error:
			fields = append(fields, ErrorField{Key: key, Value: v})
		case string:
			fields = append(fields, String(key, v))
		default:
			fields = append(fields, Any(key, v))
		}
	}
	return fields
}

func (a *HCLogAdapter) Named(name string) hclog.Logger {
	full := name
	if a.name != "" {
		full = a.name + "." + name
	}
	return &HCLogAdapter{logger: a.logger.WithSubsystem(name), name: full, args: a.args}
}

func (a *HCLogAdapter) ResetNamed(name string) hclog.Logger {
	return &HCLogAdapter{logger: a.logger.WithSystem(name), name: name, args: a.args}
}

func (a *HCLogAdapter) With(args ...interface{}) hclog.Logger {
	implied := make([]interface{}, 0, len(a.args)+len(args))
	implied = append(implied, a.args...)
	implied = append(implied, args...)
	return &HCLogAdapter{logger: a.logger, name: a.name, args: implied}
}

func (a *HCLogAdapter) Name() string               { return a.name }
func (a *HCLogAdapter) ImpliedArgs() []interface{} { return a.args }
func (a *HCLogAdapter) IsTrace() bool              { return a.logger.IsLevelEnabled(TraceLevel) }
func (a *HCLogAdapter) IsDebug() bool              { return a.logger.IsLevelEnabled(DebugLevel) }
func (a *HCLogAdapter) IsInfo() bool               { return a.logger.IsLevelEnabled(InfoLevel) }
func (a *HCLogAdapter) IsWarn() bool               { return a.logger.IsLevelEnabled(WarnLevel) }
func (a *HCLogAdapter) IsError() bool              { return a.logger.IsLevelEnabled(ErrorLevel) }
func (a *HCLogAdapter) SetLevel(level hclog.Level) {}

func (a *HCLogAdapter) GetLevel() hclog.Level {
	switch {
	case a.IsTrace():
		return hclog.Trace
	case a.IsDebug():
		return hclog.Debug
	case a.IsInfo():
		return hclog.Info
	case a.IsWarn():
		return hclog.Warn
	case a.IsError():
		return hclog.Error
	}
	return hclog.Off
}

func (a *HCLogAdapter) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger {
	return log.New(a.StandardWriter(opts), "", 0)
}

func (a *HCLogAdapter) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	level := hclog.Info
	if opts != nil && opts.ForceLevel != hclog.NoLevel {
		level = opts.ForceLevel
	}
	return &lineWriter{adapter: a, level: level}
}

// lineWriter logs each written line as one message.
type lineWriter struct {
	adapter *HCLogAdapter
	level   hclog.Level
}

func (w *lineWriter) Write(p []byte) (int, error) {
	scanner := bufio.NewScanner(bytes.NewReader(p))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			w.adapter.Log(w.level, line)
		}
	}
	return len(p), nil
}
