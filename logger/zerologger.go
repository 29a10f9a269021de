package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

func (f StringField) apply(e *zerolog.Event) *zerolog.Event   { return e.Str(f.Key, f.Value) }
func (f IntField) apply(e *zerolog.Event) *zerolog.Event      { return e.Int(f.Key, f.Value) }
func (f Int64Field) apply(e *zerolog.Event) *zerolog.Event    { return e.Int64(f.Key, f.Value) }
func (f Float64Field) apply(e *zerolog.Event) *zerolog.Event  { return e.Float64(f.Key, f.Value) }
func (f BoolField) apply(e *zerolog.Event) *zerolog.Event     { return e.Bool(f.Key, f.Value) }
func (f DurationField) apply(e *zerolog.Event) *zerolog.Event { return e.Dur(f.Key, f.Value) }
func (f TimeField) apply(e *zerolog.Event) *zerolog.Event     { return e.Time(f.Key, f.Value) }
func (f ErrorField) apply(e *zerolog.Event) *zerolog.Event    { return e.AnErr(f.Key, f.Value) }
func (f AnyField) apply(e *zerolog.Event) *zerolog.Event      { return e.Interface(f.Key, f.Value) }

func (f StringField) applyContext(c zerolog.Context) zerolog.Context { return c.Str(f.Key, f.Value) }
func (f IntField) applyContext(c zerolog.Context) zerolog.Context    { return c.Int(f.Key, f.Value) }
func (f Int64Field) applyContext(c zerolog.Context) zerolog.Context  { return c.Int64(f.Key, f.Value) }
func (f Float64Field) applyContext(c zerolog.Context) zerolog.Context {
	return c.Float64(f.Key, f.Value)
}
func (f BoolField) applyContext(c zerolog.Context) zerolog.Context     { return c.Bool(f.Key, f.Value) }
func (f DurationField) applyContext(c zerolog.Context) zerolog.Context { return c.Dur(f.Key, f.Value) }
func (f TimeField) applyContext(c zerolog.Context) zerolog.Context     { return c.Time(f.Key, f.Value) }
func (f ErrorField) applyContext(c zerolog.Context) zerolog.Context    { return c.AnErr(f.Key, f.Value) }
func (f AnyField) applyContext(c zerolog.Context) zerolog.Context      { return c.Interface(f.Key, f.Value) }

// ZerologLogger implements Logger using zerolog
type ZerologLogger struct {
	base       zerolog.Logger // without subsystem
	logger     zerolog.Logger
	subsystem  string
	fileWriter *lumberjack.Logger
}

// NewZerologLogger builds a logger from config. A nil config uses DefaultConfig.
func NewZerologLogger(config *Config) Logger {
	if config == nil {
		config = DefaultConfig()
	}

	var writers []io.Writer
	var fileWriter *lumberjack.Logger

	if config.FileConfig != nil && config.FileConfig.Filename != "" {
		if err := os.MkdirAll(filepath.Dir(config.FileConfig.Filename), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		} else {
			fileWriter = &lumberjack.Logger{
				Filename:   config.FileConfig.Filename,
				MaxSize:    config.FileConfig.MaxSize,
				MaxAge:     config.FileConfig.MaxAge,
				MaxBackups: config.FileConfig.MaxBackups,
				Compress:   config.FileConfig.Compress,
				LocalTime:  true,
			}
			// Files always get JSON so they can be shipped as-is.
			writers = append(writers, fileWriter)
		}
	}

	for _, output := range config.Outputs {
		if config.Format == ConsoleFormat {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        output,
				TimeFormat: "15:04:05",
				PartsOrder: []string{
					zerolog.TimestampFieldName,
					zerolog.LevelFieldName,
					"subsystem",
					zerolog.MessageFieldName,
				},
				FieldsExclude: []string{"subsystem"},
			})
			continue
		}
		writers = append(writers, output)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	base := zerolog.New(writer).Level(config.Level.zerolog()).With().Timestamp().Logger()
	if config.EnableCaller {
		base = base.With().CallerWithSkipFrameCount(4).Logger()
	}

	zl := &ZerologLogger{base: base, fileWriter: fileWriter}
	zl.setSubsystem(config.Subsystem)
	return zl
}

func (zl *ZerologLogger) setSubsystem(name string) {
	zl.subsystem = name
	zl.logger = zl.base
	if name != "" {
		zl.logger = zl.base.With().Str("subsystem", name).Logger()
	}
}

func (zl *ZerologLogger) log(event *zerolog.Event, msg string, fields []TypedField) {
	if event == nil {
		return
	}
	for _, f := range fields {
		event = f.apply(event)
	}
	event.Msg(msg)
}

func (zl *ZerologLogger) Trace(msg string, fields ...TypedField) {
	zl.log(zl.logger.Trace(), msg, fields)
}

func (zl *ZerologLogger) Debug(msg string, fields ...TypedField) {
	zl.log(zl.logger.Debug(), msg, fields)
}

func (zl *ZerologLogger) Info(msg string, fields ...TypedField) {
	zl.log(zl.logger.Info(), msg, fields)
}

func (zl *ZerologLogger) Warn(msg string, fields ...TypedField) {
	zl.log(zl.logger.Warn(), msg, fields)
}

func (zl *ZerologLogger) Error(msg string, fields ...TypedField) {
	zl.log(zl.logger.Error(), msg, fields)
}

// Fatal logs and exits the process.
func (zl *ZerologLogger) Fatal(msg string, fields ...TypedField) {
	zl.log(zl.logger.Fatal(), msg, fields)
}

func (zl *ZerologLogger) Debugf(format string, args ...interface{}) {
	zl.logger.Debug().Msgf(format, args...)
}

func (zl *ZerologLogger) Infof(format string, args ...interface{}) {
	zl.logger.Info().Msgf(format, args...)
}

func (zl *ZerologLogger) Warnf(format string, args ...interface{}) {
	zl.logger.Warn().Msgf(format, args...)
}

func (zl *ZerologLogger) Errorf(format string, args ...interface{}) {
	zl.logger.Error().Msgf(format, args...)
}

func (zl *ZerologLogger) WithSubsystem(name string) Logger {
	child := *zl
	if zl.subsystem != "" {
		name = zl.subsystem + "." + name
	}
	child.setSubsystem(name)
	return &child
}

func (zl *ZerologLogger) WithSystem(name string) Logger {
	child := *zl
	child.setSubsystem(name)
	return &child
}

func (zl *ZerologLogger) WithFields(fields ...TypedField) Logger {
	if len(fields) == 0 {
		return zl
	}
	baseCtx := zl.base.With()
	for _, f := range fields {
		baseCtx = f.applyContext(baseCtx)
	}
	child := *zl
	child.base = baseCtx.Logger()
	child.setSubsystem(zl.subsystem)
	return &child
}

func (zl *ZerologLogger) IsLevelEnabled(level LogLevel) bool {
	return zl.logger.GetLevel() <= level.zerolog()
}

func (zl *ZerologLogger) Close() error {
	if zl.fileWriter != nil {
		return zl.fileWriter.Close()
	}
	return nil
}

// NewNop returns a logger that discards everything. Handy in tests.
func NewNop() Logger {
	return NewZerologLogger(&Config{Format: JSONFormat})
}
