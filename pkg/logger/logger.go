package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Log *zap.Logger

// project specific keys
const (
	RequestIDKey = "request_id"
	UserIdKey    = "user_id"
	ReferenceKey = "reference"
	ErrorKey     = "error"
)

func init() {
	Log = build(true)
}

// Init rebuilds the logger for the given environment. Anything other than
// production gets debug level and a console encoder.
func Init(env string) {
	Log = build(env == "production")
}

func build(production bool) *zap.Logger {
	config := zap.NewProductionConfig()
	encoderConfig := zap.NewProductionEncoderConfig()

	if !production {
		config = zap.NewDevelopmentConfig()
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.StacktraceKey = ""
	encoderConfig.CallerKey = "caller"
	encoderConfig.MessageKey = "message"
	encoderConfig.LevelKey = "level"

	config.EncoderConfig = encoderConfig
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}

	l, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(err)
	}
	return l
}

type Fields map[string]interface{}

func Info(msg string, fields ...Fields) {
	Log.Info(msg, toZap(fields)...)
}

func Error(msg string, fields ...Fields) {
	Log.Error(msg, toZap(fields)...)
}

func Debug(msg string, fields ...Fields) {
	Log.Debug(msg, toZap(fields)...)
}

func Warn(msg string, fields ...Fields) {
	Log.Warn(msg, toZap(fields)...)
}

func Fatal(msg string, fields ...Fields) {
	Log.Fatal(msg, toZap(fields)...)
}

func Sync() {
	_ = Log.Sync()
}

// WithError adds an error field to the log entry
func WithError(err error) Fields {
	if err == nil {
		return Fields{}
	}
	return Fields{
		ErrorKey: err.Error(),
	}
}

func Merge(fields ...Fields) Fields {
	merged := make(Fields)
	for _, f := range fields {
		for k, v := range f {
			merged[k] = v
		}
	}
	return merged
}

func toZap(fields []Fields) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	merged := fields[0]
	if len(fields) > 1 {
		merged = Merge(fields...)
	}
	zapFields := make([]zap.Field, 0, len(merged))
	for k, v := range merged {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	return zapFields
}
