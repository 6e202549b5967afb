package logger

import "go.uber.org/zap/zapcore"

// VerbosityToLevel maps a numeric verbosity (from config or CLI flags) to a zap level.
// 0 is the calm default; 1 and above enable debug output; negative values quiet
// everything below warnings.
func VerbosityToLevel(verbosity int) zapcore.Level {
	switch {
	case verbosity < 0:
		return zapcore.WarnLevel
	case verbosity == 0:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
