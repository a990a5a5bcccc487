// Bridges pion's internal logging.LoggerFactory to zerolog, so every ICE
// state transition inside pion/webrtc carries the same "module" field as
// the rest of the process (per SPEC_FULL.md's DOMAIN STACK notes).
package pionrouter

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type zerologLoggerFactory struct{}

func (zerologLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &zerologLeveledLogger{logger: log.With().Str("module", "mediarouter.pion").Str("scope", scope).Logger()}
}

type zerologLeveledLogger struct {
	logger zerolog.Logger
}

func (l *zerologLeveledLogger) Trace(msg string)                          { l.logger.Trace().Msg(msg) }
func (l *zerologLeveledLogger) Tracef(format string, args ...interface{}) { l.logger.Trace().Msgf(format, args...) }
func (l *zerologLeveledLogger) Debug(msg string)                          { l.logger.Debug().Msg(msg) }
func (l *zerologLeveledLogger) Debugf(format string, args ...interface{}) { l.logger.Debug().Msgf(format, args...) }
func (l *zerologLeveledLogger) Info(msg string)                           { l.logger.Info().Msg(msg) }
func (l *zerologLeveledLogger) Infof(format string, args ...interface{})  { l.logger.Info().Msgf(format, args...) }
func (l *zerologLeveledLogger) Warn(msg string)                           { l.logger.Warn().Msg(msg) }
func (l *zerologLeveledLogger) Warnf(format string, args ...interface{})  { l.logger.Warn().Msgf(format, args...) }
func (l *zerologLeveledLogger) Error(msg string)                          { l.logger.Error().Msg(msg) }
func (l *zerologLeveledLogger) Errorf(format string, args ...interface{}) { l.logger.Error().Msgf(format, args...) }
