// Package notify carries the fire-and-forget recording lifecycle
// notifications: recordingStarted, recordingProgress, recordingStopped.
// There is no outbound transport to poll here, so a sink is called
// synchronously from a RecordingSession's own DoWork tick; wiring these to
// an actual control-message transport is left to the embedding process.
package notify

import "log/slog"

// Sink receives recording lifecycle notifications. The conductor-driven
// sessions call these directly; there is no queue or retry because DoWork
// already runs at conductor cadence and a dropped notification is not fatal
// to the recording itself.
type Sink interface {
	RecordingStarted(recordingId int64, source string, sessionId int32, channel string, streamId int32)
	RecordingProgress(recordingId, initialPosition, lastPosition int64)
	RecordingStopped(recordingId int64)
}

// LogSink is a Sink that simply logs each notification with slog. It is the
// default used when a caller hasn't wired a real control-message transport.
type LogSink struct{}

// RecordingStarted implements Sink.
func (LogSink) RecordingStarted(recordingId int64, source string, sessionId int32, channel string, streamId int32) {
	slog.Info("recording started",
		slog.Int64("recording_id", recordingId),
		slog.String("source", source),
		slog.Int("session_id", int(sessionId)),
		slog.String("channel", channel),
		slog.Int("stream_id", int(streamId)),
	)
}

// RecordingProgress implements Sink.
func (LogSink) RecordingProgress(recordingId, initialPosition, lastPosition int64) {
	slog.Debug("recording progress",
		slog.Int64("recording_id", recordingId),
		slog.Int64("initial_position", initialPosition),
		slog.Int64("last_position", lastPosition),
	)
}

// RecordingStopped implements Sink.
func (LogSink) RecordingStopped(recordingId int64) {
	slog.Info("recording stopped", slog.Int64("recording_id", recordingId))
}

// Multi fans a notification out to several sinks, e.g. LogSink plus a
// metrics-recording sink.
type Multi []Sink

// RecordingStarted implements Sink.
func (m Multi) RecordingStarted(recordingId int64, source string, sessionId int32, channel string, streamId int32) {
	for _, s := range m {
		s.RecordingStarted(recordingId, source, sessionId, channel, streamId)
	}
}

// RecordingProgress implements Sink.
func (m Multi) RecordingProgress(recordingId, initialPosition, lastPosition int64) {
	for _, s := range m {
		s.RecordingProgress(recordingId, initialPosition, lastPosition)
	}
}

// RecordingStopped implements Sink.
func (m Multi) RecordingStopped(recordingId int64) {
	for _, s := range m {
		s.RecordingStopped(recordingId)
	}
}
