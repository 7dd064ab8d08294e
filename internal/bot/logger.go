package bot

import (
	"io"
	"log/slog"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogPath is where a bot's rotating log file lives; get_logs tails it.
func LogPath(logDir, botID string) string {
	return filepath.Join(logDir, "bot_"+botID+".log")
}

// NewBotLogger builds the per-bot logger: JSON lines into a size-rotated
// file, mirrored to the process handler's writer when one is given.
func NewBotLogger(logDir, botID string, level slog.Level, mirror io.Writer) (*slog.Logger, io.Closer) {
	rotator := &lumberjack.Logger{
		Filename:   LogPath(logDir, botID),
		MaxSize:    20, // MB
		MaxBackups: 3,
		MaxAge:     14, // days
		Compress:   true,
	}
	var w io.Writer = rotator
	if mirror != nil {
		w = io.MultiWriter(rotator, mirror)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("bot", botID), rotator
}
