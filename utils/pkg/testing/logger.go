package medalliontesting

import (
	"log/slog"
	"os"
	"time"
)

// FixedTime is a stable timestamp for fixtures and fake clocks.
var FixedTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func NewLogger() *slog.Logger {
	var level slog.Level
	switch os.Getenv("DEBUG") {
	case "2":
		level = slog.LevelDebug
	case "1":
		level = slog.LevelInfo
	default:
		// Only errors unless DEBUG is set.
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
