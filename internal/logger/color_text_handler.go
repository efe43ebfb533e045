package logger

import (
	"context"
	"io"
	"log/slog"
)

const ansiReset = "\x1b[0m"

// levelColors maps each slog level to the ANSI sequence used for its
// tag on interactive output. Levels outside the table render uncolored.
var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\x1b[36m",
	slog.LevelInfo:  "\x1b[32m",
	slog.LevelWarn:  "\x1b[33m",
	slog.LevelError: "\x1b[31m",
}

// ColorTextHandler renders slog records as text with a colored level
// tag in front of the message. Used when the daemon logs to a terminal.
type ColorTextHandler struct {
	*slog.TextHandler
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *ColorTextHandler {
	return &ColorTextHandler{TextHandler: slog.NewTextHandler(w, opts)}
}

// Handle implements slog.Handler.
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	color, ok := levelColors[r.Level]
	if !ok {
		color = ansiReset
	}
	r.Message = color + r.Level.String() + ansiReset + "  " + r.Message
	return h.TextHandler.Handle(ctx, r)
}
