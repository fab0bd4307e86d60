package internal_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/benbjohnson/dirnotify/internal"
)

func TestReplaceAttr(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{
		Level:       internal.LevelTrace,
		ReplaceAttr: internal.ReplaceAttr,
	}))

	logger.Log(context.Background(), internal.LevelTrace, "completion")
	if got := buf.String(); !strings.Contains(got, "level=TRACE") {
		t.Fatalf("unexpected output: %s", got)
	}

	buf.Reset()
	logger.Debug("watching")
	if got := buf.String(); !strings.Contains(got, "level=DEBUG") {
		t.Fatalf("unexpected output: %s", got)
	}
}
