package pushpoll

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// Built-in command types.
const (
	TypeLog   = "log"
	TypePrint = "print"
	TypeNoop  = "noop"
)

// Arg returns the value at a dot-notation path inside the command's Args,
// converted to a string.
//
// For example, "data.message" navigates to {"data": {"message": "hi"}}.
// Strings are returned as-is, booleans as "true"/"false", and numbers in
// their shortest decimal form. Returns "" if the path does not exist or
// ends on an object or list.
//
// Example:
//
//	// For args: {"user": {"name": "ada", "age": 36}}
//	cmd.Arg("user.name") // "ada"
//	cmd.Arg("user.age")  // "36"
func (c Command) Arg(path string) string {
	if path == "" || c.Args == nil {
		return ""
	}
	return extractArgPath(c.Args, strings.Split(path, "."))
}

// extractArgPath walks decoded args using dot notation parts.
func extractArgPath(data map[string]any, parts []string) string {
	var current any = data

	for _, part := range parts {
		obj, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current, ok = obj[part]
		if !ok {
			return ""
		}
	}

	switch v := current.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

// LogHandler returns a [Handler] that writes the command's "message" arg to
// logger at the level named by the "level" arg ("debug", "info", "warn",
// "error"; default "info"). Any "attrs" object is attached as a group.
func LogHandler(logger *slog.Logger) Handler {
	return func(ctx context.Context, cmd Command) error {
		msg := cmd.Arg("message")
		if msg == "" {
			return fmt.Errorf("log command %s: message is required", cmd.ID)
		}

		level := slog.LevelInfo
		if raw := cmd.Arg("level"); raw != "" {
			if err := level.UnmarshalText([]byte(raw)); err != nil {
				return fmt.Errorf("log command %s: %w", cmd.ID, err)
			}
		}

		attrs := []any{"command_id", cmd.ID}
		if extra, ok := cmd.Args["attrs"].(map[string]any); ok && len(extra) > 0 {
			group := make([]any, 0, len(extra)*2)
			for k, v := range extra {
				group = append(group, k, v)
			}
			attrs = append(attrs, slog.Group("attrs", group...))
		}

		logger.Log(ctx, level, msg, attrs...)
		return nil
	}
}

// PrintHandler returns a [Handler] that writes the command's "text" arg,
// followed by a newline, to w. Writes are serialized.
func PrintHandler(w io.Writer) Handler {
	var mu sync.Mutex
	return func(ctx context.Context, cmd Command) error {
		text := cmd.Arg("text")
		mu.Lock()
		defer mu.Unlock()
		if _, err := fmt.Fprintln(w, text); err != nil {
			return fmt.Errorf("print command %s: %w", cmd.ID, err)
		}
		return nil
	}
}

// NoopHandler accepts any command and does nothing. Servers can push it to
// keep an idle connection cycling.
var NoopHandler Handler = func(ctx context.Context, cmd Command) error {
	return nil
}
