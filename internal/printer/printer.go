package printer

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/dyluth/tether/pkg/envelope"
	"github.com/dyluth/tether/pkg/transport"
	"github.com/fatih/color"
)

func init() {
	// Force color output even when not connected to TTY
	// Users can disable with NO_COLOR environment variable
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green   = color.New(color.FgGreen)
	yellow  = color.New(color.FgYellow)
	red     = color.New(color.FgRed, color.Bold)
	cyan    = color.New(color.FgCyan)
	magenta = color.New(color.FgMagenta)
	faint   = color.New(color.Faint)
)

// Success prints a success message in green with a checkmark prefix
func Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		green.Printf("✓ %s", msg)
	} else {
		green.Print(msg)
	}
}

// Info prints an informational message in the default color
func Info(format string, a ...any) {
	fmt.Printf(format, a...)
}

// Warning prints a warning message in yellow with a warning emoji prefix
func Warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠️") {
		yellow.Printf("⚠️  %s", msg)
	} else {
		yellow.Print(msg)
	}
}

// Error prints a formatted error with title, explanation, and suggestions to stderr
// and returns a simple error for Cobra
func Error(title string, explanation string, suggestions []string) error {
	return ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext prints a formatted error with context details to stderr and
// returns a simple error for Cobra
func ErrorWithContext(title string, explanation string, context map[string]string, suggestions []string) error {
	red.Fprintf(os.Stderr, "%s\n\n", title)

	if explanation != "" {
		fmt.Fprintf(os.Stderr, "%s\n", explanation)
	}

	if len(context) > 0 {
		keys := make([]string, 0, len(context))
		for key := range context {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		fmt.Fprintf(os.Stderr, "\n")
		for _, key := range keys {
			fmt.Fprintf(os.Stderr, "  %s: %s\n", key, context[key])
		}
	}

	if len(suggestions) > 0 {
		fmt.Fprintf(os.Stderr, "\n")
		if len(suggestions) == 1 {
			fmt.Fprintf(os.Stderr, "%s\n", suggestions[0])
		} else {
			fmt.Fprintf(os.Stderr, "Either:\n")
			for i, suggestion := range suggestions {
				fmt.Fprintf(os.Stderr, "  %d. %s\n", i+1, suggestion)
			}
		}
	}

	// Won't be printed again due to SilenceErrors
	return fmt.Errorf("%s", title)
}

// Step prints a step message with emphasis (used in multi-step operations)
func Step(format string, a ...any) {
	cyan.Printf("→ %s", fmt.Sprintf(format, a...))
}

// Println prints a plain message (for output that doesn't need coloring)
func Println(a ...any) {
	fmt.Println(a...)
}

// Printf prints a plain formatted message (for output that doesn't need coloring)
func Printf(format string, a ...any) {
	fmt.Printf(format, a...)
}

// Status prints a connection status line colored by state.
func Status(w io.Writer, s transport.StatusInfo) {
	c := yellow
	switch s.Status {
	case transport.StatusConnected:
		c = green
	case transport.StatusError:
		c = red
	case transport.StatusDisconnected:
		c = faint
	}
	line := fmt.Sprintf("● %s", s.Status)
	if s.Attempts > 0 {
		line += fmt.Sprintf(" (attempt %d)", s.Attempts)
	}
	if s.Err != nil {
		line += ": " + s.Err.Error()
	}
	c.Fprintln(w, line)
}

// FormatEnvelope renders an envelope as a single line:
//
//	15:04:05 users/user updated [high] by alice {"id":"5"}
func FormatEnvelope(env *envelope.Envelope) string {
	var b strings.Builder
	if env.Meta.Timestamp != "" {
		b.WriteString(faint.Sprint(shortTime(env.Meta.Timestamp)))
		b.WriteByte(' ')
	}
	b.WriteString(cyan.Sprintf("%s/%s", env.Feature, env.Entity))
	b.WriteByte(' ')
	b.WriteString(actionColor(env.Action).Sprint(string(env.Action)))
	if p := env.Meta.Priority; p != "" && p != envelope.PriorityNormal {
		b.WriteString(priorityColor(p).Sprintf(" [%s]", p))
	}
	if env.Meta.UserID != "" {
		b.WriteString(faint.Sprintf(" by %s", env.Meta.UserID))
	}
	if len(env.Data) > 0 {
		b.WriteByte(' ')
		b.WriteString(compact(env.Data))
	}
	return b.String()
}

// Envelope prints an envelope, either formatted or as raw JSON.
func Envelope(w io.Writer, env *envelope.Envelope, asJSON bool) error {
	if asJSON {
		raw, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("failed to marshal envelope: %w", err)
		}
		_, err = fmt.Fprintln(w, string(raw))
		return err
	}
	_, err := fmt.Fprintln(w, FormatEnvelope(env))
	return err
}

func actionColor(a envelope.Action) *color.Color {
	switch {
	case a == envelope.ActionCreated:
		return green
	case a == envelope.ActionDeleted:
		return red
	case a == envelope.ActionConflictDetected:
		return magenta
	case a.IsBulk(), a.IsLock():
		return yellow
	default:
		return cyan
	}
}

func priorityColor(p envelope.Priority) *color.Color {
	switch p {
	case envelope.PriorityCritical:
		return red
	case envelope.PriorityHigh:
		return yellow
	default:
		return faint
	}
}

func shortTime(ts string) string {
	if i := strings.IndexByte(ts, 'T'); i >= 0 && len(ts) >= i+9 {
		return ts[i+1 : i+9]
	}
	return ts
}

func compact(raw json.RawMessage) string {
	var b strings.Builder
	enc := json.NewEncoder(&b)
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	if err := enc.Encode(v); err != nil {
		return string(raw)
	}
	return strings.TrimSpace(b.String())
}
