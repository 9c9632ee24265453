package commands

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// syncBuffer is a bytes.Buffer safe for the concurrent writes of a running command.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// resetFlags restores every flag to its default so tests sharing rootCmd do
// not leak values into each other.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

// execute runs the real root command with args and returns stdout and the error.
func execute(t *testing.T, ctx context.Context, args ...string) (*syncBuffer, error) {
	t.Helper()
	out := &syncBuffer{}
	return out, executeInto(ctx, out, args...)
}

func executeInto(ctx context.Context, out *syncBuffer, args ...string) error {
	resetFlags(rootCmd)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(out)
	rootCmd.SetErr(&syncBuffer{})
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.ExecuteContext(ctx)
}
