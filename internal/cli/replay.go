package cli

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/harun/proxylog/pkg/requestlog"
	"github.com/spf13/cobra"
)

// maxReplayLine bounds one request body read from a replay file.
const maxReplayLine = 64 * 1024 * 1024

var replayForce bool

var replayCmd = &cobra.Command{
	Use:   "replay FILE...",
	Short: "Record request bodies from JSONL files",
	Long: `Feed request bodies, one JSON object per line, through the request
logger as if the proxy had forwarded them. Use "-" to read standard input.
Each body is routed to its session log or the legacy log, truncated and
redacted exactly as live traffic would be.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().BoolVar(&replayForce, "force", false, "run even if the daemon is running")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := ensureDaemonStopped(cfg, replayForce); err != nil {
		return err
	}

	log, err := newLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	svc, err := requestlog.New(cfg, requestlog.Options{})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	total := 0
	for _, name := range args {
		n, err := replayFile(ctx, svc.Recorder(), name, cmd.InOrStdin())
		total += n
		if err != nil {
			_ = svc.Stop(context.Background())
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	if err := svc.Stop(context.Background()); err != nil {
		return fmt.Errorf("failed to close logs: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Recorded %d requests\n", total)
	return nil
}

func replayFile(ctx context.Context, rec *requestlog.Recorder, name string, stdin io.Reader) (int, error) {
	r := stdin
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		r = f
	}
	return replay(ctx, rec, r)
}

// replay records each non-blank line of r and returns how many it recorded.
func replay(ctx context.Context, rec *requestlog.Recorder, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxReplayLine)

	n := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		// The recorder keeps the body past this iteration
		rec.RecordRaw(ctx, append([]byte(nil), line...))
		n++
	}
	return n, scanner.Err()
}
