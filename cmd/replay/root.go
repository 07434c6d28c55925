package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/multi-agent/go-agui/internal/conversation"
	"github.com/multi-agent/go-agui/internal/engine"
	"github.com/multi-agent/go-agui/internal/ids"
	"github.com/multi-agent/go-agui/pkg/logger"
	"github.com/multi-agent/go-agui/pkg/util"
)

var version = "dev"

type replayOptions struct {
	format   string
	threadID string
	runID    string
	compact  bool
	debug    bool
	strict   bool
}

func newRootCmd(stdin io.Reader, stdout io.Writer) *cobra.Command {
	var opts replayOptions
	cmd := &cobra.Command{
		Use:   "replay [file|-]",
		Short: "Aggregate a recorded AG-UI event script into a thread",
		Long: `Replay decodes a recorded event script (NDJSON, SSE "data:" capture or YAML)
and feeds it through the aggregation engine as a single run, then prints the
resulting thread as JSON.`,
		Version:       version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := "-"
			if len(args) == 1 {
				name = args[0]
			}
			return runReplay(cmd.Context(), name, stdin, stdout, opts)
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true

	f := cmd.Flags()
	f.StringVarP(&opts.format, "format", "f", formatAuto, "script format: auto, ndjson or yaml")
	f.StringVar(&opts.threadID, "thread", "", "thread id (default: threadId of RUN_STARTED, else generated)")
	f.StringVar(&opts.runID, "run", "", "run id (default: runId of RUN_STARTED, else generated)")
	f.BoolVar(&opts.compact, "compact", false, "print compact JSON")
	f.BoolVar(&opts.debug, "debug", false, "log every raw event")
	f.BoolVar(&opts.strict, "strict", false, "fail when an event is dropped")
	return cmd
}

// Execute 运行根命令, 出错时退出码 1。
func Execute() {
	cmd := newRootCmd(os.Stdin, os.Stdout)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runReplay(ctx context.Context, name string, stdin io.Reader, stdout io.Writer, opts replayOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.debug {
		logger.InitWithLevel("development", "DEBUG")
	}

	var r io.Reader = stdin
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	events, err := parseScript(data, detectFormat(name, opts.format, data))
	if err != nil {
		return err
	}

	threadID, runID := scriptIDs(events)
	threadID = util.FirstNonEmpty(opts.threadID, threadID)
	runID = util.FirstNonEmpty(opts.runID, runID)

	counter := &dropCounter{}
	eng := engine.New(engine.Options{IDs: &ids.Sequence{}, Debug: opts.debug, Observer: counter})
	if threadID == "" {
		threadID = eng.CreateThread().ID
	}
	_, runErr := eng.Run(ctx, threadID, runID, engine.NewSliceSource(events...))

	th, _ := eng.Thread(threadID)
	if err := writeThread(stdout, th, opts.compact); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if opts.strict && counter.dropped > 0 {
		return fmt.Errorf("%d of %d events dropped", counter.dropped, len(events))
	}
	return nil
}

func writeThread(w io.Writer, th *conversation.Thread, compact bool) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if !compact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(th)
}

// dropCounter 统计被丢弃的事件 (--strict)。单 goroutine 使用。
type dropCounter struct{ applied, dropped int }

func (c *dropCounter) EventApplied(string) { c.applied++ }
func (c *dropCounter) EventDropped(string) { c.dropped++ }
func (c *dropCounter) RunStarted()         {}
func (c *dropCounter) RunFinished(string)  {}
