package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/brandlens/brandlens/twelvelabs"
	"github.com/brandlens/brandlens/types"
	"github.com/brandlens/brandlens/workflow"
)

// =============================================================================
// analyze command
// =============================================================================

// runAnalyze performs one full analysis from the command line: it uploads
// the video, waits for indexing and prints the generated insights.
func runAnalyze(args []string) {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	videoPath := fs.String("video", "", "Path to the video file")
	prompt := fs.String("prompt", "", "Placement question")
	fs.Parse(args)

	if *videoPath == "" {
		fmt.Fprintln(os.Stderr, "analyze: --video is required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	client, err := twelvelabs.NewClient(twelvelabs.Config{
		APIKey:  cfg.TwelveLabs.APIKey,
		BaseURL: cfg.TwelveLabs.BaseURL,
		Timeout: cfg.TwelveLabs.Timeout,
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "analyze: %v\n", err)
		os.Exit(1)
	}

	runner := workflow.NewRunner(client, workflow.Config{
		PollInterval: cfg.Workflow.PollInterval,
		MaxWait:      cfg.Workflow.MaxWait,
		Temperature:  cfg.Workflow.Temperature,
		IndexPrefix:  cfg.Workflow.IndexPrefix,
	}, logger)

	file, err := os.Open(*videoPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "analyze: cannot open video: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	question := *prompt
	if question == "" {
		question = cfg.Workflow.DefaultPrompt
	}

	// Progress goes to stderr on a single rewritten line; the result goes
	// to stdout so it can be piped.
	sink := workflow.Sink(
		func(state workflow.State, message string) {
			fmt.Fprintf(os.Stderr, "\r\033[K%s", message)
			if state.Terminal() {
				fmt.Fprintln(os.Stderr)
			}
		},
		func(status string) {
			fmt.Fprintf(os.Stderr, "\r\033[KIndexing: %s", status)
		},
	)

	run, err := runner.Execute(context.Background(), workflow.Input{
		Prompt:   question,
		Filename: filepath.Base(*videoPath),
		Video:    file,
	}, sink)
	if err != nil {
		fmt.Fprintf(os.Stderr, "analyze failed [%s]: %v\n", types.GetErrorCode(err), err)
		os.Exit(1)
	}

	logger.Info("analysis finished",
		zap.String("run_id", run.ID),
		zap.String("video_id", run.VideoID),
	)

	fmt.Println(run.Result)
}
