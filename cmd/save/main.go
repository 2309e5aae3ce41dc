package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jessevdk/go-flags"

	"github.com/blackmichael/bluesky-readwise/internal/bluesky"
	"github.com/blackmichael/bluesky-readwise/internal/domain"
	"github.com/blackmichael/bluesky-readwise/internal/readwise"
)

type options struct {
	ReadwiseToken string `long:"readwise-token" env:"READWISE_TOKEN" required:"true" description:"Readwise access token"`
	AppView       string `long:"appview-host" env:"BLUESKY_APPVIEW" default:"https://public.api.bsky.app" description:"AppView used to fetch posts"`
	ReadwiseURL   string `long:"readwise-url" env:"READWISE_URL" default:"https://readwise.io/api" description:"Readwise API base URL"`
	Verbose       bool   `short:"v" long:"verbose" description:"Log each request"`

	Args struct {
		Message []string `positional-arg-name:"message" required:"1" description:"Post link, optionally followed by a note and +links"`
	} `positional-args:"yes"`
}

func main() {
	if err := run(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	parser.Usage = "[OPTIONS] <post link> [note] [+links]"
	if _, err := parser.Parse(); err != nil {
		return err
	}

	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cmd := domain.ParseCommand(strings.Join(opts.Args.Message, " "))
	if cmd.Kind != domain.CommandSavePost {
		return fmt.Errorf("expected a post link such as https://%s/profile/alice.bsky.social/post/3k...", domain.PermalinkHost)
	}

	ref, err := domain.PermalinkToRef(cmd.PostURL)
	if err != nil {
		return err
	}

	ctx := context.Background()
	rw := readwise.NewClient(opts.ReadwiseURL)
	processor := domain.NewProcessor(bluesky.NewClient(opts.AppView), rw, logger)

	fmt.Printf("Saving %s...\n", cmd.PostURL)
	res, err := processor.Process(ctx, ref.URI(), opts.ReadwiseToken, domain.ProcessOptions{
		ExtractLinks: cmd.ExtractLinks,
		Note:         cmd.Note,
	})
	if err != nil {
		var upstream *domain.UpstreamError
		if errors.As(err, &upstream) && upstream.Service == "readwise" && upstream.Status == 401 {
			return fmt.Errorf("readwise rejected the token: %w", err)
		}
		return err
	}

	if res.Threaded {
		fmt.Println("Saved thread to Reader")
	} else {
		fmt.Println("Saved post as a highlight")
	}
	if cmd.ExtractLinks {
		fmt.Printf("Saved %d links to Reader\n", res.LinksSaved)
	}
	if res.Partial != nil {
		fmt.Printf("Some links could not be saved: %v\n", res.Partial)
	}
	return nil
}
