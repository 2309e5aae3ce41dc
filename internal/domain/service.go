package domain

import (
	"context"
	"fmt"
	"log/slog"
)

// ProcessOptions controls a single Process call.
type ProcessOptions struct {
	// ExtractLinks also saves every link in the post as its own Reader document.
	ExtractLinks bool

	// Note is attached to the highlight of a standalone post. Empty means none.
	Note string
}

// ProcessResult describes what a successful Process call saved.
type ProcessResult struct {
	// Threaded is true when the post was saved as a Reader document.
	Threaded bool

	// LinksSaved counts extracted links that were saved.
	LinksSaved int

	// Partial is a *PartialFailure when some extracted links could not be
	// saved, nil otherwise.
	Partial error
}

// Processor is the core domain service. It fetches a post, decides whether
// it is part of a thread and saves it to Readwise in the matching shape.
type Processor struct {
	threads  ThreadFetcher
	readwise Readwise
	logger   *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(threads ThreadFetcher, readwise Readwise, logger *slog.Logger) *Processor {
	return &Processor{
		threads:  threads,
		readwise: readwise,
		logger:   logger,
	}
}

// Process fetches the post at uri and saves it with token. The primary save
// decides the returned error; extracted-link failures are reported through
// ProcessResult.Partial only.
func (p *Processor) Process(ctx context.Context, uri, token string, opts ProcessOptions) (*ProcessResult, error) {
	if token == "" {
		return nil, ErrAuthenticationRequired
	}

	p.logger.Info("processing post", "uri", uri, "extract_links", opts.ExtractLinks)

	thread, err := p.threads.GetPostThread(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("get post thread %s: %w", uri, err)
	}

	result := &ProcessResult{Threaded: IsThreaded(thread)}

	if result.Threaded {
		if err := p.readwise.SaveDocument(ctx, token, FormatDocument(thread)); err != nil {
			return nil, fmt.Errorf("save thread document: %w", err)
		}
		p.logger.Info("saved thread to reader", "uri", uri)
	} else {
		if err := p.readwise.SaveHighlight(ctx, token, FormatHighlight(thread.Post, opts.Note)); err != nil {
			return nil, fmt.Errorf("save highlight: %w", err)
		}
		p.logger.Info("saved post as highlight", "uri", uri)
	}

	if opts.ExtractLinks {
		result.LinksSaved, result.Partial = p.saveLinks(ctx, thread.Post, token)
	}

	return result, nil
}

func (p *Processor) saveLinks(ctx context.Context, post Post, token string) (int, error) {
	links := ExtractLinks(post)
	if len(links) == 0 {
		p.logger.Debug("no links found in post", "uri", post.URI)
		return 0, nil
	}

	p.logger.Info("saving extracted links", "uri", post.URI, "count", len(links))

	var (
		saved    int
		failures []ItemFailure
	)
	for _, link := range links {
		if err := p.readwise.SaveDocument(ctx, token, LinkDocument(link)); err != nil {
			p.logger.Warn("failed to save link", "uri", post.URI, "link", link, "error", err)
			failures = append(failures, ItemFailure{Item: link, Err: err})
			continue
		}
		saved++
	}

	if len(failures) > 0 {
		return saved, &PartialFailure{Failures: failures}
	}
	return saved, nil
}
