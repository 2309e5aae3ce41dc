package domain

import (
	"context"
	"errors"
	"testing"
)

const alicePost = "at://did:plc:alice/app.bsky.feed.post/3kxyz"

func TestProcessStandalone(t *testing.T) {
	threads := &fakeThreads{threads: map[string]*Thread{
		alicePost: standalonePost(alicePost, "alice.bsky.social", "Hello, world!"),
	}}
	rw := &fakeReadwise{}
	p := NewProcessor(threads, rw, discardLogger())

	res, err := p.Process(context.Background(), alicePost, "rw-token", ProcessOptions{Note: "nice"})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if res.Threaded {
		t.Error("Expected standalone post")
	}
	if len(rw.highlights) != 1 {
		t.Fatalf("Expected 1 highlight, got %d", len(rw.highlights))
	}
	if len(rw.documents) != 0 {
		t.Errorf("Expected 0 documents, got %d", len(rw.documents))
	}
	h := rw.highlights[0]
	if h.Text != "Hello, world!" || h.Note != "nice" || h.Category != "tweets" {
		t.Errorf("Unexpected highlight %+v", h)
	}
	if rw.tokens[0] != "rw-token" {
		t.Errorf("Expected token rw-token, got %q", rw.tokens[0])
	}
}

func TestProcessThread(t *testing.T) {
	th := standalonePost(alicePost, "alice.bsky.social", "part 2")
	th.Parent = standalonePost("at://did:plc:alice/app.bsky.feed.post/root", "alice.bsky.social", "part 1")

	rw := &fakeReadwise{}
	p := NewProcessor(&fakeThreads{threads: map[string]*Thread{alicePost: th}}, rw, discardLogger())

	res, err := p.Process(context.Background(), alicePost, "tok", ProcessOptions{Note: "ignored for threads"})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !res.Threaded {
		t.Error("Expected threaded post")
	}
	if len(rw.highlights) != 0 || len(rw.documents) != 1 {
		t.Fatalf("Expected 0 highlights and 1 document, got %d and %d", len(rw.highlights), len(rw.documents))
	}
	if rw.documents[0].URL != "https://bsky.app/profile/alice.bsky.social/post/root" {
		t.Errorf("Expected document URL of thread root, got %q", rw.documents[0].URL)
	}
}

func TestProcessExtractLinks(t *testing.T) {
	th := standalonePost(alicePost, "alice.bsky.social", "two links")
	th.Post.Facets = []Facet{
		{ByteStart: 0, ByteEnd: 3, Features: []FacetFeature{{Kind: FeatureLink, URI: "https://a.example"}}},
		{ByteStart: 4, ByteEnd: 9, Features: []FacetFeature{{Kind: FeatureLink, URI: "https://b.example"}}},
	}

	rw := &fakeReadwise{}
	p := NewProcessor(&fakeThreads{threads: map[string]*Thread{alicePost: th}}, rw, discardLogger())

	res, err := p.Process(context.Background(), alicePost, "tok", ProcessOptions{ExtractLinks: true})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(rw.highlights) != 1 || len(rw.documents) != 2 {
		t.Fatalf("Expected 1 highlight and 2 documents, got %d and %d", len(rw.highlights), len(rw.documents))
	}
	if res.LinksSaved != 2 || res.Partial != nil {
		t.Errorf("Unexpected result %+v", res)
	}
	for i, want := range []string{"https://a.example", "https://b.example"} {
		d := rw.documents[i]
		if d.URL != want {
			t.Errorf("Document %d: expected URL %q, got %q", i, want, d.URL)
		}
		if len(d.Tags) != 2 || d.Tags[1] != "extracted-link" {
			t.Errorf("Document %d: unexpected tags %v", i, d.Tags)
		}
	}

	// Without the option the links are left alone.
	rw2 := &fakeReadwise{}
	p2 := NewProcessor(&fakeThreads{threads: map[string]*Thread{alicePost: th}}, rw2, discardLogger())
	if _, err := p2.Process(context.Background(), alicePost, "tok", ProcessOptions{}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(rw2.documents) != 0 {
		t.Errorf("Expected no link documents, got %d", len(rw2.documents))
	}
}

func TestProcessLinkFailureIsPartial(t *testing.T) {
	th := standalonePost(alicePost, "alice.bsky.social", "links")
	th.Post.Facets = []Facet{
		{Features: []FacetFeature{{Kind: FeatureLink, URI: "https://bad.example"}}},
		{Features: []FacetFeature{{Kind: FeatureLink, URI: "https://good.example"}}},
	}

	rw := &fakeReadwise{documentErr: func(d Document) error {
		if d.URL == "https://bad.example" {
			return &UpstreamError{Service: "readwise", Status: 500, Body: "boom"}
		}
		return nil
	}}
	p := NewProcessor(&fakeThreads{threads: map[string]*Thread{alicePost: th}}, rw, discardLogger())

	res, err := p.Process(context.Background(), alicePost, "tok", ProcessOptions{ExtractLinks: true})
	if err != nil {
		t.Fatalf("Link failure must not fail the call: %v", err)
	}
	if res.LinksSaved != 1 {
		t.Errorf("Expected 1 link saved, got %d", res.LinksSaved)
	}

	var partial *PartialFailure
	if !errors.As(res.Partial, &partial) {
		t.Fatalf("Expected *PartialFailure, got %v", res.Partial)
	}
	if len(partial.Failures) != 1 || partial.Failures[0].Item != "https://bad.example" {
		t.Errorf("Unexpected failures %+v", partial.Failures)
	}
	var upstream *UpstreamError
	if !errors.As(res.Partial, &upstream) || upstream.Status != 500 {
		t.Errorf("Expected wrapped upstream error, got %v", res.Partial)
	}
}

func TestProcessErrors(t *testing.T) {
	fetchErr := errors.New("network down")

	tests := []struct {
		name    string
		token   string
		threads *fakeThreads
		rw      *fakeReadwise
		wantErr error
	}{
		{
			name:    "missing token",
			token:   "",
			threads: &fakeThreads{},
			rw:      &fakeReadwise{},
			wantErr: ErrAuthenticationRequired,
		},
		{
			name:    "fetch failure",
			token:   "tok",
			threads: &fakeThreads{err: fetchErr},
			rw:      &fakeReadwise{},
			wantErr: fetchErr,
		},
		{
			name:  "save failure",
			token: "tok",
			threads: &fakeThreads{threads: map[string]*Thread{
				alicePost: standalonePost(alicePost, "alice", "x"),
			}},
			rw:      &fakeReadwise{highlightErr: fetchErr},
			wantErr: fetchErr,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProcessor(tt.threads, tt.rw, discardLogger())
			_, err := p.Process(context.Background(), alicePost, tt.token, ProcessOptions{})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	threads := &fakeThreads{}
	p := NewProcessor(threads, &fakeReadwise{}, discardLogger())
	_, _ = p.Process(context.Background(), alicePost, "", ProcessOptions{})
	if len(threads.calls) != 0 {
		t.Error("Expected no fetch without a token")
	}
}
