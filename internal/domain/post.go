package domain

import (
	"strings"
	"time"
)

// StrongRef is an immutable pointer to a specific record version.
type StrongRef struct {
	URI string
	CID string
}

// ReplyRef is the reply reference a post record carries when it answers
// another post.
type ReplyRef struct {
	Root   StrongRef
	Parent StrongRef
}

// Author identifies the account that wrote a post.
type Author struct {
	DID         string
	Handle      string
	DisplayName string
}

// Name returns the display name, falling back to the handle.
func (a Author) Name() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.Handle
}

// FeatureKind is the type of a rich-text facet feature.
type FeatureKind string

const (
	FeatureLink    FeatureKind = "link"
	FeatureMention FeatureKind = "mention"
	FeatureTag     FeatureKind = "tag"
)

// FacetFeature is one annotation attached to a facet. Only the field
// matching Kind is populated.
type FacetFeature struct {
	Kind FeatureKind
	URI  string
	DID  string
	Tag  string
}

// Facet marks a byte range of the post text.
type Facet struct {
	ByteStart int
	ByteEnd   int
	Features  []FacetFeature
}

// Post is a single Bluesky post as returned by the AppView.
type Post struct {
	// URI is the AT-URI of the post (e.g. at://did:plc:abc/app.bsky.feed.post/3l3qo2vuowo2b).
	URI string

	// CID is the content identifier of the record.
	CID string

	Author Author

	// Text is the record body.
	Text string

	CreatedAt time.Time

	// Reply is set when the record itself declares that it answers another post.
	Reply *ReplyRef

	// Facets is nil when the record has no rich-text annotations.
	Facets []Facet
}

// RecordKey returns the last path segment of the post URI.
func (p Post) RecordKey() string {
	return recordKey(p.URI)
}

func recordKey(uri string) string {
	if i := strings.LastIndex(uri, "/"); i >= 0 {
		return uri[i+1:]
	}
	return uri
}

// Thread is a post with its ancestor chain and first-level replies. Parent
// links only point upward and replies are never expanded further, so the
// structure is a finite tree.
type Thread struct {
	Post    Post
	Parent  *Thread
	Replies []Thread
}

// IsThreaded reports whether the post belongs to a thread: it has a loaded
// parent, at least one reply, or its record declares a reply reference.
func IsThreaded(t *Thread) bool {
	return t.Parent != nil || len(t.Replies) > 0 || t.Post.Reply != nil
}

// Ancestors returns the parent chain ordered from the root down to the
// immediate parent of t.
func (t *Thread) Ancestors() []*Thread {
	var chain []*Thread
	for p := t.Parent; p != nil; p = p.Parent {
		chain = append(chain, p)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}
