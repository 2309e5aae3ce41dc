package domain

import (
	"fmt"
	"strings"
)

const (
	// PermalinkHost is the web host used for human-shareable post links.
	PermalinkHost = "bsky.app"

	platformTag       = "bluesky"
	highlightCategory = "tweets"
	timestampLayout   = "2006-01-02 15:04:05 UTC"
)

// Highlight is a single passage saved to Readwise.
type Highlight struct {
	Text      string
	Title     string
	Author    string
	SourceURL string
	Category  string
	Note      string
}

// Document is a page saved to Readwise Reader. Only URL is required.
type Document struct {
	URL    string
	HTML   string
	Title  string
	Author string
	Tags   []string
}

// Permalink returns the web URL for a post written by handle.
func Permalink(handle, rkey string) string {
	return fmt.Sprintf("https://%s/profile/%s/post/%s", PermalinkHost, handle, rkey)
}

// FormatHighlight maps a standalone post to a Readwise highlight. An empty
// note leaves the highlight without one.
func FormatHighlight(post Post, note string) Highlight {
	return Highlight{
		Text:      post.Text,
		Title:     "Post by @" + post.Author.Handle,
		Author:    post.Author.Name(),
		SourceURL: Permalink(post.Author.Handle, post.RecordKey()),
		Category:  highlightCategory,
		Note:      note,
	}
}

// FormatDocument renders a thread as a Reader document. Posts appear root
// first, then the given post, then its direct replies.
func FormatDocument(t *Thread) Document {
	posts := threadPosts(t)

	doc := Document{
		HTML:   renderThreadHTML(posts),
		Title:  "Thread",
		Author: "Unknown",
		Tags:   []string{platformTag, "thread"},
	}
	if len(posts) > 0 {
		first := posts[0]
		doc.Title = "Thread by @" + first.Author.Handle
		doc.Author = first.Author.Name()
		doc.URL = Permalink(first.Author.Handle, first.RecordKey())
	}
	return doc
}

// LinkDocument is the minimal Reader document saved for an extracted link.
func LinkDocument(url string) Document {
	return Document{
		URL:  url,
		Tags: []string{platformTag, "extracted-link"},
	}
}

func threadPosts(t *Thread) []Post {
	if t == nil {
		return nil
	}
	ancestors := t.Ancestors()
	posts := make([]Post, 0, len(ancestors)+1+len(t.Replies))
	for _, a := range ancestors {
		posts = append(posts, a.Post)
	}
	posts = append(posts, t.Post)
	for _, r := range t.Replies {
		posts = append(posts, r.Post)
	}
	return posts
}

func renderThreadHTML(posts []Post) string {
	var b strings.Builder
	b.WriteString("<article class=\"bluesky-thread\">\n")
	for _, p := range posts {
		fmt.Fprintf(&b, "<div class=\"post\">\n"+
			"<p class=\"author\"><strong>%s</strong> <span class=\"handle\">@%s</span></p>\n"+
			"<p class=\"content\">%s</p>\n"+
			"<p class=\"timestamp\">%s</p>\n"+
			"</div>\n",
			EscapeHTML(p.Author.Name()),
			EscapeHTML(p.Author.Handle),
			EscapeHTML(p.Text),
			EscapeHTML(p.CreatedAt.UTC().Format(timestampLayout)),
		)
	}
	b.WriteString("</article>")
	return b.String()
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

// EscapeHTML escapes &, <, > and ". No other characters are changed.
func EscapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}
