package domain

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// CommandKind identifies which variant a DmCommand holds.
type CommandKind int

const (
	CommandUnknown CommandKind = iota
	CommandSavePost
	CommandRegister
	CommandHelp
	CommandSettings
)

func (k CommandKind) String() string {
	switch k {
	case CommandSavePost:
		return "save_post"
	case CommandRegister:
		return "register"
	case CommandHelp:
		return "help"
	case CommandSettings:
		return "settings"
	default:
		return "unknown"
	}
}

// DmCommand is a parsed direct message. Only the fields of its Kind are set:
// PostURL, Note and ExtractLinks for CommandSavePost, Token for
// CommandRegister and Text for CommandUnknown.
type DmCommand struct {
	Kind         CommandKind
	PostURL      string
	Note         string
	ExtractLinks bool
	Token        string
	Text         string
}

const linksFlag = "+links"

var permalinkPattern = regexp.MustCompile(`https://` + regexp.QuoteMeta(PermalinkHost) + `/profile/[^/\s]+/post/[A-Za-z0-9]+`)

// ParseCommand turns free text into a command. It never fails: anything it
// cannot recognize becomes CommandUnknown carrying the trimmed text.
func ParseCommand(text string) DmCommand {
	text = strings.TrimSpace(text)

	switch {
	case strings.EqualFold(text, "help"):
		return DmCommand{Kind: CommandHelp}
	case strings.EqualFold(text, "settings"):
		return DmCommand{Kind: CommandSettings}
	case len(text) >= len("register ") && strings.EqualFold(text[:len("register ")], "register "):
		return DmCommand{Kind: CommandRegister, Token: strings.TrimSpace(text[len("register "):])}
	}

	loc := permalinkPattern.FindStringIndex(text)
	if loc == nil {
		return DmCommand{Kind: CommandUnknown, Text: text}
	}

	note := strings.ReplaceAll(text[loc[1]:], linksFlag, "")
	return DmCommand{
		Kind:         CommandSavePost,
		PostURL:      text[loc[0]:loc[1]],
		Note:         strings.TrimSpace(note),
		ExtractLinks: strings.Contains(text, linksFlag),
	}
}

// PostRef points at a post by author handle (or DID) and record key.
type PostRef struct {
	Handle string
	RKey   string
}

// URI returns the AT-URI of the referenced post.
func (r PostRef) URI() string {
	return fmt.Sprintf("at://%s/app.bsky.feed.post/%s", r.Handle, r.RKey)
}

// PermalinkToRef converts https://bsky.app/profile/{handle}/post/{rkey} into
// a PostRef. Segments are read positionally; a URL without both handle and
// record key fails with ErrMalformedReference.
func PermalinkToRef(permalink string) (PostRef, error) {
	u, err := url.Parse(permalink)
	if err != nil {
		return PostRef{}, fmt.Errorf("%w: %v", ErrMalformedReference, err)
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 4 {
		return PostRef{}, fmt.Errorf("%w: %q has %d path segments, want profile/{handle}/post/{rkey}", ErrMalformedReference, permalink, len(segments))
	}
	if segments[0] != "profile" || segments[2] != "post" || segments[1] == "" || segments[3] == "" {
		return PostRef{}, fmt.Errorf("%w: %q is not a post permalink", ErrMalformedReference, permalink)
	}

	return PostRef{Handle: segments[1], RKey: segments[3]}, nil
}
