package bluesky

import (
	"encoding/json"
	"time"

	"github.com/blackmichael/bluesky-readwise/internal/domain"
)

// Lexicon $type values of the union members the client understands.
const (
	typeThreadViewPost = "app.bsky.feed.defs#threadViewPost"
	typePostView       = "app.bsky.feed.defs#postView"
	typeNotFoundPost   = "app.bsky.feed.defs#notFoundPost"
	typeBlockedPost    = "app.bsky.feed.defs#blockedPost"

	typeFacetLink    = "app.bsky.richtext.facet#link"
	typeFacetMention = "app.bsky.richtext.facet#mention"
	typeFacetTag     = "app.bsky.richtext.facet#tag"

	typeMessageView = "chat.bsky.convo.defs#messageView"
)

// union peeks at the $type of a lexicon union member.
type union struct {
	Type string `json:"$type"`
}

func unionType(raw json.RawMessage) string {
	var u union
	if json.Unmarshal(raw, &u) != nil {
		return ""
	}
	return u.Type
}

type strongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

func (r strongRef) toDomain() domain.StrongRef {
	return domain.StrongRef{URI: r.URI, CID: r.CID}
}

type profileView struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName,omitempty"`
}

type facetFeature struct {
	Type string `json:"$type"`
	URI  string `json:"uri,omitempty"`
	DID  string `json:"did,omitempty"`
	Tag  string `json:"tag,omitempty"`
}

type facet struct {
	Index struct {
		ByteStart int `json:"byteStart"`
		ByteEnd   int `json:"byteEnd"`
	} `json:"index"`
	Features []facetFeature `json:"features"`
}

type postRecord struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	Reply     *struct {
		Root   strongRef `json:"root"`
		Parent strongRef `json:"parent"`
	} `json:"reply,omitempty"`
	Facets []facet `json:"facets,omitempty"`
}

type postView struct {
	URI       string      `json:"uri"`
	CID       string      `json:"cid"`
	Author    profileView `json:"author"`
	Record    postRecord  `json:"record"`
	IndexedAt time.Time   `json:"indexedAt"`
}

func (p postView) toDomain() domain.Post {
	post := domain.Post{
		URI: p.URI,
		CID: p.CID,
		Author: domain.Author{
			DID:         p.Author.DID,
			Handle:      p.Author.Handle,
			DisplayName: p.Author.DisplayName,
		},
		Text:      p.Record.Text,
		CreatedAt: p.Record.CreatedAt,
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = p.IndexedAt
	}
	if r := p.Record.Reply; r != nil {
		post.Reply = &domain.ReplyRef{Root: r.Root.toDomain(), Parent: r.Parent.toDomain()}
	}

	for _, f := range p.Record.Facets {
		df := domain.Facet{ByteStart: f.Index.ByteStart, ByteEnd: f.Index.ByteEnd}
		for _, feat := range f.Features {
			switch feat.Type {
			case typeFacetLink:
				df.Features = append(df.Features, domain.FacetFeature{Kind: domain.FeatureLink, URI: feat.URI})
			case typeFacetMention:
				df.Features = append(df.Features, domain.FacetFeature{Kind: domain.FeatureMention, DID: feat.DID})
			case typeFacetTag:
				df.Features = append(df.Features, domain.FacetFeature{Kind: domain.FeatureTag, Tag: feat.Tag})
			}
		}
		post.Facets = append(post.Facets, df)
	}
	return post
}

// missingPost covers both notFoundPost and blockedPost.
type missingPost struct {
	URI string `json:"uri"`
}

type threadViewPost struct {
	Post    postView          `json:"post"`
	Parent  json.RawMessage   `json:"parent,omitempty"`
	Replies []json.RawMessage `json:"replies,omitempty"`
}

type getPostThreadResponse struct {
	Thread json.RawMessage `json:"thread"`
}

type bookmarkView struct {
	Subject   strongRef       `json:"subject"`
	CreatedAt time.Time       `json:"createdAt"`
	Item      json.RawMessage `json:"item"`
}

type getBookmarksResponse struct {
	Cursor    string         `json:"cursor,omitempty"`
	Bookmarks []bookmarkView `json:"bookmarks"`
}

type messageView struct {
	Type   string `json:"$type"`
	ID     string `json:"id"`
	Rev    string `json:"rev"`
	Text   string `json:"text"`
	Sender struct {
		DID string `json:"did"`
	} `json:"sender"`
	SentAt time.Time `json:"sentAt"`
}

type convoView struct {
	ID          string `json:"id"`
	UnreadCount int    `json:"unreadCount"`
}

type listConvosResponse struct {
	Cursor string      `json:"cursor,omitempty"`
	Convos []convoView `json:"convos"`
}

type getMessagesResponse struct {
	Cursor   string        `json:"cursor,omitempty"`
	Messages []messageView `json:"messages"`
}

type sendMessageRequest struct {
	ConvoID string `json:"convoId"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
}

type updateReadRequest struct {
	ConvoID string `json:"convoId"`
}
