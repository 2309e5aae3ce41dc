package domain

import "time"

// BookmarkItem is the hydrated subject of a bookmark. It is one of
// BookmarkPost, BookmarkBlocked or BookmarkNotFound.
type BookmarkItem interface {
	bookmarkItem()
}

// BookmarkPost is a bookmark whose post is visible.
type BookmarkPost struct {
	Post Post
}

// BookmarkBlocked is a bookmark whose post is hidden by a block.
type BookmarkBlocked struct {
	URI string
}

// BookmarkNotFound is a bookmark whose post was deleted or never existed.
type BookmarkNotFound struct {
	URI string
}

func (BookmarkPost) bookmarkItem()     {}
func (BookmarkBlocked) bookmarkItem()  {}
func (BookmarkNotFound) bookmarkItem() {}

// Bookmark is a saved reference to a post.
type Bookmark struct {
	Subject   StrongRef
	CreatedAt time.Time
	Item      BookmarkItem
}

// BookmarkPage is one page of a bookmark listing. Cursor is empty when there
// are no further pages.
type BookmarkPage struct {
	Bookmarks []Bookmark
	Cursor    string
}
