// Package pagination implements the opaque before-cursor used by listing
// endpoints. A cursor names the (created_at, id) of the last row of the
// previous page; rows strictly older than it form the next page.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors that did not come from Encode.
var ErrInvalidCursor = errors.New("pagination: invalid cursor")

// Cursor is a decoded position in a listing.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns the opaque wire form of a cursor.
func Encode(createdAt time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", createdAt.UnixNano(), id)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a wire cursor. Empty input decodes to nil, meaning "from the
// newest row".
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{
		CreatedAt: time.Unix(0, nanos).UTC(),
		ID:        parts[1],
	}, nil
}

// Page trims a limit+1 fetch down to one page. It returns the page, the
// cursor for the next one, and whether more rows exist.
func Page[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(createdAt, id), true
}
