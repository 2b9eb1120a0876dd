package timeline

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/user/gopherline/internal/types"
)

var ErrInvalidPageToken = errors.New("invalid page token")

// QueryOptions selects a page of the visible timeline. A zero Limit returns
// everything after PageToken; an empty Types matches every kind.
type QueryOptions struct {
	Limit     int
	PageToken string
	Types     []types.ItemKind
}

// Query returns one page of the visible timeline. TotalCount counts every
// visible item matching Types.
func (e *Engine) Query(q QueryOptions) (types.TimelinePage, error) {
	offset, err := decodePageToken(q.PageToken)
	if err != nil {
		return types.TimelinePage{}, err
	}

	e.mu.RLock()
	matched := filterKinds(e.st.view.visible, q.Types)
	e.mu.RUnlock()

	page := types.TimelinePage{TotalCount: len(matched)}
	if offset >= len(matched) {
		page.Items = []types.TimelineItem{}
		return page, nil
	}
	end := len(matched)
	if q.Limit > 0 && offset+q.Limit < end {
		end = offset + q.Limit
		page.NextPageToken = EncodePageToken(end)
	}
	page.Items = cloneItems(matched[offset:end])
	return page, nil
}

func filterKinds(items []types.TimelineItem, kinds []types.ItemKind) []types.TimelineItem {
	if len(kinds) == 0 {
		return items
	}
	want := make(map[types.ItemKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	out := make([]types.TimelineItem, 0, len(items))
	for _, it := range items {
		if want[it.Kind] {
			out = append(out, it)
		}
	}
	return out
}

// EncodePageToken renders an offset as an opaque token.
func EncodePageToken(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte("o:" + strconv.Itoa(offset)))
}

func decodePageToken(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("decode page token: %w", ErrInvalidPageToken)
	}
	s, ok := strings.CutPrefix(string(raw), "o:")
	if !ok {
		return 0, fmt.Errorf("decode page token %q: %w", token, ErrInvalidPageToken)
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("decode page token %q: %w", token, ErrInvalidPageToken)
	}
	return n, nil
}

// ParseKinds parses a comma-separated list of item kinds.
func ParseKinds(s string) ([]types.ItemKind, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var kinds []types.ItemKind
	for _, part := range strings.Split(s, ",") {
		k := types.ItemKind(strings.TrimSpace(part))
		switch k {
		case types.KindMessage, types.KindToolExecution, types.KindPermissionRequest:
			kinds = append(kinds, k)
		default:
			return nil, fmt.Errorf("unknown item type %q", part)
		}
	}
	return kinds, nil
}
