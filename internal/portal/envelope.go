package portal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Hezlepinc/lead-ingestor/internal/model"
)

// Known listing envelopes, tried in order. A bare JSON array is accepted
// as well, and a wrapper may hold another wrapper one level down
// (e.g. {"data":{"pagedResults":[...]}}).
var envelopeKeys = []string{"pagedResults", "items", "data", "results"}

var (
	idFields      = []string{"opportunityId", "OpportunityId", "opportunityID", "id", "Id"}
	createdFields = []string{"dateCreated", "DateCreated", "createdAt", "CreatedAt"}
	statusFields  = []string{"status", "Status", "state"}
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// Normalize flattens a listing response into feed items. Entries without
// an id are counted in skipped and dropped; the rest of the batch survives.
func Normalize(body []byte) (items []model.FeedItem, skipped int, err error) {
	rows, err := unwrap(bytes.TrimSpace(body), 2)
	if err != nil {
		return nil, 0, err
	}
	items = make([]model.FeedItem, 0, len(rows))
	for _, row := range rows {
		it, ok := parseItem(row)
		if !ok {
			skipped++
			continue
		}
		items = append(items, it)
	}
	return items, skipped, nil
}

func unwrap(body []byte, depth int) ([]json.RawMessage, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("empty listing")
	}
	switch body[0] {
	case '[':
		var rows []json.RawMessage
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("decode listing: %w", err)
		}
		return rows, nil
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(body, &obj); err != nil {
			return nil, fmt.Errorf("decode listing: %w", err)
		}
		if depth == 0 {
			break
		}
		for _, k := range envelopeKeys {
			inner, ok := obj[k]
			if !ok || isNull(inner) {
				continue
			}
			return unwrap(bytes.TrimSpace(inner), depth-1)
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unrecognised listing envelope")
}

func parseItem(raw json.RawMessage) (model.FeedItem, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return model.FeedItem{}, false
	}
	id := scalar(first(obj, idFields))
	if id == "" {
		return model.FeedItem{}, false
	}
	return model.FeedItem{
		OpportunityID: id,
		Status:        scalar(first(obj, statusFields)),
		CreatedAt:     parseTime(scalar(first(obj, createdFields))),
		Raw:           raw,
	}, true
}

func first(obj map[string]json.RawMessage, keys []string) json.RawMessage {
	for _, k := range keys {
		if v, ok := obj[k]; ok && !isNull(v) {
			return v
		}
	}
	return nil
}

// scalar renders a JSON string or number as a string.
func scalar(v json.RawMessage) string {
	if len(v) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(v, &s) == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if json.Unmarshal(v, &n) == nil {
		return n.String()
	}
	return ""
}

func isNull(v json.RawMessage) bool {
	return len(v) == 0 || string(bytes.TrimSpace(v)) == "null"
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms)
	}
	return time.Time{}
}

// SortNewestFirst orders items by creation time, newest first. Items
// without a timestamp go last, in listing order.
func SortNewestFirst(items []model.FeedItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].CreatedAt, items[j].CreatedAt
		if a.IsZero() != b.IsZero() {
			return !a.IsZero()
		}
		return a.After(b)
	})
}

// OpportunityID extracts an id from an item object or a bare string or
// number. It returns "" when none is present.
func OpportunityID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var obj map[string]json.RawMessage
		if json.Unmarshal(raw, &obj) != nil {
			return ""
		}
		return scalar(first(obj, idFields))
	}
	return scalar(raw)
}
