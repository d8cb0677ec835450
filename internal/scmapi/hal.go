package scmapi

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"time"
)

// halLink is one HAL link. SCM-Manager renders most links as {"href": ...} objects
// and some as arrays of them; plain strings are accepted too.
type halLink struct {
	Href string
}

func (l *halLink) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	switch trimmed[0] {
	case '"':
		return json.Unmarshal(trimmed, &l.Href)
	case '[':
		var many []struct {
			Href string `json:"href"`
		}
		if err := json.Unmarshal(trimmed, &many); err != nil {
			return err
		}
		for _, candidate := range many {
			if candidate.Href != "" {
				l.Href = candidate.Href
				return nil
			}
		}
		return nil
	default:
		var single struct {
			Href string `json:"href"`
		}
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return err
		}
		l.Href = single.Href
		return nil
	}
}

type halLinks map[string]halLink

// first returns the href of the first present key.
func (l halLinks) first(keys ...string) string {
	for _, key := range keys {
		if link, ok := l[key]; ok && link.Href != "" {
			return link.Href
		}
	}
	return ""
}

type halPage struct {
	Embedded  map[string]json.RawMessage `json:"_embedded"`
	Links     halLinks                   `json:"_links"`
	Page      int                        `json:"page"`
	PageTotal *int                       `json:"pageTotal"`
}

func (p halPage) hasNext(page int) bool {
	if _, ok := p.Links["next"]; ok {
		return true
	}
	return p.PageTotal != nil && page+1 < *p.PageTotal
}

// embeddedKey picks the collection key: the first preferred key present, otherwise
// the alphabetically first embedded key.
func (p halPage) embeddedKey(preferred ...string) string {
	for _, key := range preferred {
		if _, ok := p.Embedded[key]; ok {
			return key
		}
	}
	fallback := ""
	for key := range p.Embedded {
		if fallback == "" || key < fallback {
			fallback = key
		}
	}
	return fallback
}

// flexibleTime accepts ISO-8601 strings and epoch seconds or milliseconds.
type flexibleTime struct {
	time.Time
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

func (t *flexibleTime) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	if trimmed[0] == '"' {
		var raw string
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil
		}
		t.Time = parseISOTime(raw)
		return nil
	}

	var number float64
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return nil
	}
	t.Time = epochTime(number)
	return nil
}

func parseISOTime(raw string) time.Time {
	value := strings.TrimSpace(raw)
	for _, layout := range isoLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}

// epochTime treats values above 1e10 as milliseconds.
func epochTime(value float64) time.Time {
	if value <= 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return time.Time{}
	}
	if value > 1e10 {
		return time.UnixMilli(int64(value)).UTC()
	}
	sec, frac := math.Modf(value)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func firstTime(values ...flexibleTime) time.Time {
	for _, value := range values {
		if !value.IsZero() {
			return value.Time
		}
	}
	return time.Time{}
}
