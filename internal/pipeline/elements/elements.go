// Package elements models the DOM click-path captured alongside autocapture
// events. A raw "$elements" property is parsed into a structured chain, and
// the chain has a canonical textual encoding used by the columnar store.
package elements

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	maxTextLength = 400
	maxHrefLength = 2048
)

// Classes appear in the unquoted head of the encoding, so quote and escape
// characters cannot be represented there and are stripped.
var classSanitizer = strings.NewReplacer(`"`, "", `\`, "")

// Element is one node of the click-path, outermost target first.
type Element struct {
	TagName    string
	Text       string
	Href       string
	AttrID     string
	AttrClass  []string
	NthChild   int
	NthOfType  int
	Order      int
	Attributes map[string]string
}

// Parse converts the raw "$elements" property value (a JSON array of
// per-element attribute maps) into a structured chain. Unknown entries are
// skipped; the chain order follows the input order.
func Parse(raw any) []Element {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	chain := make([]Element, 0, len(items))
	for i, item := range items {
		attrs, ok := item.(map[string]any)
		if !ok {
			continue
		}
		el := Element{Order: i}
		if v, ok := attrs["tag_name"].(string); ok {
			el.TagName = v
		}
		if v, ok := attrs["$el_text"].(string); ok {
			el.Text = truncate(v, maxTextLength)
		} else if v, ok := attrs["text"].(string); ok {
			el.Text = truncate(v, maxTextLength)
		}
		if v, ok := attrs["attr__href"].(string); ok {
			el.Href = truncate(v, maxHrefLength)
		}
		if v, ok := attrs["attr__id"].(string); ok {
			el.AttrID = v
		}
		el.AttrClass = parseClasses(attrs["attr__class"])
		el.NthChild = parseInt(attrs["nth_child"])
		el.NthOfType = parseInt(attrs["nth_of_type"])
		for key, value := range attrs {
			if !strings.HasPrefix(key, "attr__") {
				continue
			}
			if el.Attributes == nil {
				el.Attributes = make(map[string]string)
			}
			el.Attributes[key] = fmt.Sprint(value)
		}
		chain = append(chain, el)
	}
	return chain
}

// ChainString renders the chain in its canonical textual encoding: per
// element, the tag name, the sorted classes dot-joined, then a sorted
// key="value" attribute list; elements are joined by ";". An empty chain
// encodes to "".
func ChainString(chain []Element) string {
	if len(chain) == 0 {
		return ""
	}
	parts := make([]string, 0, len(chain))
	for _, el := range chain {
		var b strings.Builder
		b.WriteString(el.TagName)
		classes := append([]string(nil), el.AttrClass...)
		sort.Strings(classes)
		for _, class := range classes {
			b.WriteByte('.')
			b.WriteString(classSanitizer.Replace(class))
		}

		attrs := map[string]string{
			"nth-child":   strconv.Itoa(el.NthChild),
			"nth-of-type": strconv.Itoa(el.NthOfType),
		}
		if el.Text != "" {
			attrs["text"] = el.Text
		}
		if el.Href != "" {
			attrs["href"] = el.Href
		}
		if el.AttrID != "" {
			attrs["attr_id"] = el.AttrID
		}
		for key, value := range el.Attributes {
			attrs[key] = value
		}

		keys := make([]string, 0, len(attrs))
		for key := range attrs {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		b.WriteByte(':')
		for _, key := range keys {
			b.WriteString(escape(key))
			b.WriteString(`="`)
			b.WriteString(escape(attrs[key]))
			b.WriteString(`"`)
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, ";")
}

// DecodeChain parses a canonical chain encoding back into elements. It is the
// inverse of ChainString up to attribute ordering and class sorting.
func DecodeChain(chain string) ([]Element, error) {
	if chain == "" {
		return nil, nil
	}
	var out []Element
	for i, encoded := range splitOutsideQuotes(chain, ';') {
		el, err := decodeElement(encoded)
		if err != nil {
			return nil, fmt.Errorf("decoding element %d: %w", i, err)
		}
		el.Order = i
		out = append(out, el)
	}
	return out, nil
}

func decodeElement(encoded string) (Element, error) {
	var el Element
	head, attrPart, found := cutOutsideQuotes(encoded, ':')
	if !found {
		return el, fmt.Errorf("missing attribute separator in %q", encoded)
	}
	headParts := strings.Split(head, ".")
	el.TagName = headParts[0]
	if len(headParts) > 1 {
		el.AttrClass = headParts[1:]
	}

	rest := attrPart
	for rest != "" {
		eq := strings.IndexByte(rest, '=')
		if eq < 0 || eq+1 >= len(rest) || rest[eq+1] != '"' {
			return el, fmt.Errorf("malformed attribute in %q", attrPart)
		}
		key := unescape(rest[:eq])
		value, remainder, err := readQuoted(rest[eq+1:])
		if err != nil {
			return el, err
		}
		rest = remainder

		switch key {
		case "text":
			el.Text = value
		case "href":
			el.Href = value
		case "attr_id":
			el.AttrID = value
		case "nth-child":
			el.NthChild, _ = strconv.Atoi(value)
		case "nth-of-type":
			el.NthOfType, _ = strconv.Atoi(value)
		default:
			if el.Attributes == nil {
				el.Attributes = make(map[string]string)
			}
			el.Attributes[key] = value
		}
	}
	return el, nil
}

// readQuoted consumes a leading `"..."` token, handling escaped quotes and
// backslashes, and returns the unescaped value plus the remainder of the
// input.
func readQuoted(s string) (string, string, error) {
	if len(s) == 0 || s[0] != '"' {
		return "", "", fmt.Errorf("expected quoted value in %q", s)
	}
	escaped := false
	for i := 1; i < len(s); i++ {
		switch {
		case escaped:
			escaped = false
		case s[i] == '\\':
			escaped = true
		case s[i] == '"':
			return unescape(s[1:i]), s[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("unterminated quoted value in %q", s)
}

func splitOutsideQuotes(s string, sep byte) []string {
	var parts []string
	start := 0
	inQuotes := false
	escaped := false
	for i := 0; i < len(s); i++ {
		switch {
		case escaped:
			escaped = false
		case s[i] == '\\':
			escaped = true
		case s[i] == '"':
			inQuotes = !inQuotes
		case s[i] == sep && !inQuotes:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

func cutOutsideQuotes(s string, sep byte) (string, string, bool) {
	inQuotes := false
	escaped := false
	for i := 0; i < len(s); i++ {
		switch {
		case escaped:
			escaped = false
		case s[i] == '\\':
			escaped = true
		case s[i] == '"':
			inQuotes = !inQuotes
		case s[i] == sep && !inQuotes:
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

// escape backslash-escapes quotes and backslashes so quoted values survive a
// decode; unescape is its inverse.
func escape(s string) string {
	if !strings.ContainsAny(s, `\"`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 2)
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' || s[i] == '"' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func parseClasses(raw any) []string {
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []any:
		classes := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				classes = append(classes, s)
			}
		}
		return classes
	default:
		return nil
	}
}

func parseInt(raw any) int {
	switch v := raw.(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

// truncate caps s at max bytes without splitting a multi-byte rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
