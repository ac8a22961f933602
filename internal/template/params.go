// Package template turns a campaign's flat variable map into the typed
// pieces a WhatsApp template send needs: ordered body parameters, a header
// variant, and URL/Flow button parameters.
//
// The variable map uses reserved key conventions carried over from the
// campaign editor: `_header_image` (and camel/snake variants) select a
// header, `_button_{N}_url` and `_flow_{N}_{field}` describe buttons, and a
// legacy top-level `cta_url` maps to a single URL button at index 0.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

type HeaderKind string

const (
	HeaderImage    HeaderKind = "image"
	HeaderVideo    HeaderKind = "video"
	HeaderDocument HeaderKind = "document"
	HeaderText     HeaderKind = "text"
)

type Header struct {
	Kind     HeaderKind
	Link     string // media headers
	Text     string // text header
	Filename string // document header only
}

type ButtonKind string

const (
	ButtonURL  ButtonKind = "url"
	ButtonFlow ButtonKind = "flow"
)

type Button struct {
	Kind   ButtonKind
	Index  int
	Text   string         // url button parameter
	Action map[string]any // flow button action
}

type Params struct {
	Body    []string
	Buttons []Button
	Header  *Header
}

var (
	urlButtonKey = regexp.MustCompile(`^_button_(\d+)_url$`)
	flowFieldKey = regexp.MustCompile(`^_flow_(\d+)_(.+)$`)
	numericKey   = regexp.MustCompile(`^\d+$`)
)

// Keys that never become body parameters even though they lack the
// underscore prefix.
var reservedBodyKeys = map[string]bool{
	"header":          true,
	"headerImage":     true,
	"header_image":    true,
	"headerVideo":     true,
	"header_video":    true,
	"headerDocument":  true,
	"header_document": true,
	"headerFilename":  true,
	"header_filename": true,
	"headerText":      true,
	"header_text":     true,
	"cta_url":         true,
}

// Derive parses the variable map once into typed parameters. Empty and
// whitespace-only values count as absent everywhere, never as an empty
// parameter.
func Derive(vars map[string]string) Params {
	return Params{
		Body:    deriveBody(vars),
		Buttons: deriveButtons(vars),
		Header:  deriveHeader(vars),
	}
}

func lookup(vars map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(vars[k]); v != "" {
			return v
		}
	}
	return ""
}

// deriveHeader resolves at most one header. First match wins: image over
// video over document over text.
func deriveHeader(vars map[string]string) *Header {
	if link := lookup(vars, "_header_image", "headerImage", "header_image"); link != "" {
		return &Header{Kind: HeaderImage, Link: link}
	}
	if link := lookup(vars, "_header_video", "headerVideo", "header_video"); link != "" {
		return &Header{Kind: HeaderVideo, Link: link}
	}
	if link := lookup(vars, "_header_document", "headerDocument", "header_document"); link != "" {
		return &Header{
			Kind:     HeaderDocument,
			Link:     link,
			Filename: lookup(vars, "_header_filename", "headerFilename", "header_filename"),
		}
	}
	if text := lookup(vars, "_header_text", "headerText", "header_text", "header"); text != "" {
		return &Header{Kind: HeaderText, Text: text}
	}
	return nil
}

// deriveBody picks the positional path when any key is a purely numeric
// string ("1", "2", ...); otherwise all non-reserved, non-underscore keys
// are taken in lexicographic order.
func deriveBody(vars map[string]string) []string {
	var numeric []string
	for k := range vars {
		if numericKey.MatchString(k) {
			numeric = append(numeric, k)
		}
	}
	if len(numeric) > 0 {
		sort.Slice(numeric, func(i, j int) bool {
			a, _ := strconv.Atoi(numeric[i])
			b, _ := strconv.Atoi(numeric[j])
			return a < b
		})
		return collect(vars, numeric)
	}

	var keys []string
	for k := range vars {
		if strings.HasPrefix(k, "_") || reservedBodyKeys[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return collect(vars, keys)
}

func collect(vars map[string]string, keys []string) []string {
	var out []string
	for _, k := range keys {
		if v := strings.TrimSpace(vars[k]); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func deriveButtons(vars map[string]string) []Button {
	var urls []Button
	flows := make(map[int]map[string]any)

	for k, raw := range vars {
		v := strings.TrimSpace(raw)
		if v == "" {
			continue
		}
		if m := urlButtonKey.FindStringSubmatch(k); m != nil {
			idx, _ := strconv.Atoi(m[1])
			urls = append(urls, Button{Kind: ButtonURL, Index: idx, Text: v})
			continue
		}
		if m := flowFieldKey.FindStringSubmatch(k); m != nil {
			idx, _ := strconv.Atoi(m[1])
			field := m[2]
			action := flows[idx]
			if action == nil {
				action = make(map[string]any)
				flows[idx] = action
			}
			switch {
			case field == "action_data":
				var parsed any
				if err := json.Unmarshal([]byte(v), &parsed); err == nil {
					action["flow_action_data"] = parsed
				} else {
					action["flow_action_data"] = v
				}
			case strings.HasPrefix(field, "flow_"):
				action[field] = v
			default:
				action["flow_"+field] = v
			}
		}
	}

	sort.Slice(urls, func(i, j int) bool { return urls[i].Index < urls[j].Index })
	buttons := urls

	flowIdx := make([]int, 0, len(flows))
	for idx := range flows {
		flowIdx = append(flowIdx, idx)
	}
	sort.Ints(flowIdx)
	for _, idx := range flowIdx {
		action := flows[idx]
		if _, ok := action["flow_token"]; !ok {
			action["flow_token"] = fmt.Sprintf("flow-%d-%d", time.Now().UnixMilli(), idx)
		}
		buttons = append(buttons, Button{Kind: ButtonFlow, Index: idx, Action: action})
	}

	// Legacy path: campaigns created before indexed button support carry a
	// single top-level cta_url.
	if v := strings.TrimSpace(vars["cta_url"]); v != "" {
		buttons = append(buttons, Button{Kind: ButtonURL, Index: 0, Text: v})
	}
	return buttons
}

// Merge overlays recipient-level variables on campaign defaults; the
// recipient wins on key collision.
func Merge(campaign, recipient map[string]string) map[string]string {
	out := make(map[string]string, len(campaign)+len(recipient))
	for k, v := range campaign {
		out[k] = v
	}
	for k, v := range recipient {
		out[k] = v
	}
	return out
}
