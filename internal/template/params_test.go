package template

import (
	"reflect"
	"strings"
	"testing"
)

func TestDeriveBodyNumericKeysWin(t *testing.T) {
	p := Derive(map[string]string{"2": "b", "1": "a", "foo": "ignored"})
	if !reflect.DeepEqual(p.Body, []string{"a", "b"}) {
		t.Fatalf("expected [a b], got %v", p.Body)
	}
}

func TestDeriveBodyNumericSortIsNumeric(t *testing.T) {
	p := Derive(map[string]string{"10": "ten", "2": "two", "1": "one"})
	if !reflect.DeepEqual(p.Body, []string{"one", "two", "ten"}) {
		t.Fatalf("expected numeric ascending order, got %v", p.Body)
	}
}

func TestDeriveBodyLexicographicFallback(t *testing.T) {
	p := Derive(map[string]string{"zeta": "z", "alpha": "a"})
	if !reflect.DeepEqual(p.Body, []string{"a", "z"}) {
		t.Fatalf("expected [a z], got %v", p.Body)
	}
}

func TestDeriveBodyDropsEmptyValues(t *testing.T) {
	p := Derive(map[string]string{"a": "x", "b": "   ", "c": ""})
	if !reflect.DeepEqual(p.Body, []string{"x"}) {
		t.Fatalf("expected empty values dropped, got %v", p.Body)
	}
}

func TestDeriveBodySkipsReservedAndUnderscoreKeys(t *testing.T) {
	p := Derive(map[string]string{
		"name":          "Alice",
		"header":        "not a body param",
		"cta_url":       "http://x",
		"_button_0_url": "http://y",
	})
	if !reflect.DeepEqual(p.Body, []string{"Alice"}) {
		t.Fatalf("expected only [Alice], got %v", p.Body)
	}
}

func TestDeriveHeaderPriority(t *testing.T) {
	p := Derive(map[string]string{
		"_header_image": "http://x/img.png",
		"_header_text":  "hi",
	})
	if p.Header == nil || p.Header.Kind != HeaderImage || p.Header.Link != "http://x/img.png" {
		t.Fatalf("expected image header to win, got %+v", p.Header)
	}
}

func TestDeriveHeaderVariants(t *testing.T) {
	cases := []struct {
		name string
		vars map[string]string
		kind HeaderKind
	}{
		{"camel image", map[string]string{"headerImage": "http://x/i.png"}, HeaderImage},
		{"snake video", map[string]string{"header_video": "http://x/v.mp4"}, HeaderVideo},
		{"document", map[string]string{"_header_document": "http://x/d.pdf"}, HeaderDocument},
		{"bare header text", map[string]string{"header": "hello"}, HeaderText},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := Derive(tc.vars)
			if p.Header == nil || p.Header.Kind != tc.kind {
				t.Fatalf("expected %s header, got %+v", tc.kind, p.Header)
			}
		})
	}
}

func TestDeriveHeaderDocumentFilename(t *testing.T) {
	p := Derive(map[string]string{
		"_header_document": "http://x/statement.pdf",
		"_header_filename": "statement.pdf",
	})
	if p.Header == nil || p.Header.Kind != HeaderDocument || p.Header.Filename != "statement.pdf" {
		t.Fatalf("expected document header with filename, got %+v", p.Header)
	}
}

func TestDeriveHeaderAbsent(t *testing.T) {
	p := Derive(map[string]string{"name": "x", "_header_image": "  "})
	if p.Header != nil {
		t.Fatalf("expected no header, got %+v", p.Header)
	}
}

func TestDeriveURLButtonsOrdered(t *testing.T) {
	p := Derive(map[string]string{
		"_button_1_url": "http://x",
		"_button_0_url": "http://y",
	})
	if len(p.Buttons) != 2 {
		t.Fatalf("expected 2 buttons, got %d", len(p.Buttons))
	}
	if p.Buttons[0].Index != 0 || p.Buttons[0].Text != "http://y" {
		t.Fatalf("expected index 0 first, got %+v", p.Buttons[0])
	}
	if p.Buttons[1].Index != 1 || p.Buttons[1].Text != "http://x" {
		t.Fatalf("expected index 1 second, got %+v", p.Buttons[1])
	}
}

func TestDeriveFlowButton(t *testing.T) {
	p := Derive(map[string]string{
		"_flow_0_token":       "tok-1",
		"_flow_0_action_data": `{"screen":"WELCOME"}`,
		"_flow_0_id":          "1234",
	})
	if len(p.Buttons) != 1 || p.Buttons[0].Kind != ButtonFlow {
		t.Fatalf("expected one flow button, got %+v", p.Buttons)
	}
	action := p.Buttons[0].Action
	if action["flow_token"] != "tok-1" {
		t.Fatalf("expected flow_token tok-1, got %v", action["flow_token"])
	}
	if action["flow_id"] != "1234" {
		t.Fatalf("expected flow_id 1234, got %v", action["flow_id"])
	}
	data, ok := action["flow_action_data"].(map[string]any)
	if !ok || data["screen"] != "WELCOME" {
		t.Fatalf("expected parsed action data, got %v", action["flow_action_data"])
	}
}

func TestDeriveFlowActionDataParseFallback(t *testing.T) {
	p := Derive(map[string]string{"_flow_0_action_data": "not-json"})
	if len(p.Buttons) != 1 {
		t.Fatalf("expected one button, got %d", len(p.Buttons))
	}
	if p.Buttons[0].Action["flow_action_data"] != "not-json" {
		t.Fatalf("expected raw string fallback, got %v", p.Buttons[0].Action["flow_action_data"])
	}
}

func TestDeriveFlowTokenSynthesized(t *testing.T) {
	p := Derive(map[string]string{"_flow_2_action_data": `{"a":1}`})
	tok, ok := p.Buttons[0].Action["flow_token"].(string)
	if !ok || !strings.HasPrefix(tok, "flow-") || !strings.HasSuffix(tok, "-2") {
		t.Fatalf("expected synthesized flow token for index 2, got %v", tok)
	}
}

func TestDeriveFlowButtonsAfterURLButtons(t *testing.T) {
	p := Derive(map[string]string{
		"_flow_0_token": "tok",
		"_button_0_url": "http://x",
	})
	if len(p.Buttons) != 2 || p.Buttons[0].Kind != ButtonURL || p.Buttons[1].Kind != ButtonFlow {
		t.Fatalf("expected url button before flow button, got %+v", p.Buttons)
	}
}

func TestDeriveLegacyCTAURLAppended(t *testing.T) {
	p := Derive(map[string]string{
		"cta_url":       "http://legacy",
		"_button_1_url": "http://x",
	})
	if len(p.Buttons) != 2 {
		t.Fatalf("expected 2 buttons, got %d", len(p.Buttons))
	}
	last := p.Buttons[len(p.Buttons)-1]
	if last.Kind != ButtonURL || last.Index != 0 || last.Text != "http://legacy" {
		t.Fatalf("expected legacy cta_url appended at index 0, got %+v", last)
	}
}

func TestMergeRecipientWins(t *testing.T) {
	merged := Merge(map[string]string{"a": "1", "b": "2"}, map[string]string{"b": "3"})
	if merged["a"] != "1" || merged["b"] != "3" {
		t.Fatalf("unexpected merge result: %v", merged)
	}
}
