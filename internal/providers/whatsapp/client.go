package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"wacast/internal/template"
)

type Client struct {
	AccessToken   string
	PhoneNumberID string
	HTTP          *http.Client

	BaseURL    string
	APIVersion string
}

type SendRequest struct {
	To           string
	TemplateName string
	LanguageCode string
	Params       template.Params
}

type SendResponse struct {
	MessagingProduct string        `json:"messaging_product"`
	Messages         []SentMessage `json:"messages"`
}

type SentMessage struct {
	ID string `json:"id"`
}

// MessageID is the provider message id ("wamid...") of the accepted send.
func (r SendResponse) MessageID() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[0].ID
}

type sendPayload struct {
	MessagingProduct string          `json:"messaging_product"`
	RecipientType    string          `json:"recipient_type"`
	To               string          `json:"to"`
	Type             string          `json:"type"`
	Template         templatePayload `json:"template"`
}

type templatePayload struct {
	Name       string      `json:"name"`
	Language   language    `json:"language"`
	Components []component `json:"components,omitempty"`
}

type language struct {
	Code string `json:"code"`
}

type component struct {
	Type       string      `json:"type"`
	SubType    string      `json:"sub_type,omitempty"`
	Index      string      `json:"index,omitempty"`
	Parameters []parameter `json:"parameters,omitempty"`
}

type parameter struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	Image    *media         `json:"image,omitempty"`
	Video    *media         `json:"video,omitempty"`
	Document *media         `json:"document,omitempty"`
	Action   map[string]any `json:"action,omitempty"`
}

type media struct {
	Link     string `json:"link"`
	Filename string `json:"filename,omitempty"`
}

type errorEnvelope struct {
	Error *APIError `json:"error"`
}

func (c *Client) SendTemplate(ctx context.Context, req SendRequest) (SendResponse, int, []byte, error) {
	payload := sendPayload{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               req.To,
		Type:             "template",
		Template: templatePayload{
			Name:       req.TemplateName,
			Language:   language{Code: req.LanguageCode},
			Components: Components(req.Params),
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return SendResponse{}, 0, nil, err
	}

	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://graph.facebook.com"
	}
	version := c.APIVersion
	if version == "" {
		version = "v19.0"
	}
	endpoint := baseURL + "/" + version + "/" + c.PhoneNumberID + "/messages"

	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.AccessToken)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return SendResponse{}, 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var env errorEnvelope
		_ = json.Unmarshal(b, &env)
		if env.Error != nil {
			return SendResponse{}, resp.StatusCode, b, env.Error
		}
		return SendResponse{}, resp.StatusCode, b, errors.New("whatsapp send failed")
	}

	var out SendResponse
	_ = json.Unmarshal(b, &out)
	return out, resp.StatusCode, b, nil
}

// Components assembles the request-body fragments for a template call from
// the derived parameters.
func Components(p template.Params) []component {
	var comps []component

	if h := p.Header; h != nil {
		var param parameter
		switch h.Kind {
		case template.HeaderImage:
			param = parameter{Type: "image", Image: &media{Link: h.Link}}
		case template.HeaderVideo:
			param = parameter{Type: "video", Video: &media{Link: h.Link}}
		case template.HeaderDocument:
			param = parameter{Type: "document", Document: &media{Link: h.Link, Filename: h.Filename}}
		case template.HeaderText:
			param = parameter{Type: "text", Text: h.Text}
		}
		comps = append(comps, component{Type: "header", Parameters: []parameter{param}})
	}

	if len(p.Body) > 0 {
		params := make([]parameter, 0, len(p.Body))
		for _, v := range p.Body {
			params = append(params, parameter{Type: "text", Text: v})
		}
		comps = append(comps, component{Type: "body", Parameters: params})
	}

	for _, b := range p.Buttons {
		switch b.Kind {
		case template.ButtonURL:
			comps = append(comps, component{
				Type:       "button",
				SubType:    "url",
				Index:      strconv.Itoa(b.Index),
				Parameters: []parameter{{Type: "text", Text: b.Text}},
			})
		case template.ButtonFlow:
			comps = append(comps, component{
				Type:       "button",
				SubType:    "flow",
				Index:      strconv.Itoa(b.Index),
				Parameters: []parameter{{Type: "action", Action: b.Action}},
			})
		}
	}
	return comps
}
