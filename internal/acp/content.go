package acp

import (
	"encoding/json"

	"github.com/fikri2992/remote-coding-extension-sub000/internal/ws"
)

// PromptCapabilities are the prompt-content flags an agent declares at
// initialize time. Text and resource links are always allowed.
type PromptCapabilities struct {
	Image           bool `json:"image"`
	Audio           bool `json:"audio"`
	EmbeddedContext bool `json:"embeddedContext"`
}

// ContentBlock is one prompt input block. Exactly the fields for its Type are
// set; validateContentBlocks enforces shape before anything reaches the agent.
type ContentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Data     string          `json:"data,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
	URI      string          `json:"uri,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

type embeddedResource struct {
	Text     *string `json:"text"`
	Blob     *string `json:"blob"`
	MimeType string  `json:"mimeType"`
	URI      string  `json:"uri"`
}

// validateContentBlocks checks every block's shape and gates capability-bound
// block types against what the agent declared.
func validateContentBlocks(blocks []ContentBlock, caps PromptCapabilities) error {
	if len(blocks) == 0 {
		return ws.Errf(ws.KindMalformed, "prompt requires at least one content block")
	}
	for i, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text == "" {
				return ws.Errf(ws.KindMalformed, "content block %d: text block requires text", i)
			}
		case "image":
			if !caps.Image {
				return ws.Errf(ws.KindRefused, "agent does not support image content")
			}
			if b.Data == "" || b.MimeType == "" {
				return ws.Errf(ws.KindMalformed, "content block %d: image block requires data and mimeType", i)
			}
		case "audio":
			if !caps.Audio {
				return ws.Errf(ws.KindRefused, "agent does not support audio content")
			}
			if b.Data == "" || b.MimeType == "" {
				return ws.Errf(ws.KindMalformed, "content block %d: audio block requires data and mimeType", i)
			}
		case "resource_link":
			if b.URI == "" {
				return ws.Errf(ws.KindMalformed, "content block %d: resource_link requires uri", i)
			}
		case "resource":
			if !caps.EmbeddedContext {
				return ws.Errf(ws.KindRefused, "agent does not support embedded resource content")
			}
			if len(b.Resource) == 0 {
				return ws.Errf(ws.KindMalformed, "content block %d: resource block requires resource", i)
			}
			var res embeddedResource
			if err := json.Unmarshal(b.Resource, &res); err != nil {
				return ws.Errf(ws.KindMalformed, "content block %d: invalid resource: %v", i, err)
			}
			switch {
			case res.Text != nil:
				// text resource, mimeType optional
			case res.Blob != nil:
				if res.URI == "" {
					return ws.Errf(ws.KindMalformed, "content block %d: blob resource requires uri", i)
				}
			default:
				return ws.Errf(ws.KindMalformed, "content block %d: resource requires text or blob", i)
			}
		default:
			return ws.Errf(ws.KindMalformed, "content block %d: unknown type %q", i, b.Type)
		}
	}
	return nil
}
