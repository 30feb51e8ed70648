package relaymail

import (
	"strings"
)

// Header is one raw message header in provider order.
type Header struct {
	Name  string
	Value string
}

// Part is a provider-neutral MIME node. A leaf carries Data (already decoded)
// or an AttachmentID for lazily fetched bytes; a multipart node carries
// Children in document order.
type Part struct {
	MimeType     string
	Filename     string
	Headers      []Header
	Data         []byte
	AttachmentID string
	Size         int64
	Children     []*Part
}

func (p *Part) IsMultipart() bool {
	return p != nil && len(p.Children) > 0
}

// mediaType returns the lower-cased type/subtype without parameters.
func (p *Part) mediaType() string {
	mt, _, _ := strings.Cut(p.MimeType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

// ExtractHeaders flattens headers into a map keyed by lower-case name. On
// duplicate names the last one wins.
func ExtractHeaders(headers []Header) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[strings.ToLower(strings.TrimSpace(h.Name))] = h.Value
	}
	return out
}

// ExtractBody walks the tree depth-first, left to right. The first text/plain
// leaf wins; otherwise the first text/html leaf. Leaves with a filename are
// attachments and never become the body.
func ExtractBody(root *Part) string {
	if plain, ok := findLeaf(root, "text/plain"); ok {
		return string(plain.Data)
	}
	if html, ok := findLeaf(root, "text/html"); ok {
		return string(html.Data)
	}
	return ""
}

// extractHTML returns the first text/html leaf, used for snippet fallback.
func extractHTML(root *Part) string {
	if html, ok := findLeaf(root, "text/html"); ok {
		return string(html.Data)
	}
	return ""
}

func findLeaf(root *Part, mediaType string) (*Part, bool) {
	if root == nil {
		return nil, false
	}
	if root.IsMultipart() {
		for _, child := range root.Children {
			if found, ok := findLeaf(child, mediaType); ok {
				return found, true
			}
		}
		return nil, false
	}
	if root.Filename != "" {
		return nil, false
	}
	if root.mediaType() == mediaType {
		return root, true
	}
	return nil, false
}

// AttachmentInfo describes one attachment. An empty AttachmentID means the
// bytes cannot be fetched; the entry stays in metadata but is never
// downloaded.
type AttachmentInfo struct {
	Filename           string `json:"filename"`
	MimeType           string `json:"mimeType"`
	Size               int64  `json:"size"`
	AttachmentID       string `json:"attachmentId,omitempty"`
	DownloadedFilename string `json:"downloadedFilename,omitempty"`
	LocalPath          string `json:"localPath,omitempty"`
}

// ExtractAttachments collects every part with a non-empty filename, at any
// depth, in depth-first order.
func ExtractAttachments(root *Part) []AttachmentInfo {
	var out []AttachmentInfo
	var walk func(p *Part)
	walk = func(p *Part) {
		if p == nil {
			return
		}
		if p.Filename != "" {
			out = append(out, AttachmentInfo{
				Filename:     p.Filename,
				MimeType:     p.MimeType,
				Size:         p.Size,
				AttachmentID: p.AttachmentID,
			})
		}
		for _, child := range p.Children {
			walk(child)
		}
	}
	walk(root)
	return out
}
