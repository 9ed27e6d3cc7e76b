// Package helpers contains message decoding and small shared utilities.
package helpers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"

	"github.com/pulsarmail/pulsar/consts"
	"github.com/pulsarmail/pulsar/logger"
)

// ParsedMessage is the structured form of a raw message byte stream:
// envelope display strings, bodies, the ordered header list and decoded
// attachments.
type ParsedMessage struct {
	MessageID   string
	From        string
	To          string
	Subject     string
	TextBody    string
	HTMLBody    string
	Headers     []HeaderField
	Attachments []ParsedAttachment
}

// HeaderField is a single header in wire order. Repeated headers appear as
// repeated entries.
type HeaderField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ParsedAttachment is a decoded attachment part. Content is the
// transfer-decoded payload; Size is its byte length.
type ParsedAttachment struct {
	Filename    string
	ContentType string
	Size        int64
	Content     []byte
}

// ParseMessage decodes a raw RFC 5322 message into its structured parts.
// Unknown charsets degrade gracefully; structurally malformed messages are
// rejected with consts.ErrMalformedMessage.
func ParseMessage(raw []byte) (*ParsedMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		if !message.IsUnknownCharset(err) || mr == nil {
			return nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
		}
		logger.Debug("unknown charset in message header", "error", err)
	}
	defer mr.Close()

	parsed := &ParsedMessage{
		From:    headerText(&mr.Header, "From"),
		To:      headerText(&mr.Header, "To"),
		Headers: collectHeaders(&mr.Header),
	}
	if subject, err := mr.Header.Subject(); err == nil {
		parsed.Subject = subject
	} else {
		parsed.Subject = mr.Header.Get("Subject")
	}
	if messageID, err := mr.Header.MessageID(); err == nil {
		parsed.MessageID = messageID
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				logger.Debug("skipping part with unknown charset", "error", err)
				if part == nil {
					continue
				}
			} else {
				return nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
			}
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				return nil, fmt.Errorf("%w: reading body part: %v", consts.ErrMalformedMessage, readErr)
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				if parsed.TextBody == "" {
					parsed.TextBody = string(body)
				}
			case strings.HasPrefix(contentType, "text/html"):
				if parsed.HTMLBody == "" {
					parsed.HTMLBody = string(body)
				}
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			if filename == "" {
				filename = "untitled"
			}
			contentType, _, _ := h.ContentType()
			content, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				return nil, fmt.Errorf("%w: reading attachment %q: %v", consts.ErrMalformedMessage, filename, readErr)
			}
			parsed.Attachments = append(parsed.Attachments, ParsedAttachment{
				Filename:    filename,
				ContentType: contentType,
				Size:        int64(len(content)),
				Content:     content,
			})
		}
	}

	// HTML-only messages still get a plain-text rendering for listing and
	// search surfaces.
	if parsed.TextBody == "" && parsed.HTMLBody != "" {
		parsed.TextBody = html2text.HTML2Text(parsed.HTMLBody)
	}

	return parsed, nil
}

// HeadersJSON serializes the ordered header list. Always returns valid JSON.
func (m *ParsedMessage) HeadersJSON() string {
	headers := m.Headers
	if headers == nil {
		headers = []HeaderField{}
	}
	out, err := json.Marshal(headers)
	if err != nil {
		logger.Warn("failed to serialize headers", "error", err)
		return "[]"
	}
	return string(out)
}

// headerText returns the decoded value for key, falling back to the raw
// value when decoding fails.
func headerText(h *mail.Header, key string) string {
	if text, err := h.Text(key); err == nil {
		return text
	}
	return h.Get(key)
}

// collectHeaders extracts all header fields in wire order. The go-message
// iterator yields fields newest-first, so the collected list is reversed.
func collectHeaders(h *mail.Header) []HeaderField {
	var headers []HeaderField
	fields := h.Fields()
	for fields.Next() {
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		headers = append(headers, HeaderField{Name: fields.Key(), Value: value})
	}
	for i, j := 0, len(headers)-1; i < j; i, j = i+1, j-1 {
		headers[i], headers[j] = headers[j], headers[i]
	}
	return headers
}
