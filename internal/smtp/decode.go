package smtp

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/fwhy/mailhits/internal/store"
)

// decodeEmail turns the reassembled DATA payload into a stored email. The
// envelope sender and recipients always win over header addresses. Decode
// problems never drop the capture: the raw payload and the best-effort
// header scan survive even when the MIME walk fails. The received
// timestamp is assigned by the store at commit.
func decodeEmail(from string, to []string, raw []byte) *store.Email {
	email := &store.Email{
		ID:          uuid.NewString(),
		From:        from,
		To:          append([]string{}, to...),
		Headers:     parseHeaderBlock(raw),
		Attachments: []store.Attachment{},
		Raw:         raw,
		RawSize:     int64(len(raw)),
	}
	email.Subject = headerValue(email.Headers, "Subject")

	if err := decodeParts(email, raw); err != nil {
		decodeFallback(email, raw)
	}
	return email
}

// decodeParts walks the MIME structure: the first text/plain part becomes
// the text body, the first text/html part the HTML body, and everything
// with a filename or a non-display content type becomes an attachment.
func decodeParts(email *store.Email, raw []byte) error {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return err
	}
	// CreateReader tolerates unknown charsets but still returns a nil
	// reader for other lenient errors, e.g. an unknown transfer encoding.
	if reader == nil {
		return err
	}

	if subject, err := reader.Header.Subject(); err == nil && subject != "" {
		email.Subject = subject
	}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
			return err
		}
		if part == nil {
			return err
		}

		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, params, _ := header.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case mediaType == "" || strings.HasPrefix(mediaType, "text/plain"):
				if email.TextBody == "" {
					email.TextBody = string(body)
				}
			case strings.HasPrefix(mediaType, "text/html"):
				if email.HTMLBody == "" {
					email.HTMLBody = string(body)
				}
			default:
				// Inline but not displayable text, e.g. an embedded image.
				email.Attachments = append(email.Attachments, store.Attachment{
					Filename:    partFilename("", params, mediaType),
					ContentType: mediaType,
					Content:     body,
					Size:        int64(len(body)),
				})
			}
		case *mail.AttachmentHeader:
			filename, _ := header.Filename()
			mediaType, params, _ := header.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			email.Attachments = append(email.Attachments, store.Attachment{
				Filename:    partFilename(filename, params, mediaType),
				ContentType: mediaType,
				Content:     body,
				Size:        int64(len(body)),
			})
		}
	}
	return nil
}

// decodeFallback fills the body fields from the raw payload when the MIME
// walk gave up. The content type header picks between text and HTML.
func decodeFallback(email *store.Email, raw []byte) {
	body := bodySection(raw)
	if body == "" {
		return
	}
	contentType := strings.ToLower(headerValue(email.Headers, "Content-Type"))
	if strings.Contains(contentType, "text/html") {
		if email.HTMLBody == "" {
			email.HTMLBody = body
		}
		return
	}
	if email.TextBody == "" {
		email.TextBody = body
	}
}

// parseHeaderBlock scans the header section into ordered name/value pairs.
// Folded continuation lines are joined with a single space. A line without
// a colon is kept verbatim in Value so nothing is silently lost.
func parseHeaderBlock(raw []byte) []store.Header {
	headers := []store.Header{}
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			break
		}
		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && len(headers) > 0 {
			last := &headers[len(headers)-1]
			last.Value = strings.TrimSpace(last.Value + " " + strings.TrimSpace(line))
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" || strings.ContainsAny(name, " \t") {
			headers = append(headers, store.Header{Value: line})
			continue
		}
		headers = append(headers, store.Header{
			Name:  strings.TrimSpace(name),
			Value: strings.TrimSpace(value),
		})
	}
	return headers
}

// headerValue returns the first occurrence of the named header.
func headerValue(headers []store.Header, name string) string {
	for _, header := range headers {
		if strings.EqualFold(header.Name, name) {
			return header.Value
		}
	}
	return ""
}

// bodySection returns everything after the blank line separating headers
// from the body.
func bodySection(raw []byte) string {
	text := string(raw)
	if _, body, ok := strings.Cut(text, "\r\n\r\n"); ok {
		return body
	}
	if _, body, ok := strings.Cut(text, "\n\n"); ok {
		return body
	}
	return ""
}

func partFilename(filename string, params map[string]string, mediaType string) string {
	if strings.TrimSpace(filename) != "" {
		return filename
	}
	if name := params["name"]; name != "" {
		return name
	}
	if _, subtype, ok := strings.Cut(mediaType, "/"); ok && subtype != "" {
		return "attachment." + subtype
	}
	return "attachment"
}
