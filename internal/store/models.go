package store

import "time"

// Email is a single captured message. Once inserted it is never modified;
// Delete and Clear are the only ways it leaves the store.
type Email struct {
	ID          string       `json:"id"`
	From        string       `json:"from"`
	To          []string     `json:"to"`
	Subject     string       `json:"subject"`
	TextBody    string       `json:"textBody,omitempty"`
	HTMLBody    string       `json:"htmlBody,omitempty"`
	Headers     []Header     `json:"headers"`
	Attachments []Attachment `json:"attachments"`
	Raw         []byte       `json:"-"`
	RawSize     int64        `json:"rawSize"`
	ReceivedAt  time.Time    `json:"receivedAt"`
}

// Header is one header line. A name may repeat; all occurrences are kept in
// the order they appeared in the message. A line that could not be parsed
// keeps its raw text in Value with an empty Name.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Attachment holds a decoded attachment. Content is populated by the
// decoder and by GetAttachment; listing endpoints carry metadata only.
type Attachment struct {
	ID          int64  `json:"id"`
	EmailID     string `json:"-"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"-"`
	Size        int64  `json:"size"`
}

// HasAttachments reports whether the email carries at least one attachment.
func (e *Email) HasAttachments() bool {
	return len(e.Attachments) > 0
}
