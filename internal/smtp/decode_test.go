package smtp

import (
	"encoding/base64"
	"strings"
	"testing"
)

func crlf(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

func TestDecodePlainMessage(t *testing.T) {
	raw := crlf(
		"From: Alice <alice@example.test>",
		"To: bob@example.test",
		"Subject: plain greeting",
		"",
		"Hello Bob,",
		"regards.",
	)

	email := decodeEmail("alice@example.test", []string{"bob@example.test"}, raw)

	if email.ID == "" {
		t.Error("email id was not assigned")
	}
	if email.From != "alice@example.test" {
		t.Errorf("from = %q", email.From)
	}
	if email.Subject != "plain greeting" {
		t.Errorf("subject = %q", email.Subject)
	}
	if !strings.Contains(email.TextBody, "Hello Bob,") {
		t.Errorf("text body = %q", email.TextBody)
	}
	if email.HTMLBody != "" {
		t.Errorf("html body = %q, want empty", email.HTMLBody)
	}
	if string(email.Raw) != string(raw) {
		t.Error("raw payload was not preserved")
	}
	if email.RawSize != int64(len(raw)) {
		t.Errorf("raw size = %d, want %d", email.RawSize, len(raw))
	}
}

func TestDecodeEnvelopeWinsOverHeaders(t *testing.T) {
	raw := crlf(
		"From: Forged Name <forged@example.test>",
		"To: someone-else@example.test",
		"Subject: envelope test",
		"",
		"body",
	)

	email := decodeEmail("real@example.test", []string{"actual@example.test"}, raw)

	if email.From != "real@example.test" {
		t.Errorf("from = %q, want envelope sender", email.From)
	}
	if len(email.To) != 1 || email.To[0] != "actual@example.test" {
		t.Errorf("to = %v, want envelope recipients", email.To)
	}
}

func TestDecodeHeaderOrderAndDuplicates(t *testing.T) {
	raw := crlf(
		"Received: from relay-b",
		"Received: from relay-a",
		"From: a@example.test",
		"Subject: ordered",
		"",
		"body",
	)

	email := decodeEmail("a@example.test", []string{"b@example.test"}, raw)

	wantNames := []string{"Received", "Received", "From", "Subject"}
	if len(email.Headers) != len(wantNames) {
		t.Fatalf("headers = %d, want %d", len(email.Headers), len(wantNames))
	}
	for i, name := range wantNames {
		if email.Headers[i].Name != name {
			t.Errorf("headers[%d].Name = %q, want %q", i, email.Headers[i].Name, name)
		}
	}
	if email.Headers[0].Value != "from relay-b" || email.Headers[1].Value != "from relay-a" {
		t.Errorf("duplicate header order lost: %v", email.Headers[:2])
	}
}

func TestDecodeFoldedHeader(t *testing.T) {
	raw := crlf(
		"Subject: a subject",
		"\tthat continues",
		"From: a@example.test",
		"",
		"body",
	)

	email := decodeEmail("a@example.test", []string{"b@example.test"}, raw)

	if got := headerValue(email.Headers, "Subject"); got != "a subject that continues" {
		t.Errorf("folded subject = %q", got)
	}
}

func TestDecodeMalformedHeaderLineKept(t *testing.T) {
	raw := crlf(
		"From: a@example.test",
		"this line has no colon",
		"Subject: kept",
		"",
		"body",
	)

	email := decodeEmail("a@example.test", []string{"b@example.test"}, raw)

	found := false
	for _, header := range email.Headers {
		if header.Name == "" && header.Value == "this line has no colon" {
			found = true
		}
	}
	if !found {
		t.Errorf("malformed line missing from headers: %v", email.Headers)
	}
}

func TestDecodeMultipartWithAttachment(t *testing.T) {
	content := []byte("attachment payload bytes")
	raw := crlf(
		"From: a@example.test",
		"To: b@example.test",
		"Subject: multipart",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="XYZ"`,
		"",
		"--XYZ",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"the plain part",
		"--XYZ",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>the html part</p>",
		"--XYZ",
		"Content-Type: application/octet-stream",
		`Content-Disposition: attachment; filename="data.bin"`,
		"Content-Transfer-Encoding: base64",
		"",
		base64.StdEncoding.EncodeToString(content),
		"--XYZ--",
	)

	email := decodeEmail("a@example.test", []string{"b@example.test"}, raw)

	if !strings.Contains(email.TextBody, "the plain part") {
		t.Errorf("text body = %q", email.TextBody)
	}
	if !strings.Contains(email.HTMLBody, "the html part") {
		t.Errorf("html body = %q", email.HTMLBody)
	}
	if len(email.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(email.Attachments))
	}
	attachment := email.Attachments[0]
	if attachment.Filename != "data.bin" {
		t.Errorf("filename = %q", attachment.Filename)
	}
	if attachment.ContentType != "application/octet-stream" {
		t.Errorf("content type = %q", attachment.ContentType)
	}
	if string(attachment.Content) != string(content) {
		t.Errorf("content = %q, want decoded base64", attachment.Content)
	}
	if attachment.Size != int64(len(content)) {
		t.Errorf("size = %d, want %d", attachment.Size, len(content))
	}
}

func TestDecodeQuotedPrintableBody(t *testing.T) {
	raw := crlf(
		"From: a@example.test",
		"Subject: qp",
		"Content-Type: text/plain; charset=utf-8",
		"Content-Transfer-Encoding: quoted-printable",
		"",
		"caf=C3=A9",
	)

	email := decodeEmail("a@example.test", []string{"b@example.test"}, raw)

	if !strings.Contains(email.TextBody, "café") {
		t.Errorf("quoted-printable body = %q", email.TextBody)
	}
}

func TestDecodeFallbackOnBrokenMIME(t *testing.T) {
	// multipart with no boundary parameter defeats the MIME walk.
	raw := crlf(
		"From: a@example.test",
		"Subject: degraded",
		"Content-Type: multipart/mixed",
		"",
		"whatever the client sent",
	)

	email := decodeEmail("a@example.test", []string{"b@example.test"}, raw)

	if email.Subject != "degraded" {
		t.Errorf("subject = %q", email.Subject)
	}
	if !strings.Contains(email.TextBody, "whatever the client sent") {
		t.Errorf("fallback body = %q", email.TextBody)
	}
	if string(email.Raw) != string(raw) {
		t.Error("raw payload was not preserved")
	}
}

func TestDecodeUnknownTransferEncoding(t *testing.T) {
	// An unrecognized CTE must degrade to a raw capture, not fail.
	raw := crlf(
		"From: a@example.test",
		"Subject: odd encoding",
		"Content-Transfer-Encoding: uuencode",
		"",
		"begin 644 cat.txt",
		"end",
	)

	email := decodeEmail("a@example.test", []string{"b@example.test"}, raw)

	if email.Subject != "odd encoding" {
		t.Errorf("subject = %q", email.Subject)
	}
	if !strings.Contains(email.TextBody, "begin 644 cat.txt") {
		t.Errorf("fallback body = %q", email.TextBody)
	}
	if string(email.Raw) != string(raw) {
		t.Error("raw payload was not preserved")
	}
}

func TestDecodeFallbackHTMLContentType(t *testing.T) {
	raw := crlf(
		"From: a@example.test",
		"Subject: degraded html",
		"Content-Type: text/html; boundary",
		"",
		"<p>hi</p>",
	)

	email := decodeEmail("a@example.test", []string{"b@example.test"}, raw)

	if email.TextBody != "" && email.HTMLBody == "" {
		t.Errorf("html fallback landed in text body: %q", email.TextBody)
	}
}

func TestPartFilename(t *testing.T) {
	tests := []struct {
		name      string
		filename  string
		params    map[string]string
		mediaType string
		want      string
	}{
		{"explicit", "a.txt", nil, "text/plain", "a.txt"},
		{"from params", "", map[string]string{"name": "b.bin"}, "application/octet-stream", "b.bin"},
		{"from subtype", "", nil, "image/png", "attachment.png"},
		{"bare", "", nil, "", "attachment"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := partFilename(tt.filename, tt.params, tt.mediaType); got != tt.want {
				t.Errorf("partFilename = %q, want %q", got, tt.want)
			}
		})
	}
}
