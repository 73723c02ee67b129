package ingest

import (
	"bytes"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/livequery/consts"
	"github.com/migadu/livequery/store"
)

func crlf(lines ...string) string {
	return strings.Join(lines, "\r\n")
}

func TestParseMessagePlainText(t *testing.T) {
	raw := crlf(
		"From: Alice Example <alice@example.com>",
		"To: bob@example.com, Carol <carol@example.com>",
		"Cc: dave@example.com",
		"Subject: =?UTF-8?Q?Caf=C3=A9_plans?=",
		"Date: Fri, 01 Mar 2024 10:00:00 +0100",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Hello   Bob,",
		"",
		"see you  at the café.",
		"",
	)

	msg, err := ParseMessage(strings.NewReader(raw))
	require.NoError(t, err)

	assert.Equal(t, "Café plans", msg.Subject)
	assert.Equal(t, "Alice Example <alice@example.com>", msg.From)
	assert.Equal(t, "bob@example.com, Carol <carol@example.com>", msg.To)
	assert.Equal(t, "dave@example.com", msg.Cc)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), msg.Date)
	assert.Equal(t, "Hello Bob, see you at the café.", msg.Preview)
	assert.Equal(t, int64(len(raw)), msg.Size)
	assert.Equal(t, HashContent([]byte(raw))[:32], msg.ID)
	assert.False(t, msg.HeaderOnly)
}

func TestParseMessagePreviewSources(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "html only",
			raw: crlf(
				"Subject: html",
				"Content-Type: text/html; charset=utf-8",
				"",
				"<html><body><p>Hello <b>World</b></p></body></html>",
			),
			want: "Hello World",
		},
		{
			name: "alternative prefers plain",
			raw: crlf(
				"Subject: alt",
				"MIME-Version: 1.0",
				`Content-Type: multipart/alternative; boundary="b1"`,
				"",
				"--b1",
				"Content-Type: text/html",
				"",
				"<p>from html</p>",
				"--b1",
				"Content-Type: text/plain",
				"",
				"from plain",
				"--b1--",
				"",
			),
			want: "from plain",
		},
		{
			name: "attachments are skipped",
			raw: crlf(
				"Subject: attach",
				"MIME-Version: 1.0",
				`Content-Type: multipart/mixed; boundary="b2"`,
				"",
				"--b2",
				"Content-Type: text/plain",
				`Content-Disposition: attachment; filename="notes.txt"`,
				"",
				"attached notes",
				"--b2",
				"Content-Type: text/plain",
				"",
				"the body",
				"--b2--",
				"",
			),
			want: "the body",
		},
		{
			name: "missing content type is plain text",
			raw:  crlf("Subject: bare", "", "just text"),
			want: "just text",
		},
		{
			name: "unknown charset keeps raw text",
			raw: crlf(
				"Subject: odd charset",
				"Content-Type: text/plain; charset=x-no-such-charset",
				"",
				"raw text",
			),
			want: "raw text",
		},
		{
			name: "no text part",
			raw: crlf(
				"Subject: image",
				"Content-Type: image/png",
				"Content-Transfer-Encoding: base64",
				"",
				"iVBORw0KGgo=",
			),
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.Preview)
		})
	}
}

func TestParseMessageRejectsEmptyInput(t *testing.T) {
	_, err := ParseMessage(bytes.NewReader(nil))
	assert.ErrorIs(t, err, consts.ErrMalformedMessage)

	_, err = Parse([]byte("  \r\n"))
	assert.ErrorIs(t, err, consts.ErrMalformedMessage)
}

func TestParseMessageIDIsContentDerived(t *testing.T) {
	a, err := Parse([]byte(crlf("Subject: a", "", "body")))
	require.NoError(t, err)
	b, err := Parse([]byte(crlf("Subject: a", "", "body")))
	require.NoError(t, err)
	c, err := Parse([]byte(crlf("Subject: a", "", "other body")))
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)
	assert.Len(t, a.ID, 32)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "a b c", Preview("  a\n\tb   c \r\n"))
	assert.Equal(t, "", Preview(" \n "))

	long := Preview(strings.Repeat("word ", 200))
	assert.LessOrEqual(t, utf8.RuneCountInString(long), PreviewLength)
	assert.False(t, strings.HasSuffix(long, " "))

	wide := Preview(strings.Repeat("é", PreviewLength+10))
	assert.Equal(t, PreviewLength, utf8.RuneCountInString(wide))
}

func TestSanitizeUTF8(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"nul\x00byte", "nulbyte"},
		{"bad\xffbyte", "badbyte"},
		{"ünïcödé", "ünïcödé"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeUTF8(tt.in), "input %q", tt.in)
	}
}

func TestMessageRecord(t *testing.T) {
	msg, err := Parse([]byte(crlf(
		"From: alice@example.com",
		"Subject: hello",
		"Date: Fri, 01 Mar 2024 10:00:00 +0000",
		"",
		"body",
	)))
	require.NoError(t, err)
	now := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	rec := msg.Record("", "store1", "inbox", time.Time{}, now)
	require.NoError(t, store.Validate(&rec))
	assert.Equal(t, msg.ID, rec.ID)
	assert.Equal(t, store.Items, rec.Collection)
	assert.Equal(t, "inbox", rec.Value(store.FieldFolderID))
	assert.Equal(t, "hello", rec.Value(store.FieldSubject))
	assert.Equal(t, "alice@example.com", rec.Value(store.FieldSender))
	assert.Equal(t, msg.Date, rec.Value(store.FieldReceived))
	assert.Equal(t, now, rec.Value(store.FieldModified))
	assert.Equal(t, false, rec.Value(store.FieldRead))

	undated, err := Parse([]byte(crlf("Subject: x", "", "y")))
	require.NoError(t, err)
	rec = undated.Record("given", "store1", "inbox", time.Time{}, now)
	assert.Equal(t, "given", rec.ID)
	assert.Equal(t, now, rec.Value(store.FieldReceived))
}
