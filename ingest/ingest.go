// Package ingest turns raw RFC 5322 messages into item records.
package ingest

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/k3a/html2text"
	"lukechampine.com/blake3"

	"github.com/migadu/livequery/consts"
	"github.com/migadu/livequery/store"
)

// PreviewLength is the maximum number of runes kept in a preview.
const PreviewLength = 256

// MaxMessageSize bounds the bytes ParseMessage reads.
const MaxMessageSize = 64 << 20

// Message holds the parts of a mail message the store keeps.
type Message struct {
	// ID is derived from the content hash.
	ID      string
	Subject string
	From    string
	To      string
	Cc      string
	Date    time.Time
	Preview string
	Size    int64
	// HeaderOnly is set when the body could not be parsed.
	HeaderOnly bool
}

// HashContent returns the hex blake3 digest of a raw message.
func HashContent(raw []byte) string {
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ParseMessage reads a whole message from r. A body that cannot be parsed
// leaves the preview empty; a message without any readable header fails
// with consts.ErrMalformedMessage.
func ParseMessage(r io.Reader) (Message, error) {
	raw, err := io.ReadAll(io.LimitReader(r, MaxMessageSize+1))
	if err != nil {
		return Message{}, fmt.Errorf("reading message: %w", err)
	}
	if len(raw) > MaxMessageSize {
		return Message{}, fmt.Errorf("%w: larger than %d bytes", consts.ErrMalformedMessage, MaxMessageSize)
	}
	return Parse(raw)
}

// Parse is ParseMessage over a byte slice.
func Parse(raw []byte) (Message, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Message{}, fmt.Errorf("%w: empty message", consts.ErrMalformedMessage)
	}

	msg := Message{
		ID:   HashContent(raw)[:32],
		Size: int64(len(raw)),
	}

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		h, herr := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
		if herr != nil {
			return Message{}, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
		}
		msg.readHeader(mail.Header{Header: message.Header{Header: h}})
		msg.HeaderOnly = true
		return msg, nil
	}

	msg.readHeader(mail.Header{Header: entity.Header})
	preview, err := previewText(entity)
	if err != nil {
		msg.HeaderOnly = true
		return msg, nil
	}
	msg.Preview = preview
	return msg, nil
}

func (m *Message) readHeader(h mail.Header) {
	if subject, err := h.Subject(); err == nil {
		m.Subject = SanitizeUTF8(subject)
	} else {
		m.Subject = SanitizeUTF8(h.Get("Subject"))
	}
	m.From = addressList(h, "From")
	m.To = addressList(h, "To")
	m.Cc = addressList(h, "Cc")
	if date, err := h.Date(); err == nil {
		m.Date = date.UTC()
	}
}

// addressList formats a decoded address header as comma-separated
// addresses. Unparseable headers are kept as their decoded text.
func addressList(h mail.Header, key string) string {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		text, terr := h.Text(key)
		if terr != nil {
			text = h.Get(key)
		}
		return SanitizeUTF8(strings.TrimSpace(text))
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a.Name != "" {
			out = append(out, fmt.Sprintf("%s <%s>", a.Name, a.Address))
		} else {
			out = append(out, a.Address)
		}
	}
	return SanitizeUTF8(strings.Join(out, ", "))
}

// previewText returns a preview built from the first text/plain part, or
// the first text/html part when there is no plain one.
func previewText(entity *message.Entity) (string, error) {
	var plain, html *string
	err := entity.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil {
			return err
		}
		mediaType, _, _ := part.Header.ContentType()
		if mediaType == "" {
			mediaType = "text/plain"
		}
		if disp, _, _ := part.Header.ContentDisposition(); disp == "attachment" {
			return nil
		}
		switch {
		case mediaType == "text/plain" && plain == nil:
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return err
			}
			s := string(body)
			plain = &s
		case mediaType == "text/html" && html == nil:
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return err
			}
			s := string(body)
			html = &s
		}
		return nil
	})
	if err != nil && plain == nil && html == nil {
		return "", err
	}
	switch {
	case plain != nil:
		return Preview(*plain), nil
	case html != nil:
		return Preview(html2text.HTML2Text(*html)), nil
	}
	return "", nil
}

// Preview collapses whitespace and truncates text to PreviewLength runes.
func Preview(text string) string {
	text = SanitizeUTF8(text)
	var b strings.Builder
	n := 0
	space := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			space = b.Len() > 0
			continue
		}
		if space {
			if n+1 >= PreviewLength {
				break
			}
			b.WriteByte(' ')
			n++
			space = false
		}
		b.WriteRune(r)
		n++
		if n >= PreviewLength {
			break
		}
	}
	return b.String()
}

// Record builds the item record for a message in a folder. An empty id
// uses the content-derived id; a zero received time uses the Date header
// and then now.
func (m Message) Record(id, storeID, folderID string, received, now time.Time) store.Record {
	if id == "" {
		id = m.ID
	}
	if received.IsZero() {
		received = m.Date
	}
	if received.IsZero() {
		received = now
	}
	return store.Record{Collection: store.Items, ID: id, Fields: map[string]any{
		store.FieldStoreID:  storeID,
		store.FieldFolderID: folderID,
		store.FieldSubject:  m.Subject,
		store.FieldRead:     false,
		store.FieldReceived: received.UTC(),
		store.FieldModified: now.UTC(),
		store.FieldSender:   m.From,
		store.FieldTo:       m.To,
		store.FieldCc:       m.Cc,
		store.FieldPreview:  m.Preview,
		store.FieldSize:     m.Size,
	}}
}
