package email

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/araddon/dateparse"
	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/text/encoding/charmap"
)

// guessedCharset is recorded for text parts whose declared charset is unknown
// and whose bytes are not valid UTF-8.
const guessedCharset = "windows-1252?"

// Decode parses raw into a DecodedMessage.
//
// which selects the 1-based text and HTML alternative exposed as TextBody and
// HTMLBody. Values below 1 select the first one, as do values beyond the
// number of alternatives.
//
// Only a message whose header cannot be parsed fails as a whole, including one
// whose header block never ends in a blank line. A part whose body cannot be
// decoded is replaced by a placeholder and listed in Failures.
func Decode(raw []byte, which int) (*DecodedMessage, error) {
	ph, err := readHeader(raw)
	if err != nil {
		return nil, err
	}
	if headerEnd(raw) < 0 {
		return nil, &MalformedMessageError{Reason: "truncated header block"}
	}
	msg := ph.msg

	d := &partDecoder{msg: msg}
	d.walk(ph.entity, ph.soft)

	msg.TextBody = pickAlternative(msg.TextBodies, which)
	msg.HTMLBody = pickAlternative(msg.HTMLBodies, which)
	return msg, nil
}

// DecodeHeader parses only the header block of raw, as returned by TOP n 0.
// The blank line ending the block may be missing.
func DecodeHeader(raw []byte) (*DecodedMessage, error) {
	ph, err := readHeader(raw)
	if err != nil {
		return nil, err
	}
	return ph.msg, nil
}

type parsedHeader struct {
	entity *gomessage.Entity
	// soft is the charset or transfer-encoding error go-message reported for
	// the root entity. It is not fatal.
	soft error
	msg  *DecodedMessage
}

func readHeader(raw []byte) (*parsedHeader, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &MalformedMessageError{Reason: "empty input"}
	}

	entity, soft := gomessage.Read(bytes.NewReader(raw))
	if soft != nil && !gomessage.IsUnknownCharset(soft) && !gomessage.IsUnknownEncoding(soft) {
		if errors.Is(soft, io.EOF) {
			return nil, &MalformedMessageError{Reason: "truncated header block"}
		}
		return nil, &MalformedMessageError{Reason: "unparseable header", Err: soft}
	}

	mediaType, params, ctErr := entity.Header.ContentType()
	if ctErr == nil && strings.HasPrefix(mediaType, "multipart/") && params["boundary"] == "" {
		return nil, &MalformedMessageError{Reason: mediaType + " without boundary"}
	}

	msg := &DecodedMessage{
		Headers:   headerMap(entity.Header),
		RawHeader: splitHeader(raw),
		Raw:       raw,
	}

	h := mail.Header{Header: entity.Header}
	msg.Subject, _ = h.Subject()
	msg.From = parseAddrs(h, "From")
	msg.To = parseAddrs(h, "To")
	msg.Cc = parseAddrs(h, "Cc")

	if date, err := h.Date(); err == nil {
		msg.Date = date
	} else if date, err := dateparse.ParseAny(h.Get("Date")); err == nil {
		msg.Date = date
	}

	if id, err := h.MessageID(); err == nil && id != "" {
		msg.MessageID = id
	} else {
		msg.MessageID = trimMsgID(h.Get("Message-Id"))
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		msg.InReplyTo = ids[0]
	} else {
		msg.InReplyTo = trimMsgID(h.Get("In-Reply-To"))
	}

	return &parsedHeader{entity: entity, soft: soft, msg: msg}, nil
}

// headerMap keeps the first value of every field, keyed canonically.
func headerMap(h gomessage.Header) map[string]string {
	out := make(map[string]string, h.Len())
	fields := h.Fields()
	for fields.Next() {
		key := fields.Key()
		if _, ok := out[key]; ok {
			continue
		}
		v, err := fields.Text()
		if err != nil {
			v = fields.Value()
		}
		out[key] = v
	}
	return out
}

func splitHeader(raw []byte) []byte {
	if i := headerEnd(raw); i >= 0 {
		return raw[:i]
	}
	return raw
}

// headerEnd returns the length of the header block of raw including its last
// line break, or -1 when no blank line ends it.
func headerEnd(raw []byte) int {
	switch {
	case bytes.HasPrefix(raw, []byte("\r\n")):
		return 0
	case bytes.HasPrefix(raw, []byte("\n")):
		return 0
	}
	for _, sep := range [][]byte{[]byte("\r\n\r\n"), []byte("\n\n")} {
		if i := bytes.Index(raw, sep); i >= 0 {
			return i + len(sep)/2
		}
	}
	return -1
}

func parseAddrs(h mail.Header, key string) []Address {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		return nil
	}
	out := make([]Address, len(list))
	for i, a := range list {
		out[i] = Address{Name: a.Name, Email: a.Address}
	}
	return out
}

// partDecoder walks an entity tree depth-first in document order.
type partDecoder struct {
	msg   *DecodedMessage
	index int
}

func (d *partDecoder) walk(e *gomessage.Entity, entErr error) {
	mediaType, _, ctErr := e.Header.ContentType()
	if ctErr == nil && strings.HasPrefix(mediaType, "multipart/") {
		d.walkMultipart(e)
		return
	}
	d.leaf(e, entErr)
}

func (d *partDecoder) walkMultipart(e *gomessage.Entity) {
	mr := e.MultipartReader()
	if mr == nil {
		return
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return
		}
		if part == nil {
			d.index++
			mediaType, _, _ := e.Header.ContentType()
			d.fail(d.index, mediaType, err)
			return
		}
		d.walk(part, err)
	}
}

type partResult struct {
	value []byte
	err   error
}

func (d *partDecoder) leaf(e *gomessage.Entity, entErr error) {
	d.index++
	idx := d.index

	mediaType, params, err := e.Header.ContentType()
	if err != nil || mediaType == "" {
		mediaType, params = "text/plain", map[string]string{"charset": "us-ascii"}
	}
	disp, _, _ := e.Header.ContentDisposition()

	body, rerr := io.ReadAll(e.Body)
	res := partResult{value: body, err: rerr}

	isText := mediaType == "text/plain" || mediaType == "text/html"
	if disp == "attachment" || !isText {
		d.attachment(idx, e, mediaType, params, entErr, res)
		return
	}

	if res.err != nil {
		d.fail(idx, mediaType, res.err)
		d.addText(mediaType, fmt.Sprintf("[undecodable part %d: %v]", idx, res.err))
		return
	}

	text, cs := d.toUTF8(res.value, params["charset"], entErr)
	d.addCharset(cs)
	d.addText(mediaType, text)
}

func (d *partDecoder) attachment(idx int, e *gomessage.Entity, mediaType string, params map[string]string, entErr error, res partResult) {
	ah := mail.AttachmentHeader{Header: e.Header}
	filename, _ := ah.Filename()

	att := Attachment{Filename: filename, ContentType: mediaType}
	if res.err != nil {
		att.Failed = true
		att.Err = res.err
		d.fail(idx, mediaType, res.err)
	} else {
		att.Data = res.value
		if strings.HasPrefix(mediaType, "text/") && gomessage.IsUnknownCharset(entErr) {
			text, _ := d.toUTF8(res.value, params["charset"], entErr)
			att.Data = []byte(text)
		}
	}
	d.msg.Attachments = append(d.msg.Attachments, att)
}

// toUTF8 returns body as text. go-message already converted known charsets;
// for unknown ones the bytes are kept when valid UTF-8 and read as
// Windows-1252 otherwise.
func (d *partDecoder) toUTF8(body []byte, declared string, entErr error) (string, string) {
	cs := strings.ToLower(declared)
	if cs == "" {
		cs = "us-ascii"
	}
	if !gomessage.IsUnknownCharset(entErr) || utf8.Valid(body) {
		return string(body), cs
	}
	out, _ := charmap.Windows1252.NewDecoder().Bytes(body)
	return string(out), guessedCharset
}

func (d *partDecoder) addText(mediaType, text string) {
	if mediaType == "text/html" {
		d.msg.HTMLBodies = append(d.msg.HTMLBodies, text)
	} else {
		d.msg.TextBodies = append(d.msg.TextBodies, text)
	}
}

func (d *partDecoder) addCharset(cs string) {
	for _, c := range d.msg.Charsets {
		if c == cs {
			return
		}
	}
	d.msg.Charsets = append(d.msg.Charsets, cs)
}

func (d *partDecoder) fail(idx int, mediaType string, err error) {
	d.msg.Failures = append(d.msg.Failures, PartFailure{Index: idx, ContentType: mediaType, Err: err})
}

func pickAlternative(list []string, which int) string {
	if len(list) == 0 {
		return ""
	}
	if which < 1 || which > len(list) {
		return list[0]
	}
	return list[which-1]
}
