package email

import (
	"time"
)

// Address represents an email address
type Address struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// String formats the address as `Name <email>`, or just the email when there
// is no display name.
func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return a.Name + " <" + a.Email + ">"
}

// OutgoingMessage is a message to be encoded and sent.
type OutgoingMessage struct {
	// From is filled from the account username by MailServer when nil and
	// auto-fill is enabled.
	From    *Address
	To      []Address
	Cc      []Address
	Bcc     []Address // never written to the headers
	Subject string

	TextBody string
	HTMLBody string

	Attachments []AttachmentPath
	InReplyTo   string
	References  []string

	// Headers holds additional header fields.
	Headers map[string]string
}

// AttachmentPath references a file attachment. When Data is non-nil it is
// used instead of reading Path.
type AttachmentPath struct {
	Filename string
	Path     string
	Data     []byte
}

// DecodedMessage is the canonical record of a parsed message.
type DecodedMessage struct {
	// ID is the POP3 message number, 0 when not read from a mailbox.
	ID int

	Headers   map[string]string
	Subject   string
	From      []Address
	To        []Address
	Cc        []Address
	Date      time.Time
	MessageID string
	InReplyTo string

	TextBody   string
	HTMLBody   string
	TextBodies []string
	HTMLBodies []string

	Attachments []Attachment
	Failures    []PartFailure
	Charsets    []string

	RawHeader []byte
	Raw       []byte
}

// Attachment is a decoded attachment part. A part whose body could not be
// decoded keeps its metadata and sets Failed.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
	Failed      bool
	Err         error
}

// PartFailure records a part that could not be decoded.
type PartFailure struct {
	Index       int
	ContentType string
	Err         error
}

// NamedData is a filename and its content.
type NamedData struct {
	Filename string
	Data     []byte
}

// MailInfo describes one message in the POP3 maildrop.
type MailInfo struct {
	Index int
	Size  int
	UID   string
	// Seen reports that this handle already retrieved the message during the
	// current POP3 session.
	Seen bool
}

// MailFilter selects messages for GetMails. Zero values do not filter.
type MailFilter struct {
	Subject string
	Sender  string
	After   time.Time
	Before  time.Time
	// Start and End bound the message numbers scanned (inclusive).
	Start int
	End   int
}
