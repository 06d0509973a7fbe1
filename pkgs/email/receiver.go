package email

// MailReceiver is the read side of a MailServer. Callers that only list,
// fetch and delete messages depend on this instead of the concrete type.
type MailReceiver interface {
	// Stat returns the message count and mailbox size in octets.
	Stat() (count, size int, err error)

	// GetMail retrieves and decodes the message with 1-based number which.
	GetMail(which int) (*DecodedMessage, error)

	// GetRaw retrieves the unparsed bytes of a message.
	GetRaw(which int) ([]byte, error)

	// GetMails returns the messages matching f, oldest first.
	GetMails(f MailFilter) ([]*DecodedMessage, error)

	// GetHeaders returns header-only summaries for the index range.
	GetHeaders(start, end int) ([]*DecodedMessage, error)

	// GetInfo lists size, UID and seen state per message.
	GetInfo() ([]MailInfo, error)

	// Delete marks a message for deletion at the end of the session.
	Delete(which int) error

	// Close ends both sessions.
	Close() error
}

var _ MailReceiver = (*MailServer)(nil)
