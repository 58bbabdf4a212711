package pst

// Property ids used by the messaging overlay. The values are the
// documented MAPI PidTag ids, not invented: the engine below only knows
// storage categories, never a concrete tag.
const (
	// PidTagDisplayName is the display name of a folder, message sender,
	// or recipient.
	PidTagDisplayName uint16 = 0x3001
	// PidTagSubject is a message's subject line.
	PidTagSubject uint16 = 0x0037
	// PidTagMessageClass identifies a message's type, e.g. "IPM.Note".
	PidTagMessageClass uint16 = 0x001A
	// PidTagBody is a message's plain-text body.
	PidTagBody uint16 = 0x1000
	// PidTagHTML is a message's HTML body.
	PidTagHTML uint16 = 0x1013
	// PidTagMessageSize is a message's size in bytes.
	PidTagMessageSize uint16 = 0x0E08

	// PidTagContentCount is a folder's message count.
	PidTagContentCount uint16 = 0x3602
	// PidTagContentUnreadCount is a folder's unread message count.
	PidTagContentUnreadCount uint16 = 0x3603

	// PidTagAttachFilename is an attachment's short (8.3) filename.
	PidTagAttachFilename uint16 = 0x3704
	// PidTagAttachLongFilename is an attachment's long filename.
	PidTagAttachLongFilename uint16 = 0x3707
	// PidTagAttachSize is an attachment's declared size in bytes.
	PidTagAttachSize uint16 = 0x0E20
	// PidTagAttachMethod is an attachment's storage method.
	PidTagAttachMethod uint16 = 0x3705
	// PidTagAttachData is an attachment's raw payload.
	PidTagAttachData uint16 = 0x3701

	// PidTagRecipientType distinguishes To/Cc/Bcc.
	PidTagRecipientType uint16 = 0x0C15
	// PidTagAddressType is a recipient's address type, e.g. "SMTP".
	PidTagAddressType uint16 = 0x3002
	// PidTagEmailAddress is a recipient's address in its native address-type
	// form.
	PidTagEmailAddress uint16 = 0x3003
	// PidTagSmtpAddress is a recipient's SMTP address.
	PidTagSmtpAddress uint16 = 0x39FE
)

// RecipientType is the value of PidTagRecipientType: the well-known MAPI
// recipient class a row in a recipient table belongs to.
type RecipientType int32

const (
	RecipientTo  RecipientType = 1
	RecipientCc  RecipientType = 2
	RecipientBcc RecipientType = 3
)
