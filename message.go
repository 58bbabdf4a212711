package pst

import (
	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/ltp"
	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/ndb"
)

// Message is a message façade over a node's property bag plus its
// companion recipient and attachment tables.
//
// Recipients and attachments carry no separate backing node of their own:
// every field a recipient or attachment row exposes is a table-context
// cell, variable-length cells dereferencing through the same
// heap-or-subnode path a Property Context value would
// (ltp.TableContext's WriteCell/ReadCell).
type Message struct {
	store *Store
	id    ndb.NodeID
	bag   *ltp.PropertyContext

	recipients  *ltp.TableContext
	attachments *ltp.TableContext
}

// ID returns this message's node id.
func (m *Message) ID() ndb.NodeID { return m.id }

func (s *Store) openMessage(id ndb.NodeID) (*Message, error) {
	node, err := s.ctx.OpenNode(id)
	if err != nil {
		return nil, err
	}
	bag, err := openOrCreateBag(node)
	if err != nil {
		return nil, err
	}
	recipients, err := s.openTable(id.WithType(ndb.NodeTypeRecipientTable))
	if err != nil {
		return nil, err
	}
	attachments, err := s.openTable(id.WithType(ndb.NodeTypeAttachmentTable))
	if err != nil {
		return nil, err
	}
	return &Message{store: s, id: id, bag: bag, recipients: recipients, attachments: attachments}, nil
}

// createMessageSkeleton creates a message node's property bag and its two
// companion table nodes (recipients, attachments).
func createMessageSkeleton(ctx *ndb.Context, id ndb.NodeID, class string) error {
	for _, t := range []ndb.NodeType{
		ndb.NodeTypeRecipientTable,
		ndb.NodeTypeAttachmentTable,
	} {
		if err := ctx.CreateNode(id.WithType(t), id); err != nil {
			return err
		}
	}

	node, err := ctx.OpenNode(id)
	if err != nil {
		return err
	}
	bag, err := ltp.NewPropertyContext(node)
	if err != nil {
		return err
	}
	if err := bag.WriteString(PidTagMessageClass, class); err != nil {
		return err
	}
	if err := bag.WriteString(PidTagSubject, ""); err != nil {
		return err
	}
	if err := bag.WriteInt32(PidTagMessageSize, 0); err != nil {
		return err
	}

	recipNode, err := ctx.OpenNode(id.WithType(ndb.NodeTypeRecipientTable))
	if err != nil {
		return err
	}
	recipients, err := ltp.NewTableContext(recipNode)
	if err != nil {
		return err
	}
	for _, col := range []struct {
		id  uint16
		typ ltp.PropType
	}{
		{PidTagDisplayName, ltp.PropTypeUnicode},
		{PidTagRecipientType, ltp.PropTypeInt32},
		{PidTagSmtpAddress, ltp.PropTypeUnicode},
		{PidTagAddressType, ltp.PropTypeUnicode},
	} {
		if err := recipients.AddColumn(col.id, col.typ); err != nil {
			return err
		}
	}

	attachNode, err := ctx.OpenNode(id.WithType(ndb.NodeTypeAttachmentTable))
	if err != nil {
		return err
	}
	attachments, err := ltp.NewTableContext(attachNode)
	if err != nil {
		return err
	}
	for _, col := range []struct {
		id  uint16
		typ ltp.PropType
	}{
		{PidTagAttachFilename, ltp.PropTypeUnicode},
		{PidTagAttachSize, ltp.PropTypeInt32},
		{PidTagAttachMethod, ltp.PropTypeInt32},
		{PidTagAttachData, ltp.PropTypeBinary},
	} {
		if err := attachments.AddColumn(col.id, col.typ); err != nil {
			return err
		}
	}
	return nil
}

// Subject returns this message's subject.
func (m *Message) Subject() (string, error) { return m.bag.ReadString(PidTagSubject) }

// SetSubject sets this message's subject, keeping the containing folder's
// contents-table row in sync.
func (m *Message) SetSubject(s string) error {
	if err := m.bag.WriteString(PidTagSubject, s); err != nil {
		return err
	}
	return m.syncContentsCell(PidTagSubject, func(contents *ltp.TableContext, pos int) error {
		return contents.WriteCell(pos, PidTagSubject, encodeUTF16LE(s))
	})
}

// Body returns this message's plain-text body.
func (m *Message) Body() (string, error) { return m.bag.ReadString(PidTagBody) }

// SetBody sets this message's plain-text body and updates its size
// property; the underlying storage promotes between inline and subnode
// as the body grows and shrinks.
func (m *Message) SetBody(s string) error {
	if err := m.bag.WriteString(PidTagBody, s); err != nil {
		return err
	}
	return m.updateSize()
}

// HTMLBody returns this message's HTML body.
func (m *Message) HTMLBody() (string, error) { return m.bag.ReadString(PidTagHTML) }

// SetHTMLBody sets this message's HTML body.
func (m *Message) SetHTMLBody(s string) error {
	if err := m.bag.WriteString(PidTagHTML, s); err != nil {
		return err
	}
	return m.updateSize()
}

// MessageClass returns this message's class (e.g. "IPM.Note").
func (m *Message) MessageClass() (string, error) { return m.bag.ReadString(PidTagMessageClass) }

// Size returns this message's stored size property.
func (m *Message) Size() (int32, error) { return m.bag.ReadInt32(PidTagMessageSize) }

// BodyPropertyType returns the property type of the plain-text body
// (string8 vs unicode). The type is the same whether the value sits in a
// heap allocation or, past ndb.HeapMaxAllocSize, in a subnode; the
// storage location is not reported.
func (m *Message) BodyPropertyType() (ltp.PropType, error) {
	typ, _, err := m.bag.Type(PidTagBody)
	return typ, err
}

func (m *Message) updateSize() error {
	body, _, err := m.bag.ReadBytes(PidTagBody)
	if err != nil {
		return err
	}
	if err := m.bag.WriteInt32(PidTagMessageSize, int32(len(body))); err != nil {
		return err
	}
	return m.syncContentsCell(PidTagMessageSize, func(contents *ltp.TableContext, pos int) error {
		return contents.SetCell(pos, PidTagMessageSize, encodeInt32(int32(len(body))))
	})
}

// syncContentsCell mirrors a property onto this message's row in its
// containing folder's contents table, keeping the two in lockstep on
// every mutating call.
func (m *Message) syncContentsCell(_ uint16, write func(*ltp.TableContext, int) error) error {
	node, err := m.store.ctx.OpenNode(m.id)
	if err != nil {
		return err
	}
	parentID, ok, err := node.Parent()
	if err != nil || !ok {
		return err
	}
	contents, err := m.store.openTable(parentID.WithType(ndb.NodeTypeContentsTable))
	if err != nil {
		return err
	}
	pos, ok, err := contents.Lookup(uint32(m.id))
	if err != nil || !ok {
		return err
	}
	return write(contents, pos)
}

// RecipientRow is a dereferenced recipient-table row.
type RecipientRow struct {
	Name        string
	Type        RecipientType
	Address     string
	AddressType string
}

// AddRecipient appends a recipient row.
func (m *Message) AddRecipient(name string, typ RecipientType, address, addressType string) error {
	pos, err := m.recipients.AddRow(uint32(m.recipients.RowCount()))
	if err != nil {
		return err
	}
	if err := m.recipients.WriteCell(pos, PidTagDisplayName, encodeUTF16LE(name)); err != nil {
		return err
	}
	if err := m.recipients.SetCell(pos, PidTagRecipientType, encodeInt32(int32(typ))); err != nil {
		return err
	}
	if err := m.recipients.WriteCell(pos, PidTagSmtpAddress, encodeUTF16LE(address)); err != nil {
		return err
	}
	return m.recipients.WriteCell(pos, PidTagAddressType, encodeUTF16LE(addressType))
}

// Recipients returns every recipient row, in table order.
func (m *Message) Recipients() ([]RecipientRow, error) {
	var out []RecipientRow
	for _, pos := range m.recipients.Rows() {
		name, _, err := m.recipients.ReadCell(pos, PidTagDisplayName)
		if err != nil {
			return nil, err
		}
		typRaw, _, err := m.recipients.GetCell(pos, PidTagRecipientType)
		if err != nil {
			return nil, err
		}
		addr, _, err := m.recipients.ReadCell(pos, PidTagSmtpAddress)
		if err != nil {
			return nil, err
		}
		addrType, _, err := m.recipients.ReadCell(pos, PidTagAddressType)
		if err != nil {
			return nil, err
		}
		out = append(out, RecipientRow{
			Name:        decodeUTF16LE(name),
			Type:        RecipientType(decodeInt32(typRaw)),
			Address:     decodeUTF16LE(addr),
			AddressType: decodeUTF16LE(addrType),
		})
	}
	return out, nil
}

// AttachmentRow is a dereferenced attachment-table row.
type AttachmentRow struct {
	Filename string
	Size     int32
	Method   int32
	Data     []byte
}

// AddAttachment appends an attachment row, storing data as the row's
// indirect (heap-or-subnode) data cell.
func (m *Message) AddAttachment(filename string, data []byte, method int32, declaredSize int32) error {
	pos, err := m.attachments.AddRow(uint32(m.attachments.RowCount()))
	if err != nil {
		return err
	}
	if err := m.attachments.WriteCell(pos, PidTagAttachFilename, encodeUTF16LE(filename)); err != nil {
		return err
	}
	if err := m.attachments.SetCell(pos, PidTagAttachSize, encodeInt32(declaredSize)); err != nil {
		return err
	}
	if err := m.attachments.SetCell(pos, PidTagAttachMethod, encodeInt32(method)); err != nil {
		return err
	}
	return m.attachments.WriteCell(pos, PidTagAttachData, data)
}

// Attachments returns every attachment row, dereferencing each payload
// through its stored heap-or-subnode id.
func (m *Message) Attachments() ([]AttachmentRow, error) {
	var out []AttachmentRow
	for _, pos := range m.attachments.Rows() {
		fn, _, err := m.attachments.ReadCell(pos, PidTagAttachFilename)
		if err != nil {
			return nil, err
		}
		szRaw, _, err := m.attachments.GetCell(pos, PidTagAttachSize)
		if err != nil {
			return nil, err
		}
		methodRaw, _, err := m.attachments.GetCell(pos, PidTagAttachMethod)
		if err != nil {
			return nil, err
		}
		data, _, err := m.attachments.ReadCell(pos, PidTagAttachData)
		if err != nil {
			return nil, err
		}
		out = append(out, AttachmentRow{
			Filename: decodeUTF16LE(fn),
			Size:     decodeInt32(szRaw),
			Method:   decodeInt32(methodRaw),
			Data:     data,
		})
	}
	return out, nil
}
