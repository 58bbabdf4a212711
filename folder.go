package pst

import (
	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/ltp"
	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/ndb"
	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/utils"
)

// Folder is a folder façade over a node's property bag plus its companion
// hierarchy table (subfolders), contents table (messages), and associated
// contents table.
//
// A folder's companion tables share the folder node's index under a
// different NodeType tag (NodeID.WithType), the same "type-tagged sibling
// node" pattern the hierarchy-table/contents-table node types exist for.
type Folder struct {
	store *Store
	id    ndb.NodeID
	bag   *ltp.PropertyContext

	hier     *ltp.TableContext // nil for a search folder
	contents *ltp.TableContext
	assoc    *ltp.TableContext
}

// ID returns this folder's node id.
func (f *Folder) ID() ndb.NodeID { return f.id }

// IsSearchFolder reports whether this folder is a search folder. A
// search folder is treated as a folder with no hierarchy table, so it
// can never have subfolders, rather than erroring on every hierarchy
// operation.
func (f *Folder) IsSearchFolder() bool { return f.hier == nil }

func (s *Store) openFolder(id ndb.NodeID) (*Folder, error) {
	node, err := s.ctx.OpenNode(id)
	if err != nil {
		return nil, err
	}
	bag, err := openOrCreateBag(node)
	if err != nil {
		return nil, err
	}
	f := &Folder{store: s, id: id, bag: bag}

	if id.Type() != ndb.NodeTypeSearchFolder {
		hier, err := s.openTable(id.WithType(ndb.NodeTypeHierarchyTable))
		if err != nil {
			return nil, err
		}
		f.hier = hier
	}
	contents, err := s.openTable(id.WithType(ndb.NodeTypeContentsTable))
	if err != nil {
		return nil, err
	}
	f.contents = contents
	assoc, err := s.openTable(id.WithType(ndb.NodeTypeAssocContentsTable))
	if err != nil {
		return nil, err
	}
	f.assoc = assoc
	return f, nil
}

// openTable opens (or, on first touch, creates) the TableContext backing
// a companion table node.
func (s *Store) openTable(id ndb.NodeID) (*ltp.TableContext, error) {
	node, err := s.ctx.OpenNode(id)
	if err != nil {
		return nil, err
	}
	data, err := node.Read()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return ltp.NewTableContext(node)
	}
	return ltp.OpenTableContext(node)
}

// createFolderSkeleton creates a folder node's property bag and its three
// companion table nodes (hierarchy, contents, associated contents), used
// both for the well-known root folder and for every CreateFolder call.
func createFolderSkeleton(ctx *ndb.Context, id ndb.NodeID, name string) error {
	// The companion table nodes share the folder's index under their own
	// type tags and must exist in the NBT before they can be opened.
	for _, t := range []ndb.NodeType{
		ndb.NodeTypeHierarchyTable,
		ndb.NodeTypeContentsTable,
		ndb.NodeTypeAssocContentsTable,
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
	if err := bag.WriteString(PidTagDisplayName, name); err != nil {
		return err
	}
	if err := bag.WriteInt32(PidTagContentCount, 0); err != nil {
		return err
	}
	if err := bag.WriteInt32(PidTagContentUnreadCount, 0); err != nil {
		return err
	}

	hierNode, err := ctx.OpenNode(id.WithType(ndb.NodeTypeHierarchyTable))
	if err != nil {
		return err
	}
	hier, err := ltp.NewTableContext(hierNode)
	if err != nil {
		return err
	}
	if err := hier.AddColumn(PidTagDisplayName, ltp.PropTypeUnicode); err != nil {
		return err
	}

	contentsNode, err := ctx.OpenNode(id.WithType(ndb.NodeTypeContentsTable))
	if err != nil {
		return err
	}
	contents, err := ltp.NewTableContext(contentsNode)
	if err != nil {
		return err
	}
	if err := contents.AddColumn(PidTagMessageClass, ltp.PropTypeUnicode); err != nil {
		return err
	}
	if err := contents.AddColumn(PidTagSubject, ltp.PropTypeUnicode); err != nil {
		return err
	}
	if err := contents.AddColumn(PidTagMessageSize, ltp.PropTypeInt32); err != nil {
		return err
	}

	assocNode, err := ctx.OpenNode(id.WithType(ndb.NodeTypeAssocContentsTable))
	if err != nil {
		return err
	}
	_, err = ltp.NewTableContext(assocNode)
	return err
}

// AssociatedContents returns this folder's associated (hidden) contents
// table, which holds FAI items such as views and rules rather than
// ordinary messages.
func (f *Folder) AssociatedContents() *ltp.TableContext { return f.assoc }

// DisplayName returns this folder's name.
func (f *Folder) DisplayName() (string, error) { return f.bag.ReadString(PidTagDisplayName) }

// SetDisplayName renames this folder, keeping its parent's hierarchy table
// row in sync.
func (f *Folder) SetDisplayName(name string) error {
	if err := f.bag.WriteString(PidTagDisplayName, name); err != nil {
		return err
	}
	node, err := f.store.ctx.OpenNode(f.id)
	if err != nil {
		return err
	}
	parentID, ok, err := node.Parent()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	hier, err := f.store.openTable(parentID.WithType(ndb.NodeTypeHierarchyTable))
	if err != nil {
		return err
	}
	pos, ok, err := hier.Lookup(uint32(f.id))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return hier.WriteCell(pos, PidTagDisplayName, encodeUTF16LE(name))
}

// ContentCount returns this folder's message count.
func (f *Folder) ContentCount() (int32, error) { return f.bag.ReadInt32(PidTagContentCount) }

// ContentUnreadCount returns this folder's unread message count.
func (f *Folder) ContentUnreadCount() (int32, error) {
	return f.bag.ReadInt32(PidTagContentUnreadCount)
}

// SubfolderCount returns the number of direct subfolders, defined as the
// size of the hierarchy table rather than a separately maintained counter
// property.
func (f *Folder) SubfolderCount() (int, error) {
	if f.hier == nil {
		return 0, nil
	}
	return f.hier.RowCount(), nil
}

// Folders returns this folder's direct subfolders. A search folder always
// returns an empty slice.
func (f *Folder) Folders() ([]*Folder, error) {
	if f.hier == nil {
		return nil, nil
	}
	ids, err := f.store.ctx.ChildrenOf(f.id)
	if err != nil {
		return nil, err
	}
	var out []*Folder
	for _, id := range ids {
		if id.Type() != ndb.NodeTypeFolder && id.Type() != ndb.NodeTypeSearchFolder {
			continue
		}
		child, err := f.store.openFolder(id)
		if err != nil {
			return nil, err
		}
		out = append(out, child)
	}
	return out, nil
}

// FindFolder returns the direct subfolder named name, or
// utils.KindKeyNotFound if none matches.
func (f *Folder) FindFolder(name string) (*Folder, error) {
	folders, err := f.Folders()
	if err != nil {
		return nil, err
	}
	for _, child := range folders {
		got, err := child.DisplayName()
		if err != nil {
			return nil, err
		}
		if got == name {
			return child, nil
		}
	}
	return nil, utils.New(utils.KindKeyNotFound, "subfolder not found")
}

// CreateFolder creates a new, empty subfolder under f and adds its row
// to f's hierarchy table.
func (f *Folder) CreateFolder(name string) (*Folder, error) {
	if f.hier == nil {
		return nil, utils.New(utils.KindInvalidArgument, "search folders cannot have subfolders")
	}
	idx := f.store.ctx.AllocateNodeIndex()
	id := ndb.MakeNodeID(ndb.NodeTypeFolder, idx)
	if err := f.store.ctx.CreateNode(id, f.id); err != nil {
		return nil, err
	}
	if err := createFolderSkeleton(f.store.ctx, id, name); err != nil {
		return nil, err
	}

	pos, err := f.hier.AddRow(uint32(id))
	if err != nil {
		return nil, err
	}
	if err := f.hier.WriteCell(pos, PidTagDisplayName, encodeUTF16LE(name)); err != nil {
		return nil, err
	}
	return f.store.openFolder(id)
}

// DeleteFolder removes a subfolder of f: its node, its companion tables,
// and its hierarchy-table row. child must be a direct subfolder of f.
func (f *Folder) DeleteFolder(child *Folder) error {
	if f.hier == nil {
		return utils.New(utils.KindInvalidArgument, "search folders have no subfolders to delete")
	}
	pos, ok, err := f.hier.Lookup(uint32(child.id))
	if err != nil {
		return err
	}
	if !ok {
		return utils.New(utils.KindKeyNotFound, "not a direct subfolder")
	}

	for _, tid := range []ndb.NodeID{
		child.id.WithType(ndb.NodeTypeHierarchyTable),
		child.id.WithType(ndb.NodeTypeContentsTable),
		child.id.WithType(ndb.NodeTypeAssocContentsTable),
	} {
		if err := f.store.ctx.DeleteNode(tid); err != nil {
			return err
		}
	}
	if err := f.store.ctx.DeleteNode(child.id); err != nil {
		return err
	}
	return f.hier.DeleteRow(pos)
}

// Messages returns this folder's direct messages: its contents table's
// rows, addressed through the NBT rather than the table (see
// Folder.Folders' note).
func (f *Folder) Messages() ([]*Message, error) {
	ids, err := f.store.ctx.ChildrenOf(f.id)
	if err != nil {
		return nil, err
	}
	var out []*Message
	for _, id := range ids {
		if id.Type() != ndb.NodeTypeMessage {
			continue
		}
		msg, err := f.store.openMessage(id)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// CreateMessage creates a new message of the given message class under f
// and adds its row to f's contents table.
func (f *Folder) CreateMessage(class string) (*Message, error) {
	idx := f.store.ctx.AllocateNodeIndex()
	id := ndb.MakeNodeID(ndb.NodeTypeMessage, idx)
	if err := f.store.ctx.CreateNode(id, f.id); err != nil {
		return nil, err
	}
	if err := createMessageSkeleton(f.store.ctx, id, class); err != nil {
		return nil, err
	}

	pos, err := f.contents.AddRow(uint32(id))
	if err != nil {
		return nil, err
	}
	if err := f.contents.WriteCell(pos, PidTagMessageClass, encodeUTF16LE(class)); err != nil {
		return nil, err
	}
	if err := f.contents.SetCell(pos, PidTagMessageSize, encodeInt32(0)); err != nil {
		return nil, err
	}
	if n, err := f.ContentCount(); err == nil {
		_ = f.bag.WriteInt32(PidTagContentCount, n+1)
	}
	return f.store.openMessage(id)
}

// DeleteMessage removes a message of f: its node, its companion tables,
// and its contents-table row.
func (f *Folder) DeleteMessage(msg *Message) error {
	pos, ok, err := f.contents.Lookup(uint32(msg.id))
	if err != nil {
		return err
	}
	if !ok {
		return utils.New(utils.KindKeyNotFound, "not a message of this folder")
	}
	for _, tid := range []ndb.NodeID{
		msg.id.WithType(ndb.NodeTypeRecipientTable),
		msg.id.WithType(ndb.NodeTypeAttachmentTable),
	} {
		if err := f.store.ctx.DeleteNode(tid); err != nil {
			return err
		}
	}
	if err := f.store.ctx.DeleteNode(msg.id); err != nil {
		return err
	}
	if err := f.contents.DeleteRow(pos); err != nil {
		return err
	}
	if n, err := f.ContentCount(); err == nil && n > 0 {
		_ = f.bag.WriteInt32(PidTagContentCount, n-1)
	}
	return nil
}
