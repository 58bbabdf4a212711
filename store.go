// Package pst implements the Messaging overlay (L5): a thin,
// typed view of folders, messages, recipients, and attachments over the
// Property Context and Table Context of internal/ltp, itself built on the
// Node Database of internal/ndb. This is the library's one host entry
// point: Open/Create a file, then navigate the resulting tree of
// typed handles.
package pst

import (
	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/ltp"
	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/ndb"
)

// Width selects the on-disk format variant: WidthNarrow for the
// legacy 32-bit ANSI format, WidthWide for the 64-bit Unicode format.
type Width = ndb.Width

const (
	WidthNarrow = ndb.WidthNarrow
	WidthWide   = ndb.WidthWide
)

// ValidationLevel controls how much on-disk structure is verified on read.
type ValidationLevel = ndb.ValidationLevel

const (
	ValidationWeak = ndb.ValidationWeak
	ValidationFull = ndb.ValidationFull
)

// Backend selects the L0 file I/O implementation.
type Backend = ndb.Backend

const (
	BackendOSFile = ndb.BackendOSFile
	BackendMmap   = ndb.BackendMmap
)

// OpenOptions configures Open.
type OpenOptions struct {
	Backend    Backend
	Validation ValidationLevel
}

// DefaultOpenOptions returns the conventional options: plain os.File I/O,
// weak validation (the documented default).
func DefaultOpenOptions() OpenOptions {
	return OpenOptions{Backend: BackendOSFile, Validation: ValidationWeak}
}

// CreateOptions configures Create.
type CreateOptions struct {
	Width      Width
	Backend    Backend
	Validation ValidationLevel
}

// DefaultCreateOptions returns the conventional options: the wide
// (Unicode) format, plain os.File I/O, weak validation.
func DefaultCreateOptions() CreateOptions {
	return CreateOptions{Width: WidthWide, Backend: BackendOSFile, Validation: ValidationWeak}
}

// Store is an open PST message store: the database context plus access
// to the message store node's own property bag (its display name, among
// other store-level properties). The bag is reopened through the context
// on every use rather than cached, so a store always observes the
// context's current B-tree roots; in particular, a parent store sees a
// child's writes the moment CommitChild publishes them.
type Store struct {
	ctx    *ndb.Context
	parent *Store // non-nil only for a child store created via NewChild
}

// Open opens an existing PST file.
func Open(path string, opts OpenOptions) (*Store, error) {
	ctx, err := ndb.OpenFile(path, opts.Backend, opts.Validation)
	if err != nil {
		return nil, err
	}
	return newStore(ctx, nil)
}

// Create creates a new, empty PST file containing a message store and an
// empty root folder, failing if path already exists.
func Create(path string, opts CreateOptions) (*Store, error) {
	ctx, err := ndb.CreateFile(path, opts.Width, opts.Backend, opts.Validation)
	if err != nil {
		return nil, err
	}
	s, err := newStore(ctx, nil)
	if err != nil {
		return nil, err
	}
	if err := createFolderSkeleton(ctx, ndb.NIDRootFolder, "Root Folder"); err != nil {
		return nil, err
	}
	return s, nil
}

func newStore(ctx *ndb.Context, parent *Store) (*Store, error) {
	node, err := ctx.OpenNode(ndb.NIDMessageStore)
	if err != nil {
		return nil, err
	}
	// Ensure the store node carries a property bag; a freshly created
	// database's message store node has none yet.
	if _, err := openOrCreateBag(node); err != nil {
		return nil, err
	}
	return &Store{ctx: ctx, parent: parent}, nil
}

// storeBag opens the message store node's property bag against the
// context's current roots.
func (s *Store) storeBag() (*ltp.PropertyContext, error) {
	node, err := s.ctx.OpenNode(ndb.NIDMessageStore)
	if err != nil {
		return nil, err
	}
	return openOrCreateBag(node)
}

// openOrCreateBag opens node's property bag if it already carries a heap,
// or creates a fresh one otherwise (Create's freshly-minted NBT entries
// have no heap yet, while Open's do).
func openOrCreateBag(node *ndb.Node) (*ltp.PropertyContext, error) {
	data, err := node.Read()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return ltp.NewPropertyContext(node)
	}
	return ltp.OpenPropertyContext(node)
}

// DisplayName returns the message store's own display name.
func (s *Store) DisplayName() (string, error) {
	bag, err := s.storeBag()
	if err != nil {
		return "", err
	}
	return bag.ReadString(PidTagDisplayName)
}

// SetDisplayName sets the message store's own display name.
func (s *Store) SetDisplayName(name string) error {
	bag, err := s.storeBag()
	if err != nil {
		return err
	}
	return bag.WriteString(PidTagDisplayName, name)
}

// RootFolder returns the well-known root folder.
func (s *Store) RootFolder() (*Folder, error) {
	return s.openFolder(ndb.NIDRootFolder)
}

// Commit persists every pending change: the on-disk commit sequence,
// or, for a child store, its parent-propagating commit.
func (s *Store) Commit() error {
	return s.ctx.Commit()
}

// Close commits and closes the underlying file. Safe to call only on a
// Store opened via Open/Create, not on a child store; see CommitChild.
func (s *Store) Close() error {
	return s.ctx.Close()
}

// NewChild opens a nested child store sharing this store's file and AMap
// but an independent NBT/BBT snapshot: writes made through the child are
// invisible to this store until CommitChild succeeds.
func (s *Store) NewChild() (*Store, error) {
	return newStore(s.ctx.NewChild(), s)
}

// CommitChild publishes a child store's writes onto its parent, failing
// with utils.KindNodeSaveError if the parent advanced since the child was
// created.
func (s *Store) CommitChild() error {
	return s.parent.ctx.CommitChild(s.ctx)
}

// DiscardChild abandons a child store's uncommitted writes.
func (s *Store) DiscardChild() {
	s.parent.ctx.AbortChild(s.ctx)
}
