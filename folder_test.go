package pst

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/ndb"
	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/utils"
)

// TestFolderCreateDeleteRoundTrip exercises a folder create/delete round trip: create
// a subfolder, commit, reopen, verify its hierarchy-table row and name,
// then delete it and verify it is gone after another reopen.
func TestFolderCreateDeleteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailbox.pst")
	s, err := Create(path, DefaultCreateOptions())
	require.NoError(t, err)

	root, err := s.RootFolder()
	require.NoError(t, err)
	child, err := root.CreateFolder("New_SubFolder1")
	require.NoError(t, err)
	require.NoError(t, s.Commit())
	require.NoError(t, s.Close())

	s2, err := Open(path, DefaultOpenOptions())
	require.NoError(t, err)
	defer s2.Close()

	root2, err := s2.RootFolder()
	require.NoError(t, err)
	count, err := root2.SubfolderCount()
	require.NoError(t, err)
	require.Equal(t, 1, count)

	found, err := root2.FindFolder("New_SubFolder1")
	require.NoError(t, err)
	require.Equal(t, child.ID(), found.ID())

	name, err := found.DisplayName()
	require.NoError(t, err)
	require.Equal(t, "New_SubFolder1", name)

	require.NoError(t, root2.DeleteFolder(found))
	require.NoError(t, s2.Commit())
	require.NoError(t, s2.Close())

	s3, err := Open(path, DefaultOpenOptions())
	require.NoError(t, err)
	defer s3.Close()
	root3, err := s3.RootFolder()
	require.NoError(t, err)
	count, err = root3.SubfolderCount()
	require.NoError(t, err)
	require.Equal(t, 0, count)

	_, err = root3.FindFolder("New_SubFolder1")
	require.Error(t, err)
	require.True(t, utils.Is(err, utils.KindKeyNotFound))
}

// TestFolderRenameUpdatesHierarchyRow checks that renaming a subfolder
// propagates to its parent's hierarchy-table cell.
func TestFolderRenameUpdatesHierarchyRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailbox.pst")
	s, err := Create(path, DefaultCreateOptions())
	require.NoError(t, err)
	defer s.Close()

	root, err := s.RootFolder()
	require.NoError(t, err)
	child, err := root.CreateFolder("Before")
	require.NoError(t, err)
	require.NoError(t, child.SetDisplayName("After"))
	require.NoError(t, s.Commit())

	found, err := root.FindFolder("After")
	require.NoError(t, err)
	require.Equal(t, child.ID(), found.ID())

	parent, err := s.RootFolder()
	require.NoError(t, err)
	pos, ok, err := parent.hier.Lookup(uint32(child.ID()))
	require.NoError(t, err)
	require.True(t, ok)
	cell, _, err := parent.hier.ReadCell(pos, PidTagDisplayName)
	require.NoError(t, err)
	require.Equal(t, "After", decodeUTF16LE(cell))
}

// TestSearchFolderHasNoSubfolders checks that listing a search folder's
// subfolders reports an empty hierarchy rather than an error.
func TestSearchFolderHasNoSubfolders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailbox.pst")
	s, err := Create(path, DefaultCreateOptions())
	require.NoError(t, err)
	defer s.Close()

	root, err := s.RootFolder()
	require.NoError(t, err)
	require.False(t, root.IsSearchFolder())

	folders, err := root.Folders()
	require.NoError(t, err)
	require.Len(t, folders, 0)

	id := ndb.MakeNodeID(ndb.NodeTypeSearchFolder, s.ctx.AllocateNodeIndex())
	require.NoError(t, s.ctx.CreateNode(id, root.ID()))
	require.NoError(t, createFolderSkeleton(s.ctx, id, "Search"))
	search, err := s.openFolder(id)
	require.NoError(t, err)
	require.True(t, search.IsSearchFolder())

	folders, err = search.Folders()
	require.NoError(t, err)
	require.Len(t, folders, 0)
	count, err := search.SubfolderCount()
	require.NoError(t, err)
	require.Equal(t, 0, count)
}
