package pst

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/ltp"
	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/ndb"
)

// TestMessageWithRecipientAndAttachment exercises a message with a
// subject, plain and HTML bodies, one recipient, and one attachment,
// round-tripped through a commit and reopen.
func TestMessageWithRecipientAndAttachment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailbox.pst")
	s, err := Create(path, DefaultCreateOptions())
	require.NoError(t, err)

	root, err := s.RootFolder()
	require.NoError(t, err)
	msg, err := root.CreateMessage("IPM.Note")
	require.NoError(t, err)
	require.NoError(t, msg.SetSubject("Hello"))
	require.NoError(t, msg.SetBody("Body"))
	require.NoError(t, msg.SetHTMLBody("<p>Body</p>"))

	attachData := []byte(strings.Repeat("a", 42))
	require.NoError(t, msg.AddAttachment("a.txt", attachData, 0, int32(len(attachData))))
	require.NoError(t, msg.AddRecipient("Alice", RecipientTo, "alice@example.com", "SMTP"))

	require.NoError(t, s.Commit())
	require.NoError(t, s.Close())

	s2, err := Open(path, DefaultOpenOptions())
	require.NoError(t, err)
	defer s2.Close()

	root2, err := s2.RootFolder()
	require.NoError(t, err)
	msgs, err := root2.Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	got := msgs[0]

	class, err := got.MessageClass()
	require.NoError(t, err)
	require.Equal(t, "IPM.Note", class)

	subj, err := got.Subject()
	require.NoError(t, err)
	require.Equal(t, "Hello", subj)

	body, err := got.Body()
	require.NoError(t, err)
	require.Equal(t, "Body", body)

	html, err := got.HTMLBody()
	require.NoError(t, err)
	require.Equal(t, "<p>Body</p>", html)

	recipients, err := got.Recipients()
	require.NoError(t, err)
	require.Len(t, recipients, 1)
	require.Equal(t, "Alice", recipients[0].Name)
	require.Equal(t, RecipientTo, recipients[0].Type)
	require.Equal(t, "alice@example.com", recipients[0].Address)
	require.Equal(t, "SMTP", recipients[0].AddressType)

	attachments, err := got.Attachments()
	require.NoError(t, err)
	require.Len(t, attachments, 1)
	require.Equal(t, "a.txt", attachments[0].Filename)
	require.Equal(t, int32(42), attachments[0].Size)
	require.Equal(t, int32(0), attachments[0].Method)
	require.Equal(t, attachData, attachments[0].Data)
}

// TestMessageDeleteRemovesContentsRow exercises delete-message bookkeeping.
func TestMessageDeleteRemovesContentsRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailbox.pst")
	s, err := Create(path, DefaultCreateOptions())
	require.NoError(t, err)
	defer s.Close()

	root, err := s.RootFolder()
	require.NoError(t, err)
	msg, err := root.CreateMessage("IPM.Note")
	require.NoError(t, err)
	count, err := root.ContentCount()
	require.NoError(t, err)
	require.Equal(t, int32(1), count)

	require.NoError(t, root.DeleteMessage(msg))
	count, err = root.ContentCount()
	require.NoError(t, err)
	require.Equal(t, int32(0), count)

	msgs, err := root.Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 0)
}

// TestMessageBodyPromotion exercises a body large enough to exceed the
// heap's maximum inline allocation: it is stored via a subnode id
// instead of a heap id, and shrinking it back down demotes storage to a
// heap allocation again.
func TestMessageBodyPromotion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailbox.pst")
	s, err := Create(path, DefaultCreateOptions())
	require.NoError(t, err)
	defer s.Close()

	root, err := s.RootFolder()
	require.NoError(t, err)
	msg, err := root.CreateMessage("IPM.Note")
	require.NoError(t, err)

	subnodeCount := func() int {
		node, err := s.ctx.OpenNode(msg.ID())
		require.NoError(t, err)
		n := 0
		require.NoError(t, node.Subnodes(func(ndb.NodeID, ndb.SubNodeEntry) error {
			n++
			return nil
		}))
		return n
	}

	large := strings.Repeat("x", 10*1024)
	require.NoError(t, msg.SetBody(large))
	require.Equal(t, 1, subnodeCount())

	got, err := msg.Body()
	require.NoError(t, err)
	require.Equal(t, large, got)

	typ, err := msg.BodyPropertyType()
	require.NoError(t, err)
	require.Equal(t, ltp.PropTypeUnicode, typ)

	size, err := msg.Size()
	require.NoError(t, err)
	require.Equal(t, int32(len(large)*2), size)

	require.NoError(t, msg.SetBody("small"))
	require.Equal(t, 0, subnodeCount())
	got, err = msg.Body()
	require.NoError(t, err)
	require.Equal(t, "small", got)
}
