package pst

import (
	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/ltp"
	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/ndb"
	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/utils"
)

// OpenAllSearchContents would open the "gust" all-search-contents table
// variant (NodeTypeSearchContentsTable) that spans every search folder's
// results in one table. Its row layout is documented in [MS-PST] but
// never produced by this engine, so it is left unimplemented rather than
// guessed: callers get utils.KindNotImplemented instead of a table built
// on invented columns.
func OpenAllSearchContents(s *Store, id ndb.NodeID) (*ltp.TableContext, error) {
	return nil, utils.New(utils.KindNotImplemented, "all-search-contents table variant is not implemented")
}
