package ndb

import (
	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/utils"
)

// BlockStore ties the BBT, the AMap, and the block-id counter together to
// serve a node's data tree: reading and writing a single
// logical byte stream of arbitrary length as one external block, or, if
// it exceeds ExternalBlockMax, an extended block tree (xblock/xxblock)
// of external leaves.
type BlockStore struct {
	bbt        *BTree[BlockID, BlockBTEntry]
	amap       *AMap
	fio        FileIO
	encryption EncryptionMethod
	level      ValidationLevel
	nextID     func() BlockID
}

// NewBlockStore wraps the given BBT/AMap/id-source for raw block access.
func NewBlockStore(bbt *BTree[BlockID, BlockBTEntry], amap *AMap, fio FileIO, encryption EncryptionMethod, level ValidationLevel, nextID func() BlockID) *BlockStore {
	return &BlockStore{bbt: bbt, amap: amap, fio: fio, encryption: encryption, level: level, nextID: nextID}
}

// writeExternal allocates, encrypts, and registers one external block,
// returning its id.
func (s *BlockStore) writeExternal(data []byte) (BlockID, error) {
	id := s.nextID()
	entry, err := writeRawBlock(s.fio, s.amap, id, data, s.encryption)
	if err != nil {
		return 0, err
	}
	if err := s.bbt.Insert(id, entry, false); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *BlockStore) readExternal(id BlockID) ([]byte, error) {
	entry, ok, err := s.bbt.Lookup(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, utils.New(utils.KindKeyNotFound, "block id not in BBT")
	}
	return readRawBlock(s.fio, id, entry, s.encryption, s.level)
}

// Write stores data as a node's data tree root and returns the root
// BlockID: a single external block if data fits within ExternalBlockMax,
// otherwise an xblock (or, for very large payloads, an xxblock of
// xblocks) over a run of external leaves.
func (s *BlockStore) Write(data []byte) (BlockID, error) {
	if len(data) <= ExternalBlockMax {
		return s.writeExternal(data)
	}

	var leaves []BlockID
	for off := 0; off < len(data); off += ExternalBlockMax {
		end := off + ExternalBlockMax
		if end > len(data) {
			end = len(data)
		}
		id, err := s.writeExternal(data[off:end])
		if err != nil {
			return 0, err
		}
		leaves = append(leaves, id)
	}

	return s.writeXBlockLevel(uint32(len(data)), leaves)
}

// writeXBlockLevel wraps children in one or more xblocks and, if the
// child list itself doesn't fit in a single xblock, recurses into an
// xxblock layer: very large payloads need a second level of
// indirection.
func (s *BlockStore) writeXBlockLevel(totalSize uint32, children []BlockID) (BlockID, error) {
	if len(children) <= maxChildrenPerXBlock {
		payload := encodeXBlock(totalSize, children)
		return s.writeInternal(payload)
	}

	var parents []BlockID
	for i := 0; i < len(children); i += maxChildrenPerXBlock {
		end := i + maxChildrenPerXBlock
		if end > len(children) {
			end = len(children)
		}
		// Every leaf but the last holds exactly ExternalBlockMax bytes, so
		// each xblock records the size of its own run of leaves.
		chunkSize := uint64(totalSize) - uint64(i)*ExternalBlockMax
		if full := uint64(end-i) * ExternalBlockMax; full < chunkSize {
			chunkSize = full
		}
		id, err := s.writeInternal(encodeXBlock(uint32(chunkSize), children[i:end]))
		if err != nil {
			return 0, err
		}
		parents = append(parents, id)
	}
	return s.writeXBlockLevel(totalSize, parents)
}

// writeInternal stores an xblock/xxblock payload, tagging its id with
// the internal bit (BlockID's own encoding) so a reader can tell an
// extended block apart from an external leaf without consulting the BBT.
func (s *BlockStore) writeInternal(payload []byte) (BlockID, error) {
	id := s.nextID() | blockIDInternalBit
	entry, err := writeRawBlock(s.fio, s.amap, id, payload, EncryptNone) // xblocks are never encrypted.
	if err != nil {
		return 0, err
	}
	if err := s.bbt.Insert(id, entry, false); err != nil {
		return 0, err
	}
	return id, nil
}

// Read reconstructs the full byte stream rooted at id, transparently
// walking any xblock/xxblock levels.
func (s *BlockStore) Read(id BlockID) ([]byte, error) {
	if !id.IsInternal() {
		return s.readExternal(id)
	}

	entry, ok, err := s.bbt.Lookup(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, utils.New(utils.KindKeyNotFound, "block id not in BBT")
	}
	raw, err := readRawBlock(s.fio, id, entry, EncryptNone, s.level)
	if err != nil {
		return nil, err
	}
	totalSize, children := decodeXBlock(raw)

	out := make([]byte, 0, totalSize)
	for _, c := range children {
		part, err := s.Read(c)
		if err != nil {
			return nil, err
		}
		out = append(out, part...)
	}
	if uint32(len(out)) != totalSize && len(children) > 0 && !children[0].IsInternal() {
		return nil, utils.New(utils.KindDatabaseCorrupt, "extended block size mismatch")
	}
	return out, nil
}

// Drop decrements id's reference count and frees the block once the
// count reaches zero; freeing an extended block drops each of its
// children in turn. Drop is only safe to call once no live node still
// references id.
func (s *BlockStore) Drop(id BlockID) error {
	entry, ok, err := s.bbt.Lookup(id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if entry.RefCount > 1 {
		entry.RefCount--
		return s.bbt.Insert(id, entry, true)
	}

	if id.IsInternal() {
		raw, err := readRawBlock(s.fio, id, entry, EncryptNone, s.level)
		if err != nil {
			return err
		}
		_, children := decodeXBlock(raw)
		for _, c := range children {
			if err := s.Drop(c); err != nil {
				return err
			}
		}
	}

	if _, err := s.bbt.Delete(id); err != nil {
		return err
	}
	return s.amap.Free(entry.Offset, uint64(entry.Size))
}

// AddRef increments id's reference count, used when a subnode or node
// shares an existing block rather than copying it.
func (s *BlockStore) AddRef(id BlockID) error {
	entry, ok, err := s.bbt.Lookup(id)
	if err != nil {
		return err
	}
	if !ok {
		return utils.New(utils.KindKeyNotFound, "block id not in BBT")
	}
	entry.RefCount++
	return s.bbt.Insert(id, entry, true)
}
