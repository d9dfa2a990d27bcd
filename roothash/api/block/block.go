// Package block implements the roothash block and header.
package block

import "github.com/oasisprotocol/enclave-worker/common/crypto/hash"

// Block is a runtime block.
type Block struct {
	// Header is the block header.
	Header Header `json:"header"`
}

// NewGenesisBlock creates a new empty genesis block given a runtime
// id and POSIX timestamp.
func NewGenesisBlock(id Namespace, timestamp uint64) *Block {
	var blk Block

	blk.Header.Version = 0
	blk.Header.Timestamp = timestamp
	blk.Header.HeaderType = Normal
	blk.Header.Namespace = id
	blk.Header.PreviousHash.Empty()
	blk.Header.IORoot.Empty()
	blk.Header.StateRoot.Empty()

	return &blk
}

// NewEmptyBlock creates a new empty block with a specific type.
func NewEmptyBlock(child *Block, timestamp uint64, htype HeaderType) *Block {
	var blk Block

	blk.Header.Version = child.Header.Version
	blk.Header.Namespace = child.Header.Namespace
	blk.Header.Round = child.Header.Round + 1
	blk.Header.Timestamp = timestamp
	blk.Header.HeaderType = htype
	blk.Header.PreviousHash = child.Header.EncodedHash()
	blk.Header.IORoot.Empty()
	// State root is unchanged.
	blk.Header.StateRoot = child.Header.StateRoot

	return &blk
}

// NewBlock creates a new normal block on top of the parent, committing to
// the given I/O and state roots.
func NewBlock(parent *Block, timestamp uint64, ioRoot, stateRoot hash.Hash) *Block {
	blk := NewEmptyBlock(parent, timestamp, Normal)
	blk.Header.IORoot = ioRoot
	blk.Header.StateRoot = stateRoot
	return blk
}
