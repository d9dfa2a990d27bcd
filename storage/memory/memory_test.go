package memory

import (
	"testing"

	"github.com/oasisprotocol/enclave-worker/common/crypto/hash"
	"github.com/oasisprotocol/enclave-worker/storage/tests"
)

func TestStorageMemory(t *testing.T) {
	var root hash.Hash
	root.Empty()

	backend := New(root)
	defer backend.Cleanup()

	tests.StorageImplementationTests(t, backend)
}
