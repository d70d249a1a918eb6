package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/swarmnode/pkg/security"
	"github.com/cuemby/swarmnode/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCipher(t *testing.T) *security.RecordCipher {
	t.Helper()
	seed := security.SeedFromIdentity([]byte("store-test-identity"))
	return security.NewRecordCipher(seed)
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, WipeIfNamespaceMismatch(dir, "v1"))
	s, err := Open(Config{RootDir: dir, Cipher: testCipher(t)})
	require.NoError(t, err)
	return s
}

func sampleRecord(b byte) types.Record {
	var key types.RecordKey
	key[0] = b
	return types.Record{
		Key:      key,
		Value:    []byte("hello swarm"),
		DataType: types.DataTypeChunk,
	}
}

// Property: a record round-trips through Put/Get unchanged.
func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	rec := sampleRecord(1)

	require.NoError(t, s.Put(rec))

	got, ok, err := s.Get(rec.Key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.Value, got.Value)
	assert.Equal(t, rec.DataType, got.DataType)
}

// Property: records are encrypted at rest; the raw file contents never
// contain the plaintext value.
func TestPutEncryptsAtRest(t *testing.T) {
	s := openTestStore(t)
	rec := sampleRecord(2)
	require.NoError(t, s.Put(rec))

	path := filepath.Join(s.recordsDir, keyFileName(rec.Key))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hello swarm")
}

// Property: a value exceeding the configured ceiling is rejected.
func TestPutRejectsOversizedValue(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WipeIfNamespaceMismatch(dir, "v1"))
	s, err := Open(Config{RootDir: dir, Cipher: testCipher(t), MaxValueBytes: 8})
	require.NoError(t, err)

	rec := sampleRecord(3)
	rec.Value = make([]byte, 9)
	err = s.Put(rec)
	assert.ErrorIs(t, err, types.ErrRecordTooLarge)
}

// Property: a non-append-only duplicate put is rejected.
func TestPutRejectsDuplicateForNonAppendOnlyType(t *testing.T) {
	s := openTestStore(t)
	rec := sampleRecord(4)

	require.NoError(t, s.Put(rec))
	err := s.Put(rec)
	assert.ErrorIs(t, err, types.ErrRejectedDuplicate)
}

// An append-only (e.g. register) type may be overwritten in place.
func TestPutAllowsOverwriteForAppendOnlyType(t *testing.T) {
	s := openTestStore(t)
	rec := sampleRecord(5)
	rec.DataType = types.DataTypeRegister
	rec.ValidationType = types.ValidationType{DataType: types.DataTypeRegister, AppendOnly: true}

	require.NoError(t, s.Put(rec))

	rec.Value = []byte("updated value")
	require.NoError(t, s.Put(rec))

	got, ok, err := s.Get(rec.Key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("updated value"), got.Value)
}

func TestRemoveDeletesRecord(t *testing.T) {
	s := openTestStore(t)
	rec := sampleRecord(6)
	require.NoError(t, s.Put(rec))
	require.True(t, s.Contains(rec.Key))

	require.NoError(t, s.Remove(rec.Key))
	assert.False(t, s.Contains(rec.Key))

	_, ok, err := s.Get(rec.Key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllKeysReturnsEverythingStored(t *testing.T) {
	s := openTestStore(t)
	r1, r2 := sampleRecord(7), sampleRecord(8)
	require.NoError(t, s.Put(r1))
	require.NoError(t, s.Put(r2))

	keys := s.AllKeys()
	assert.ElementsMatch(t, []types.RecordKey{r1.Key, r2.Key}, keys)
	assert.Equal(t, 2, s.Len())
}

// Scenario: a namespace change between runs wipes the prior record store
// but a matching namespace across restarts preserves it.
func TestReopenAfterNamespaceChangeWipesStore(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WipeIfNamespaceMismatch(dir, "v1"))
	s1, err := Open(Config{RootDir: dir, Cipher: testCipher(t)})
	require.NoError(t, err)
	require.NoError(t, s1.Put(sampleRecord(9)))
	require.Equal(t, 1, s1.Len())

	require.NoError(t, WipeIfNamespaceMismatch(dir, "v2"))
	s2, err := Open(Config{RootDir: dir, Cipher: testCipher(t)})
	require.NoError(t, err)
	assert.Equal(t, 0, s2.Len())
}

func TestReopenWithSameNamespacePreservesRecords(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WipeIfNamespaceMismatch(dir, "v1"))
	cipher := testCipher(t)
	s1, err := Open(Config{RootDir: dir, Cipher: cipher})
	require.NoError(t, err)
	rec := sampleRecord(10)
	require.NoError(t, s1.Put(rec))

	require.NoError(t, WipeIfNamespaceMismatch(dir, "v1"))
	s2, err := Open(Config{RootDir: dir, Cipher: cipher})
	require.NoError(t, err)
	assert.Equal(t, 1, s2.Len())
	assert.True(t, s2.Contains(rec.Key))
}
