package vault

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/blob"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/errs"
)

func newTestVault(t *testing.T) (*Vault, *blob.Memory, *age.X25519Identity) {
	t.Helper()
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	store := blob.NewMemory()
	return New(store, []age.Recipient{id.Recipient()}, []age.Identity{id}), store, id
}

var testBackup = Backup{
	PseudonymID:  "p1",
	SourceDigest: "src",
	OutputDigest: "out",
	Tags: []TagValue{
		{IFD: 0, Tag: 270, Value: "Aperio Image Library|Filename = CMU-1|Title = Study_1"},
		{IFD: 0, Tag: 315, Value: "jdoe"},
	},
	Planes:    []PlaneData{{IFD: 2, Compression: 5, Strips: [][]byte{{1, 2, 3}, {4, 5}}}},
	CreatedAt: 1700000000,
}

func TestSealOpen(t *testing.T) {
	v, store, _ := newTestVault(t)
	ctx := context.Background()

	key, err := v.Seal(ctx, testBackup)
	require.NoError(t, err)
	assert.Equal(t, "p1/src.age", key)

	_, rc, err := store.Get(ctx, key)
	require.NoError(t, err)
	raw, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "CMU-1")
	assert.NotContains(t, string(raw), "jdoe")

	got, err := v.Open(ctx, key)
	require.NoError(t, err)
	want := testBackup
	want.Version = backupVersion
	assert.Equal(t, want, *got)
}

func TestSealKeepsFirstBackup(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	_, err := v.Seal(ctx, testBackup)
	require.NoError(t, err)
	second := testBackup
	second.OutputDigest = "different"
	_, err = v.Seal(ctx, second)
	require.NoError(t, err)

	got, err := v.Open(ctx, Key("p1", "src"))
	require.NoError(t, err)
	assert.Equal(t, "out", got.OutputDigest)
}

func TestFind(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	other := testBackup
	other.SourceDigest = "src2"
	other.OutputDigest = "out2"
	for _, b := range []Backup{testBackup, other} {
		_, err := v.Seal(ctx, b)
		require.NoError(t, err)
	}

	got, err := v.Find(ctx, "p1", "out2")
	require.NoError(t, err)
	assert.Equal(t, "src2", got.SourceDigest)

	_, err = v.Find(ctx, "p1", "nope")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = v.Find(ctx, "p9", "out")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestOpenWrongIdentity(t *testing.T) {
	v, store, _ := newTestVault(t)
	ctx := context.Background()
	key, err := v.Seal(ctx, testBackup)
	require.NoError(t, err)

	stranger, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	other := New(store, nil, []age.Identity{stranger})
	_, err = other.Open(ctx, key)
	assert.ErrorContains(t, err, "decrypting")
}

func TestSealOpenRequireKeys(t *testing.T) {
	store := blob.NewMemory()
	v := New(store, nil, nil)
	_, err := v.Seal(context.Background(), testBackup)
	assert.ErrorContains(t, err, "no recipients")
	_, err = v.Open(context.Background(), "p1/src.age")
	assert.ErrorContains(t, err, "no identities")

	full, _, _ := newTestVault(t)
	_, err = full.Seal(context.Background(), Backup{PseudonymID: "p1"})
	assert.ErrorContains(t, err, "source digest")
}

func TestParseRecipientsAndIdentities(t *testing.T) {
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	rs, err := ParseRecipients([]string{id.Recipient().String(), " "})
	require.NoError(t, err)
	assert.Len(t, rs, 1)
	_, err = ParseRecipients([]string{"age1bogus"})
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "key.txt")
	content := "# created for tests\n" + id.String() + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	ids, err := LoadIdentities(path)
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
	_, err = LoadIdentities(path)
	assert.Error(t, err)
	_, err = LoadIdentities(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestOpenCorrupt(t *testing.T) {
	v, store, _ := newTestVault(t)
	_, err := store.Put(context.Background(), "p1/bad.age", strings.NewReader("not age"), blob.PutOptions{})
	require.NoError(t, err)
	_, err = v.Open(context.Background(), "p1/bad.age")
	assert.Error(t, err)
}
