// Package vault keeps encrypted copies of what pseudonymisation removes from
// a container, so that a pseudonymised container can be restored by a key
// holder.
//
// A backup is encoded as CBOR, compressed with zstd and encrypted with age to
// the configured recipients before it reaches the blob store. The store never
// sees plaintext.
package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/blob"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/codec"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/errs"
)

// backupVersion is written into every envelope.
const backupVersion = 1

// maxPlaintext bounds the decompressed size of one backup.
const maxPlaintext = 256 << 20

// TagValue is the original value of an edited ASCII tag.
type TagValue struct {
	IFD   int    `cbor:"i"`
	Tag   uint16 `cbor:"t"`
	Value string `cbor:"v"`
}

// PlaneData is the original encoded pixel data of an edited plane.
type PlaneData struct {
	IFD         int      `cbor:"i"`
	Compression uint16   `cbor:"c"`
	Strips      [][]byte `cbor:"s"`
}

// Backup is the content of one vault entry.
type Backup struct {
	Version      int         `cbor:"v"`
	PseudonymID  string      `cbor:"p"`
	SourceDigest string      `cbor:"sd"`
	OutputDigest string      `cbor:"od"`
	Tags         []TagValue  `cbor:"tags"`
	Planes       []PlaneData `cbor:"planes"`
	CreatedAt    int64       `cbor:"at"`
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		panic("vault: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPlaintext))
	if err != nil {
		panic("vault: zstd decoder initialization failed: " + err.Error())
	}
}

// Vault seals backups into a blob store.
type Vault struct {
	store      blob.Store
	recipients []age.Recipient
	identities []age.Identity
}

// New returns a vault writing to store. Recipients are needed to seal,
// identities to open; either may be empty for a one-way vault.
func New(store blob.Store, recipients []age.Recipient, identities []age.Identity) *Vault {
	return &Vault{store: store, recipients: recipients, identities: identities}
}

// ParseRecipients parses age public keys ("age1...").
func ParseRecipients(keys []string) ([]age.Recipient, error) {
	out := make([]age.Recipient, 0, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		r, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// LoadIdentities reads age identities from an identity file.
func LoadIdentities(path string) ([]age.Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ids, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parsing identities in %s: %w", path, err)
	}
	return ids, nil
}

// Key returns the blob key of a backup.
func Key(pseudonymID, sourceDigest string) string {
	return pseudonymID + "/" + sourceDigest + ".age"
}

// Seal stores b and returns its key. Sealing the same source twice keeps the
// first backup.
func (v *Vault) Seal(ctx context.Context, b Backup) (string, error) {
	if len(v.recipients) == 0 {
		return "", fmt.Errorf("vault: no recipients configured")
	}
	if b.PseudonymID == "" || b.SourceDigest == "" {
		return "", fmt.Errorf("vault: backup needs a pseudonym id and a source digest")
	}
	b.Version = backupVersion

	plain, err := codec.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("vault: encode backup: %w", err)
	}
	var sealed bytes.Buffer
	w, err := age.Encrypt(&sealed, v.recipients...)
	if err != nil {
		return "", fmt.Errorf("vault: creating age encryptor: %w", err)
	}
	if _, err := w.Write(zstdEncoder.EncodeAll(plain, nil)); err != nil {
		return "", fmt.Errorf("vault: writing to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("vault: finalizing age encryption: %w", err)
	}

	key := Key(b.PseudonymID, b.SourceDigest)
	_, err = v.store.Put(ctx, key, &sealed, blob.PutOptions{
		ContentType: "application/age",
		Metadata:    map[string]string{"output-digest": b.OutputDigest},
	})
	if err != nil && !errors.Is(err, blob.ErrExists) {
		return "", fmt.Errorf("vault: store %s: %w", key, err)
	}
	return key, nil
}

// Open decrypts the backup stored under key.
func (v *Vault) Open(ctx context.Context, key string) (*Backup, error) {
	if len(v.identities) == 0 {
		return nil, fmt.Errorf("vault: no identities configured")
	}
	_, rc, err := v.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	r, err := age.Decrypt(rc, v.identities...)
	if err != nil {
		return nil, fmt.Errorf("vault: decrypting %s: %w", key, err)
	}
	compressed, err := io.ReadAll(io.LimitReader(r, maxPlaintext))
	if err != nil {
		return nil, fmt.Errorf("vault: reading %s: %w", key, err)
	}
	plain, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: zstd decompress %s: %w", key, err)
	}
	var b Backup
	if err := codec.Unmarshal(plain, &b); err != nil {
		return nil, fmt.Errorf("vault: decode %s: %w", key, err)
	}
	if b.Version != backupVersion {
		return nil, fmt.Errorf("vault: %s has unsupported version %d", key, b.Version)
	}
	return &b, nil
}

// Find returns the backup of pseudonymID whose pseudonymised output has the
// given digest.
func (v *Vault) Find(ctx context.Context, pseudonymID, outputDigest string) (*Backup, error) {
	infos, err := v.store.List(ctx, pseudonymID+"/")
	if err != nil {
		return nil, fmt.Errorf("vault: list %s: %w", pseudonymID, err)
	}
	for _, info := range infos {
		if d, ok := info.Metadata["output-digest"]; ok && d != outputDigest {
			continue
		}
		b, err := v.Open(ctx, info.Key)
		if err != nil {
			return nil, err
		}
		if b.PseudonymID == pseudonymID && b.OutputDigest == outputDigest {
			return b, nil
		}
	}
	return nil, errs.New("vault.Find", errs.ErrNotFound, "no backup of %s for output %s", pseudonymID, outputDigest)
}
