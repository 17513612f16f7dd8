package barcode

import (
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/codec"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/errs"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/models"
)

// Payload is the identity carried by a label barcode.
type Payload struct {
	ID         string `cbor:"i"`
	AcquiredAt string `cbor:"t"`
	Stain      string `cbor:"s,omitempty"`
	Tissue     string `cbor:"x,omitempty"`
}

// PayloadFor extracts the barcode fields of an identity.
func PayloadFor(id models.SlideIdentity) Payload {
	return Payload{ID: id.ID, AcquiredAt: id.AcquiredAt, Stain: id.Stain, Tissue: id.Tissue}
}

// Bytes encodes the payload as deterministic CBOR.
func (p Payload) Bytes() ([]byte, error) {
	return codec.Marshal(p)
}

// ParsePayload decodes bytes read from a symbol.
func ParsePayload(data []byte) (Payload, error) {
	var p Payload
	if err := codec.Unmarshal(data, &p); err != nil {
		return Payload{}, errs.Wrap("barcode.ParsePayload", errs.ErrBarcodeUnreadable, err)
	}
	return p, nil
}

// Match returns ErrIdentityMismatch naming the first differing field.
func (p Payload) Match(want Payload) error {
	for _, f := range []struct{ name, got, want string }{
		{"id", p.ID, want.ID},
		{"acquired_at", p.AcquiredAt, want.AcquiredAt},
		{"stain", p.Stain, want.Stain},
		{"tissue", p.Tissue, want.Tissue},
	} {
		if f.got != f.want {
			return errs.New("barcode.Match", errs.ErrIdentityMismatch, "%s differs", f.name)
		}
	}
	return nil
}
