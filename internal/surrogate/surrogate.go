// Package surrogate produces substitute values for the identity-bearing
// fields of a slide record.
package surrogate

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"path"
	"strings"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/models"
)

// Base62 is the default identifier alphabet.
const Base62 = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// DefaultIDSize gives roughly 77 bits of randomness with Base62.
const DefaultIDSize = 13

// maxDraws bounds the attempts to draw values distinct from the original.
const maxDraws = 8

// IDStrategy mints surrogate identifiers.
type IDStrategy interface {
	NewID() (string, error)
}

// RandomID draws Size characters from Alphabet using crypto/rand.
type RandomID struct {
	Size     int
	Alphabet string
}

// NewID implements IDStrategy.
func (r RandomID) NewID() (string, error) {
	size, alphabet := r.Size, r.Alphabet
	if size <= 0 {
		size = DefaultIDSize
	}
	if alphabet == "" {
		alphabet = Base62
	}
	limit := big.NewInt(int64(len(alphabet)))
	var b strings.Builder
	b.Grow(size)
	for i := 0; i < size; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("draw id: %w", err)
		}
		b.WriteByte(alphabet[n.Int64()])
	}
	return b.String(), nil
}

// NameStrategy derives a display name from a surrogate id.
type NameStrategy interface {
	Name(id string) string
}

// NameTemplate replaces "{id}" in the template with the surrogate id.
type NameTemplate string

// Name implements NameStrategy.
func (t NameTemplate) Name(id string) string {
	return strings.ReplaceAll(string(t), "{id}", id)
}

// PathStrategy derives a container path from the original path and a surrogate id.
type PathStrategy interface {
	Path(original, id string) string
}

// RenameToID keeps the directory and extension and replaces the base name.
type RenameToID struct{}

// Path implements PathStrategy.
func (RenameToID) Path(original, id string) string {
	slashed := strings.ReplaceAll(original, "\\", "/")
	dir, base := path.Split(slashed)
	return dir + id + path.Ext(base)
}

// Generator builds surrogate identities.
type Generator struct {
	IDs   IDStrategy
	Names NameStrategy
	Times TimeShifter
	Paths PathStrategy
}

// NewGenerator returns a generator with base62 ids, "wsi_{id}" names,
// id-based paths and the given time shifter.
func NewGenerator(times TimeShifter) *Generator {
	return &Generator{
		IDs:   RandomID{Size: DefaultIDSize, Alphabet: Base62},
		Names: NameTemplate("wsi_{id}"),
		Times: times,
		Paths: RenameToID{},
	}
}

// Surrogate returns a substitute for original. Identifier, name,
// acquisition time and path differ from the original; stain and tissue
// are carried over. Empty fields stay empty.
func (g *Generator) Surrogate(ctx context.Context, original models.SlideIdentity) (models.SlideIdentity, error) {
	if err := ctx.Err(); err != nil {
		return models.SlideIdentity{}, err
	}
	id, err := g.NewID(original)
	if err != nil {
		return models.SlideIdentity{}, err
	}
	return g.WithID(original, id)
}

// NewID draws an identifier whose derived name and path both differ from
// the original's.
func (g *Generator) NewID(original models.SlideIdentity) (string, error) {
	for i := 0; i < maxDraws; i++ {
		id, err := g.IDs.NewID()
		if err != nil {
			return "", err
		}
		if id == original.ID || (original.Name != "" && g.Names.Name(id) == original.Name) ||
			(original.Path != "" && g.Paths.Path(original.Path, id) == original.Path) {
			continue
		}
		return id, nil
	}
	return "", fmt.Errorf("no distinct id after %d draws", maxDraws)
}

// WithID builds the surrogate for a chosen identifier.
func (g *Generator) WithID(original models.SlideIdentity, id string) (models.SlideIdentity, error) {
	s := models.SlideIdentity{
		ID:     id,
		Stain:  original.Stain,
		Tissue: original.Tissue,
	}
	if original.Name != "" {
		s.Name = g.Names.Name(id)
	}
	if original.Path != "" {
		s.Path = g.Paths.Path(original.Path, id)
	}
	if original.AcquiredAt != "" {
		var err error
		if s.AcquiredAt, err = ShiftTimestamp(original.AcquiredAt, g.Times); err != nil {
			return models.SlideIdentity{}, err
		}
	}
	return s, nil
}

// Reissue replaces the identifier of s and the fields derived from it,
// keeping the shifted timestamp.
func (g *Generator) Reissue(original, s models.SlideIdentity) (models.SlideIdentity, error) {
	id, err := g.NewID(original)
	if err != nil {
		return models.SlideIdentity{}, err
	}
	s.ID = id
	if s.Name != "" {
		s.Name = g.Names.Name(id)
	}
	if s.Path != "" {
		s.Path = g.Paths.Path(original.Path, id)
	}
	return s, nil
}
