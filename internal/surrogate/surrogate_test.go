package surrogate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/errs"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/models"
)

var example = models.SlideIdentity{
	ID:         "0001",
	Name:       "Study_1",
	AcquiredAt: "10:43AM 21.02.2022",
	Stain:      "Ki67",
	Tissue:     "bone marrow",
	Path:       "CMU-1.svs",
}

type fixedIDs []string

func (f *fixedIDs) NewID() (string, error) {
	if len(*f) == 0 {
		return "", errors.New("out of ids")
	}
	id := (*f)[0]
	*f = (*f)[1:]
	return id, nil
}

func TestSurrogateExample(t *testing.T) {
	g := NewGenerator(RandomShift{MinDays: 1, MaxYears: 5})

	s, err := g.Surrogate(context.Background(), example)
	require.NoError(t, err)

	assert.Len(t, s.ID, DefaultIDSize)
	for _, r := range s.ID {
		assert.True(t, strings.ContainsRune(Base62, r), "id %q", s.ID)
	}
	assert.Equal(t, "wsi_"+s.ID, s.Name)
	assert.Equal(t, s.ID+".svs", s.Path)
	assert.Equal(t, example.Stain, s.Stain)
	assert.Equal(t, example.Tissue, s.Tissue)

	assert.NotEqual(t, example.ID, s.ID)
	assert.NotEqual(t, example.Name, s.Name)
	assert.NotEqual(t, example.AcquiredAt, s.AcquiredAt)
	assert.NotEqual(t, example.Path, s.Path)

	orig, err := time.Parse("03:04PM 02.01.2006", example.AcquiredAt)
	require.NoError(t, err)
	got, err := time.Parse("03:04PM 02.01.2006", s.AcquiredAt)
	require.NoError(t, err, "layout must be kept: %q", s.AcquiredAt)
	assert.True(t, got.Before(orig))
	assert.LessOrEqual(t, orig.Sub(got), 5*365*24*time.Hour)
	assert.GreaterOrEqual(t, orig.Sub(got), 24*time.Hour)
}

func TestSurrogateDistinctAcrossRuns(t *testing.T) {
	g := NewGenerator(RandomShift{MinDays: 1, MaxYears: 1})
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		s, err := g.Surrogate(context.Background(), example)
		require.NoError(t, err)
		assert.False(t, seen[s.ID], "duplicate id %s", s.ID)
		seen[s.ID] = true
		assert.NotEqual(t, example.AcquiredAt, s.AcquiredAt)
	}
}

func TestNewIDSkipsCollisions(t *testing.T) {
	ids := fixedIDs{"0001", "abc"}
	g := NewGenerator(FixedShift{Days: 3})
	g.IDs = &ids

	s, err := g.Surrogate(context.Background(), example)
	require.NoError(t, err)
	assert.Equal(t, "abc", s.ID)
	assert.Equal(t, "10:43AM 18.02.2022", s.AcquiredAt)

	ids = fixedIDs{"x", "x", "x", "x", "x", "x", "x", "x"}
	_, err = g.NewID(models.SlideIdentity{ID: "x"})
	assert.Error(t, err)
}

func TestReissueKeepsTimestamp(t *testing.T) {
	ids := fixedIDs{"first", "second"}
	g := NewGenerator(FixedShift{Days: 10})
	g.IDs = &ids

	s, err := g.Surrogate(context.Background(), example)
	require.NoError(t, err)
	r, err := g.Reissue(example, s)
	require.NoError(t, err)
	assert.Equal(t, "second", r.ID)
	assert.Equal(t, "wsi_second", r.Name)
	assert.Equal(t, "second.svs", r.Path)
	assert.Equal(t, s.AcquiredAt, r.AcquiredAt)
}

func TestEmptyFieldsStayEmpty(t *testing.T) {
	g := NewGenerator(FixedShift{Days: 1})
	s, err := g.Surrogate(context.Background(), models.SlideIdentity{ID: "7"})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Empty(t, s.Name)
	assert.Empty(t, s.AcquiredAt)
	assert.Empty(t, s.Path)
}

func TestSurrogateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewGenerator(FixedShift{Days: 1}).Surrogate(ctx, example)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRenameToID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"CMU-1.svs", "ID.svs"},
		{"/data/slides/CMU-1.svs", "/data/slides/ID.svs"},
		{`C:\slides\a.b.tiff`, "C:/slides/ID.tiff"},
		{"noext", "ID"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RenameToID{}.Path(tt.in, "ID"), tt.in)
	}
}

func TestShiftTimestampLayouts(t *testing.T) {
	shift := FixedShift{Days: 2}
	tests := []struct {
		in, want string
	}{
		{"10:43AM 21.02.2022", "10:43AM 19.02.2022"},
		{"9:05PM 01.03.2020", "9:05PM 28.02.2020"},
		{"21.02.2022", "19.02.2022"},
		{"2022-02-21T10:43:00Z", "2022-02-19T10:43:00Z"},
		{"2022:02:21 10:43:00", "2022:02:19 10:43:00"},
		{"02/21/22", "02/19/22"},
	}
	for _, tt := range tests {
		got, err := ShiftTimestamp(tt.in, shift)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestShiftTimestampInvalid(t *testing.T) {
	_, err := ShiftTimestamp("sometime last spring", FixedShift{Days: 1})
	assert.ErrorIs(t, err, errs.ErrInvalidTimestamp)

	_, err = ShiftTimestamp("21.02.2022", FixedShift{})
	assert.Error(t, err)
}

func TestRandomShiftNearEpoch(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := RandomShift{MinDays: 10, MaxYears: 2, Clock: ClockFunc(func() time.Time { return now })}
	early := time.Date(1970, 1, 3, 0, 0, 0, 0, time.UTC)

	got, err := s.Shift(early, 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, got.After(early))
	assert.Zero(t, got.Sub(early)%(24*time.Hour))

	s.Clock = ClockFunc(func() time.Time { return early })
	_, err = s.Shift(early, 24*time.Hour)
	assert.ErrorIs(t, err, errs.ErrInvalidTimestamp)
}

func TestRandomShiftUnitMultiple(t *testing.T) {
	s := RandomShift{MinDays: 1, MaxYears: 3}
	base := time.Date(2020, 5, 5, 12, 30, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		got, err := s.Shift(base, time.Minute)
		require.NoError(t, err)
		d := base.Sub(got)
		assert.Zero(t, d%time.Minute)
		assert.GreaterOrEqual(t, d, 24*time.Hour)
	}
}

func TestOffsetShiftBy(t *testing.T) {
	d, err := Offset("10:43AM 21.02.2022", "10:43AM 19.02.2022")
	require.NoError(t, err)
	assert.Equal(t, -48*time.Hour, d)

	got, err := ShiftBy("2022:02:21 10:43:00", "2006:01:02 15:04:05", d)
	require.NoError(t, err)
	assert.Equal(t, "2022:02:19 10:43:00", got)

	_, err = Offset("yesterday", "10:43AM 19.02.2022")
	assert.ErrorIs(t, err, errs.ErrInvalidTimestamp)
	_, err = ShiftBy("02/21/22", "2006:01:02 15:04:05", d)
	assert.ErrorIs(t, err, errs.ErrInvalidTimestamp)
}
