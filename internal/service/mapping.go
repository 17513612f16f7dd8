// Package service holds the pseudonymisation business logic: the mapping
// service that registers and resolves identities over a MappingRepository,
// and the orchestrator that rewrites slide containers.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/errs"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/models"
)

// MappingRepository defines the persistence operations
// required by the mapping service.
type MappingRepository interface {
	// Insert stores m under key. It reports false when key is already mapped
	// and fails with errs.ErrPseudonymTaken when m's identifiers are in use.
	Insert(ctx context.Context, key string, m models.PseudonymMapping) (bool, error)
	GetByOriginalKey(ctx context.Context, key string) (*models.PseudonymMapping, error)
	GetByPseudonym(ctx context.Context, pseudonymID string) (*models.PseudonymMapping, error)
	GetBySurrogateID(ctx context.Context, id string) (*models.PseudonymMapping, error)
}

// PseudonymChecker is implemented by repositories that can report whether
// a pseudonym or surrogate id is already in use without attempting an insert.
type PseudonymChecker interface {
	PseudonymExists(ctx context.Context, pseudonymID, surrogateID string) (bool, error)
}

// SurrogateFunc produces the surrogate of a new mapping.
type SurrogateFunc func(ctx context.Context) (models.SlideIdentity, error)

// ReissueFunc replaces the identifier of a surrogate whose id collided with
// a stored mapping.
type ReissueFunc func(original, surrogate models.SlideIdentity) (models.SlideIdentity, error)

// Backoff bounds the retries of store operations that fail with
// errs.ErrStoreUnavailable. The wait starts at Base and doubles up to Max.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultBackoff is used by NewMappingService.
var DefaultBackoff = Backoff{Attempts: 5, Base: 50 * time.Millisecond, Max: 2 * time.Second}

// DefaultMaxIDAttempts is how many pseudonym ids are tried before a
// registration fails with errs.ErrMappingConflict.
const DefaultMaxIDAttempts = 10

// maxJoins bounds how often a caller re-joins a registration that was
// cancelled by the caller that started it.
const maxJoins = 3

// MappingService registers and resolves pseudonym mappings.
type MappingService struct {
	repo  MappingRepository
	keyer Keyer

	Log *zap.Logger
	// NewPseudonymID mints mapping identifiers.
	NewPseudonymID func() string
	// Reissue is called on surrogate id collisions. When nil only the
	// pseudonym id is regenerated.
	Reissue       ReissueFunc
	Now           func() time.Time
	MaxIDAttempts int
	Retry         Backoff

	group singleflight.Group
}

// NewMappingService constructs a MappingService over repo.
func NewMappingService(repo MappingRepository, keyer Keyer, log *zap.Logger) *MappingService {
	if log == nil {
		log = zap.NewNop()
	}
	return &MappingService{
		repo:           repo,
		keyer:          keyer,
		Log:            log,
		NewPseudonymID: uuid.NewString,
		Now:            time.Now,
		MaxIDAttempts:  DefaultMaxIDAttempts,
		Retry:          DefaultBackoff,
	}
}

// RegisterOrGet returns the mapping of original, creating it when none
// exists. makeSurrogate is called at most once per call and only when a new
// mapping is about to be stored. Concurrent callers in this process share
// one registration; across processes the store's unique key on the
// original decides the winner and losers read the winning mapping.
func (s *MappingService) RegisterOrGet(ctx context.Context, original models.SlideIdentity, makeSurrogate SurrogateFunc) (*models.PseudonymMapping, error) {
	key, err := s.keyer.Key(original)
	if err != nil {
		return nil, fmt.Errorf("RegisterOrGet: %w", err)
	}

	for joins := 1; ; joins++ {
		ch := s.group.DoChan(key, func() (any, error) {
			return s.register(ctx, key, original, makeSurrogate)
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				// The shared call ran under another caller's context.
				if res.Shared && ctx.Err() == nil && contextError(res.Err) && joins < maxJoins {
					continue
				}
				return nil, res.Err
			}
			m := *res.Val.(*models.PseudonymMapping)
			return &m, nil
		}
	}
}

func (s *MappingService) register(ctx context.Context, key string, original models.SlideIdentity, makeSurrogate SurrogateFunc) (*models.PseudonymMapping, error) {
	const op = "service.RegisterOrGet"

	m, err := s.byKey(ctx, key)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	surrogate, err := makeSurrogate(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: make surrogate: %w", op, err)
	}
	cand := models.PseudonymMapping{
		PseudonymID: s.NewPseudonymID(),
		Original:    original,
		Surrogate:   surrogate,
		CreatedAt:   s.Now().UTC().Truncate(time.Microsecond),
	}

	for attempt := 1; ; attempt++ {
		var created bool
		err := s.retry(ctx, "insert mapping", func() error {
			if err := s.checkFree(ctx, cand); err != nil {
				return err
			}
			var err error
			created, err = s.repo.Insert(ctx, key, cand)
			return err
		})
		switch {
		case err == nil && created:
			s.Log.Info("mapping registered",
				zap.String("pseudonym_id", cand.PseudonymID),
				zap.Int("attempts", attempt),
			)
			return &cand, nil
		case err == nil:
			// Another writer registered the same original first.
			m, err := s.byKey(ctx, key)
			if errors.Is(err, errs.ErrNotFound) {
				return nil, errs.New(op, errs.ErrMappingConflict, "key conflict without a readable mapping")
			}
			return m, err
		case errors.Is(err, errs.ErrPseudonymTaken):
			if attempt >= s.MaxIDAttempts {
				return nil, errs.New(op, errs.ErrMappingConflict, "no free pseudonym after %d attempts", attempt)
			}
			s.Log.Warn("pseudonym collision, regenerating", zap.Int("attempt", attempt))
			cand.PseudonymID = s.NewPseudonymID()
			if s.Reissue != nil {
				if cand.Surrogate, err = s.Reissue(original, cand.Surrogate); err != nil {
					return nil, fmt.Errorf("%s: reissue surrogate: %w", op, err)
				}
			}
		default:
			return nil, err
		}
	}
}

// checkFree fails with errs.ErrPseudonymTaken when the repository already
// holds cand's pseudonym or surrogate id. Insert still enforces both.
func (s *MappingService) checkFree(ctx context.Context, cand models.PseudonymMapping) error {
	c, ok := s.repo.(PseudonymChecker)
	if !ok {
		return nil
	}
	taken, err := c.PseudonymExists(ctx, cand.PseudonymID, cand.Surrogate.ID)
	if err != nil {
		return err
	}
	if taken {
		return errs.New("service.RegisterOrGet", errs.ErrPseudonymTaken,
			"pseudonym %s or surrogate %s in use", cand.PseudonymID, cand.Surrogate.ID)
	}
	return nil
}

// ResolveByPseudonym returns the mapping with the given id or errs.ErrNotFound.
func (s *MappingService) ResolveByPseudonym(ctx context.Context, pseudonymID string) (*models.PseudonymMapping, error) {
	var m *models.PseudonymMapping
	err := s.retry(ctx, "get by pseudonym", func() error {
		var err error
		m, err = s.repo.GetByPseudonym(ctx, pseudonymID)
		return err
	})
	return m, err
}

// ResolveByOriginal returns the mapping of original or errs.ErrNotFound.
func (s *MappingService) ResolveByOriginal(ctx context.Context, original models.SlideIdentity) (*models.PseudonymMapping, error) {
	key, err := s.keyer.Key(original)
	if err != nil {
		return nil, fmt.Errorf("ResolveByOriginal: %w", err)
	}
	return s.byKey(ctx, key)
}

// ResolveBySurrogate returns the mapping whose surrogate carries id, or
// errs.ErrNotFound.
func (s *MappingService) ResolveBySurrogate(ctx context.Context, id string) (*models.PseudonymMapping, error) {
	var m *models.PseudonymMapping
	err := s.retry(ctx, "get by surrogate", func() error {
		var err error
		m, err = s.repo.GetBySurrogateID(ctx, id)
		return err
	})
	return m, err
}

func (s *MappingService) byKey(ctx context.Context, key string) (*models.PseudonymMapping, error) {
	var m *models.PseudonymMapping
	err := s.retry(ctx, "get by key", func() error {
		var err error
		m, err = s.repo.GetByOriginalKey(ctx, key)
		return err
	})
	return m, err
}

// retry runs fn until it succeeds, fails with anything other than
// errs.ErrStoreUnavailable, or the attempts are used up.
func (s *MappingService) retry(ctx context.Context, what string, fn func() error) error {
	wait := s.Retry.Base
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, errs.ErrStoreUnavailable) || attempt >= s.Retry.Attempts || ctx.Err() != nil {
			return err
		}
		s.Log.Warn("store unavailable, retrying",
			zap.String("op", what),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		wait = min(wait*2, s.Retry.Max)
	}
}

func contextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
