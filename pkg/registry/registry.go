package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/gregtusar/quantflow/pkg/models"
)

var ErrInvalidInstrument = errors.New("invalid instrument")

// Registry is the immutable set of instruments served by the process.
type Registry struct {
	byID    map[int32]models.Instrument
	ordered []models.Instrument
}

func New(instruments []models.Instrument) (*Registry, error) {
	if len(instruments) == 0 {
		return nil, fmt.Errorf("%w: no instruments configured", ErrInvalidInstrument)
	}

	r := &Registry{
		byID:    make(map[int32]models.Instrument, len(instruments)),
		ordered: make([]models.Instrument, 0, len(instruments)),
	}
	for _, inst := range instruments {
		if err := validate(inst); err != nil {
			return nil, err
		}
		if _, exists := r.byID[inst.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate id %d", ErrInvalidInstrument, inst.ID)
		}
		inst.Underlying = models.NormalizeSymbol(inst.Underlying)
		r.byID[inst.ID] = inst
		r.ordered = append(r.ordered, inst)
	}

	sort.Slice(r.ordered, func(i, j int) bool { return r.ordered[i].ID < r.ordered[j].ID })
	return r, nil
}

func validate(inst models.Instrument) error {
	switch {
	case inst.ID <= 0:
		return fmt.Errorf("%w: id must be positive, got %d", ErrInvalidInstrument, inst.ID)
	case inst.Symbol == "":
		return fmt.Errorf("%w: instrument %d has no symbol", ErrInvalidInstrument, inst.ID)
	case inst.Depth <= 0:
		return fmt.Errorf("%w: instrument %d depth must be positive, got %d", ErrInvalidInstrument, inst.ID, inst.Depth)
	case inst.Underlying == "":
		return fmt.Errorf("%w: instrument %d (%s) has no underlying symbol", ErrInvalidInstrument, inst.ID, inst.Symbol)
	}
	return nil
}

// All returns the instruments ordered by id.
func (r *Registry) All() []models.Instrument {
	out := make([]models.Instrument, len(r.ordered))
	copy(out, r.ordered)
	return out
}

func (r *Registry) Get(id int32) (models.Instrument, bool) {
	inst, ok := r.byID[id]
	return inst, ok
}

// Underlyings returns the distinct upstream symbols, sorted.
func (r *Registry) Underlyings() []string {
	seen := make(map[string]struct{}, len(r.ordered))
	var out []string
	for _, inst := range r.ordered {
		if _, ok := seen[inst.Underlying]; ok {
			continue
		}
		seen[inst.Underlying] = struct{}{}
		out = append(out, inst.Underlying)
	}
	sort.Strings(out)
	return out
}
