package allocation

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownCategory = errors.New("unknown lot category")

// Resolver maps a requested category name onto the categories the lot store
// actually holds. Implementations may apply fuzzier matching, for example to
// absorb speech-to-text artifacts in voice-note requests.
type Resolver interface {
	Resolve(requested string, available []string) (string, error)
}

// ExactResolver matches case-insensitively after trimming whitespace. An
// empty request resolves to the empty category, meaning no filter.
type ExactResolver struct{}

func (ExactResolver) Resolve(requested string, available []string) (string, error) {
	want := strings.TrimSpace(requested)
	if want == "" {
		return "", nil
	}
	for _, category := range available {
		if strings.EqualFold(category, want) {
			return category, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, requested)
}
