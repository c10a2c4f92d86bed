package entityid

import (
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"
)

// suggestThreshold is the minimum Jaro-Winkler similarity of a lowercased
// unknown name to a registered one for the latter to be offered as a hint.
const suggestThreshold = 0.85

// UnknownKindError reports a kind name that is not registered. Suggestion
// holds the closest registered name, or "" when none is close enough.
type UnknownKindError struct {
	Name       string
	Suggestion string
}

func (e *UnknownKindError) Error() string {
	if e.Suggestion == "" {
		return fmt.Sprintf("%v: unknown kind %q", ErrFormat, e.Name)
	}
	return fmt.Sprintf("%v: unknown kind %q (did you mean %q?)", ErrFormat, e.Name, e.Suggestion)
}

// Unwrap makes an unknown kind match [ErrFormat].
func (e *UnknownKindError) Unwrap() error { return ErrFormat }

// Resolve returns the kind registered under name, or an [*UnknownKindError]
// carrying the closest registered name.
func (r *KindRegistry) Resolve(name string) (Kind, error) {
	if k, ok := r.Lookup(name); ok {
		return k, nil
	}
	return KindNone, &UnknownKindError{Name: name, Suggestion: r.Suggest(name)}
}

// Suggest returns the registered kind name most similar to name, ignoring
// case, or "" when nothing scores at least suggestThreshold. Ties go to the
// lower kind.
func (r *KindRegistry) Suggest(name string) string {
	if name == "" {
		return ""
	}
	want := strings.ToLower(name)
	best, bestScore := "", suggestThreshold
	for k := range r.Kinds() {
		candidate := r.Name(k)
		if score := matchr.JaroWinkler(want, strings.ToLower(candidate), false); score > bestScore ||
			(score == bestScore && best == "") {
			best, bestScore = candidate, score
		}
	}
	return best
}
