package dispatch

import "strings"

// Class is the reachability meaning of a failed delivery.
type Class int

const (
	// ClassTransient leaves the recipient's reachability unchanged.
	ClassTransient Class = iota
	// ClassPermanent means the recipient can no longer be reached.
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// DefaultBlockTerms are matched case-insensitively as substrings of the
// platform's error description.
var DefaultBlockTerms = []string{
	"blocked",
	"bot was blocked",
	"user is deactivated",
	"chat not found",
}

type Classifier struct {
	terms []string
}

// NewClassifier returns a classifier over DefaultBlockTerms plus extra.
func NewClassifier(extra ...string) Classifier {
	terms := make([]string, 0, len(DefaultBlockTerms)+len(extra))
	seen := map[string]struct{}{}
	for _, t := range append(append([]string(nil), DefaultBlockTerms...), extra...) {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}
	return Classifier{terms: terms}
}

func (c Classifier) Classify(desc string) Class {
	d := strings.ToLower(desc)
	for _, t := range c.terms {
		if strings.Contains(d, t) {
			return ClassPermanent
		}
	}
	return ClassTransient
}

var defaultClassifier = NewClassifier()

// Classify uses the default block terms.
func Classify(desc string) Class { return defaultClassifier.Classify(desc) }
