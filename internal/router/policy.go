package router

import "fmt"

// Classification is the data-sensitivity tag of a request. Internal and
// confidential data must stay on local backends; that rule overrides the
// explicit backend choice and the breaker state.
type Classification string

const (
	ClassPublic       Classification = "public"
	ClassGeneral      Classification = "general"
	ClassInternal     Classification = "internal"
	ClassConfidential Classification = "confidential"
)

func ParseClassification(s string) (Classification, error) {
	switch Classification(s) {
	case ClassPublic, ClassGeneral, ClassInternal, ClassConfidential:
		return Classification(s), nil
	case "":
		return ClassGeneral, nil
	default:
		return "", fmt.Errorf("unknown data classification %q", s)
	}
}

// LocalOnly reports whether the classification forbids cloud backends.
func (c Classification) LocalOnly() bool {
	return c == ClassInternal || c == ClassConfidential
}
