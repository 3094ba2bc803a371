package orchestration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/apiweaver/apiweaver/core"
)

// Step references have the form "$.steps[i].response.<path>" where <path>
// uses the supported JSONPath subset: `$` root, `.field`, `[i]`, `[*]`.
var stepRefPattern = regexp.MustCompile(`^\$\.steps\[(\d+)\]\.response((?:\.|\[).*)?$`)

// pathSegment matches one `.field`, `[i]` or `[*]` component.
var pathSegment = regexp.MustCompile(`^(?:\.([^.\[\]]+)|\[(\d+)\]|\[\*\])`)

// ParseStepReference extracts the step index from a step-reference string.
// Returns ok=false for values that are not step references.
func ParseStepReference(value string) (step int, ok bool) {
	m := stepRefPattern.FindStringSubmatch(value)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// IsReference reports whether a param value is a JSONPath reference rather
// than a literal.
func IsReference(value interface{}) bool {
	s, isString := value.(string)
	return isString && strings.HasPrefix(s, "$.")
}

// ResolvePath evaluates a JSONPath expression against a document decoded
// from JSON. Multiple matches collapse to an array; zero matches (including
// paths through missing fields) are a resolution error.
func ResolvePath(path string, doc interface{}) (interface{}, error) {
	query, wildcard, err := compilePath(path)
	if err != nil {
		return nil, err
	}

	var matches []interface{}
	iter := query.Run(doc)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if _, isErr := v.(error); isErr {
			// Structural mismatch (e.g. indexing a scalar) is a miss, not a crash.
			continue
		}
		if v == nil {
			continue
		}
		matches = append(matches, v)
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s matched nothing", core.ErrInterpolation, path)
	case 1:
		if wildcard {
			return matches, nil
		}
		return matches[0], nil
	default:
		return matches, nil
	}
}

// compilePath validates the JSONPath subset and compiles it to a gojq query.
// The bool result reports whether the path contains a `[*]` wildcard, in
// which case even a single match is returned as an array.
func compilePath(path string) (*gojq.Query, bool, error) {
	if !strings.HasPrefix(path, "$") {
		return nil, false, fmt.Errorf("%w: path %q must start with $", core.ErrInterpolation, path)
	}

	rest := path[1:]
	var jq strings.Builder
	jq.WriteString(".")
	wildcard := false

	for len(rest) > 0 {
		m := pathSegment.FindStringSubmatch(rest)
		if m == nil {
			return nil, false, fmt.Errorf("%w: invalid path syntax at %q", core.ErrInterpolation, rest)
		}
		switch {
		case m[1] != "": // .field
			jq.WriteString(`["` + strings.ReplaceAll(m[1], `"`, `\"`) + `"]`)
		case m[2] != "": // [i]
			jq.WriteString("[" + m[2] + "]")
		default: // [*]
			jq.WriteString("[]?")
			wildcard = true
		}
		rest = rest[len(m[0]):]
	}

	query, err := gojq.Parse(jq.String())
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", core.ErrInterpolation, err)
	}
	return query, wildcard, nil
}
