package gateway

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tbourn/lms-api-gateway/internal/apierror"
	"github.com/tbourn/lms-api-gateway/internal/domain"
)

// Validator checks one route's query and body rules. Patterns are compiled
// once at construction.
type Validator struct {
	query    []domain.QueryRule
	patterns map[string]*regexp.Regexp
	body     []domain.BodyRule
}

// NewValidator compiles the rules of route.
func NewValidator(route *domain.RouteDescriptor) (*Validator, error) {
	v := &Validator{query: route.Query, body: route.Body, patterns: map[string]*regexp.Regexp{}}
	for _, q := range route.Query {
		if q.Pattern == "" {
			continue
		}
		re, err := regexp.Compile(q.Pattern)
		if err != nil {
			return nil, fmt.Errorf("route %q: query %q: %w", route.Name, q.Name, err)
		}
		v.patterns[q.Name] = re
	}
	return v, nil
}

// HasBodyRules reports whether request bodies need to be inspected.
func (v *Validator) HasBodyRules() bool { return len(v.body) > 0 }

// Query validates q. Only the first value of a repeated parameter is
// checked.
func (v *Validator) Query(q url.Values) []apierror.FieldError {
	var errs []apierror.FieldError
	for _, r := range v.query {
		vals, present := q[r.Name]
		if !present || len(vals) == 0 {
			if r.Required {
				errs = append(errs, apierror.FieldError{Field: r.Name, Message: msgOr(r, r.Name+" is required")})
			}
			continue
		}
		raw := vals[0]
		if msg, ok := v.checkQuery(r, raw, q); !ok {
			errs = append(errs, apierror.FieldError{Field: r.Name, Message: msg, Value: raw})
		}
	}
	return errs
}

func (v *Validator) checkQuery(r domain.QueryRule, raw string, q url.Values) (string, bool) {
	switch r.Type {
	case domain.TypeInt:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return msgOr(r, r.Name+" must be an integer"), false
		}
		if !inRange(r, float64(n)) {
			return msgOr(r, r.Name+" is out of range"), false
		}
		return v.checkGTE(r, float64(n), q)
	case domain.TypeNumber:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return msgOr(r, r.Name+" must be a number"), false
		}
		if !inRange(r, f) {
			return msgOr(r, r.Name+" is out of range"), false
		}
		return v.checkGTE(r, f, q)
	case domain.TypeEnum:
		if !slices.Contains(r.Enum, raw) {
			return msgOr(r, r.Name+" must be one of "+strings.Join(r.Enum, ", ")), false
		}
	default: // string
		n := utf8.RuneCountInString(raw)
		if (r.MinLen > 0 && n < r.MinLen) || (r.MaxLen > 0 && n > r.MaxLen) {
			return msgOr(r, fmt.Sprintf("%s must be between %d and %d characters", r.Name, r.MinLen, r.MaxLen)), false
		}
		if re := v.patterns[r.Name]; re != nil && !re.MatchString(raw) {
			return msgOr(r, r.Name+" has an invalid format"), false
		}
	}
	return "", true
}

// checkGTE enforces r.GTE when the referenced parameter is present and
// numeric; a malformed reference is reported under its own rule.
func (v *Validator) checkGTE(r domain.QueryRule, val float64, q url.Values) (string, bool) {
	if r.GTE == "" {
		return "", true
	}
	other := q.Get(r.GTE)
	if other == "" {
		return "", true
	}
	lo, err := strconv.ParseFloat(strings.TrimSpace(other), 64)
	if err != nil {
		return "", true
	}
	if val < lo {
		return msgOr(r, r.Name+" must be greater than or equal to "+r.GTE), false
	}
	return "", true
}

// Body validates a JSON request body against the body rules. A body that
// is not a JSON object is itself an error.
func (v *Validator) Body(b []byte) []apierror.FieldError {
	if len(v.body) == 0 {
		return nil
	}
	var doc map[string]any
	if len(strings.TrimSpace(string(b))) > 0 {
		if err := json.Unmarshal(b, &doc); err != nil {
			return []apierror.FieldError{{Field: "body", Message: "Request body must be a valid JSON object"}}
		}
	}

	var errs []apierror.FieldError
	for _, r := range v.body {
		val, ok := doc[r.Field]
		if !ok || val == nil {
			if r.Required {
				errs = append(errs, apierror.FieldError{Field: r.Field, Message: r.Field + " is required"})
			}
			continue
		}
		if !jsonTypeIs(val, r.Type) {
			errs = append(errs, apierror.FieldError{Field: r.Field, Message: r.Field + " must be of type " + r.Type, Value: val})
		}
	}
	return errs
}

func jsonTypeIs(v any, typ string) bool {
	switch typ {
	case domain.TypeString:
		_, ok := v.(string)
		return ok
	case domain.TypeNumber:
		_, ok := v.(float64)
		return ok
	case domain.TypeBool:
		_, ok := v.(bool)
		return ok
	case domain.TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case domain.TypeArray:
		_, ok := v.([]any)
		return ok
	default:
		return true
	}
}

func inRange(r domain.QueryRule, f float64) bool {
	if r.Min != nil && f < *r.Min {
		return false
	}
	if r.Max != nil && f > *r.Max {
		return false
	}
	return true
}

func msgOr(r domain.QueryRule, def string) string {
	if r.Message != "" {
		return r.Message
	}
	return def
}
