package policy

import "strings"

// match reports whether r matches key and the length of the matched part.
func (r *rule) match(key string) (bool, int) {
	switch r.kind {
	case kindExact:
		if key == r.pattern {
			return true, len(r.pattern)
		}
	case kindPrefix:
		if strings.HasPrefix(key, r.pattern) {
			return true, len(r.pattern)
		}
	case kindRegex:
		if loc := r.re.FindStringIndex(key); loc != nil {
			return true, loc[1] - loc[0]
		}
	}
	return false, 0
}
