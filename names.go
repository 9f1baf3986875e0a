package alljoyn

import "strings"

const maxNameLength = 255

// IsLegalObjectPath reports whether path is a legal object path: "/" alone,
// or '/'-separated segments of [A-Za-z0-9_] with no empty or trailing segment.
func IsLegalObjectPath(path string) bool {
	if path == "" || path[0] != '/' {
		return false
	}
	if path == "/" {
		return true
	}
	if path[len(path)-1] == '/' {
		return false
	}
	for _, seg := range strings.Split(path[1:], "/") {
		if seg == "" {
			return false
		}
		for i := 0; i < len(seg); i++ {
			if !isNameChar(seg[i], true) {
				return false
			}
		}
	}
	return true
}

// IsLegalBusName reports whether name is a legal bus name. Unique names
// start with ':' and allow digit-leading segments; well-known names need at
// least two '.'-separated segments, none starting with a digit. Both allow
// '-' in segments.
func IsLegalBusName(name string) bool {
	if name == "" || len(name) > maxNameLength {
		return false
	}
	unique := name[0] == ':'
	body := name
	if unique {
		body = name[1:]
	}
	segs := strings.Split(body, ".")
	if len(segs) < 2 {
		return false
	}
	for _, seg := range segs {
		if seg == "" {
			return false
		}
		if !unique && seg[0] >= '0' && seg[0] <= '9' {
			return false
		}
		for i := 0; i < len(seg); i++ {
			c := seg[i]
			if !isNameChar(c, true) && c != '-' {
				return false
			}
		}
	}
	return true
}

// IsLegalInterfaceName reports whether name is a legal interface name:
// two or more '.'-separated segments of [A-Za-z0-9_], none starting with a
// digit.
func IsLegalInterfaceName(name string) bool {
	if name == "" || len(name) > maxNameLength {
		return false
	}
	segs := strings.Split(name, ".")
	if len(segs) < 2 {
		return false
	}
	for _, seg := range segs {
		if seg == "" || (seg[0] >= '0' && seg[0] <= '9') {
			return false
		}
		for i := 0; i < len(seg); i++ {
			if !isNameChar(seg[i], true) {
				return false
			}
		}
	}
	return true
}

// IsLegalMemberName reports whether name is a legal member name:
// [A-Za-z_][A-Za-z0-9_]*.
func IsLegalMemberName(name string) bool {
	if name == "" || len(name) > maxNameLength {
		return false
	}
	if name[0] >= '0' && name[0] <= '9' {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !isNameChar(name[i], true) {
			return false
		}
	}
	return true
}

func isNameChar(c byte, allowDigit bool) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		return true
	case c >= '0' && c <= '9':
		return allowDigit
	default:
		return false
	}
}
