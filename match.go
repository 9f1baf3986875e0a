package alljoyn

import (
	"fmt"
	"strconv"
	"strings"
)

// matchRule filters signal delivery. Rules are parsed from D-Bus style
// match strings: comma-separated key='value' pairs. Supported keys are
// sender, path, interface, member, and argN (N = 0..63) which matches the
// Nth signal argument as a string. An empty rule matches everything.
type matchRule struct {
	sender  string
	path    string
	iface   string
	member  string
	args    map[int]string
	hasArgs bool
}

func parseMatchRule(rule string) (matchRule, error) {
	var r matchRule
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return r, nil
	}
	for _, part := range strings.Split(rule, ",") {
		part = strings.TrimSpace(part)
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return r, fmt.Errorf("%w: %q", ErrBadMatchRule, part)
		}
		value = strings.Trim(value, "'")
		switch {
		case key == "sender":
			r.sender = value
		case key == "path":
			r.path = value
		case key == "interface":
			r.iface = value
		case key == "member":
			r.member = value
		case key == "type":
			if value != "signal" {
				return r, fmt.Errorf("%w: unsupported type %q", ErrBadMatchRule, value)
			}
		case strings.HasPrefix(key, "arg"):
			n, err := strconv.Atoi(key[3:])
			if err != nil || n < 0 || n > 63 {
				return r, fmt.Errorf("%w: %q", ErrBadMatchRule, key)
			}
			if r.args == nil {
				r.args = make(map[int]string)
			}
			r.args[n] = value
			r.hasArgs = true
		default:
			return r, fmt.Errorf("%w: unknown key %q", ErrBadMatchRule, key)
		}
	}
	return r, nil
}

// matches reports whether the rule accepts the signal. Argument matching
// decodes the payload lazily and only compares string-typed arguments.
func (r matchRule) matches(msg *Message) bool {
	if r.sender != "" && r.sender != msg.Sender {
		return false
	}
	if r.path != "" && r.path != msg.Path {
		return false
	}
	if r.iface != "" && r.iface != msg.Iface {
		return false
	}
	if r.member != "" && r.member != msg.Member {
		return false
	}
	if r.hasArgs {
		args, err := msg.UnmarshalArgs("*")
		if err != nil {
			return false
		}
		for n, want := range r.args {
			if n >= len(args) {
				return false
			}
			got, ok := args[n].(string)
			if !ok || got != want {
				return false
			}
		}
	}
	return true
}

func (r matchRule) String() string {
	var parts []string
	if r.sender != "" {
		parts = append(parts, "sender='"+r.sender+"'")
	}
	if r.path != "" {
		parts = append(parts, "path='"+r.path+"'")
	}
	if r.iface != "" {
		parts = append(parts, "interface='"+r.iface+"'")
	}
	if r.member != "" {
		parts = append(parts, "member='"+r.member+"'")
	}
	for n, v := range r.args {
		parts = append(parts, fmt.Sprintf("arg%d='%s'", n, v))
	}
	return strings.Join(parts, ",")
}
