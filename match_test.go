package alljoyn

import "testing"

func TestParseMatchRule(t *testing.T) {
	r, err := parseMatchRule("sender=':1.1',path='/a',interface='x.Y',member='M',arg0='hello'")
	if err != nil {
		t.Fatalf("parseMatchRule: %v", err)
	}
	if r.sender != ":1.1" || r.path != "/a" || r.iface != "x.Y" || r.member != "M" {
		t.Fatalf("unexpected rule: %+v", r)
	}
	if r.args[0] != "hello" {
		t.Fatalf("arg0 = %q, want hello", r.args[0])
	}
}

func TestParseMatchRuleErrors(t *testing.T) {
	for _, rule := range []string{"bogus", "color='red'", "arg99='x'", "type='method_call'"} {
		if _, err := parseMatchRule(rule); err == nil {
			t.Errorf("parseMatchRule(%q): expected error", rule)
		}
	}
}

func TestMatchRuleMatches(t *testing.T) {
	msg, err := NewSignal("", "/a/b", "x.Y", "Changed", "ss", "lamp", "on")
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}
	msg.Sender = ":1.7"

	match := []string{
		"",
		"path='/a/b'",
		"sender=':1.7',interface='x.Y'",
		"member='Changed',arg0='lamp'",
		"arg1='on'",
	}
	for _, rule := range match {
		r, err := parseMatchRule(rule)
		if err != nil {
			t.Fatalf("parseMatchRule(%q): %v", rule, err)
		}
		if !r.matches(msg) {
			t.Errorf("rule %q should match", rule)
		}
	}

	noMatch := []string{
		"path='/other'",
		"sender=':1.8'",
		"arg0='door'",
		"arg2='x'",
	}
	for _, rule := range noMatch {
		r, _ := parseMatchRule(rule)
		if r.matches(msg) {
			t.Errorf("rule %q should not match", rule)
		}
	}
}
