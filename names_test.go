package alljoyn

import "testing"

func TestIsLegalObjectPath(t *testing.T) {
	legal := []string{"/", "/a", "/a/b/c", "/org/alljoyn/Bus", "/_x/y9"}
	for _, p := range legal {
		if !IsLegalObjectPath(p) {
			t.Errorf("IsLegalObjectPath(%q) = false, want true", p)
		}
	}
	illegal := []string{"", "a/b", "/a/", "/a//b", "/a-b", "/a.b", "//"}
	for _, p := range illegal {
		if IsLegalObjectPath(p) {
			t.Errorf("IsLegalObjectPath(%q) = true, want false", p)
		}
	}
}

func TestIsLegalBusName(t *testing.T) {
	legal := []string{"com.example", "com.example.app", ":abcd1234.1", "com.ex-ample.x", ":1.1"}
	for _, n := range legal {
		if !IsLegalBusName(n) {
			t.Errorf("IsLegalBusName(%q) = false, want true", n)
		}
	}
	illegal := []string{"", "com", "com.", ".com", "com..ex", "com.9x", "com.ex!"}
	for _, n := range illegal {
		if IsLegalBusName(n) {
			t.Errorf("IsLegalBusName(%q) = true, want false", n)
		}
	}
}

func TestIsLegalInterfaceName(t *testing.T) {
	if !IsLegalInterfaceName("org.alljoyn.Bus") {
		t.Error("expected org.alljoyn.Bus to be legal")
	}
	for _, n := range []string{"", "single", "a..b", "a.9b", "a.b-c"} {
		if IsLegalInterfaceName(n) {
			t.Errorf("IsLegalInterfaceName(%q) = true, want false", n)
		}
	}
}

func TestIsLegalMemberName(t *testing.T) {
	if !IsLegalMemberName("Ping") || !IsLegalMemberName("_x9") {
		t.Error("expected legal member names to pass")
	}
	for _, n := range []string{"", "9x", "a.b", "a-b"} {
		if IsLegalMemberName(n) {
			t.Errorf("IsLegalMemberName(%q) = true, want false", n)
		}
	}
}
