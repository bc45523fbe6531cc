package addrutil

import "testing"

func TestNodeAddr(t *testing.T) {
	t.Parallel()

	cases := []struct {
		host string
		port int
		want string
	}{
		{"10.0.0.5", 53042, "10.0.0.5:53042"},
		{" node.example.com ", 443, "node.example.com:443"},
		{"2001:db8::1", 53042, "[2001:db8::1]:53042"},
		{"[2001:db8::1]", 53042, "[2001:db8::1]:53042"},
	}
	for _, tc := range cases {
		got, err := NodeAddr(tc.host, tc.port)
		if err != nil {
			t.Fatalf("NodeAddr(%q, %d): %v", tc.host, tc.port, err)
		}
		if got != tc.want {
			t.Fatalf("NodeAddr(%q, %d)=%q want %q", tc.host, tc.port, got, tc.want)
		}
	}
}

func TestNodeAddr_Rejects(t *testing.T) {
	t.Parallel()

	if _, err := NodeAddr("", 53042); err == nil {
		t.Fatal("expected error for empty host")
	}
	if _, err := NodeAddr("10.0.0.5", 0); err == nil {
		t.Fatal("expected error for zero port")
	}
	if _, err := NodeAddr("10.0.0.5", 70000); err == nil {
		t.Fatal("expected error for port out of range")
	}
}

func TestRemoteIP(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"203.0.113.7":             "203.0.113.7",
		"203.0.113.7:51234":       "203.0.113.7",
		"2001:db8::1":             "2001:db8::1",
		"2001:db8::1:5182":        "2001:db8::1:5182",
		"[2001:db8::1]:51820":     "2001:db8::1",
		"::ffff:198.51.100.4":     "198.51.100.4",
		"[::ffff:198.51.100.4]:1": "198.51.100.4",
		" 198.51.100.9 ":          "198.51.100.9",
	}
	for in, want := range cases {
		got, ok := RemoteIP(in)
		if !ok {
			t.Fatalf("RemoteIP(%q) not ok", in)
		}
		if got != want {
			t.Fatalf("RemoteIP(%q)=%q want %q", in, got, want)
		}
	}
}

func TestRemoteIP_Rejects(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "localhost:80", "not-an-ip", "300.1.1.1", "2001:db8::1:51820"} {
		if got, ok := RemoteIP(in); ok {
			t.Fatalf("RemoteIP(%q)=%q, expected rejection", in, got)
		}
	}
}
