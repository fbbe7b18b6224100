package main

import "testing"

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want int
		ok   bool
	}{
		{"1024", 1024, true},
		{"100k", 100 * 1024, true},
		{"100K", 100 * 1024, true},
		{"2M", 2 * 1024 * 1024, true},
		{"1G", 1024 * 1024 * 1024, true},
		{"", 0, false},
		{"10q", 0, false},
		{"k", 0, false},
	}
	for _, c := range cases {
		got, err := parseSize(c.in)
		if c.ok && (err != nil || got != c.want) {
			t.Errorf("parseSize(%q) = (%d, %v), want %d", c.in, got, err, c.want)
		}
		if !c.ok && err == nil {
			t.Errorf("parseSize(%q) succeeded, want error", c.in)
		}
	}
}

func TestParseForward(t *testing.T) {
	host, port, err := parseForward("localhost:22")
	if err != nil || host != "localhost" || port != 22 {
		t.Errorf("parseForward(\"localhost:22\") = (%q, %d, %v)", host, port, err)
	}
	if _, _, err := parseForward("localhost"); err == nil {
		t.Error("forward target without a port was accepted")
	}
	if _, _, err := parseForward("localhost:0"); err == nil {
		t.Error("forward target with port 0 was accepted")
	}
	if _, _, err := parseForward("localhost:notaport"); err == nil {
		t.Error("forward target with a non-numeric port was accepted")
	}
}
