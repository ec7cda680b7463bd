package ir

import "testing"

func TestInstrLocation(t *testing.T) {
	cases := []struct {
		in   *Instr
		want string
	}{
		{&Instr{HasLoc: false}, "<unknown location>"},
		{&Instr{Path: "foo.c", Line: 42, HasLoc: true}, "foo.c:42"},
		{&Instr{Path: "bar.c", Line: 0, HasLoc: true}, "bar.c:0"},
	}
	for _, c := range cases {
		if got := c.in.Location(); got != c.want {
			t.Errorf("Location() = %q, want %q", got, c.want)
		}
	}
}

func TestItoa(t *testing.T) {
	cases := []struct {
		n    int
		want string
	}{
		{0, "0"},
		{7, "7"},
		{123, "123"},
		{-45, "-45"},
	}
	for _, c := range cases {
		if got := itoa(c.n); got != c.want {
			t.Errorf("itoa(%d) = %q, want %q", c.n, got, c.want)
		}
	}
}
