package domainnorm

import "testing"

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"www.example.com":       "example.com",
		"Example.COM":           "example.com",
		"sub.example.com":       "example.com",
		"a.b.example.co.uk":     "example.co.uk",
		"www.example.co.uk":     "example.co.uk",
		"example.co.uk":         "example.co.uk",
		"deep.sub.example.org":  "example.org",
		"a.b.c.d.example.gov":   "example.gov",
		"example.com":           "example.com",
		"shop.example.ac.jp":    "example.ac.jp",
		"something.random.xyz":  "random.xyz",
	}

	for input, want := range cases {
		got := Normalize(input)
		if got != want {
			t.Errorf("Normalize(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	inputs := []string{
		"www.Example.COM",
		"a.b.example.co.uk",
		"example.com",
		"shop.EXAMPLE.ac.jp",
	}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("Normalize not idempotent for %q: once=%q twice=%q", in, once, twice)
		}
	}
}
