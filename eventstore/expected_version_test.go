package eventstore

import "testing"

func TestExpectedVersionMatches(t *testing.T) {
	cases := []struct {
		name     string
		expected ExpectedVersion
		current  int64
		want     bool
	}{
		{"any matches empty", Any(), 0, true},
		{"any matches existing", Any(), 7, true},
		{"no stream matches empty", NoStream(), 0, true},
		{"no stream rejects existing", NoStream(), 1, false},
		{"exact match", Exact(3), 3, true},
		{"exact stale", Exact(3), 5, false},
		{"exact ahead", Exact(5), 3, false},
		{"exact zero matches empty", Exact(0), 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.expected.Matches(tc.current); got != tc.want {
				t.Fatalf("%s.Matches(%d) = %v, want %v", tc.expected, tc.current, got, tc.want)
			}
		})
	}
}

func TestExactRejectsNegative(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for negative version")
		}
	}()
	Exact(-1)
}
