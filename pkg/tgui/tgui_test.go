package tgui

import "testing"

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 6, "hello…"},
		{"ééééé", 3, "éé…"},
		{"abc", 0, ""},
	}
	for _, tc := range cases {
		if got := TruncRunes(tc.in, tc.n); got != tc.want {
			t.Fatalf("TruncRunes(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

func TestHTML(t *testing.T) {
	t.Parallel()
	if got := B("<vip>"); got != "<b>&lt;vip&gt;</b>" {
		t.Fatalf("B() = %q", got)
	}
	if got := JoinH(" ", Code("/vip"), "", I("x")); got != "<code>/vip</code> <i>x</i>" {
		t.Fatalf("JoinH() = %q", got)
	}
}
