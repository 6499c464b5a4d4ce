// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in      string
		want    string // normalized; "" means an error is expected
		wantErr bool
	}{
		{in: "1.0.0", want: "1.0.0"},
		{in: "0.1.0", want: "0.1.0"},
		{in: "3.0.0-beta.2", want: "3.0.0-beta.2"},
		{in: "1.2.3-rc.1+build.5", want: "1.2.3-rc.1"}, // build metadata dropped
		{in: "10.20.30", want: "10.20.30"},
		{in: "", wantErr: true},
		{in: "v1.0.0", wantErr: true}, // no v prefix
		{in: "V1.0.0", wantErr: true},
		{in: "2", wantErr: true}, // shorthand rejected
		{in: "2.1", wantErr: true},
		{in: "01.0.0", wantErr: true}, // leading zero
		{in: "1.0.0-", wantErr: true},
		{in: "1.0.0+", wantErr: true},
		{in: "one.two.three", wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.in, func(t *testing.T) {
			v, err := ParseVersion(test.in)
			if test.wantErr {
				if err == nil {
					t.Fatalf("ParseVersion(%q) = %v, want error", test.in, v)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseVersion(%q): %v", test.in, err)
			}
			if got := v.Normalized(); got != test.want {
				t.Errorf("Normalized() = %q, want %q", got, test.want)
			}
		})
	}
}

func TestVersionRoundTrip(t *testing.T) {
	// Parse, normalize, stringify, parse again: the two parses must agree.
	for _, in := range []string{"1.0.0", "2.10.3", "3.0.0-beta.2", "1.0.0-alpha.1", "4.0.0-rc.2"} {
		first, err := ParseVersion(in)
		if err != nil {
			t.Fatalf("ParseVersion(%q): %v", in, err)
		}
		second, err := ParseVersion(first.Normalized())
		if err != nil {
			t.Fatalf("reparsing %q: %v", first.Normalized(), err)
		}
		if first.Compare(second) != 0 || first.Normalized() != second.Normalized() {
			t.Errorf("round trip of %q: %q != %q", in, first.Normalized(), second.Normalized())
		}
	}
}

func TestVersionCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "2.0.0", -1},
		{"2.0.0", "2.0.0", 0},
		{"2.1.0", "2.0.9", +1},
		{"3.0.0-beta.2", "3.0.0", -1}, // prerelease precedes release
		{"3.0.0-alpha.1", "3.0.0-beta.1", -1},
		{"3.0.0-beta.2", "3.0.0-beta.10", -1}, // numeric identifiers compare numerically
		{"1.0.0+build.1", "1.0.0+build.2", 0}, // build metadata ignored
	}
	for _, test := range tests {
		a, b := MustParseVersion(test.a), MustParseVersion(test.b)
		if got := a.Compare(b); got != test.want {
			t.Errorf("Compare(%s, %s) = %d, want %d", test.a, test.b, got, test.want)
		}
	}
}

func TestStability(t *testing.T) {
	tests := []struct {
		in   string
		want Stability
	}{
		{"1.0.0", StabilityStable},
		{"3.0.0-beta.2", StabilityBeta},
		{"2.0.0-alpha.7", StabilityAlpha},
		{"2.0.0-rc.1", StabilityRC},
		{"2.0.0-dev.1", Stability("dev")}, // unrecognized tags match no alias
	}
	for _, test := range tests {
		if got := MustParseVersion(test.in).Stability(); got != test.want {
			t.Errorf("Stability(%s) = %q, want %q", test.in, got, test.want)
		}
	}
}

func TestPickVersion(t *testing.T) {
	versions := func(ss ...string) []Version {
		vs := make([]Version, len(ss))
		for i, s := range ss {
			vs[i] = MustParseVersion(s)
		}
		sortVersions(vs)
		return vs
	}
	available := versions("1.0.0", "2.0.0", "3.0.0-beta.2")

	tests := []struct {
		name string
		spec string
		want string // "" means no match
	}{
		{"absent picks latest stable", "", "2.0.0"},
		{"stable alias", "stable", "2.0.0"},
		{"beta alias", "beta", "3.0.0-beta.2"},
		{"exact", "1.0.0", "1.0.0"},
		{"exact prerelease", "3.0.0-beta.2", "3.0.0-beta.2"},
		{"exact miss", "99.0.0", ""},
		{"alias miss", "rc", ""},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			spec, err := parseVersionSpec(test.spec)
			if err != nil {
				t.Fatalf("parseVersionSpec(%q): %v", test.spec, err)
			}
			got := pickVersion(spec, available)
			if test.want == "" {
				if !got.IsZero() {
					t.Fatalf("pickVersion(%q) = %s, want no match", test.spec, got.Normalized())
				}
				return
			}
			if got.Normalized() != test.want {
				t.Errorf("pickVersion(%q) = %s, want %s", test.spec, got.Normalized(), test.want)
			}
		})
	}

	t.Run("no stable does not fall back to prerelease", func(t *testing.T) {
		spec, _ := parseVersionSpec("")
		got := pickVersion(spec, versions("1.0.0-beta.1", "1.0.0-rc.1"))
		if !got.IsZero() {
			t.Errorf("pickVersion = %s, want no match", got.Normalized())
		}
	})
}

func TestSortVersions(t *testing.T) {
	vs := []Version{
		MustParseVersion("2.0.0"),
		MustParseVersion("1.0.0"),
		MustParseVersion("3.0.0-beta.2"),
		MustParseVersion("3.0.0-alpha.1"),
	}
	sortVersions(vs)
	got := versionStrings(vs)
	want := []string{"1.0.0", "2.0.0", "3.0.0-alpha.1", "3.0.0-beta.2"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("sortVersions mismatch (-want +got):\n%s", diff)
	}
}
