// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import "testing"

func TestParseFunctionURN(t *testing.T) {
	tests := []struct {
		in      string
		want    FunctionURN
		wantErr bool
	}{
		{
			in:   "urn:acme:forrst:fn:math.add",
			want: FunctionURN{Vendor: "acme", Path: "math.add"},
		},
		{
			in:   "urn:forrst:system:fn:ping",
			want: FunctionURN{System: true, Path: "ping"},
		},
		{
			in:   "urn:forrst:ext:cancellation:fn:cancel",
			want: FunctionURN{Ext: "cancellation", Path: "cancel"},
		},
		{
			in:   "urn:my-vendor:forrst:fn:users.get_by_id",
			want: FunctionURN{Vendor: "my-vendor", Path: "users.get_by_id"},
		},
		{in: "urn:acme:forrst:fn:", wantErr: true},
		{in: "urn:acme:forrst:math.add", wantErr: true},      // missing fn segment
		{in: "acme:forrst:fn:math.add", wantErr: true},       // missing urn scheme
		{in: "urn:Acme:forrst:fn:math.add", wantErr: true},   // uppercase vendor
		{in: "urn:acme:forrst:fn:Math.Add", wantErr: true},   // uppercase path
		{in: "urn:acme:forrst:fn:math..add", wantErr: true},  // empty path segment
		{in: "urn:forrst:system:fn:op:extra", wantErr: true}, // trailing segment
		{in: "urn:forrst:ext::fn:cancel", wantErr: true},     // empty extension name
		{in: "", wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.in, func(t *testing.T) {
			got, err := ParseFunctionURN(test.in)
			if test.wantErr {
				if err == nil {
					t.Fatalf("ParseFunctionURN(%q) = %+v, want error", test.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseFunctionURN(%q): %v", test.in, err)
			}
			if got.Vendor != test.want.Vendor || got.System != test.want.System ||
				got.Ext != test.want.Ext || got.Path != test.want.Path {
				t.Errorf("ParseFunctionURN(%q) = %+v, want %+v", test.in, got, test.want)
			}
			if got.String() != test.in {
				t.Errorf("String() = %q, want %q", got.String(), test.in)
			}
		})
	}
}

func TestParseExtensionURN(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "urn:forrst:ext:deadline", want: "deadline"},
		{in: "urn:forrst:ext:dry-run", want: "dry-run"},
		{in: "urn:acme:forrst:ext:audit", want: "audit"},
		{in: "urn:forrst:ext:deadline:fn:x", wantErr: true}, // function, not extension
		{in: "urn:forrst:deadline", wantErr: true},
		{in: "urn:Acme:forrst:ext:audit", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.in, func(t *testing.T) {
			got, err := ParseExtensionURN(test.in)
			if test.wantErr {
				if err == nil {
					t.Fatalf("ParseExtensionURN(%q) = %q, want error", test.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseExtensionURN(%q): %v", test.in, err)
			}
			if got != test.want {
				t.Errorf("ParseExtensionURN(%q) = %q, want %q", test.in, got, test.want)
			}
		})
	}
}

func TestReservedURN(t *testing.T) {
	ns := defaultReservedNamespaces
	tests := []struct {
		in   string
		want bool
	}{
		{"urn:forrst:system:fn:ping", true},
		{"urn:forrst:ext:deadline", true},
		{"urn:cline:forrst:fn:anything", true},
		{"urn:acme:forrst:fn:math.add", false},
	}
	for _, test := range tests {
		if got := reservedURN(test.in, ns); got != test.want {
			t.Errorf("reservedURN(%q) = %t, want %t", test.in, got, test.want)
		}
	}
}
