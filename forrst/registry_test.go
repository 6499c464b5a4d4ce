// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func nopHandler(ctx context.Context, inv *Invocation) (any, error) {
	return nil, nil
}

func testRegistry(t *testing.T, versions ...string) *FunctionRegistry {
	t.Helper()
	r := newFunctionRegistry()
	for _, v := range versions {
		fn := &Function{URN: "urn:acme:forrst:fn:math.add", Version: v}
		if err := r.register(fn, nopHandler, nil, false, defaultReservedNamespaces); err != nil {
			t.Fatalf("register %s: %v", v, err)
		}
	}
	return r
}

func TestRegisterValidation(t *testing.T) {
	r := newFunctionRegistry()
	tests := []struct {
		name    string
		fn      *Function
		wantErr string
	}{
		{"bad urn", &Function{URN: "math.add", Version: "1.0.0"}, "URN"},
		{"reserved namespace", &Function{URN: "urn:forrst:system:fn:evil", Version: "1.0.0"}, "reserved"},
		{"bad version", &Function{URN: "urn:acme:forrst:fn:math.add", Version: "v1"}, "version"},
		{"bad error code", &Function{
			URN: "urn:acme:forrst:fn:math.add", Version: "1.0.0",
			Errors: []ErrorDef{{Code: "not_screaming"}},
		}, "invalid error code"},
		{"remapped catalog code", &Function{
			URN: "urn:acme:forrst:fn:math.add", Version: "1.0.0",
			Errors: []ErrorDef{{Code: CodeNotFound, HTTPStatus: 418}},
		}, "catalog code"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := r.register(test.fn, nopHandler, nil, false, defaultReservedNamespaces)
			if err == nil || !strings.Contains(err.Error(), test.wantErr) {
				t.Errorf("register = %v, want error containing %q", err, test.wantErr)
			}
		})
	}

	if err := r.register(&Function{URN: "urn:acme:forrst:fn:math.add", Version: "1.0.0"}, nil, nil, false, nil); err == nil {
		t.Error("register accepted a function with no handler")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := testRegistry(t, "1.0.0")
	fn := &Function{URN: "urn:acme:forrst:fn:math.add", Version: "1.0.0"}
	err := r.register(fn, nopHandler, nil, false, nil)
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("register = %v, want duplicate error", err)
	}
}

func TestRegisterFrozen(t *testing.T) {
	r := testRegistry(t, "1.0.0")
	r.freeze()
	fn := &Function{URN: "urn:acme:forrst:fn:math.sub", Version: "1.0.0"}
	err := r.register(fn, nopHandler, nil, false, nil)
	if err == nil || !strings.Contains(err.Error(), "frozen") {
		t.Errorf("register = %v, want frozen error", err)
	}
}

func TestRegisterCopiesDescriptor(t *testing.T) {
	r := newFunctionRegistry()
	fn := &Function{URN: "urn:acme:forrst:fn:math.add", Version: "1.0.0", Summary: "adds"}
	if err := r.register(fn, nopHandler, nil, false, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	fn.Summary = "mutated after registration"
	got := r.get("urn:acme:forrst:fn:math.add", "1.0.0")
	if got.fn.Summary != "adds" {
		t.Errorf("Summary = %q, registry did not copy the descriptor", got.fn.Summary)
	}
}

func TestResolve(t *testing.T) {
	r := testRegistry(t, "1.0.0", "2.1.0", "3.0.0-beta.1")
	tests := []struct {
		spec string
		want string
	}{
		{"", "2.1.0"},       // latest stable
		{"stable", "2.1.0"}, //
		{"beta", "3.0.0-beta.1"},
		{"1.0.0", "1.0.0"},
	}
	for _, test := range tests {
		rf, ferr := r.resolve("urn:acme:forrst:fn:math.add", test.spec)
		if ferr != nil {
			t.Fatalf("resolve(%q): %v", test.spec, ferr)
		}
		if rf.fn.Version != test.want {
			t.Errorf("resolve(%q) = %s, want %s", test.spec, rf.fn.Version, test.want)
		}
	}
}

func TestResolveNotFound(t *testing.T) {
	r := testRegistry(t, "1.0.0", "2.1.0")

	_, ferr := r.resolve("urn:acme:forrst:fn:math.sub", "")
	if ferr == nil || ferr.Code != CodeFunctionNotFound {
		t.Fatalf("resolve unknown urn = %v, want FUNCTION_NOT_FOUND", ferr)
	}

	_, ferr = r.resolve("urn:acme:forrst:fn:math.add", "9.0.0")
	if ferr == nil || ferr.Code != CodeVersionNotFound {
		t.Fatalf("resolve unknown version = %v, want VERSION_NOT_FOUND", ferr)
	}
	if diff := cmp.Diff([]string{"1.0.0", "2.1.0"}, ferr.Details["available_versions"]); diff != "" {
		t.Errorf("available_versions mismatch (-want +got):\n%s", diff)
	}
	if got, want := ferr.Details["requested_version"], "9.0.0"; got != want {
		t.Errorf("requested_version = %v, want %v", got, want)
	}
}

func TestDescriptors(t *testing.T) {
	r := newFunctionRegistry()
	hidden := false
	fns := []*Function{
		{URN: "urn:acme:forrst:fn:math.add", Version: "1.0.0"},
		{URN: "urn:acme:forrst:fn:math.add", Version: "2.0.0"},
		{URN: "urn:acme:forrst:fn:internal.audit", Version: "1.0.0", Discoverable: &hidden},
	}
	for _, fn := range fns {
		if err := r.register(fn, nopHandler, nil, false, nil); err != nil {
			t.Fatalf("register %s@%s: %v", fn.URN, fn.Version, err)
		}
	}
	r.freeze()

	all := r.descriptors("", "")
	if len(all) != 2 {
		t.Fatalf("descriptors(all) returned %d functions, want 2 (hidden one excluded)", len(all))
	}
	one := r.descriptors("urn:acme:forrst:fn:math.add", "2.0.0")
	if len(one) != 1 || one[0].Version != "2.0.0" {
		t.Errorf("descriptors(urn, 2.0.0) = %+v, want the single 2.0.0 descriptor", one)
	}
	if got := r.count(); got != 3 {
		t.Errorf("count() = %d, want 3", got)
	}
}
