// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"fmt"
	"regexp"
	"strings"
)

// Function URNs take one of three shapes:
//
//	urn:<vendor>:forrst:fn:<path>     vendor function
//	urn:forrst:system:fn:<path>       system function
//	urn:forrst:ext:<name>:fn:<path>   function owned by an extension
//
// Extension URNs identify extensions themselves:
//
//	urn:forrst:ext:<name>             protocol extension
//	urn:<vendor>:forrst:ext:<name>    vendor extension
//
// Vendors, extension names and path segments are lowercase alphanumerics with
// interior hyphens or underscores; paths are dot-separated segments.

var (
	urnSegmentRE = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	urnPathRE    = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*(\.[a-z0-9][a-z0-9_-]*)*$`)
)

// A FunctionURN is a parsed function identifier.
type FunctionURN struct {
	// Vendor is the owning vendor, or "" for urn:forrst:... URNs.
	Vendor string
	// System is true for urn:forrst:system:fn:... URNs.
	System bool
	// Ext is the owning extension name for urn:forrst:ext:<name>:fn:...
	// URNs, or "".
	Ext string
	// Path is the dot-separated function path.
	Path string

	raw string
}

func (u *FunctionURN) String() string { return u.raw }

// ParseFunctionURN parses and validates a function URN.
func ParseFunctionURN(s string) (*FunctionURN, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 5 || parts[0] != "urn" {
		return nil, fmt.Errorf("malformed function URN %q", s)
	}
	u := &FunctionURN{raw: s}
	switch {
	case parts[1] == "forrst" && parts[2] == "system":
		// urn:forrst:system:fn:<path>
		if len(parts) != 5 || parts[3] != "fn" {
			return nil, fmt.Errorf("malformed system function URN %q", s)
		}
		u.System = true
		u.Path = parts[4]
	case parts[1] == "forrst" && parts[2] == "ext":
		// urn:forrst:ext:<name>:fn:<path>
		if len(parts) != 6 || parts[4] != "fn" {
			return nil, fmt.Errorf("malformed extension function URN %q", s)
		}
		if !urnSegmentRE.MatchString(parts[3]) {
			return nil, fmt.Errorf("invalid extension name %q in URN %q", parts[3], s)
		}
		u.Ext = parts[3]
		u.Path = parts[5]
	case parts[2] == "forrst":
		// urn:<vendor>:forrst:fn:<path>
		if len(parts) != 5 || parts[3] != "fn" {
			return nil, fmt.Errorf("malformed function URN %q", s)
		}
		if !urnSegmentRE.MatchString(parts[1]) {
			return nil, fmt.Errorf("invalid vendor %q in URN %q", parts[1], s)
		}
		u.Vendor = parts[1]
		u.Path = parts[4]
	default:
		return nil, fmt.Errorf("malformed function URN %q", s)
	}
	if !urnPathRE.MatchString(u.Path) {
		return nil, fmt.Errorf("invalid function path %q in URN %q", u.Path, s)
	}
	return u, nil
}

// ParseExtensionURN parses an extension identifier and returns its name.
func ParseExtensionURN(s string) (string, error) {
	parts := strings.Split(s, ":")
	switch {
	case len(parts) == 4 && parts[0] == "urn" && parts[1] == "forrst" && parts[2] == "ext":
		// urn:forrst:ext:<name>
	case len(parts) == 5 && parts[0] == "urn" && parts[2] == "forrst" && parts[3] == "ext":
		// urn:<vendor>:forrst:ext:<name>
		if !urnSegmentRE.MatchString(parts[1]) {
			return "", fmt.Errorf("invalid vendor %q in extension URN %q", parts[1], s)
		}
	default:
		return "", fmt.Errorf("malformed extension URN %q", s)
	}
	name := parts[len(parts)-1]
	if !urnSegmentRE.MatchString(name) {
		return "", fmt.Errorf("invalid extension name %q in URN %q", name, s)
	}
	return name, nil
}

// defaultReservedNamespaces are URN prefixes that only the server itself may
// register functions under.
var defaultReservedNamespaces = []string{"urn:forrst:", "urn:cline:"}

// reservedURN reports whether s falls under one of the reserved prefixes.
func reservedURN(s string, namespaces []string) bool {
	for _, ns := range namespaces {
		if strings.HasPrefix(s, ns) {
			return true
		}
	}
	return false
}
