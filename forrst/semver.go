// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"golang.org/x/mod/semver"
)

// Stability classifies a version by its prerelease tag. Stable versions have
// no prerelease; prerelease versions are classified by the first prerelease
// identifier ("3.0.0-beta.2" is beta).
type Stability string

const (
	StabilityStable Stability = "stable"
	StabilityBeta   Stability = "beta"
	StabilityAlpha  Stability = "alpha"
	StabilityRC     Stability = "rc"
)

// stabilityAliases are the version specs that select by stability rather
// than naming an exact version.
var stabilityAliases = map[string]Stability{
	"stable": StabilityStable,
	"beta":   StabilityBeta,
	"alpha":  StabilityAlpha,
	"rc":     StabilityRC,
}

// A Version is a parsed semantic version. The zero value is not a valid
// version; use ParseVersion.
type Version struct {
	text  string // as written, including any build metadata
	canon string // canonical form with "v" prefix and build metadata dropped
}

// coreVersionRE requires an explicit MAJOR.MINOR.PATCH core. x/mod/semver
// accepts shorthands like "2" and "2.1"; the protocol does not.
var coreVersionRE = regexp.MustCompile(`^\d+\.\d+\.\d+([-+]|$)`)

// ParseVersion parses a semantic version string. It is strict: a "v" prefix,
// leading zeros, and shorthand forms like "2" or "2.1" are all rejected.
func ParseVersion(s string) (Version, error) {
	if s == "" {
		return Version{}, fmt.Errorf("empty version")
	}
	if s[0] == 'v' || s[0] == 'V' {
		return Version{}, fmt.Errorf("version %q: %q prefix not allowed", s, s[:1])
	}
	if !coreVersionRE.MatchString(s) {
		return Version{}, fmt.Errorf("version %q: need MAJOR.MINOR.PATCH", s)
	}
	v := "v" + s
	if !semver.IsValid(v) {
		return Version{}, fmt.Errorf("invalid semantic version %q", s)
	}
	return Version{text: s, canon: semver.Canonical(v)}, nil
}

// MustParseVersion is like ParseVersion but panics on error. It is intended
// for version literals in registration code.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the version as it was written, including build metadata.
func (v Version) String() string { return v.text }

// Normalized returns the canonical form used for exact matching: the core
// version plus prerelease, with build metadata dropped.
func (v Version) Normalized() string { return strings.TrimPrefix(v.canon, "v") }

// IsZero reports whether v is the zero Version rather than a parsed one.
func (v Version) IsZero() bool { return v.canon == "" }

// Compare returns -1, 0, or +1 ordering v against w by SemVer 2.0
// precedence. Build metadata does not participate.
func (v Version) Compare(w Version) int { return semver.Compare(v.canon, w.canon) }

// Prerelease returns the prerelease tag without the leading hyphen, or "".
func (v Version) Prerelease() string {
	return strings.TrimPrefix(semver.Prerelease(v.canon), "-")
}

// Stability returns the version's stability class. Prereleases whose first
// identifier is not a recognized alias report that identifier verbatim, so
// "1.0.0-dev.1" has stability "dev" and matches no alias.
func (v Version) Stability() Stability {
	pre := v.Prerelease()
	if pre == "" {
		return StabilityStable
	}
	if i := strings.IndexByte(pre, '.'); i >= 0 {
		pre = pre[:i]
	}
	return Stability(pre)
}

// MarshalJSON encodes the version as its normalized string.
func (v Version) MarshalJSON() ([]byte, error) {
	return []byte(`"` + v.Normalized() + `"`), nil
}

func (v *Version) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("version must be a JSON string")
	}
	parsed, err := ParseVersion(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// sortVersions orders versions by ascending precedence, in place.
func sortVersions(vs []Version) {
	slices.SortFunc(vs, Version.Compare)
}

// A versionSpec is a parsed request version: either an exact version or a
// stability alias. The zero spec (absent version) selects the latest stable.
type versionSpec struct {
	exact Version
	alias Stability
}

// parseVersionSpec interprets the version field of a call.
func parseVersionSpec(s string) (versionSpec, error) {
	if s == "" {
		return versionSpec{alias: StabilityStable}, nil
	}
	if alias, ok := stabilityAliases[s]; ok {
		return versionSpec{alias: alias}, nil
	}
	v, err := ParseVersion(s)
	if err != nil {
		return versionSpec{}, err
	}
	return versionSpec{exact: v}, nil
}

// pickVersion resolves a spec against the available versions, which must be
// sorted ascending. It returns the zero Version when nothing matches.
func pickVersion(spec versionSpec, available []Version) Version {
	if !spec.exact.IsZero() {
		want := spec.exact.Normalized()
		for _, v := range available {
			if v.Normalized() == want {
				return v
			}
		}
		return Version{}
	}
	// Highest version whose stability matches the alias.
	for i := len(available) - 1; i >= 0; i-- {
		if available[i].Stability() == spec.alias {
			return available[i]
		}
	}
	return Version{}
}
