package upgrade

import (
	"fmt"
	"regexp"
	"strings"

	gover "github.com/hashicorp/go-version"
)

// VersionLatest is the symbolic target resolved against the release source.
const VersionLatest = "latest"

// versionRe accepts an optional v prefix, a dotted triple and an optional
// prerelease suffix, e.g. "2.15.0", "v1.2.3-rc.1".
var versionRe = regexp.MustCompile(`^v?\d+\.\d+\.\d+(-[A-Za-z0-9.-]+)?$`)

// ValidateTargetVersion accepts "latest" or a semantic version string.
func ValidateTargetVersion(target string) error {
	if target == VersionLatest {
		return nil
	}
	if !versionRe.MatchString(target) {
		return fmt.Errorf("invalid target version %q: expected %q or a semantic version like v2.15.0", target, VersionLatest)
	}
	return nil
}

// SameVersion compares two version strings, tolerating a v prefix and
// normalizing through semantic version parsing when possible.
func SameVersion(a, b string) bool {
	va, errA := gover.NewVersion(strings.TrimPrefix(a, "v"))
	vb, errB := gover.NewVersion(strings.TrimPrefix(b, "v"))
	if errA != nil || errB != nil {
		return strings.TrimPrefix(a, "v") == strings.TrimPrefix(b, "v")
	}
	return va.Equal(vb)
}
