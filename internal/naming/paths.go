// Package naming holds the file naming conventions for every artifact the
// pipeline reads or writes under a subjects directory.
//
// Paths are pure functions of the subjects directory, the subject id and the
// processing parameters. Nothing here touches the filesystem.
package naming

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

const (
	DefaultBEMPattern       = "-bem.fif"
	DefaultSrcPattern       = "-src.fif"
	DefaultRawPattern       = "_passive_raw.fif"
	DefaultEmptyRoomPattern = "_empty_raw.fif"
	DefaultCovPattern       = "_dev-cov.fif"
	DefaultTransPattern     = "-trans.fif"
	DefaultForwardPattern   = "_dev-fwd.fif"
	bemSolutionSuffix       = "-bem-sol.fif"
	reconDoneMarker         = "recon-all.done"
	fullResolutionTessTag   = "full"
	minIcoLevel             = 3
	maxIcoLevel             = 5
)

// HeadDensities are the scalp surface resolutions produced for co-registration.
var HeadDensities = []string{"dense", "medium", "sparse"}

// SubjectDir returns <dir>/<id>.
func SubjectDir(subjectsDir, subject string) string {
	return filepath.Join(subjectsDir, subject)
}

// BEMDir returns <dir>/<id>/bem.
func BEMDir(subjectsDir, subject string) string {
	return filepath.Join(subjectsDir, subject, "bem")
}

// ReconDone returns the marker recon-all writes after a complete run.
func ReconDone(subjectsDir, subject string) string {
	return filepath.Join(subjectsDir, subject, "scripts", reconDoneMarker)
}

// TriangleCount returns the number of triangles of an ico-subdivided surface.
// Level 0 means "no subsampling" and returns 0.
func TriangleCount(ico int) int {
	if ico <= 0 {
		return 0
	}
	n := 20
	for i := 0; i < ico; i++ {
		n *= 4
	}
	return n
}

// tessellationTag renders the "<ntri>-<ntri>-<ntri>" part of BEM file names,
// one token per conductivity layer.
func tessellationTag(ico, layers int) string {
	tok := fullResolutionTessTag
	if n := TriangleCount(ico); n > 0 {
		tok = strconv.Itoa(n)
	}
	if layers < 1 {
		layers = 1
	}
	parts := make([]string, layers)
	for i := range parts {
		parts[i] = tok
	}
	return strings.Join(parts, "-")
}

// BEMSurfaces returns <dir>/<id>/bem/<id>-5120-5120-5120-bem.fif for the
// default three-layer ico 4 model.
func BEMSurfaces(subjectsDir, subject string, ico, layers int, pattern string) string {
	if pattern == "" {
		pattern = DefaultBEMPattern
	}
	name := fmt.Sprintf("%s-%s%s", subject, tessellationTag(ico, layers), pattern)
	return filepath.Join(BEMDir(subjectsDir, subject), name)
}

// BEMSolution returns <dir>/<id>/bem/<id>-5120-5120-5120-bem-sol.fif for the
// default three-layer ico 4 model.
func BEMSolution(subjectsDir, subject string, ico, layers int) string {
	name := fmt.Sprintf("%s-%s%s", subject, tessellationTag(ico, layers), bemSolutionSuffix)
	return filepath.Join(BEMDir(subjectsDir, subject), name)
}

// HeadSurfaces returns the dense, medium and sparse scalp surfaces in that order.
func HeadSurfaces(subjectsDir, subject string) []string {
	out := make([]string, 0, len(HeadDensities))
	for _, d := range HeadDensities {
		out = append(out, filepath.Join(BEMDir(subjectsDir, subject), fmt.Sprintf("%s-head-%s.fif", subject, d)))
	}
	return out
}

// SourceSpace returns <dir>/<id>/<id>-<spacing><pattern>.
func SourceSpace(subjectsDir, subject, spacing, pattern string) string {
	if pattern == "" {
		pattern = DefaultSrcPattern
	}
	return filepath.Join(SubjectDir(subjectsDir, subject), fmt.Sprintf("%s-%s%s", subject, spacing, pattern))
}

// RawSegment returns <dir>/<id>/<id>_<segment>_raw.fif.
func RawSegment(subjectsDir, subject, segment string) string {
	return filepath.Join(SubjectDir(subjectsDir, subject), fmt.Sprintf("%s_%s_raw.fif", subject, segment))
}

// SubjectFile returns <dir>/<id>/<id><pattern>. Merged raw, empty-room raw,
// covariance and trans files all follow this shape.
func SubjectFile(subjectsDir, subject, pattern string) string {
	return filepath.Join(SubjectDir(subjectsDir, subject), subject+pattern)
}

// Forward returns <dir>/<id>/<id>_<spacing-tag><pattern>, e.g. 20140305_ico-5_dev-fwd.fif.
func Forward(subjectsDir, subject, spacing, pattern string) string {
	if pattern == "" {
		pattern = DefaultForwardPattern
	}
	return filepath.Join(SubjectDir(subjectsDir, subject), fmt.Sprintf("%s_%s%s", subject, SpacingTag(spacing), pattern))
}

var spacingRE = regexp.MustCompile(`^(ico|oct)(\d+)$`)

// SpacingTag inserts a dash between the subdivision kind and its level:
// "ico5" becomes "ico-5". Other spacings are returned unchanged.
func SpacingTag(spacing string) string {
	m := spacingRE.FindStringSubmatch(spacing)
	if m == nil {
		return spacing
	}
	return m[1] + "-" + m[2]
}

// ValidSpacing reports whether spacing is one of ico<N>, oct<N>, all, or an
// integer distance in millimetres.
func ValidSpacing(spacing string) bool {
	if spacing == "all" || spacingRE.MatchString(spacing) {
		return true
	}
	n, err := strconv.Atoi(spacing)
	return err == nil && n > 0
}

// ValidIco reports whether ico is a supported downsampling level (3, 4 or 5).
// 0 disables downsampling.
func ValidIco(ico int) bool {
	return ico == 0 || (ico >= minIcoLevel && ico <= maxIcoLevel)
}
