package v2

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// RepositoryNameTotalLengthMax is the maximum total number of characters
	// in a repository name.
	RepositoryNameTotalLengthMax = 255

	// TagNameTotalLengthMax is the maximum total number of characters in a
	// tag name.
	TagNameTotalLengthMax = 128
)

// RepositoryNameComponentRegexp restricts repository path components to
// lowercase alphanumeric runs, optionally separated by single periods,
// dashes or underscores.
var RepositoryNameComponentRegexp = regexp.MustCompile(`[a-z0-9]+(?:[._-][a-z0-9]+)*`)

// RepositoryNameComponentAnchoredRegexp is the version of
// RepositoryNameComponentRegexp which must completely match the content.
var RepositoryNameComponentAnchoredRegexp = regexp.MustCompile(`^` + RepositoryNameComponentRegexp.String() + `$`)

// RepositoryNameRegexp builds on RepositoryNameComponentRegexp to allow one
// or more path components, separated by a forward slash.
var RepositoryNameRegexp = regexp.MustCompile(RepositoryNameComponentRegexp.String() + `(?:/` + RepositoryNameComponentRegexp.String() + `)*`)

// TagNameRegexp matches valid tag names: a word character followed by up to
// 127 word, period or dash characters.
var TagNameRegexp = regexp.MustCompile(`[\w][\w.-]{0,127}`)

// TagNameAnchoredRegexp matches valid tag names, anchored at the start and
// end of the matched string.
var TagNameAnchoredRegexp = regexp.MustCompile(`^` + TagNameRegexp.String() + `$`)

var (
	// ErrRepositoryNameEmpty is returned for empty, invalid repository names.
	ErrRepositoryNameEmpty = fmt.Errorf("repository name must have at least one component")

	// ErrRepositoryNameLong is returned when a repository name is longer than
	// RepositoryNameTotalLengthMax.
	ErrRepositoryNameLong = fmt.Errorf("repository name must not be more than %v characters", RepositoryNameTotalLengthMax)

	// ErrRepositoryNameComponentInvalid is returned when a repository name does
	// not match RepositoryNameComponentRegexp.
	ErrRepositoryNameComponentInvalid = fmt.Errorf("repository name component must match %q", RepositoryNameComponentRegexp.String())
)

// ValidateRepositoryName ensures the repository name is valid for use in the
// registry. Every slash-delimited component must match the component pattern
// and the total length is bounded. If the name does not pass validation, an
// error describing the failed condition is returned.
func ValidateRepositoryName(name string) error {
	if name == "" {
		return ErrRepositoryNameEmpty
	}

	if len(name) > RepositoryNameTotalLengthMax {
		return ErrRepositoryNameLong
	}

	for _, component := range strings.Split(name, "/") {
		if !RepositoryNameComponentAnchoredRegexp.MatchString(component) {
			return ErrRepositoryNameComponentInvalid
		}
	}

	return nil
}

// ValidateTagName ensures the tag name is valid as a manifest reference. An
// error describing the failed condition is returned for invalid tags.
func ValidateTagName(tag string) error {
	if !TagNameAnchoredRegexp.MatchString(tag) {
		return fmt.Errorf("tag name must match %q", TagNameRegexp.String())
	}
	return nil
}
