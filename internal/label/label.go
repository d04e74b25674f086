// Package label resolves localized labels against a requested language.
//
// The fallback order is exact match, then primary-subtag match, then the
// first label. Shared property identity depends on this order, so changing
// it changes which properties are considered duplicates.
package label

import "strings"

// DefaultLanguage is the sentinel for "no language requested/attached".
const DefaultLanguage = ""

// Label is a value in one language. An empty Language is the default.
type Label struct {
	Language string `json:"language,omitempty"`
	Value    string `json:"value"`
}

// New returns a label with the language trimmed.
func New(language, value string) Label {
	return Label{Language: strings.TrimSpace(language), Value: value}
}

// Resolve picks the label that represents labels for the requested language.
// It returns false only when labels is empty.
func Resolve(requested string, labels []Label) (Label, bool) {
	if len(labels) == 0 {
		return Label{}, false
	}

	for _, l := range labels {
		if l.Language == requested {
			return l, true
		}
	}

	if requested != DefaultLanguage && strings.Contains(requested, "-") {
		primary := PrimarySubtag(requested)
		for _, l := range labels {
			if l.Language != DefaultLanguage && strings.EqualFold(PrimarySubtag(l.Language), primary) {
				return l, true
			}
		}
	}

	return labels[0], true
}

// PrimarySubtag returns the part of a language tag before the first '-'.
func PrimarySubtag(tag string) string {
	if i := strings.IndexByte(tag, '-'); i >= 0 {
		return tag[:i]
	}
	return tag
}
