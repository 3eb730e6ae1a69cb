package worldpath

import (
	"errors"
	"strconv"
)

// Kind is the category of a canonicalization failure. Callers branch on the
// kind; the message is never meant to be parsed.
type Kind string

const (
	KindNotAbsolute      Kind = "not_absolute"
	KindInvalidEncoding  Kind = "invalid_encoding"
	KindPercentDecode    Kind = "percent_decode"
	KindDecodedSeparator Kind = "decoded_separator"
	KindDotSegment       Kind = "dot_segment"
	KindBadFacet         Kind = "bad_facet"
	KindSelectorKind     Kind = "selector_kind"
	KindDuplicate        Kind = "duplicate"
)

// Error is a categorical canonicalization error.
type Error struct {
	Kind Kind
	Path string
}

func (e *Error) Error() string {
	return "worldpath: " + string(e.Kind) + ": " + strconv.Quote(e.Path)
}

// Is matches on Kind only, so errors.Is(err, ErrDotSegment) works for any path.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrNotAbsolute      = &Error{Kind: KindNotAbsolute}
	ErrInvalidEncoding  = &Error{Kind: KindInvalidEncoding}
	ErrPercentDecode    = &Error{Kind: KindPercentDecode}
	ErrDecodedSeparator = &Error{Kind: KindDecodedSeparator}
	ErrDotSegment       = &Error{Kind: KindDotSegment}
	ErrBadFacet         = &Error{Kind: KindBadFacet}
	ErrSelectorKind     = &Error{Kind: KindSelectorKind}
	ErrDuplicate        = &Error{Kind: KindDuplicate}
)

// KindOf returns the kind of a worldpath error, or "" for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func fail(kind Kind, path string) error {
	return &Error{Kind: kind, Path: path}
}
