// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package scope encodes per-user namespacing across the two backends.
//
// The vector store knows nothing about users, so the principal is folded
// into the tag: "principal|tags". The audit contract stores a flat tags
// string, so the principal rides as a trailing "principal:<P>" segment.
// Both encodings are pure string transforms; isolation is enforced by
// post-filtering search hits against the principal prefix.
package scope

import (
	"strings"
	"unicode"
)

// Separator splits the principal from the tag list in a vector tag.
const Separator = "|"

// ChainMarker prefixes the principal segment inside a chain tags string.
const ChainMarker = "principal:"

// maxPrincipalLen is a defensive cap; II principals are far shorter.
const maxPrincipalLen = 128

// VectorTag returns the principal-scoped tag written to the vector store:
// "P|tags" when a principal is present, the plain tags otherwise.
func VectorTag(principal, tags string) string {
	if principal == "" {
		return tags
	}
	return principal + Separator + tags
}

// ChainTags returns the tags string written to the audit contract:
// "tags,principal:P" when a principal is present, the plain tags otherwise.
func ChainTags(principal, tags string) string {
	if principal == "" {
		return tags
	}
	return tags + "," + ChainMarker + principal
}

// SplitVectorTag is the inverse of VectorTag: it separates a scoped tag
// into principal and tag list. An unscoped tag yields an empty principal.
func SplitVectorTag(tag string) (principal, tags string) {
	if p, rest, found := strings.Cut(tag, Separator); found {
		return p, rest
	}
	return "", tag
}

// IsOwnedBy reports whether a search hit's scoped tag belongs to the
// principal. An absent principal owns everything (global view).
func IsOwnedBy(tag, principal string) bool {
	if principal == "" {
		return true
	}
	return strings.HasPrefix(tag, principal+Separator)
}

// ValidPrincipal accepts any non-empty token free of the separator, the
// comma used by the chain encoding, and whitespace. This is a defensive
// superset of the identity provider's textual principal grammar.
func ValidPrincipal(p string) bool {
	if p == "" || len(p) > maxPrincipalLen {
		return false
	}
	if strings.ContainsAny(p, Separator+",") {
		return false
	}
	return strings.IndexFunc(p, unicode.IsSpace) < 0
}
