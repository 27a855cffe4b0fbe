// Copyright (C) 2025 XTR Dev.
// See LICENSE for copying information.

package rendezvous

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"unicode"
)

var nameRegexp = regexp.MustCompile(`^[a-z0-9._-]{3,32}$`)

// maxTagLength bounds a single discovery tag.
const maxTagLength = 64

// ValidateName checks a credential name: 3 to 32 characters from
// [a-z0-9._-]. Callers lowercase names before validating, which makes
// uniqueness case-insensitive.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return CodedError(CodeInvalidName, "name must be 3-32 characters of a-z, 0-9, '.', '_' or '-'")
	}
	return nil
}

// ValidateTags checks a discovery tag list: at least one tag, each
// non-empty, printable, without spaces or control characters.
func ValidateTags(tags []string) error {
	if len(tags) == 0 {
		return CodedError(CodeInvalidTag, "at least one tag is required")
	}
	for _, tag := range tags {
		if err := ValidateTag(tag); err != nil {
			return err
		}
	}
	return nil
}

// ValidateTag checks a single discovery tag.
func ValidateTag(tag string) error {
	if tag == "" {
		return CodedError(CodeInvalidTag, "tag must not be empty")
	}
	if len(tag) > maxTagLength {
		return CodedError(CodeInvalidTag, "tag exceeds %d characters", maxTagLength)
	}
	for _, r := range tag {
		if r == ' ' || unicode.IsControl(r) || !unicode.IsPrint(r) {
			return CodedError(CodeInvalidTag, "tag contains spaces or non-printable characters")
		}
	}
	return nil
}

// ValidateSDP checks an SDP blob against the configured cap.
func ValidateSDP(sdp string, maxSize int) error {
	if sdp == "" {
		return CodedError(CodeInvalidSDP, "sdp must be a non-empty string")
	}
	if len(sdp) > maxSize {
		return CodedError(CodeSDPTooLarge, "sdp exceeds %d bytes", maxSize)
	}
	return nil
}

// ValidateCandidate checks an opaque ICE candidate: it must be a JSON
// object within the configured serialized size and nesting depth. The depth
// walk is iterative and counts depth on entry to each object or array, so
// adversarial nesting fails fast without recursion.
func ValidateCandidate(candidate json.RawMessage, maxSize, maxDepth int) error {
	if len(candidate) == 0 {
		return CodedError(CodeInvalidParams, "candidate must be a JSON object")
	}
	if len(candidate) > maxSize {
		return CodedError(CodeInvalidParams, "candidate exceeds %d bytes", maxSize)
	}

	dec := json.NewDecoder(bytes.NewReader(candidate))
	tok, err := dec.Token()
	if err != nil {
		return CodedError(CodeInvalidParams, "candidate is not valid JSON")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return CodedError(CodeInvalidParams, "candidate must be a JSON object")
	}
	depth := 1
	if depth > maxDepth {
		return CodedError(CodeInvalidParams, "candidate exceeds nesting depth %d", maxDepth)
	}
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return CodedError(CodeInvalidParams, "candidate is not valid JSON")
		}
		if delim, ok := tok.(json.Delim); ok {
			switch delim {
			case '{', '[':
				depth++
				if depth > maxDepth {
					return CodedError(CodeInvalidParams, "candidate exceeds nesting depth %d", maxDepth)
				}
			case '}', ']':
				depth--
			}
		}
	}
	// The blob is stored and re-emitted verbatim, so anything beyond the
	// one object would corrupt response encoding later.
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return CodedError(CodeInvalidParams, "candidate must be a single JSON object")
	}
	return nil
}

// normalizeTags deduplicates while preserving first-seen order.
func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := tags[:0:0]
	for _, tag := range tags {
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
