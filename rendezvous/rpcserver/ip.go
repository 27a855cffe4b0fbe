// Copyright (C) 2025 XTR Dev.
// See LICENSE for copying information.

package rpcserver

import (
	"net/http"
	"strings"
)

// ClientIP extracts the client address from proxy headers, assuming a
// single trusted proxy in front of the broker. An empty result means the
// address is unknown and the caller falls back to the global bucket.
func ClientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return ""
}
