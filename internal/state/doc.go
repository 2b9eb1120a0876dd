// Package state provides filesystem-backed storage implementations.
package state

import "github.com/user/gopherline/internal/types"

// Compile-time interface compliance checks.
var _ types.SessionLifecycle = (*SessionStore)(nil)
var _ types.HistoryFetcher = (*ItemStore)(nil)
