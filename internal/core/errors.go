// Package core holds the shared error taxonomy and interfaces that higher
// layers depend on, so handlers never import a specific DB or provider.
package core

import "errors"

var (
	// ErrNotFound covers threads, messages and shared links that are absent
	// or not owned by the caller.
	ErrNotFound = errors.New("not found")

	// ErrNoCredential means no usable stored API key matched the request.
	ErrNoCredential = errors.New("no active key for provider")

	// ErrExpired means a shared link is past its expiry.
	ErrExpired = errors.New("link expired")

	// ErrNoContent means a generation produced zero increments even after
	// the non-streaming fallback.
	ErrNoContent = errors.New("no content returned by provider")

	// ErrCipher marks a key decryption failure. This is a process
	// configuration fault (wrong ENCRYPTION_KEY), never a client error.
	ErrCipher = errors.New("credential decryption failed")
)
