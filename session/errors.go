package session

import "errors"

var (
	// ErrNoRefreshToken reports a refresh attempted with no refresh token
	// anywhere in state or storage. Terminal for the session.
	ErrNoRefreshToken = errors.New("no refresh token available")

	// ErrRefreshFailed reports that the refresh endpoint rejected the
	// refresh token, was unreachable, or timed out. Terminal for the
	// session: the failure path has already logged out and cleared storage.
	ErrRefreshFailed = errors.New("refresh failed")
)
