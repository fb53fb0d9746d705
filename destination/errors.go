// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package destination

import "errors"

// Transient failures. The retry engine re-attempts these.
var (
	// ErrThrottled indicates the destination applied rate limiting.
	ErrThrottled = errors.New("destination throttled the request")

	// ErrUnavailable indicates a transport failure or a temporary
	// server-side error.
	ErrUnavailable = errors.New("destination unavailable")
)

// Permanent failures. The retry engine gives up on these.
var (
	// ErrRejected indicates the destination refused the request and a
	// retry cannot succeed.
	ErrRejected = errors.New("destination rejected the request")

	// ErrGone indicates the destination resource no longer exists; the
	// writer stops when a send fails with it.
	ErrGone = errors.New("destination no longer exists")
)

// IsRetryable reports whether err is a transient destination failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrUnavailable)
}

// IsGone reports whether err means the destination resource disappeared.
func IsGone(err error) bool {
	return errors.Is(err, ErrGone)
}
