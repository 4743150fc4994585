// Copyright The Traceblock Authors
// SPDX-License-Identifier: Apache-2.0

package ptdecode // import "github.com/traceblock/ptdecode"

import "errors"

var (
	// ErrConfig indicates that the host CPU could not be identified or its
	// errata workarounds could not be applied. The environment does not
	// support decoding the configured trace format.
	ErrConfig = errors.New("decoder configuration failed")

	// ErrAlloc indicates resource exhaustion while allocating the decoder
	// or its memory image.
	ErrAlloc = errors.New("decoder allocation failed")

	// ErrSync indicates that the decoder could not synchronize onto the
	// trace stream for a reason other than a legitimately empty stream.
	ErrSync = errors.New("decoder synchronization failed")

	// ErrImageBuild indicates that enumerating the process code layout or
	// registering a segment failed, including a failed vDSO snapshot.
	ErrImageBuild = errors.New("memory image construction failed")

	// ErrAttach indicates that the memory image could not be attached to
	// the decoder.
	ErrAttach = errors.New("memory image attach failed")

	// ErrDecode indicates an unrecoverable error while fetching a block or
	// event. The decoder must not be used further, only closed.
	ErrDecode = errors.New("trace decode failed")
)
