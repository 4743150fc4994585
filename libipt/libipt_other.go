// Copyright The Traceblock Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !libipt || !linux || !amd64 || !cgo

package libipt // import "github.com/traceblock/ptdecode/libipt"

import "github.com/traceblock/ptdecode/ipt"

// Library satisfies ipt.Library on platforms without libipt support. Every
// method reports ipt.ErrUnsupported.
type Library struct{}

var _ ipt.Library = Library{}

func (Library) ReadCPU() (ipt.CPU, error) {
	return ipt.CPU{}, ipt.ErrUnsupported
}

func (Library) NewDecoder(ipt.Config) (ipt.Decoder, error) {
	return nil, ipt.ErrUnsupported
}

func (Library) NewImage() (ipt.Image, error) {
	return nil, ipt.ErrUnsupported
}
