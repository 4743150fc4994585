// Copyright The Traceblock Authors
// SPDX-License-Identifier: Apache-2.0

// Package iptest provides scripted in-memory implementations of the ipt
// interfaces for testing the decoding front-end without the native library.
package iptest // import "github.com/traceblock/ptdecode/ipt/iptest"

import (
	"errors"

	"github.com/traceblock/ptdecode/ipt"
)

// BlockResult is one scripted response to Decoder.NextBlock.
type BlockResult struct {
	Block  ipt.Block
	Status ipt.Status
}

// EventResult is one scripted response to Decoder.NextEvent.
type EventResult struct {
	Event  ipt.Event
	Status ipt.Status
}

// Decoder replays a fixed script of statuses, blocks and events. Once the
// block script is exhausted, NextBlock reports end of stream the way the
// native library does: as the negated end-of-stream error code.
type Decoder struct {
	SyncStatus  ipt.Status
	Blocks      []BlockResult
	Events      []EventResult
	SetImageErr error

	Image  ipt.Image
	Closed bool

	blockIdx int
	eventIdx int
}

var _ ipt.Decoder = (*Decoder)(nil)

func (d *Decoder) SyncForward() ipt.Status { return d.SyncStatus }

func (d *Decoder) SetImage(img ipt.Image) error {
	if d.SetImageErr != nil {
		return d.SetImageErr
	}
	d.Image = img
	return nil
}

func (d *Decoder) NextBlock() (ipt.Block, ipt.Status) {
	if d.blockIdx >= len(d.Blocks) {
		return ipt.Block{}, ipt.ErrCodeEOS.Status()
	}
	r := d.Blocks[d.blockIdx]
	d.blockIdx++
	return r.Block, r.Status
}

func (d *Decoder) NextEvent() (ipt.Event, ipt.Status) {
	if d.eventIdx >= len(d.Events) {
		return ipt.Event{}, ipt.ErrCodeInternal.Status()
	}
	r := d.Events[d.eventIdx]
	d.eventIdx++
	return r.Event, r.Status
}

func (d *Decoder) Close() error {
	d.Closed = true
	return nil
}

// FileMapping records one Image.AddFile registration.
type FileMapping struct {
	Path   string
	Offset uint64
	Size   uint64
	Vaddr  uint64
}

// Image records file registrations.
type Image struct {
	Files  []FileMapping
	AddErr error
	Closed bool
}

var _ ipt.Image = (*Image)(nil)

func (i *Image) AddFile(path string, offset, size, vaddr uint64) error {
	if i.AddErr != nil {
		return i.AddErr
	}
	i.Files = append(i.Files, FileMapping{Path: path, Offset: offset, Size: size, Vaddr: vaddr})
	return nil
}

func (i *Image) Close() error {
	i.Closed = true
	return nil
}

// Library hands out preconfigured decoders and images.
type Library struct {
	CPU        ipt.CPU
	CPUErr     error
	Decoder    *Decoder
	DecoderErr error
	Image      *Image
	ImageErr   error

	// LastConfig records the configuration passed to NewDecoder.
	LastConfig ipt.Config
}

var _ ipt.Library = (*Library)(nil)

func (l *Library) ReadCPU() (ipt.CPU, error) {
	if l.CPUErr != nil {
		return ipt.CPU{}, l.CPUErr
	}
	return l.CPU, nil
}

func (l *Library) NewDecoder(cfg ipt.Config) (ipt.Decoder, error) {
	l.LastConfig = cfg
	if l.DecoderErr != nil {
		return nil, l.DecoderErr
	}
	if l.Decoder == nil {
		return nil, errors.New("iptest: no decoder scripted")
	}
	return l.Decoder, nil
}

func (l *Library) NewImage() (ipt.Image, error) {
	if l.ImageErr != nil {
		return nil, l.ImageErr
	}
	if l.Image == nil {
		return nil, errors.New("iptest: no image scripted")
	}
	return l.Image, nil
}
