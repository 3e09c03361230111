// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides session persistence for llmchat.
//
// Sessions are stored as a single named bucket holding the full session
// collection; every read and write round-trips the whole collection, so a
// write can never leave a partially updated session behind.
package storage

import (
	"os"

	"github.com/jeranaias/llmchat/internal/util"
)

// =============================================================================
// BUCKET
// =============================================================================

// Bucket is whole-collection key-value persistence. Get returns the last
// written payload, or nil when nothing has been written yet.
type Bucket interface {
	Get() ([]byte, error)
	Put(data []byte) error
	Close() error
}

// =============================================================================
// FILE BUCKET
// =============================================================================

// FileBucket stores the bucket payload in a single JSON file, written
// atomically (temp file + fsync + rename).
type FileBucket struct {
	path string
}

// NewFileBucket creates a bucket backed by the file at path. The file is
// created lazily on first Put.
func NewFileBucket(path string) *FileBucket {
	return &FileBucket{path: path}
}

// Get reads the full payload. A missing file is an empty bucket, not an
// error.
func (b *FileBucket) Get() ([]byte, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// Put replaces the full payload atomically.
func (b *FileBucket) Put(data []byte) error {
	return util.AtomicWriteFile(b.path, data, 0644)
}

// Close is a no-op for file buckets.
func (b *FileBucket) Close() error {
	return nil
}
