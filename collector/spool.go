// Copyright The Cycletrace Authors
// SPDX-License-Identifier: Apache-2.0

package collector // import "github.com/cycletrace/cycletrace/collector"

import (
	"fmt"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// spool persists the raw segment stream, zstd-compressed, exactly as
// it arrived: alternating segment headers and payloads. The file can
// be replayed through wire.DecodeHeader/wire.NewReader later.
type spool struct {
	mu   sync.Mutex
	file *os.File
	enc  *zstd.Encoder
}

func newSpool(path string) (*spool, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &spool{file: f, enc: enc}, nil
}

func (s *spool) write(header, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.enc.Write(header); err != nil {
		return err
	}
	_, err := s.enc.Write(payload)
	return err
}

func (s *spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.enc.Close()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}
