// Package transfer copies image bytes onto block devices.
//
// Two copiers are provided: Direct streams the image in fixed-size chunks from
// this process, DD delegates to the host's dd utility and parses its status
// output. Both report cumulative bytes written after every chunk and stop
// between chunks when their context is cancelled, returning the context error.
// Every other failure is an *errors.ImagerError.
package transfer

import (
	"context"
	"fmt"
)

const (
	MiB = 1024 * 1024

	MinBlockSize     = 1 * MiB
	DefaultBlockSize = 4 * MiB
	MaxBlockSize     = 64 * MiB

	// SectorSize is the write alignment required by raw device nodes.
	SectorSize = 512
)

// Request describes one copy.
type Request struct {
	Source string
	Target string
	// Size is the number of bytes to copy from Source.
	Size      uint64
	BlockSize int
	// Align pads the final chunk with zeros to a multiple of Align bytes.
	// Zero disables padding.
	Align int
}

// ProgressFunc receives the cumulative number of image bytes written.
type ProgressFunc func(written uint64)

// Copier is the block transfer primitive used by the imaging engine.
type Copier interface {
	Copy(ctx context.Context, req Request, progress ProgressFunc) error
}

// ValidateBlockSize checks a configured chunk size.
func ValidateBlockSize(size int) error {
	if size < MinBlockSize || size > MaxBlockSize {
		return fmt.Errorf("block size %d out of range [%d, %d]", size, MinBlockSize, MaxBlockSize)
	}
	if size%SectorSize != 0 {
		return fmt.Errorf("block size %d is not a multiple of %d", size, SectorSize)
	}
	return nil
}

func (r Request) blockSize() int {
	if r.BlockSize <= 0 {
		return DefaultBlockSize
	}
	return r.BlockSize
}
