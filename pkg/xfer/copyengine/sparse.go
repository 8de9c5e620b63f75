package copyengine

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"
)

// sparseMinFileSize is the size below which zero-run detection isn't worth
// the per-chunk scan: small files rarely contain hole-sized zero spans, and
// the scan cost is paid on every byte read.
const sparseMinFileSize = 64 << 20

// isZeroChunk reports whether every byte in chunk is zero. Comparing in
// word-sized strides keeps the scan well below memory bandwidth, so the
// detector never becomes the copy's bottleneck.
func isZeroChunk(chunk []byte) bool {
	for len(chunk) >= 8 {
		if chunk[0]|chunk[1]|chunk[2]|chunk[3]|chunk[4]|chunk[5]|chunk[6]|chunk[7] != 0 {
			return false
		}
		chunk = chunk[8:]
	}
	for _, b := range chunk {
		if b != 0 {
			return false
		}
	}
	return true
}

// copySparse copies source to destination chunk by chunk, skipping the write
// for chunks that are entirely zero so the filesystem materializes them as
// holes. The destination's logical length is set explicitly at the end,
// which establishes the file size even when the source ends in a zero run
// that was never written.
func copySparse(ctx context.Context, source, destination *os.File, bufferLength int, onFirstByte func()) error {
	buffer := make([]byte, bufferLength)
	var offset int64
	firstWrite := true

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := source.Read(buffer)
		if n > 0 {
			chunk := buffer[:n]
			if !isZeroChunk(chunk) {
				if _, err := destination.WriteAt(chunk, offset); err != nil {
					return errors.Wrap(err, "unable to write file contents")
				}
				if firstWrite {
					firstWrite = false
					if onFirstByte != nil {
						onFirstByte()
					}
				}
			}
			offset += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return errors.Wrap(readErr, "unable to read source file")
		}
	}

	return destination.Truncate(offset)
}
