package plugin

import (
	"bufio"
	"errors"
	"io"
	"path/filepath"
	"slices"
	"strings"
)

const readBufferSize = 64 * 1024

// RelPath returns path relative to the staged root of the target
func (t *ScanTarget) RelPath(path string) string {
	rel, err := filepath.Rel(t.Root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}

	return filepath.ToSlash(rel)
}

// ExcludedPath reports whether any segment of the slash separated relPath
// is one of segments
func ExcludedPath(relPath string, segments []string) bool {
	for _, segment := range strings.Split(relPath, "/") {
		if slices.Contains(segments, segment) {
			return true
		}
	}

	return false
}

// ScanLines streams r line by line and calls fn with the 1-based line number
// of every line no longer than maxLength bytes. Longer lines are counted but
// never buffered whole, so line numbers match what an editor shows. The line
// slice is only valid during the call.
func ScanLines(r io.Reader, maxLength int, fn func(lineNumber int, line []byte) error) error {
	reader := bufio.NewReaderSize(r, readBufferSize)
	lineNumber := 0

	for {
		line, isPrefix, err := reader.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		lineNumber++
		tooLong := len(line) > maxLength

		// Drain the rest of a line that did not fit in the buffer
		for isPrefix {
			tooLong = true
			if _, isPrefix, err = reader.ReadLine(); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
		}

		if tooLong {
			continue
		}

		if err := fn(lineNumber, line); err != nil {
			return err
		}
	}
}

// Excerpt copies at most maxLength bytes of line into a valid UTF-8 string
func Excerpt(line []byte, maxLength int) string {
	if maxLength > 0 && len(line) > maxLength {
		line = line[:maxLength]
	}

	return strings.ToValidUTF8(string(line), "")
}
