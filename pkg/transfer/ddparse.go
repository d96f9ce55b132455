package transfer

import (
	"bytes"
	"regexp"
	"strconv"
)

var (
	// GNU:  "1048576000 bytes (1.0 GB, 1000 MiB) copied, 5 s, 210 MB/s"
	// BSD:  "524288000 bytes (524 MB, 500 MiB) transferred 2.003s, 262 MB/s"
	// BSD:  "1048576000 bytes transferred in 4.512 secs (232391234 bytes/sec)"
	bytesLine = regexp.MustCompile(`^\s*(\d+)\s+bytes?\b.*\b(?:copied|transferred)\b`)

	// "250+0 records out"
	recordsLine = regexp.MustCompile(`^\s*(\d+)\+(\d+)\s+records\s+out\b`)
)

// StatusParser extracts the bytes-written count from dd status lines.
type StatusParser struct {
	BlockSize uint64
}

// Parse returns the number of bytes written reported by line. Lines that carry
// no recognizable count return false.
func (p StatusParser) Parse(line string) (uint64, bool) {
	if m := bytesLine.FindStringSubmatch(line); m != nil {
		n, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}

	if m := recordsLine.FindStringSubmatch(line); m != nil && p.BlockSize > 0 {
		full, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			return 0, false
		}
		// Partial records have unknown length; only full blocks are counted.
		return full * p.BlockSize, true
	}

	return 0, false
}

// scanStatusLines splits dd output on both '\n' and the '\r' used to redraw
// the progress line in place.
func scanStatusLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
