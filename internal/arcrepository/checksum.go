package arcrepository

import (
	"fmt"

	"github.com/netarchive/arcrepo/internal/protocol"
	"github.com/rs/zerolog"
)

// ParseChecksumReport extracts the checksum of filename from the lines of a
// checksum batch report. Lines are "filename##checksum". Empty lines and
// lines about other files are skipped. A line that does not split into
// exactly two fields is ErrMalformedChecksumReport. The same checksum listed
// twice is accepted, two different checksums are ErrAmbiguousChecksum. An
// empty result means the report does not list the file.
func ParseChecksumReport(lines []string, filename string, logger zerolog.Logger) (string, error) {
	var (
		checksum string
		matches  int
	)

	for _, line := range lines {
		if line == "" {
			continue
		}
		fields := protocol.SplitChecksumLine(line)
		if len(fields) != 2 {
			return "", fmt.Errorf("%w: unexpected line %q", ErrMalformedChecksumReport, line)
		}
		name, sum := fields[0], fields[1]

		if sum == "" {
			logger.Warn().
				Str("filename", filename).
				Str("line", line).
				Msg("Empty checksum in checksum report")
			continue
		}
		if name != filename {
			logger.Warn().
				Str("filename", filename).
				Str("line", line).
				Msg("Unexpected filename in checksum report")
			continue
		}

		if matches > 0 && sum != checksum {
			return "", fmt.Errorf("%w: %s listed with %s and %s", ErrAmbiguousChecksum, filename, checksum, sum)
		}
		checksum = sum
		matches++
	}

	if matches > 1 {
		logger.Warn().
			Str("filename", filename).
			Str("checksum", checksum).
			Int("occurrences", matches).
			Msg("File listed more than once in checksum report")
	}
	return checksum, nil
}
