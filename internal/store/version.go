package store

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// FormatVersion is the on-disk layout version written by this package.
// Stores with the same major version can be opened.
const FormatVersion = "1.0.0"

type versionRecord struct {
	Format string `json:"format"`
}

// checkFormat stamps a fresh store and rejects stores written by an
// incompatible layout.
func (s *Store) checkFormat() error {
	path := s.abs(versionFile)
	data, ok, err := readFileIfExists(path)
	if err != nil {
		return ioError("read format version", path, err)
	}
	current := semver.MustParse(FormatVersion)

	if !ok {
		out, err := json.Marshal(versionRecord{Format: current.String()})
		if err != nil {
			return err
		}
		if err := writeFileAtomic(path, out); err != nil {
			return ioError("write format version", path, err)
		}
		return nil
	}

	var rec versionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return corruptError("read format version", path, err)
	}
	onDisk, err := semver.NewVersion(rec.Format)
	if err != nil {
		return corruptError("read format version", path, err)
	}
	if onDisk.Major() != current.Major() {
		return fmt.Errorf("%w: found %s, want %d.x", ErrIncompatibleFormat, onDisk, current.Major())
	}
	if onDisk.GreaterThan(current) {
		s.log.Warn("store written by a newer minor format", "found", onDisk.String(), "current", current.String())
	}
	return nil
}
