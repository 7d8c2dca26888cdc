package dataset

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
)

// maxMemberSize caps a single decompressed archive member and
// maxArchiveSize the sum over all members.
const maxMemberSize = 200 << 20

var maxArchiveSize int64 = 1 << 30

// parseZip loads every supported member; members that fail to parse are
// skipped. The first parse error is returned only when no member loads.
func parseZip(name string, data []byte, depth int) ([]*Table, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip %s: %w", name, err)
	}

	var (
		tables   []*Table
		firstErr error
		budget   = maxArchiveSize
	)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || skipMember(f.Name) {
			continue
		}
		member, err := readMember(f, budget)
		if err != nil {
			return nil, fmt.Errorf("read %s in %s: %w", f.Name, name, err)
		}
		budget -= int64(len(member))
		loaded, err := loadBytes(f.Name, member, depth)
		if err != nil {
			if errors.Is(err, ErrUnsupportedFormat) || errors.Is(err, ErrEmpty) {
				slog.Debug("skipping archive member", "archive", name, "member", f.Name, "error", err)
				continue
			}
			slog.Warn("skipping unreadable archive member", "archive", name, "member", f.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		tables = append(tables, loaded...)
	}
	if len(tables) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return tables, nil
}

func skipMember(name string) bool {
	base := path.Base(name)
	return strings.HasPrefix(name, "__MACOSX/") || strings.HasPrefix(base, ".") || strings.HasPrefix(base, "~$")
}

// readMember decompresses f, failing past maxMemberSize or the remaining
// archive budget.
func readMember(f *zip.File, budget int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	limit := min(int64(maxMemberSize), budget)
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		if limit == budget {
			return nil, fmt.Errorf("archive exceeds %d decompressed bytes", maxArchiveSize)
		}
		return nil, fmt.Errorf("member exceeds %d bytes", maxMemberSize)
	}
	return data, nil
}
