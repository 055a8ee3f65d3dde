package downloader

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

var stampPattern = regexp.MustCompile(`^(\d{8}_\d{6})\.[A-Za-z0-9]+$`)

// parseName returns the timestamp when name is exactly
// {prefix}_{YYYYMMDD_HHMMSS}.{ext}.
func parseName(name, prefix string) (time.Time, bool) {
	if !strings.HasPrefix(name, prefix+"_") {
		return time.Time{}, false
	}
	m := stampPattern.FindStringSubmatch(name[len(prefix)+1:])
	if m == nil {
		return time.Time{}, false
	}
	at, err := time.ParseInLocation(TimestampLayout, m[1], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

// Files lists the stored files of prefix, newest first. A missing dir is empty.
func Files(dir, prefix string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []File
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		at, ok := parseName(entry.Name(), prefix)
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, File{
			Path:       filepath.Join(dir, entry.Name()),
			Size:       info.Size(),
			FilePrefix: prefix,
			CreatedAt:  at,
		})
	}
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].CreatedAt.After(files[j].CreatedAt)
	})
	return files, nil
}

// Latest - newest stored file of prefix, nil when there is none
func Latest(dir, prefix string) (*File, error) {
	files, err := Files(dir, prefix)
	if err != nil || len(files) == 0 {
		return nil, err
	}
	return &files[0], nil
}

// Cleanup removes every stored file of prefix. Files of longer prefixes that
// merely start with it, such as "库存库位明细_仓库A_...", are kept.
func Cleanup(dir, prefix string) (int, error) {
	files, err := Files(dir, prefix)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, f := range files {
		if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
