// Package storage computes per-instance disk usage against a soft quota.
// It never enforces the quota by killing anything; it only reports.
package storage

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

// Usage is the computed disk accounting for one instance's data directory.
type Usage struct {
	UsedBytes  int64
	QuotaBytes int64 // 0 means unbounded
	OverQuota  bool
	// Ratio is used/quota scaled by 10000 for integer gauge transport;
	// 0 when quota is unbounded.
	Ratio int64
}

func (u Usage) UsedHuman() string  { return humanize.Bytes(uint64(u.UsedBytes)) }
func (u Usage) QuotaHuman() string {
	if u.QuotaBytes == 0 {
		return "unbounded"
	}
	return humanize.Bytes(uint64(u.QuotaBytes))
}

// DataDir returns the persistent working tree path for an instance.
func DataDir(baseDir, service, id string) string {
	return filepath.Join(baseDir, service, id)
}

// Measure walks dir recursively and reports usage against quotaMB (0 =
// unbounded). A missing directory reports zero usage, not an error.
func Measure(dir string, quotaMB int) (Usage, error) {
	var used int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		used += info.Size()
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return Usage{}, err
	}

	u := Usage{UsedBytes: used}
	if quotaMB > 0 {
		u.QuotaBytes = int64(quotaMB) * 1024 * 1024
		u.Ratio = used * 10000 / u.QuotaBytes
		u.OverQuota = used > u.QuotaBytes
	}
	return u, nil
}

// Remove deletes an instance's data directory entirely. Called on stop when
// storage_persist is false.
func Remove(dir string) error {
	return os.RemoveAll(dir)
}

// Ensure creates an instance's data directory if it doesn't already exist.
func Ensure(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
