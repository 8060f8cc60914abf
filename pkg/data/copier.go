package data

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/marmos91/dittoshare/internal/ratelimiter"
	"github.com/marmos91/dittoshare/pkg/share"
)

// PathKey is the connection-info key naming the local directory a share is
// mounted at.
const PathKey = "path"

const chunkSize = 256 * 1024

// FileCopier copies between two locally mounted share directories. Regular
// files, directories and symlinks are copied with their permission bits.
type FileCopier struct {
	limiter *ratelimiter.RateLimiter
}

// NewFileCopier creates a FileCopier moving at most bytesPerSecond per copy
// (0 for no limit).
func NewFileCopier(bytesPerSecond uint) *FileCopier {
	burst := bytesPerSecond
	if burst != 0 && burst < chunkSize {
		burst = chunkSize
	}
	return &FileCopier{limiter: ratelimiter.New(bytesPerSecond, burst)}
}

// Copy implements Copier.
func (c *FileCopier) Copy(ctx context.Context, src, dest map[string]string, report func(copied, total int64)) error {
	srcDir, destDir := src[PathKey], dest[PathKey]
	if srcDir == "" || destDir == "" {
		return share.Errorf(share.KindInvalidInput, "connection info has no %q to copy between", PathKey)
	}

	total, err := treeSize(srcDir)
	if err != nil {
		return err
	}
	var copied int64
	report(0, total)

	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return c.copyFile(ctx, path, target, info.Mode().Perm(), func(n int64) {
				copied += n
				report(copied, total)
			})
		}
		return nil
	})
}

func (c *FileCopier) copyFile(ctx context.Context, from, to string, perm fs.FileMode, advance func(int64)) error {
	in, err := os.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	buf := make([]byte, chunkSize)
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if err := c.limiter.WaitN(ctx, n); err != nil {
				out.Close()
				return err
			}
			if _, err := out.Write(buf[:n]); err != nil {
				out.Close()
				return fmt.Errorf("write %s: %w", to, err)
			}
			advance(int64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			out.Close()
			return fmt.Errorf("read %s: %w", from, rerr)
		}
	}
	return out.Close()
}

// treeSize sums the sizes of the regular files under dir.
func treeSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("size %s: %w", dir, err)
	}
	return total, nil
}
