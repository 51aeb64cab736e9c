package stager

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/mholt/archives"

	"github.com/leaktk/nps/pkg/config"
	"github.com/leaktk/nps/pkg/fs"
	"github.com/leaktk/nps/pkg/id"
	"github.com/leaktk/nps/pkg/logger"
	"github.com/leaktk/nps/pkg/response"
)

var gzipMagic = []byte{0x1f, 0x8b}

// Stager extracts archives into private directories under a staging root
// after checking there is room for them
type Stager struct {
	root          string
	freeSpacePath string
	salt          string
	seq           atomic.Uint64
	// FreeSpace reports the bytes available at a path
	FreeSpace func(path string) (uint64, error)
	now       func() time.Time
}

// NewStager creates the staging root if needed and returns a Stager for it
func NewStager(cfg config.Staging) (*Stager, error) {
	root, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("invalid staging path: path=%q error=%w", cfg.Path, err)
	}

	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("could not create staging root: path=%q error=%w", root, err)
	}

	freeSpacePath := cfg.FreeSpacePath
	if len(freeSpacePath) == 0 {
		freeSpacePath = root
	}

	return &Stager{
		root:          root,
		freeSpacePath: freeSpacePath,
		salt:          id.ID(),
		FreeSpace:     fs.FreeSpace,
		now:           time.Now,
	}, nil
}

// Root is the directory every staged archive lives under
func (s *Stager) Root() string {
	return s.root
}

// Stage extracts archivePath into a new directory under the staging root
// and returns it. When extraction fails after the directory was created the
// directory is still returned along with the error so it can be unstaged.
func (s *Stager) Stage(ctx context.Context, archivePath string) (string, error) {
	if !fs.FileExists(archivePath) {
		return "", response.Errorf(response.NotFound, "archive does not exist: path=%q", archivePath)
	}

	size, err := UncompressedSize(archivePath)
	if err != nil {
		return "", response.Errorf(response.ExtractionError, "could not size archive: path=%q error=%w", archivePath, err)
	}

	free, err := s.FreeSpace(s.freeSpacePath)
	if err != nil {
		return "", err
	}

	if size > free {
		return "", response.Errorf(response.InsufficientSpace,
			"not enough space to stage archive: path=%q size=%d free=%d", archivePath, size, free)
	}

	name := id.ID(
		strconv.FormatInt(s.now().UnixNano(), 10),
		strconv.FormatUint(s.seq.Add(1), 10),
		s.salt,
		filepath.Base(archivePath),
	)
	dir := filepath.Join(s.root, name)

	if err := os.Mkdir(dir, 0700); err != nil {
		return "", fmt.Errorf("could not create staging directory: path=%q error=%w", dir, err)
	}

	logger.Debug("staging archive: path=%q dir=%q size=%d", archivePath, dir, size)
	if err := extract(ctx, archivePath, dir, free); err != nil {
		if ctx.Err() != nil {
			return dir, ctx.Err()
		}
		return dir, response.Errorf(response.ExtractionError, "could not extract archive: path=%q error=%w", archivePath, err)
	}

	return dir, nil
}

// Unstage removes a staged directory. Only directories under the staging
// root can be removed.
func (s *Stager) Unstage(dir string) error {
	if filepath.Dir(filepath.Clean(dir)) != s.root {
		return fmt.Errorf("refusing to unstage directory outside of the staging root: path=%q", dir)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("could not unstage directory: path=%q error=%w", dir, err)
	}

	logger.Debug("unstaged directory: path=%q", dir)
	return nil
}

// UncompressedSize estimates the extracted size of an archive. For gzip
// streams it reads the ISIZE trailer. Anything else is sized by its length
// on disk.
func UncompressedSize(path string) (uint64, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return 0, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, err
	}

	magic := make([]byte, len(gzipMagic))
	if _, err := io.ReadFull(file, magic); err != nil || string(magic) != string(gzipMagic) || info.Size() < 18 {
		return uint64(info.Size()), nil
	}

	trailer := make([]byte, 4)
	if _, err := file.ReadAt(trailer, info.Size()-4); err != nil {
		return 0, err
	}

	return uint64(binary.LittleEndian.Uint32(trailer)), nil
}

func extract(ctx context.Context, archivePath, dir string, limit uint64) error {
	file, err := os.Open(filepath.Clean(archivePath))
	if err != nil {
		return err
	}
	defer file.Close()

	format, stream, err := archives.Identify(ctx, filepath.Base(archivePath), file)
	if err != nil {
		return err
	}

	extractor, ok := format.(archives.Extractor)
	if !ok {
		return fmt.Errorf("unsupported archive format: format=%q", format.Extension())
	}

	// ISIZE wraps at 4GiB so the declared size is enforced while writing
	remaining := int64(limit)

	return extractor.Extract(ctx, stream, func(_ context.Context, f archives.FileInfo) error {
		target, err := fs.CleanJoin(dir, f.NameInArchive)
		if err != nil {
			return err
		}

		switch {
		case f.IsDir():
			return os.MkdirAll(target, 0700)
		case !f.Mode().IsRegular():
			logger.Debug("skipping non regular archive entry: name=%q mode=%q", f.NameInArchive, f.Mode())
			return nil
		}

		if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
			return err
		}

		written, err := writeEntry(f, target, remaining)
		remaining -= written
		return err
	})
}

var errTooLarge = errors.New("archive expanded past the available space")

func writeEntry(f archives.FileInfo, target string, remaining int64) (int64, error) {
	in, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	written, err := io.Copy(out, io.LimitReader(in, remaining+1))
	if err != nil {
		return written, err
	}

	if written > remaining {
		return written, errTooLarge
	}

	return written, out.Close()
}
