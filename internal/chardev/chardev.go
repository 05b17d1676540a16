package chardev

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// ErrBusy is returned when a device already has an open stream and the
// caller did not ask to take it over, or when another domain holds its lock.
var ErrBusy = errors.New("character device is already in use")

// Chrdevs multiplexes console and serial streams of one domain so that each
// device path has at most one open stream. Lock files in the shared lock
// directory keep other domains off the same device.
type Chrdevs struct {
	fs      afero.Fs
	lockDir string

	mu      sync.Mutex
	streams map[string]*Stream
}

// Stream is an open handle on a character device.
type Stream struct {
	owner    *Chrdevs
	path     string
	lockFile string
}

// New prepares the lock directory and returns an empty multiplexer.
func New(fs afero.Fs, lockDir string) (*Chrdevs, error) {
	if err := fs.MkdirAll(lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create chardev lock dir %s: %w", lockDir, err)
	}

	return &Chrdevs{
		fs:      fs,
		lockDir: lockDir,
		streams: make(map[string]*Stream),
	}, nil
}

// LockFilePath is the lock file guarding the device at path. Every '/' of
// the path becomes '_', so distinct devices never share a lock.
func LockFilePath(lockDir, path string) string {
	return filepath.Join(lockDir, "LCK.."+strings.ReplaceAll(path, "/", "_"))
}

// Open takes the device at path. With force set an existing stream of this
// domain on the same path is closed first; a lock held elsewhere is never
// taken over.
func (c *Chrdevs) Open(path string, force bool) (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.streams[path]; ok {
		if !force {
			return nil, fmt.Errorf("%s: %w", path, ErrBusy)
		}
		if err := c.releaseLocked(existing); err != nil {
			return nil, err
		}
	}

	lockFile := LockFilePath(c.lockDir, path)
	f, err := c.fs.OpenFile(lockFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%s is locked by %s: %w", path, lockFile, ErrBusy)
		}
		return nil, fmt.Errorf("could not create lock file %s: %w", lockFile, err)
	}
	_, werr := fmt.Fprintf(f, "%10d\n", os.Getpid())
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = c.fs.Remove(lockFile)
		return nil, fmt.Errorf("could not write lock file %s: %w", lockFile, werr)
	}

	s := &Stream{owner: c, path: path, lockFile: lockFile}
	c.streams[path] = s
	return s, nil
}

// Lookup returns the open stream on path.
func (c *Chrdevs) Lookup(path string) (*Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.streams[path]
	return s, ok
}

// Free closes every open stream and removes their lock files. The
// multiplexer stays usable.
func (c *Chrdevs) Free() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, s := range c.streams {
		if err := c.releaseLocked(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Stream) Path() string {
	return s.path
}

// Close releases the stream. Closing a stream that was taken over is a no-op.
func (s *Stream) Close() error {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()

	if s.owner.streams[s.path] != s {
		return nil
	}
	return s.owner.releaseLocked(s)
}

func (c *Chrdevs) releaseLocked(s *Stream) error {
	delete(c.streams, s.path)
	if err := c.fs.Remove(s.lockFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("could not remove lock file %s: %w", s.lockFile, err)
	}
	return nil
}
