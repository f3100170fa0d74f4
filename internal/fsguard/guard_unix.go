//go:build unix

package fsguard

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

func deviceOf(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Dev), nil
}

// openDir walks comps from the root, refusing symlinks at every level, and
// returns a descriptor for the last directory.
func (g *Guard) openDir(op, rel string, comps []string) (int, error) {
	fd, err := unix.Open(g.root, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, &OpError{Op: op, Path: rel, Reason: ReasonIOFailed, Err: err}
	}
	for _, c := range comps {
		next, err := unix.Openat(fd, c, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
		unix.Close(fd)
		if err != nil {
			return -1, g.openErr(op, rel, err, ReasonParentNotFound)
		}
		fd = next
	}
	return fd, nil
}

func (g *Guard) openErr(op, rel string, err error, notFound string) error {
	switch {
	case errors.Is(err, unix.ELOOP), errors.Is(err, unix.EMLINK):
		return &PolicyViolationError{Op: op, Path: rel, Reason: ReasonSymlink}
	case errors.Is(err, unix.ENOTDIR):
		return &PolicyViolationError{Op: op, Path: rel, Reason: ReasonNotDirectory}
	case errors.Is(err, unix.ENOENT):
		return &OpError{Op: op, Path: rel, Reason: notFound, Err: err}
	default:
		return &OpError{Op: op, Path: rel, Reason: ReasonIOFailed, Err: err}
	}
}

// verify checks the identity of an open descriptor.
func (g *Guard) verify(op, rel string, fd int) (*unix.Stat_t, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, &OpError{Op: op, Path: rel, Reason: ReasonIOFailed, Err: err}
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return nil, &PolicyViolationError{Op: op, Path: rel, Reason: ReasonNotRegular}
	}
	if uint64(st.Dev) != g.rootDev {
		return nil, &PolicyViolationError{Op: op, Path: rel, Reason: ReasonOtherDevice}
	}
	if st.Nlink > 1 {
		return nil, &PolicyViolationError{Op: op, Path: rel, Reason: ReasonHardLink}
	}
	return &st, nil
}

func (g *Guard) readFile(rel string, comps []string) ([]byte, error) {
	const op = "read"
	dirfd, err := g.openDir(op, rel, comps[:len(comps)-1])
	if err != nil {
		return nil, err
	}
	fd, err := unix.Openat(dirfd, comps[len(comps)-1], unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	unix.Close(dirfd)
	if err != nil {
		return nil, g.openErr(op, rel, err, ReasonNotFound)
	}
	f := os.NewFile(uintptr(fd), comps[len(comps)-1])
	defer f.Close()

	if g.hooks.afterOpen != nil {
		g.hooks.afterOpen(rel)
	}

	st, err := g.verify(op, rel, fd)
	if err != nil {
		return nil, err
	}
	if st.Size > g.maxRead {
		return nil, &PolicyViolationError{Op: op, Path: rel, Reason: ReasonTooLarge}
	}

	b, err := io.ReadAll(io.LimitReader(f, g.maxRead+1))
	if err != nil {
		return nil, &OpError{Op: op, Path: rel, Reason: ReasonIOFailed, Err: err}
	}
	// The file may have grown after fstat.
	if int64(len(b)) > g.maxRead {
		return nil, &PolicyViolationError{Op: op, Path: rel, Reason: ReasonTooLarge}
	}
	return b, nil
}

func (g *Guard) writeFile(rel string, comps []string, data []byte) error {
	const op = "write"
	dirfd, err := g.openDir(op, rel, comps[:len(comps)-1])
	if err != nil {
		return err
	}
	defer unix.Close(dirfd)
	base := comps[len(comps)-1]

	mode := uint32(0o644)
	var existing unix.Stat_t
	switch err := unix.Fstatat(dirfd, base, &existing, unix.AT_SYMLINK_NOFOLLOW); {
	case err == nil:
		switch existing.Mode & unix.S_IFMT {
		case unix.S_IFREG:
			mode = uint32(existing.Mode) & 0o777
		case unix.S_IFLNK:
			return &PolicyViolationError{Op: op, Path: rel, Reason: ReasonSymlink}
		default:
			return &PolicyViolationError{Op: op, Path: rel, Reason: ReasonNotRegular}
		}
	case errors.Is(err, unix.ENOENT):
	default:
		return &OpError{Op: op, Path: rel, Reason: ReasonIOFailed, Err: err}
	}

	tmp, err := tempName(base)
	if err != nil {
		return &OpError{Op: op, Path: rel, Reason: ReasonIOFailed, Err: err}
	}
	fd, err := unix.Openat(dirfd, tmp, unix.O_WRONLY|unix.O_CREAT|unix.O_EXCL|unix.O_NOFOLLOW|unix.O_CLOEXEC, mode)
	if err != nil {
		return &OpError{Op: op, Path: rel, Reason: ReasonIOFailed, Err: err}
	}
	f := os.NewFile(uintptr(fd), tmp)

	cleanup := func() {
		_ = f.Close()
		_ = unix.Unlinkat(dirfd, tmp, 0)
	}
	if _, err := g.verify(op, rel, fd); err != nil {
		cleanup()
		return err
	}
	// Fchmod so the umask does not narrow the mode of an existing file.
	if err := unix.Fchmod(fd, mode); err != nil {
		cleanup()
		return &OpError{Op: op, Path: rel, Reason: ReasonIOFailed, Err: err}
	}
	if _, err := f.Write(data); err != nil {
		cleanup()
		return &OpError{Op: op, Path: rel, Reason: ReasonIOFailed, Err: err}
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return &OpError{Op: op, Path: rel, Reason: ReasonIOFailed, Err: err}
	}
	if err := f.Close(); err != nil {
		_ = unix.Unlinkat(dirfd, tmp, 0)
		return &OpError{Op: op, Path: rel, Reason: ReasonIOFailed, Err: err}
	}

	renameat := unix.Renameat
	if g.hooks.renameat != nil {
		renameat = g.hooks.renameat
	}
	if err := renameat(dirfd, tmp, dirfd, base); err != nil {
		_ = unix.Unlinkat(dirfd, tmp, 0)
		return &OpError{Op: op, Path: rel, Reason: ReasonReplaceFailed, Err: err}
	}
	// Persist the directory entry; failure here does not undo the write.
	_ = unix.Fsync(dirfd)
	return nil
}

func tempName(base string) (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	name := "." + base
	if len(name) > 200 {
		name = name[:200]
	}
	return name + ".tmp-" + hex.EncodeToString(b[:]), nil
}
