// Package reader implements the File primitive from spec §4.1: reading a
// path off local disk into the shape the Merkleizer and CAS client need,
// without caring whether the bytes end up inline or path-backed.
package reader

import (
	"os"

	"github.com/pkg/errors"

	"github.com/afbjorklund/recc/rerrors"
)

// Node is what File(path) produces: either a regular file's contents (with
// its executable bit) or a symlink's target, never both.
type Node struct {
	IsSymlink     bool
	IsExecutable  bool
	Contents      []byte // valid iff !IsSymlink
	SymlinkTarget string // valid iff IsSymlink
}

const ownerExecBit = 0100

// File reads path per spec §4.1: a regular file's bytes plus executable
// bit, or a symlink's target. Any other file type, or a stat/read/readlink
// failure, is an Io error.
func File(path string) (Node, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return Node{}, rerrors.Wrap(rerrors.Io, errors.Wrapf(err, "stat %s", path))
	}

	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return Node{}, rerrors.Wrap(rerrors.Io, errors.Wrapf(err, "readlink %s", path))
		}
		return Node{IsSymlink: true, SymlinkTarget: target}, nil

	case fi.Mode().IsRegular():
		contents, err := os.ReadFile(path)
		if err != nil {
			return Node{}, rerrors.Wrap(rerrors.Io, errors.Wrapf(err, "read %s", path))
		}
		return Node{
			Contents:     contents,
			IsExecutable: fi.Mode()&ownerExecBit != 0,
		}, nil

	default:
		return Node{}, rerrors.Wrap(rerrors.Io, errors.Errorf("%s is neither a regular file nor a symlink (mode %s)", path, fi.Mode()))
	}
}
