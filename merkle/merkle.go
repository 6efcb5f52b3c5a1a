// Package merkle builds the NestedDirectory / Merkleizer of spec §4.2: an
// in-memory tree of reader.Node leaves, finalized into a canonically
// serialized, content-addressed Directory hierarchy.
package merkle

import (
	"sort"
	"strings"

	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/afbjorklund/recc/digest"
	"github.com/afbjorklund/recc/reader"
)

// NestedDirectory is the builder from spec §4.2. The zero value is an
// empty directory ready for Add calls.
type NestedDirectory struct {
	files map[string]reader.Node
	dirs  map[string]*NestedDirectory
}

// Add inserts a file or symlink at path, a '/'-separated path relative to
// the tree root. Intermediate directories are created as needed. Adding two
// entries at the same full path overwrites the earlier one — the single
// deterministic rule spec §4.2 requires implementers to pick.
func (n *NestedDirectory) Add(node reader.Node, path string) error {
	if path == "" {
		return errors.New("empty path")
	}
	segs := strings.Split(path, "/")
	base := segs[len(segs)-1]
	if base == "" {
		return errors.Errorf("path %q has a trailing slash", path)
	}

	cur := n
	for _, seg := range segs[:len(segs)-1] {
		if seg == "" {
			return errors.Errorf("path %q contains an empty segment", path)
		}
		if cur.dirs == nil {
			cur.dirs = make(map[string]*NestedDirectory)
		}
		child, ok := cur.dirs[seg]
		if !ok {
			child = &NestedDirectory{}
			cur.dirs[seg] = child
		}
		cur = child
	}

	if cur.files == nil {
		cur.files = make(map[string]reader.Node)
	}
	cur.files[base] = node
	return nil
}

// ToDigest finalizes the tree: a post-order traversal builds a Directory
// message per node, sorting files/directories/symlinks ascending by name,
// serializes each canonically, and records every intermediate blob into
// out. It may be called more than once and always returns the same root
// digest for the same tree state (spec §4.2 lifecycle, invariant 1 of §8).
func (n *NestedDirectory) ToDigest(out map[digest.Digest][]byte) (digest.Digest, error) {
	dir := &repb.Directory{}

	dirNames := make([]string, 0, len(n.dirs))
	for name := range n.dirs {
		dirNames = append(dirNames, name)
	}
	sort.Strings(dirNames)
	for _, name := range dirNames {
		child := n.dirs[name]
		dg, err := child.ToDigest(out)
		if err != nil {
			return digest.Digest{}, err
		}
		dir.Directories = append(dir.Directories, &repb.DirectoryNode{Name: name, Digest: dg.ToProto()})
	}

	fileNames := make([]string, 0, len(n.files))
	for name := range n.files {
		fileNames = append(fileNames, name)
	}
	sort.Strings(fileNames)
	for _, name := range fileNames {
		f := n.files[name]
		if f.IsSymlink {
			dir.Symlinks = append(dir.Symlinks, &repb.SymlinkNode{Name: name, Target: f.SymlinkTarget})
			continue
		}
		dg := digest.FromBlob(f.Contents)
		dir.Files = append(dir.Files, &repb.FileNode{
			Name:         name,
			Digest:       dg.ToProto(),
			IsExecutable: f.IsExecutable,
		})
		out[dg] = f.Contents
	}
	// Directories/Files were appended in name order already (dirNames and
	// fileNames are sorted independently), but symlinks interleave with
	// files above in file-name order; re-sort each sequence explicitly so
	// no ordering assumption leaks in from map iteration or future edits.
	sort.Slice(dir.Directories, func(i, j int) bool { return dir.Directories[i].Name < dir.Directories[j].Name })
	sort.Slice(dir.Files, func(i, j int) bool { return dir.Files[i].Name < dir.Files[j].Name })
	sort.Slice(dir.Symlinks, func(i, j int) bool { return dir.Symlinks[i].Name < dir.Symlinks[j].Name })

	encoded, err := proto.Marshal(dir)
	if err != nil {
		return digest.Digest{}, errors.Wrap(err, "marshalling directory")
	}
	dg := digest.FromBlob(encoded)
	out[dg] = encoded
	return dg, nil
}
