package merkle

import (
	"testing"

	"github.com/afbjorklund/recc/digest"
	"github.com/afbjorklund/recc/reader"
)

func TestToDigestDeterministic(t *testing.T) {
	build := func() digest.Digest {
		var tree NestedDirectory
		blobs := make(map[digest.Digest][]byte)
		if err := tree.Add(reader.Node{Contents: []byte("a")}, "dir/a.txt"); err != nil {
			t.Fatal(err)
		}
		if err := tree.Add(reader.Node{Contents: []byte("b")}, "dir/b.txt"); err != nil {
			t.Fatal(err)
		}
		if err := tree.Add(reader.Node{Contents: []byte("c")}, "top.txt"); err != nil {
			t.Fatal(err)
		}
		d, err := tree.ToDigest(blobs)
		if err != nil {
			t.Fatal(err)
		}
		return d
	}
	d1 := build()
	d2 := build()
	if d1 != d2 {
		t.Errorf("ToDigest not deterministic: %v != %v", d1, d2)
	}
}

func TestToDigestOrderIndependent(t *testing.T) {
	var t1, t2 NestedDirectory
	b1 := make(map[digest.Digest][]byte)
	b2 := make(map[digest.Digest][]byte)

	t1.Add(reader.Node{Contents: []byte("a")}, "x/a.txt")
	t1.Add(reader.Node{Contents: []byte("b")}, "x/b.txt")

	t2.Add(reader.Node{Contents: []byte("b")}, "x/b.txt")
	t2.Add(reader.Node{Contents: []byte("a")}, "x/a.txt")

	d1, err := t1.ToDigest(b1)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := t2.ToDigest(b2)
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Errorf("insertion order changed the digest: %v != %v", d1, d2)
	}
}

func TestAddOverwritesSamePath(t *testing.T) {
	var overwritten NestedDirectory
	overwritten.Add(reader.Node{Contents: []byte("first")}, "a.txt")
	overwritten.Add(reader.Node{Contents: []byte("second")}, "a.txt")

	var direct NestedDirectory
	direct.Add(reader.Node{Contents: []byte("second")}, "a.txt")

	b1 := make(map[digest.Digest][]byte)
	b2 := make(map[digest.Digest][]byte)
	d1, err := overwritten.ToDigest(b1)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := direct.ToDigest(b2)
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Errorf("second Add did not overwrite the first: %v != %v", d1, d2)
	}
}

func TestAddRejectsInvalidPaths(t *testing.T) {
	var tree NestedDirectory
	for _, p := range []string{"", "a/", "a//b"} {
		if err := tree.Add(reader.Node{Contents: []byte("x")}, p); err == nil {
			t.Errorf("Add(%q) succeeded, want error", p)
		}
	}
}

func TestSharedSubdirectoryBlob(t *testing.T) {
	var tree NestedDirectory
	tree.Add(reader.Node{Contents: []byte("same")}, "a/shared.txt")
	tree.Add(reader.Node{Contents: []byte("same")}, "b/shared.txt")
	blobs := make(map[digest.Digest][]byte)
	if _, err := tree.ToDigest(blobs); err != nil {
		t.Fatal(err)
	}
	content := digest.FromBlob([]byte("same"))
	if _, ok := blobs[content]; !ok {
		t.Errorf("shared file content missing from blob map")
	}
}
