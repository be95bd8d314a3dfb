// Package tarfs serves a read-only drive from a tar image held in memory.
package tarfs

import (
	"archive/tar"
	"context"
	"io"
	"path"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"

	"github.com/evanphx/segos/fs"
	"github.com/evanphx/segos/log"
)

type node struct {
	name     string
	attr     fs.Attr
	body     []byte
	children map[string]*node
	order    []string
}

func (n *node) String() string {
	return spew.Sdump(n.attr, n.order)
}

func newDir(name string) *node {
	return &node{
		name:     name,
		attr:     fs.Attr{Type: fs.Directory, ReadOnly: true},
		children: make(map[string]*node),
	}
}

func (n *node) addChild(c *node) {
	if _, ok := n.children[c.name]; !ok {
		n.order = append(n.order, c.name)
	}

	n.children[c.name] = c
}

type TarFS struct {
	root  *node
	files *fs.Instances[*node]
}

func (t *TarFS) findParent(name string) (*node, error) {
	dir := path.Dir(name)

	if dir == "" || dir == "." {
		return t.root, nil
	}

	parent := t.root

	for _, sec := range strings.Split(dir, "/") {
		key := strings.ToUpper(sec)

		ch, ok := parent.children[key]
		if !ok {
			ch = newDir(key)
			parent.addChild(ch)
		}

		if ch.attr.Type != fs.Directory {
			return nil, errors.Wrapf(fs.ErrNotDirectory, "%s", name)
		}

		parent = ch
	}

	return parent, nil
}

func NewTarFS(r io.Reader) (*TarFS, error) {
	tr := tar.NewReader(r)

	t := &TarFS{
		root:  newDir(""),
		files: fs.NewInstances[*node](0),
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, err
		}

		name := strings.TrimPrefix(hdr.Name, "./")
		name = strings.Trim(name, "/")

		if name == "" || name == "." {
			continue
		}

		parent, err := t.findParent(name)
		if err != nil {
			return nil, err
		}

		base := strings.ToUpper(path.Base(name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if _, ok := parent.children[base]; !ok {
				parent.addChild(newDir(base))
			}
			continue
		case tar.TypeReg:
		default:
			continue
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}

		n := &node{
			name: base,
			body: data,
			attr: fs.Attr{
				Type:     fs.RegularFile,
				Size:     int64(len(data)),
				ModTime:  hdr.ModTime,
				ReadOnly: true,
			},
		}

		log.L.Trace("tarfs-entry", "name", name, "node", n)

		parent.addChild(n)
	}

	return t, nil
}

func (t *TarFS) lookup(p fs.Path) (*node, error) {
	cur := t.root

	for i, part := range p.Components {
		if cur.attr.Type != fs.Directory {
			return nil, errors.Wrapf(fs.ErrPathNotFound, "%s", p)
		}

		ch, ok := cur.children[part]
		if !ok {
			if i == len(p.Components)-1 {
				return nil, errors.Wrapf(fs.ErrFileNotFound, "%s", p)
			}
			return nil, errors.Wrapf(fs.ErrPathNotFound, "%s", p)
		}

		cur = ch
	}

	return cur, nil
}

func (t *TarFS) Open(ctx context.Context, p fs.Path) (fs.Instance, error) {
	n, err := t.lookup(p)
	if err != nil {
		return 0, err
	}

	if n.attr.Type == fs.Directory {
		return 0, errors.Wrapf(fs.ErrIsDirectory, "%s", p)
	}

	return t.files.Add(n)
}

func (t *TarFS) Read(ctx context.Context, inst fs.Instance, buf []byte, offset uint32) (int, error) {
	n, err := t.files.Get(inst)
	if err != nil {
		return 0, err
	}

	if int(offset) >= len(n.body) {
		return 0, nil
	}

	return copy(buf, n.body[offset:]), nil
}

func (t *TarFS) Write(ctx context.Context, inst fs.Instance, buf []byte, offset uint32) (int, error) {
	if _, err := t.files.Get(inst); err != nil {
		return 0, err
	}

	return 0, fs.ErrReadOnly
}

func (t *TarFS) Close(ctx context.Context, inst fs.Instance) error {
	_, err := t.files.Remove(inst)
	return err
}

func (t *TarFS) Stat(ctx context.Context, inst fs.Instance) (fs.Attr, error) {
	n, err := t.files.Get(inst)
	if err != nil {
		return fs.Attr{}, err
	}

	return n.attr, nil
}

// Entries lists the names in the directory at p, in image order.
func (t *TarFS) Entries(p fs.Path) ([]string, error) {
	n, err := t.lookup(p)
	if err != nil {
		return nil, err
	}

	if n.attr.Type != fs.Directory {
		return nil, errors.Wrapf(fs.ErrNotDirectory, "%s", p)
	}

	return append([]string(nil), n.order...), nil
}

// Open files currently held.
func (t *TarFS) OpenCount() int {
	return t.files.Len()
}
