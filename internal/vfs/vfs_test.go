package vfs

import (
	"context"
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

// fakeVnode is a minimal in-memory Vnode, independent of ramfs, used to
// exercise vfs's dispatch and path logic in isolation.
type fakeVnode struct {
	ino      uint64
	vtype    VType
	data     []byte
	children map[string]*fakeVnode
	order    []string
}

var nextIno uint64 = 1

func newFakeDir() *fakeVnode {
	nextIno++
	return &fakeVnode{ino: nextIno, vtype: VDir, children: map[string]*fakeVnode{}}
}

func (f *fakeVnode) Ino() uint64 { return f.ino }
func (f *fakeVnode) Type() VType { return f.vtype }

func (f *fakeVnode) Read(buf []byte, offset int64) (int, error) {
	if offset >= int64(len(f.data)) {
		return 0, nil
	}
	n := copy(buf, f.data[offset:])
	return n, nil
}

func (f *fakeVnode) Write(buf []byte, offset int64) (int, error) {
	end := offset + int64(len(buf))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[offset:], buf)
	return len(buf), nil
}

func (f *fakeVnode) Lookup(name string) (Vnode, error) {
	c, ok := f.children[name]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (f *fakeVnode) Create(name string, vtype VType) (Vnode, error) {
	if _, exists := f.children[name]; exists {
		return nil, ErrExists
	}
	nextIno++
	child := &fakeVnode{ino: nextIno, vtype: vtype}
	if vtype == VDir {
		child.children = map[string]*fakeVnode{}
	}
	f.children[name] = child
	f.order = append(f.order, name)
	return child, nil
}

func (f *fakeVnode) Unlink(name string) error {
	if _, ok := f.children[name]; !ok {
		return ErrNotFound
	}
	delete(f.children, name)
	for i, n := range f.order {
		if n == name {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeVnode) Readdir(idx int) (DirEntry, bool, error) {
	if idx < 0 || idx >= len(f.order) {
		return DirEntry{}, false, nil
	}
	name := f.order[idx]
	c := f.children[name]
	return DirEntry{Ino: c.ino, Name: name, Type: c.vtype}, true, nil
}

func (f *fakeVnode) Stat() Stat {
	return Stat{Ino: f.ino, Type: f.vtype, Size: int64(len(f.data))}
}

func (f *fakeVnode) Truncate(size int64) error {
	if size < int64(len(f.data)) {
		f.data = f.data[:size]
	} else if size > int64(len(f.data)) {
		grown := make([]byte, size)
		copy(grown, f.data)
		f.data = grown
	}
	return nil
}

func setup(t *testing.T) *FDTable {
	t.Helper()
	vnodeTable = [len(vnodeTable)]vnodeEntry{}
	fileTable = [len(fileTable)]File{}
	stdinFile = installConsoleFile(ORdonly)
	stdoutFile = installConsoleFile(OWronly)
	stderrFile = installConsoleFile(OWronly)
	Init(newFakeDir())
	return NewFDTable()
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"/":            "/",
		"":             "/",
		"/a/b":         "/a/b",
		"/a//b/":       "/a/b",
		"/a/./b":       "/a/b",
		"/a/b/..":      "/a",
		"/a/../b":      "/b",
		"a/b":          "/a/b",
		"/../../a":     "/a",
	}
	for in, want := range cases {
		if got := normalize(in); got != want {
			t.Errorf("normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCreateOpenWriteReadRoundTrip(t *testing.T) {
	fds := setup(t)

	if err := Create("/hello.txt"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	fd, err := Open(fds, "/hello.txt", OWronly)
	if err != nil {
		t.Fatalf("Open for write: %v", err)
	}
	n, err := Write(fds, fd, []byte("hi"))
	if err != nil || n != 2 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	Close(fds, fd)

	fd2, err := Open(fds, "/hello.txt", ORdonly)
	if err != nil {
		t.Fatalf("Open for read: %v", err)
	}
	buf := make([]byte, 10)
	n, err = Read(context.Background(), fds, fd2, buf)
	if err != nil || string(buf[:n]) != "hi" {
		t.Fatalf("Read = %q, %v", buf[:n], err)
	}
}

func TestOpenCreatFlagCreatesMissingFile(t *testing.T) {
	fds := setup(t)
	fd, err := Open(fds, "/new.txt", OCreat|OWronly)
	if err != nil {
		t.Fatalf("Open with OCreat: %v", err)
	}
	if _, err := Lookup("/new.txt"); err != nil {
		t.Errorf("file not actually created: %v", err)
	}
	Close(fds, fd)
}

func TestOpenWithoutCreatOnMissingFileFails(t *testing.T) {
	fds := setup(t)
	if _, err := Open(fds, "/missing.txt", ORdonly); err != ErrNotFound {
		t.Errorf("Open = %v, want ErrNotFound", err)
	}
}

func TestMkdirAndReaddirIncludesDotEntry(t *testing.T) {
	fds := setup(t)
	_ = fds
	if err := Mkdir("/sub"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := Create("/sub/f.txt"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	e0, ok, err := Readdir("/sub", 0)
	if err != nil || !ok {
		t.Fatalf("Readdir(0) = %+v, %v, %v", e0, ok, err)
	}
	subVn, err := Lookup("/sub")
	if err != nil {
		t.Fatalf("Lookup(/sub): %v", err)
	}
	want := DirEntry{Ino: subVn.Ino(), Name: ".", Type: VDir}
	if diff := pretty.Compare(want, e0); diff != "" {
		t.Errorf("synthesized \".\" entry mismatch (-want +got):\n%s", diff)
	}
	e1, ok, err := Readdir("/sub", 1)
	if err != nil || !ok || e1.Name != "f.txt" {
		t.Fatalf("Readdir(1) = %+v, %v, %v", e1, ok, err)
	}
	_, ok, _ = Readdir("/sub", 2)
	if ok {
		t.Error("Readdir(2) should have no more entries")
	}
}

func TestUnlinkRemovesEntry(t *testing.T) {
	setup(t)
	if err := Create("/gone.txt"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := Unlink("/gone.txt"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, err := Lookup("/gone.txt"); err != ErrNotFound {
		t.Errorf("Lookup after Unlink = %v, want ErrNotFound", err)
	}
}

func TestLseekSetCurEnd(t *testing.T) {
	fds := setup(t)
	Create("/seek.txt")
	fd, _ := Open(fds, "/seek.txt", OWronly)
	Write(fds, fd, []byte("0123456789"))
	Close(fds, fd)

	fd2, _ := Open(fds, "/seek.txt", ORdwr)
	if off, err := Lseek(fds, fd2, 3, SeekSet); err != nil || off != 3 {
		t.Fatalf("SeekSet = %d, %v", off, err)
	}
	if off, err := Lseek(fds, fd2, 2, SeekCur); err != nil || off != 5 {
		t.Fatalf("SeekCur = %d, %v", off, err)
	}
	if off, err := Lseek(fds, fd2, 0, SeekEnd); err != nil || off != 10 {
		t.Fatalf("SeekEnd = %d, %v", off, err)
	}
	if _, err := Lseek(fds, fd2, -100, SeekSet); err != ErrInvalid {
		t.Errorf("negative seek = %v, want ErrInvalid", err)
	}
}

func TestTruncOnOpenEmptiesFile(t *testing.T) {
	fds := setup(t)
	Create("/trunc.txt")
	fd, _ := Open(fds, "/trunc.txt", OWronly)
	Write(fds, fd, []byte("data"))
	Close(fds, fd)

	fd2, err := Open(fds, "/trunc.txt", OWronly|OTrunc)
	if err != nil {
		t.Fatalf("Open with OTrunc: %v", err)
	}
	st, _ := Fstat(fds, fd2)
	if st.Size != 0 {
		t.Errorf("size after OTrunc = %d, want 0", st.Size)
	}
}

func TestAppendFlagSeeksToEndBeforeWrite(t *testing.T) {
	fds := setup(t)
	Create("/app.txt")
	fd, _ := Open(fds, "/app.txt", OWronly)
	Write(fds, fd, []byte("ab"))
	Close(fds, fd)

	fd2, _ := Open(fds, "/app.txt", OWronly|OAppend)
	Write(fds, fd2, []byte("cd"))
	Close(fds, fd2)

	fd3, _ := Open(fds, "/app.txt", ORdonly)
	buf := make([]byte, 8)
	n, _ := Read(context.Background(), fds, fd3, buf)
	if string(buf[:n]) != "abcd" {
		t.Errorf("content = %q, want abcd", buf[:n])
	}
}

func TestOpenDirectoryForWriteFails(t *testing.T) {
	fds := setup(t)
	Mkdir("/d")
	if _, err := Open(fds, "/d", OWronly); err != ErrIsDir {
		t.Errorf("Open dir for write = %v, want ErrIsDir", err)
	}
}

func TestCloseBadFDFails(t *testing.T) {
	fds := setup(t)
	if err := Close(fds, 99); err != ErrBadFD {
		t.Errorf("Close(99) = %v, want ErrBadFD", err)
	}
}

func TestFDTableCloneSharesFilesAndBumpsRefcount(t *testing.T) {
	fds := setup(t)
	Create("/shared.txt")
	fd, _ := Open(fds, "/shared.txt", OWronly)
	f, _ := fds.Get(fd)
	before := f.refcount

	clone := fds.Clone()
	cf, err := clone.Get(fd)
	if err != nil {
		t.Fatalf("clone Get: %v", err)
	}
	if cf != f {
		t.Error("clone does not share the same File")
	}
	if f.refcount != before+1 {
		t.Errorf("refcount = %d, want %d", f.refcount, before+1)
	}
}

func TestFDTableDestroyClosesEverything(t *testing.T) {
	fds := setup(t)
	Create("/x.txt")
	fd, _ := Open(fds, "/x.txt", OWronly)
	fds.Destroy()
	if _, err := fds.Get(fd); err != ErrBadFD {
		t.Errorf("Get after Destroy = %v, want ErrBadFD", err)
	}
}

func TestStdioPreinstalledOnNewFDTable(t *testing.T) {
	fds := setup(t)
	for fd := 0; fd < 3; fd++ {
		if _, err := fds.Get(fd); err != nil {
			t.Errorf("stdio fd %d missing: %v", fd, err)
		}
	}
}
