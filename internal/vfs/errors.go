package vfs

import "errors"

var (
	ErrNotFound    = errors.New("vfs: not found")
	ErrExists      = errors.New("vfs: already exists")
	ErrNotDir      = errors.New("vfs: not a directory")
	ErrIsDir       = errors.New("vfs: is a directory")
	ErrDirNotEmpty = errors.New("vfs: directory not empty")
	ErrNoSpace     = errors.New("vfs: no space left")
	ErrBadFD       = errors.New("vfs: bad file descriptor")
	ErrInvalid     = errors.New("vfs: invalid argument")
	ErrNameTooLong = errors.New("vfs: name too long")
	ErrNoVnodes    = errors.New("vfs: vnode cache exhausted")
)
