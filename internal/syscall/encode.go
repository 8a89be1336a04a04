package syscall

import (
	"encoding/binary"

	"github.com/iansmith/nucleus/internal/vfs"
)

// statSize/dirEntrySize are the fixed wire layouts user code reads
// stat/fstat/readdir results into -- arbitrary but fixed, since there
// is no libc header shared between this kernel and itself to agree on
// a layout with.
const (
	statSize     = 52
	dirEntrySize = 73
)

func encodeStat(st vfs.Stat) []byte {
	buf := make([]byte, statSize)
	binary.LittleEndian.PutUint64(buf[0:], st.Ino)
	binary.LittleEndian.PutUint32(buf[8:], uint32(st.Type))
	binary.LittleEndian.PutUint64(buf[12:], uint64(st.Size))
	binary.LittleEndian.PutUint32(buf[20:], st.Perm)
	binary.LittleEndian.PutUint32(buf[24:], st.Links)
	binary.LittleEndian.PutUint64(buf[28:], st.Ctime)
	binary.LittleEndian.PutUint64(buf[36:], st.Mtime)
	binary.LittleEndian.PutUint64(buf[44:], st.Atime)
	return buf
}

func encodeDirEntry(e vfs.DirEntry) []byte {
	buf := make([]byte, dirEntrySize)
	binary.LittleEndian.PutUint64(buf[0:], e.Ino)
	binary.LittleEndian.PutUint32(buf[8:], uint32(e.Type))
	name := e.Name
	if len(name) > vfs.MaxNameLength {
		name = name[:vfs.MaxNameLength]
	}
	buf[12] = byte(len(name))
	copy(buf[13:], name)
	return buf
}
