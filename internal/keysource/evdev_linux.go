//go:build linux

package keysource

import (
	"bytes"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// EVIOCGNAME(256): _IOC(_IOC_READ, 'E', 0x06, 256)
const eviocgname = 0x81004506

// deviceName asks the kernel for an input device's name. Files that are not
// evdev nodes, such as recorded streams, yield "".
func deviceName(f *os.File) string {
	conn, err := f.SyscallConn()
	if err != nil {
		return ""
	}
	buf := make([]byte, 256)
	var errno unix.Errno
	err = conn.Control(func(fd uintptr) {
		_, _, errno = unix.Syscall(unix.SYS_IOCTL, fd, eviocgname, uintptr(unsafe.Pointer(&buf[0])))
	})
	if err != nil || errno != 0 {
		return ""
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf)
}
