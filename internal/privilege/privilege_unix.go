//go:build unix

package privilege

import "golang.org/x/sys/unix"

func elevated() bool {
	return unix.Geteuid() == 0
}
