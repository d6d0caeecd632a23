package util

import "golang.org/x/sys/unix"

func syscallDup(fd uintptr) (int, error) {
	return unix.Dup(int(fd))
}
