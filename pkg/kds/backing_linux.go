package kds

import (
	"golang.org/x/sys/unix"
)

const (
	mmapFlags = unix.MAP_SHARED | unix.MAP_POPULATE
)
