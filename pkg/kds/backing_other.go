//go:build unix && !linux

package kds

import (
	"golang.org/x/sys/unix"
)

const (
	mmapFlags = unix.MAP_SHARED
)
