//go:build !unix

package memory

import "errors"

var errNoMmap = errors.New("file-backed pools are not supported on this platform")

func mapFile(fd int, offset int64, size int, writable bool) (mapping, data []byte, err error) {
	return nil, nil, errNoMmap
}

func syncFile(mapping []byte) error { return errNoMmap }

func unmapFile(mapping []byte) error { return errNoMmap }
