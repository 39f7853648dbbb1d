//go:build !unix

package dcp

import (
	"errors"
	"os"
)

func mmapFile(*os.File, int64) ([]byte, error) {
	return nil, errors.New("dcp: mmap unsupported")
}

func munmap([]byte) error { return nil }
