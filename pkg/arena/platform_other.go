//go:build !linux

package arena

import "os"

func advise(b []byte, a Advice) error {
	return nil
}

func preallocate(f *os.File, off, n int64) error {
	return nil
}
