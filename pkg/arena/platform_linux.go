//go:build linux

package arena

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func advise(b []byte, a Advice) error {
	var flag int
	switch a {
	case AdviceNormal:
		return nil
	case AdviceRandom:
		flag = unix.MADV_RANDOM
	case AdviceSequential:
		flag = unix.MADV_SEQUENTIAL
	case AdviceWillNeed:
		flag = unix.MADV_WILLNEED
	default:
		return fmt.Errorf("unknown page advice %d", int(a))
	}
	if err := unix.Madvise(b, flag); err != nil {
		return fmt.Errorf("madvise: %w", err)
	}
	return nil
}

// preallocate reserves disk blocks for a freshly extended range so that running
// out of disk surfaces here instead of as a fault on first write.
func preallocate(f *os.File, off, n int64) error {
	if n <= 0 {
		return nil
	}
	err := unix.Fallocate(int(f.Fd()), 0, off, n)
	if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOSYS) {
		return nil
	}
	return err
}
