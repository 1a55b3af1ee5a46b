//go:build unix

package hosted

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// mapFile maps a host file read-only. Mappings are released by Close.
func (fw *Firmware) mapFile(hostPath string) ([]byte, error) {
	f, err := os.Open(hostPath)
	if err != nil {
		return nil, errors.Wrap(err, "open boot file")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat boot file")
	}
	if st.Size() == 0 {
		return []byte{}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrap(err, "mmap boot file")
	}

	fw.mappings = append(fw.mappings, data)
	return data, nil
}

// Close releases the host resources held by the emulator.
func (fw *Firmware) Close() error {
	var firstErr error
	for _, m := range fw.mappings {
		if err := unix.Munmap(m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	fw.mappings = nil
	return firstErr
}
