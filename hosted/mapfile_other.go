//go:build !unix

package hosted

import (
	"os"

	"github.com/pkg/errors"
)

func (fw *Firmware) mapFile(hostPath string) ([]byte, error) {
	data, err := os.ReadFile(hostPath)
	return data, errors.Wrap(err, "read boot file")
}

// Close releases the host resources held by the emulator.
func (fw *Firmware) Close() error {
	return nil
}
