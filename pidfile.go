package supervise

import (
	"fmt"
	"os"
	"strconv"

	"github.com/google/renameio/v2"
)

// writePIDFile records the supervisor's pid atomically so monitoring tools
// never observe a partially written file.
func writePIDFile(path string) error {
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing pidfile: %w", err)
	}
	return nil
}

func removePIDFile(path string) {
	_ = os.Remove(path)
}
