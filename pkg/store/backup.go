package store

import (
	"fmt"
	"io"
	"log"
	"os"
)

// rotateBackups shifts the existing backup chain for path up by one slot and
// captures the current file as path.bak1. The oldest backup beyond count
// falls off the end. A count <= 0 disables backups entirely; a missing or
// empty current file produces no backup.
//
// Rotation never fails the surrounding save: any step that errors is logged
// and skipped. The current file is copied, not moved, so it stays in place
// until the caller's atomic rename replaces it.
func rotateBackups(path string, count int) {
	if count <= 0 {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return
	}

	for i := count - 1; i >= 1; i-- {
		src := backupName(path, i)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := backupName(path, i+1)
		if err := os.Rename(src, dst); err != nil {
			log.Printf("WARN: backup rotation: moving %s to %s: %v", src, dst, err)
		}
	}

	if err := copyFile(path, backupName(path, 1)); err != nil {
		log.Printf("WARN: backup rotation: snapshotting %s: %v", path, err)
	}
}

func backupName(path string, n int) string {
	return fmt.Sprintf("%s.bak%d", path, n)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
