//go:build !unix

package disk

import "os"

// lockFile is a stub on non-Unix platforms.
func lockFile(f *os.File) error { return nil }

// unlockFile is a stub counterpart to lockFile.
func unlockFile(f *os.File) error { return nil }

func isTransientIOError(err error) bool { return false }
