//go:build !(darwin || linux || freebsd || netbsd || openbsd)

package environment

import "os"

// Advisory locking is only implemented on unix; elsewhere maintenance and
// staging are expected to be serialized by the user.
func tryLock(f *os.File, exclusive bool) error { return nil }

func unlock(f *os.File) error { return nil }
