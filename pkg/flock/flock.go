// Package `flock` wraps syscall `flock(2)`.
//
// The daemon uses `TryLockNow()` during startup to guarantee a single
// running instance: a second invocation observes `ErrAlreadyLocked` and must
// exit immediately instead of blocking.
package flock

import (
	"errors"
	"os"
	"syscall"
)

var ErrAlreadyLocked = errors.New("lock is held by another process")

type Flock struct {
	fp *os.File
}

// `Open()` opens `path` for locking, creating it if necessary.  The file
// content is irrelevant; only the advisory lock matters.
func Open(path string) (*Flock, error) {
	fp, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &Flock{fp}, nil
}

func (lk *Flock) Close() {
	_ = lk.fp.Close()
}

// `TryLockNow()` attempts the lock once, without blocking.  It returns
// `ErrAlreadyLocked` if another process holds the lock.
func (lk *Flock) TryLockNow() error {
	return lk.sysTryLock()
}

func (lk *Flock) Unlock() error {
	return lk.sysUnlock()
}

func (lk *Flock) sysTryLock() error {
	fd := int(lk.fp.Fd())
	err := syscall.Flock(fd, syscall.LOCK_EX|syscall.LOCK_NB)
	switch err {
	case nil:
		return nil
	case syscall.EWOULDBLOCK:
		return ErrAlreadyLocked
	default:
		return err
	}
}

func (lk *Flock) sysUnlock() error {
	fd := int(lk.fp.Fd())
	return syscall.Flock(fd, syscall.LOCK_UN)
}
