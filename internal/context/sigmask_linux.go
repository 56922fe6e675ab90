package context

import "golang.org/x/sys/unix"

// snapshotSignalMask reads this thread's signal mask and installs the same
// mask again.
func snapshotSignalMask() error {
	var mask unix.Sigset_t
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, nil, &mask); err != nil {
		return err
	}
	return unix.PthreadSigmask(unix.SIG_SETMASK, &mask, nil)
}
