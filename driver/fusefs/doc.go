// Package fusefs exposes registered character devices as files in a FUSE
// filesystem.
//
// The mount root holds one regular file per registered device, named after
// the device node and sized to its region. Opening a file opens a session
// on the device; reads and writes go to the region at the offset the kernel
// passes, and closing the file closes the session. Files come and go as
// devices are bound and removed.
//
// Driver errors reach callers as errno values: a removed device reads as
// ENODEV, a bad transfer as EFAULT, and anything else as EIO.
package fusefs
