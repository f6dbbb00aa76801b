package fusefs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/ardnew/softpci/driver/chrdev"
	"github.com/ardnew/softpci/pkg"
)

// Registry is the character-device namespace served by the mount.
// [chrdev.Registry] implements it.
type Registry interface {
	List() []chrdev.Entry
	Lookup(name string) (chrdev.Entry, bool)
	OpenName(name string) (chrdev.File, error)
}

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted. It is
	// created if it does not exist.
	Mountpoint string

	// Registry provides the devices to expose.
	Registry Registry

	// AllowOther permits other users (including root) to access
	// the mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives diagnostic messages. If nil, the driver's logger
	// is used.
	Logger *slog.Logger
}

// Mount mounts the device filesystem at the configured mountpoint. The
// caller must call Unmount on the returned Server when done.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("%w: mountpoint is required", pkg.ErrInvalidParameter)
	}
	if options.Registry == nil {
		return nil, fmt.Errorf("%w: registry is required", pkg.ErrInvalidParameter)
	}
	if options.Logger == nil {
		options.Logger = pkg.Logger().With("component", string(pkg.ComponentFUSE))
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &rootNode{options: &options}

	// Devices appear and disappear with hotplug; keep kernel caching short.
	entryTimeout := 100 * time.Millisecond
	attrTimeout := 100 * time.Millisecond
	negativeTimeout := time.Duration(0)

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "softpci",
			Name:       "softpci",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("device filesystem mounted", "mountpoint", options.Mountpoint)
	return server, nil
}

// rootNode is the filesystem root. Its children are the registered devices.
type rootNode struct {
	gofuse.Inode
	options *Options
}

var _ gofuse.InodeEmbedder = (*rootNode)(nil)
var _ gofuse.NodeLookuper = (*rootNode)(nil)
var _ gofuse.NodeReaddirer = (*rootNode)(nil)

func (r *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	entry, ok := r.options.Registry.Lookup(name)
	if !ok {
		return nil, syscall.ENOENT
	}

	node := &deviceNode{options: r.options, name: entry.Name}
	child := r.NewInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFREG, Ino: inodeNumber(entry.Number)})
	fillAttr(&out.Attr, entry)
	return child, 0
}

func (r *rootNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	list := r.options.Registry.List()
	entries := make([]fuse.DirEntry, 0, len(list))
	for _, e := range list {
		entries = append(entries, fuse.DirEntry{
			Name: e.Name,
			Mode: syscall.S_IFREG,
			Ino:  inodeNumber(e.Number),
		})
	}
	return gofuse.NewListDirStream(entries), 0
}

// deviceNode is one character device shown as a regular file.
type deviceNode struct {
	gofuse.Inode
	options *Options
	name    string
}

var _ gofuse.InodeEmbedder = (*deviceNode)(nil)
var _ gofuse.NodeGetattrer = (*deviceNode)(nil)
var _ gofuse.NodeSetattrer = (*deviceNode)(nil)
var _ gofuse.NodeOpener = (*deviceNode)(nil)

func (d *deviceNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	entry, ok := d.options.Registry.Lookup(d.name)
	if !ok {
		return syscall.ENODEV
	}
	fillAttr(&out.Attr, entry)
	return 0
}

// Setattr accepts and ignores truncation, which shells request when
// redirecting into a file. The region size is fixed.
func (d *deviceNode) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	return d.Getattr(ctx, f, out)
}

func (d *deviceNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	file, err := d.options.Registry.OpenName(d.name)
	if err != nil {
		d.options.Logger.Debug("open failed", "device", d.name, "error", err)
		return nil, 0, toErrno(err)
	}
	// Device memory can change underneath us; bypass the page cache.
	return &handle{file: file, name: d.name, logger: d.options.Logger}, fuse.FOPEN_DIRECT_IO, 0
}

// handle is one open file, backed by one device session.
type handle struct {
	file   chrdev.File
	name   string
	logger *slog.Logger

	once sync.Once
}

var _ gofuse.FileReader = (*handle)(nil)
var _ gofuse.FileWriter = (*handle)(nil)
var _ gofuse.FileReleaser = (*handle)(nil)

func (h *handle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.file.ReadAt(dest, off)
	if err != nil && !errors.Is(err, io.EOF) {
		h.logger.Debug("read failed", "device", h.name, "offset", off, "error", err)
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *handle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.file.WriteAt(data, off)
	if err != nil && !errors.Is(err, io.ErrShortWrite) {
		h.logger.Debug("write failed", "device", h.name, "offset", off, "error", err)
		return 0, toErrno(err)
	}
	return uint32(n), 0
}

func (h *handle) Release(ctx context.Context) syscall.Errno {
	var err error
	h.once.Do(func() { err = h.file.Close() })
	if err != nil {
		return toErrno(err)
	}
	return 0
}

// fillAttr sets the attributes of a device file.
func fillAttr(out *fuse.Attr, entry chrdev.Entry) {
	out.Mode = syscall.S_IFREG | 0o666
	out.Size = uint64(entry.Size)
	out.Blocks = (out.Size + 511) / 512
	out.Blksize = 4096
	out.Ino = inodeNumber(entry.Number)
}

// inodeNumber derives a stable inode number from a device number.
func inodeNumber(num chrdev.Number) uint64 {
	return uint64(num.Major)<<32 | uint64(num.Minor)
}

// toErrno maps a driver error to the errno returned to the kernel.
func toErrno(err error) syscall.Errno {
	switch pkg.ErrnoOf(err) {
	case pkg.ErrnoOK:
		return 0
	case pkg.ErrnoNODEV:
		return syscall.ENODEV
	case pkg.ErrnoFAULT:
		return syscall.EFAULT
	default:
		return syscall.EIO
	}
}
