// Package linux provides rootfs and mount handling.
package linux

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"fire/spec"
)

// Mount propagation flags
const (
	MS_PRIVATE     = syscall.MS_PRIVATE
	MS_SHARED      = syscall.MS_SHARED
	MS_SLAVE       = syscall.MS_SLAVE
	MS_UNBINDABLE  = syscall.MS_UNBINDABLE
	MS_REC         = syscall.MS_REC
	MS_BIND        = syscall.MS_BIND
	MS_MOVE        = syscall.MS_MOVE
	MS_RDONLY      = syscall.MS_RDONLY
	MS_NOSUID      = syscall.MS_NOSUID
	MS_NODEV       = syscall.MS_NODEV
	MS_NOEXEC      = syscall.MS_NOEXEC
	MS_REMOUNT     = syscall.MS_REMOUNT
	MS_STRICTATIME = syscall.MS_STRICTATIME
	MS_RELATIME    = syscall.MS_RELATIME
	MS_NOATIME     = syscall.MS_NOATIME
	MS_DIRSYNC     = syscall.MS_DIRSYNC
	MS_MANDLOCK    = syscall.MS_MANDLOCK
	MS_NODIRATIME  = syscall.MS_NODIRATIME
)

// mountOptionFlags maps mount option strings to flags.
var mountOptionFlags = map[string]uintptr{
	"ro":          MS_RDONLY,
	"rw":          0,
	"nosuid":      MS_NOSUID,
	"suid":        0,
	"nodev":       MS_NODEV,
	"dev":         0,
	"noexec":      MS_NOEXEC,
	"exec":        0,
	"sync":        syscall.MS_SYNCHRONOUS,
	"async":       0,
	"dirsync":     MS_DIRSYNC,
	"remount":     MS_REMOUNT,
	"bind":        MS_BIND,
	"rbind":       MS_BIND | MS_REC,
	"private":     MS_PRIVATE,
	"rprivate":    MS_PRIVATE | MS_REC,
	"shared":      MS_SHARED,
	"rshared":     MS_SHARED | MS_REC,
	"slave":       MS_SLAVE,
	"rslave":      MS_SLAVE | MS_REC,
	"unbindable":  MS_UNBINDABLE,
	"runbindable": MS_UNBINDABLE | MS_REC,
	"relatime":    MS_RELATIME,
	"norelatime":  0,
	"strictatime": MS_STRICTATIME,
	"noatime":     MS_NOATIME,
	"mand":        MS_MANDLOCK,
	"nomand":      0,
	"diratime":    0,
	"nodiratime":  MS_NODIRATIME,
}

// nonBindFlags is the subset of mountOptionFlags that MS_BIND ignores on the
// initial mount call and that must be applied with a second MS_REMOUNT|MS_BIND
// pass (e.g. "ro" on a bind mount).
var nonBindFlags uintptr = MS_RDONLY | MS_NOSUID | MS_NODEV | MS_NOEXEC |
	MS_RELATIME | MS_STRICTATIME | MS_NOATIME | MS_DIRSYNC | MS_MANDLOCK | MS_NODIRATIME

// SetupRootfs sets up the container's root filesystem.
func SetupRootfs(s *spec.Spec, bundlePath string) error {
	if s.Root == nil {
		return fmt.Errorf("no root filesystem specified")
	}

	// Get absolute rootfs path
	rootfs := s.Root.Path
	if !filepath.IsAbs(rootfs) {
		rootfs = filepath.Join(bundlePath, rootfs)
	}
	rootfs, err := filepath.Abs(rootfs)
	if err != nil {
		return fmt.Errorf("abs path: %w", err)
	}

	// Set the propagation of "/" before doing anything else: an empty or
	// "slave" rootfsPropagation means slave (the OCI default, preventing
	// mount/unmount events from leaking to the host), "shared"/"private"
	// are honored verbatim.
	propagation := "slave"
	if s.Linux != nil && s.Linux.RootfsPropagation != "" {
		propagation = s.Linux.RootfsPropagation
	}
	if err := applyPropagation("/", propagation); err != nil {
		fmt.Printf("[rootfs] warning: initial propagation: %v\n", err)
	}

	// Bind mount rootfs to itself (make it a mount point for pivot_root)
	if err := syscall.Mount(rootfs, rootfs, "", MS_BIND|MS_REC, ""); err != nil {
		return fmt.Errorf("bind mount rootfs: %w", err)
	}

	// Setup mounts before pivot_root
	if err := setupMounts(s.Mounts, rootfs); err != nil {
		return fmt.Errorf("setup mounts: %w", err)
	}

	// Pivot root
	if err := pivotRoot(rootfs); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}

	// Make rootfs readonly if specified
	if s.Root.Readonly {
		if err := syscall.Mount("", "/", "", MS_REMOUNT|MS_BIND|MS_RDONLY, ""); err != nil {
			return fmt.Errorf("remount readonly: %w", err)
		}
	}

	// Mask paths and readonly paths, resolved against the new root
	if s.Linux != nil {
		for _, path := range s.Linux.MaskedPaths {
			if err := maskPath(path); err != nil {
				fmt.Printf("[rootfs] warning: mask %s: %v\n", path, err)
			}
		}
		for _, path := range s.Linux.ReadonlyPaths {
			if err := readonlyPath(path); err != nil {
				fmt.Printf("[rootfs] warning: readonly %s: %v\n", path, err)
			}
		}
	}

	return nil
}

// pivotRoot performs pivot_root to change the root filesystem.
func pivotRoot(rootfs string) error {
	// Create directory for old root
	oldRoot := filepath.Join(rootfs, ".old_root")
	if err := os.MkdirAll(oldRoot, 0700); err != nil {
		return fmt.Errorf("mkdir old_root: %w", err)
	}

	// Pivot root
	if err := syscall.PivotRoot(rootfs, oldRoot); err != nil {
		// Try chroot fallback for rootless containers
		return chrootFallback(rootfs)
	}

	// Change to new root
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}

	// Unmount old root
	oldRoot = "/.old_root"
	if err := syscall.Unmount(oldRoot, syscall.MNT_DETACH); err != nil {
		return fmt.Errorf("unmount old root: %w", err)
	}

	// Remove old root directory
	os.RemoveAll(oldRoot)

	return nil
}

// chrootFallback uses chroot when pivot_root fails (e.g., rootless).
func chrootFallback(rootfs string) error {
	if err := syscall.Chroot(rootfs); err != nil {
		return fmt.Errorf("chroot: %w", err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}
	return nil
}

// doMount performs a mount(2) call, retrying once with an empty data string
// if the kernel rejects the original data with EINVAL — some filesystems
// (tmpfs, proc) reject unrecognized option combinations this way even when
// the flags themselves are fine.
func doMount(source, target, fstype string, flags uintptr, data string) error {
	err := syscall.Mount(source, target, fstype, flags, data)
	if err != nil && errors.Is(err, syscall.EINVAL) && data != "" {
		err = syscall.Mount(source, target, fstype, flags, "")
	}
	return err
}

// setupMounts performs all mounts specified in the OCI config.
func setupMounts(mounts []spec.Mount, rootfs string) error {
	for _, m := range mounts {
		dest, err := SecureJoin(rootfs, m.Destination)
		if err != nil {
			return fmt.Errorf("resolve destination %s: %w", m.Destination, err)
		}

		// Parse mount options
		flags, data := parseMountOptions(m.Options)

		// Handle special mount types
		source := m.Source
		isBind := m.Type == "bind" || hasOption(m.Options, "bind") || hasOption(m.Options, "rbind")

		if isBind {
			if !filepath.IsAbs(source) {
				source = filepath.Join(rootfs, source)
			}

			srcInfo, err := os.Stat(source)
			if err != nil {
				fmt.Printf("[rootfs] warning: bind source %s not found: %v\n", source, err)
				continue
			}

			if srcInfo.IsDir() {
				if err := os.MkdirAll(dest, 0755); err != nil {
					return fmt.Errorf("mkdir %s: %w", dest, err)
				}
			} else {
				if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
					return fmt.Errorf("mkdir parent %s: %w", filepath.Dir(dest), err)
				}
				if _, err := os.Stat(dest); os.IsNotExist(err) {
					f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY, 0644)
					if err != nil {
						return fmt.Errorf("create file %s: %w", dest, err)
					}
					f.Close()
				}
			}

			// First pass: a plain bind mount. The kernel ignores most flags
			// (ro, nosuid, ...) on the initial bind; they only take effect on
			// a following MS_REMOUNT|MS_BIND pass.
			if err := doMount(source, dest, "", MS_BIND, ""); err != nil {
				return fmt.Errorf("bind mount %s: %w", dest, err)
			}
			if extra := flags & nonBindFlags; extra != 0 {
				if err := doMount("", dest, "", MS_REMOUNT|MS_BIND|extra, ""); err != nil {
					return fmt.Errorf("remount bind %s: %w", dest, err)
				}
			}
		} else {
			if err := os.MkdirAll(dest, 0755); err != nil {
				return fmt.Errorf("mkdir %s: %w", dest, err)
			}
			if err := doMount(source, dest, m.Type, flags, data); err != nil {
				fmt.Printf("[rootfs] warning: mount %s (%s): %v\n", dest, m.Type, err)
			}
		}
	}
	return nil
}

// parseMountOptions parses OCI mount options into flags and data string.
func parseMountOptions(options []string) (uintptr, string) {
	var flags uintptr
	var dataOpts []string

	for _, opt := range options {
		if flag, ok := mountOptionFlags[opt]; ok {
			flags |= flag
		} else if strings.Contains(opt, "=") || !isKnownOption(opt) {
			// Data options passed to filesystem
			dataOpts = append(dataOpts, opt)
		}
	}

	return flags, strings.Join(dataOpts, ",")
}

// hasOption checks if an option is in the list.
func hasOption(options []string, opt string) bool {
	for _, o := range options {
		if o == opt {
			return true
		}
	}
	return false
}

// isKnownOption checks if an option is a known mount flag.
func isKnownOption(opt string) bool {
	_, ok := mountOptionFlags[opt]
	return ok
}

// applyPropagation sets mount propagation.
func applyPropagation(path, propagation string) error {
	var flag uintptr
	switch propagation {
	case "private":
		flag = MS_PRIVATE
	case "rprivate":
		flag = MS_PRIVATE | MS_REC
	case "shared":
		flag = MS_SHARED
	case "rshared":
		flag = MS_SHARED | MS_REC
	case "slave":
		flag = MS_SLAVE
	case "rslave":
		flag = MS_SLAVE | MS_REC
	case "unbindable":
		flag = MS_UNBINDABLE
	case "runbindable":
		flag = MS_UNBINDABLE | MS_REC
	default:
		return fmt.Errorf("unknown propagation: %s", propagation)
	}
	return syscall.Mount("", path, "", flag, "")
}

// validateMaskedPath rejects anything that isn't an absolute, traversal-free
// path before it's resolved against the root and mounted over.
func validateMaskedPath(path string) error {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("masked/readonly path %q must be absolute", path)
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("masked/readonly path %q must not contain ..", path)
	}
	return nil
}

// maskPath masks a path by bind-mounting /dev/null over it, whether it is a
// file or a directory. Over a file this hides its contents; over a directory
// the kernel refuses the bind with ENOTDIR, which is returned to the caller,
// so directories are not masked. A path that does not exist is skipped.
// The path is resolved with SecureJoin against the
// current root ("/", already pivoted into) so a symlink inside the rootfs
// can't redirect the mount outside it.
func maskPath(path string) error {
	if err := validateMaskedPath(path); err != nil {
		return err
	}
	resolved, err := SecureJoin("/", path)
	if err != nil {
		return fmt.Errorf("resolve masked path %q: %w", path, err)
	}
	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		return nil
	}
	return syscall.Mount("/dev/null", resolved, "", MS_BIND, "")
}

// readonlyPath makes a path read-only by remounting it. See maskPath for why
// the path is resolved with SecureJoin before use.
func readonlyPath(path string) error {
	if err := validateMaskedPath(path); err != nil {
		return err
	}
	resolved, err := SecureJoin("/", path)
	if err != nil {
		return fmt.Errorf("resolve readonly path %q: %w", path, err)
	}
	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		return nil
	}

	// Bind mount to itself first
	if err := syscall.Mount(resolved, resolved, "", MS_BIND|MS_REC, ""); err != nil {
		return err
	}

	// Remount read-only
	return syscall.Mount(resolved, resolved, "", MS_BIND|MS_REMOUNT|MS_RDONLY|MS_REC, "")
}

// MountProc mounts procfs at /proc.
func MountProc() error {
	if err := os.MkdirAll("/proc", 0755); err != nil {
		return err
	}
	return syscall.Mount("proc", "/proc", "proc", MS_NOSUID|MS_NOEXEC|MS_NODEV, "")
}

// SetupDevSymlinks creates standard /dev symlinks.
func SetupDevSymlinks() error {
	symlinks := map[string]string{
		"/dev/fd":     "/proc/self/fd",
		"/dev/stdin":  "/proc/self/fd/0",
		"/dev/stdout": "/proc/self/fd/1",
		"/dev/stderr": "/proc/self/fd/2",
	}

	for link, target := range symlinks {
		os.Remove(link) // Remove if exists
		if err := os.Symlink(target, link); err != nil {
			fmt.Printf("[dev] warning: symlink %s: %v\n", link, err)
		}
	}

	return nil
}

// SetupDevPts mounts devpts at /dev/pts and ensures /dev/ptmx is a symlink
// to pts/ptmx, as required once a devpts newinstance is in use.
func SetupDevPts() error {
	if err := os.MkdirAll("/dev/pts", 0755); err != nil {
		return err
	}
	if err := syscall.Mount("devpts", "/dev/pts", "devpts",
		MS_NOSUID|MS_NOEXEC,
		"newinstance,ptmxmode=0666,mode=0620"); err != nil {
		return err
	}
	return EnsureDevPtmx()
}

// EnsureDevPtmx makes /dev/ptmx a symlink to pts/ptmx, replacing whatever is
// there (a bind-mounted or device-node ptmx from an earlier setup step).
func EnsureDevPtmx() error {
	const ptmxPath = "/dev/ptmx"
	target, err := os.Readlink(ptmxPath)
	if err == nil && target == "pts/ptmx" {
		return nil
	}
	os.Remove(ptmxPath)
	if err := os.Symlink("pts/ptmx", ptmxPath); err != nil {
		return fmt.Errorf("symlink /dev/ptmx: %w", err)
	}
	return nil
}
