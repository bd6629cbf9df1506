// Package linux provides Linux-specific container primitives.
package linux

import (
	"context"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"

	"fire/logging"
	"fire/spec"
)

// namespaceCreationOrder is the fixed order namespaces are entered in: User
// first (so later namespace operations run with the mapped, possibly
// unprivileged, credentials already in place), then Pid, Network, Mount,
// Ipc, Uts, and finally Cgroup. clone(2) creates every requested namespace
// in this order atomically regardless of the order its CLONE_NEW* bits are
// OR'd together in the flags word, so this list exists to document the
// order rather than to drive it.
var namespaceCreationOrder = []spec.LinuxNamespaceType{
	spec.UserNamespace,
	spec.PIDNamespace,
	spec.NetworkNamespace,
	spec.MountNamespace,
	spec.IPCNamespace,
	spec.UTSNamespace,
	spec.CgroupNamespace,
}

// Linux namespace clone flags
const (
	CLONE_NEWNS     = syscall.CLONE_NEWNS     // Mount namespace
	CLONE_NEWUTS    = syscall.CLONE_NEWUTS    // UTS namespace (hostname)
	CLONE_NEWIPC    = syscall.CLONE_NEWIPC    // IPC namespace
	CLONE_NEWPID    = syscall.CLONE_NEWPID    // PID namespace
	CLONE_NEWNET    = syscall.CLONE_NEWNET    // Network namespace
	CLONE_NEWUSER   = syscall.CLONE_NEWUSER   // User namespace
	CLONE_NEWCGROUP = 0x02000000              // Cgroup namespace (not in syscall pkg)
)

// namespaceTypeToFlag maps OCI namespace types to clone flags.
var namespaceTypeToFlag = map[spec.LinuxNamespaceType]uintptr{
	spec.PIDNamespace:     CLONE_NEWPID,
	spec.NetworkNamespace: CLONE_NEWNET,
	spec.MountNamespace:   CLONE_NEWNS,
	spec.IPCNamespace:     CLONE_NEWIPC,
	spec.UTSNamespace:     CLONE_NEWUTS,
	spec.UserNamespace:    CLONE_NEWUSER,
	spec.CgroupNamespace:  CLONE_NEWCGROUP,
}

// NamespaceFlags builds clone flags from OCI namespace configuration,
// walking namespaceCreationOrder so the resulting flag set reflects the
// canonical User->Pid->Network->Mount->Ipc->Uts->Cgroup ordering.
func NamespaceFlags(namespaces []spec.LinuxNamespace) uintptr {
	requested := make(map[spec.LinuxNamespaceType]bool, len(namespaces))
	for _, ns := range namespaces {
		// Only add flag if path is empty (create new namespace)
		// If path is set, we'll join that namespace later with setns()
		if ns.Path == "" {
			requested[ns.Type] = true
		}
	}

	var flags uintptr
	for _, nsType := range namespaceCreationOrder {
		if requested[nsType] {
			flags |= namespaceTypeToFlag[nsType]
		}
	}
	return flags
}

// HasNamespace checks if a namespace type is in the list.
func HasNamespace(namespaces []spec.LinuxNamespace, nsType spec.LinuxNamespaceType) bool {
	for _, ns := range namespaces {
		if ns.Type == nsType {
			return true
		}
	}
	return false
}

// GetNamespacePath returns the path for a namespace type, empty if creating new.
func GetNamespacePath(namespaces []spec.LinuxNamespace, nsType spec.LinuxNamespaceType) string {
	for _, ns := range namespaces {
		if ns.Type == nsType {
			return ns.Path
		}
	}
	return ""
}

// SetNamespaces joins existing namespaces specified by path.
// This is called after fork but before exec.
func SetNamespaces(namespaces []spec.LinuxNamespace) error {
	for _, ns := range namespaces {
		if ns.Path != "" {
			if err := setns(ns.Path, ns.Type); err != nil {
				return fmt.Errorf("setns %s (%s): %w", ns.Type, ns.Path, err)
			}
		}
	}
	return nil
}

// setns joins an existing namespace.
func setns(path string, nsType spec.LinuxNamespaceType) error {
	fd, err := syscall.Open(path, syscall.O_RDONLY|syscall.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer syscall.Close(fd)

	flag := namespaceTypeToFlag[nsType]
	// Use unix.SYS_SETNS which is architecture-independent
	_, _, errno := syscall.Syscall(unix.SYS_SETNS, uintptr(fd), flag, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// BuildSysProcAttr creates SysProcAttr from OCI spec.
func BuildSysProcAttr(s *spec.Spec) (*syscall.SysProcAttr, error) {
	if s.Linux == nil {
		// Default namespaces if not specified
		return &syscall.SysProcAttr{
			Cloneflags: CLONE_NEWPID | CLONE_NEWNS | CLONE_NEWUTS | CLONE_NEWIPC | CLONE_NEWNET,
			Setsid:     true,
		}, nil
	}

	flags := NamespaceFlags(s.Linux.Namespaces)
	hasUserNS := HasNamespace(s.Linux.Namespaces, spec.UserNamespace)

	attr := &syscall.SysProcAttr{
		Cloneflags: flags,
		Setsid:     true,
	}

	// Don't set Unshareflags with user namespace - causes EPERM
	if !hasUserNS {
		attr.Unshareflags = syscall.CLONE_NEWNS
	}

	// Setup UID/GID mappings for user namespace
	if hasUserNS {
		attr.UidMappings = buildIDMappings(s.Linux.UIDMappings)
		attr.GidMappings = buildIDMappings(s.Linux.GIDMappings)
		attr.GidMappingsEnableSetgroups = false
	}

	return attr, nil
}

// buildIDMappings converts OCI ID mappings to syscall format.
func buildIDMappings(mappings []spec.LinuxIDMapping) []syscall.SysProcIDMap {
	result := make([]syscall.SysProcIDMap, len(mappings))
	for i, m := range mappings {
		result[i] = syscall.SysProcIDMap{
			ContainerID: int(m.ContainerID),
			HostID:      int(m.HostID),
			Size:        int(m.Size),
		}
	}
	return result
}

// ValidateNamespaces checks the namespace and ID mapping configuration
// before a container is created. A mapping with size 0 is rejected
// outright with an error; a PID namespace without a Mount namespace, or a
// Network namespace without a UTS namespace, is unusual but not invalid —
// both are logged as warnings rather than rejected.
func ValidateNamespaces(ctx context.Context, namespaces []spec.LinuxNamespace, uidMappings, gidMappings []spec.LinuxIDMapping) error {
	for _, m := range uidMappings {
		if m.Size == 0 {
			return fmt.Errorf("uid mapping %+v has size 0", m)
		}
	}
	for _, m := range gidMappings {
		if m.Size == 0 {
			return fmt.Errorf("gid mapping %+v has size 0", m)
		}
	}

	if HasNamespace(namespaces, spec.PIDNamespace) && !HasNamespace(namespaces, spec.MountNamespace) {
		logging.WarnContext(ctx, "pid namespace requested without a mount namespace; /proc inside the container will reflect the host's process tree")
	}
	if HasNamespace(namespaces, spec.NetworkNamespace) && !HasNamespace(namespaces, spec.UTSNamespace) {
		logging.WarnContext(ctx, "network namespace requested without a uts namespace; hostname will be shared with the host")
	}

	return nil
}

// SetHostname sets the hostname in the UTS namespace.
func SetHostname(hostname string) error {
	if hostname == "" {
		return nil
	}
	return syscall.Sethostname([]byte(hostname))
}

// SetDomainname sets the domain name in the UTS namespace.
func SetDomainname(domainname string) error {
	if domainname == "" {
		return nil
	}
	return syscall.Setdomainname([]byte(domainname))
}
