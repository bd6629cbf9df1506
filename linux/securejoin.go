// Package linux provides Linux-specific container primitives: namespaces,
// cgroups, rootfs construction, and device nodes.
package linux

import (
	securejoin "github.com/cyphar/filepath-securejoin"
)

// SecureJoin resolves unsafePath against root the way a kernel path lookup
// run from inside a mount namespace rooted at root would, without ever
// resolving a symlink outside of root. It is the building block every
// rootfs-relative path (mount destinations, device nodes, masked paths) goes
// through before touching the filesystem.
func SecureJoin(root, unsafePath string) (string, error) {
	return securejoin.SecureJoin(root, unsafePath)
}
