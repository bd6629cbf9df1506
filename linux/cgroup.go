// Package linux provides cgroup v1 and v2 resource management.
package linux

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"fire/spec"
)

// validCgroupKey matches valid cgroup v2 controller file names.
// Valid keys are like: cpu.max, memory.max, pids.max, io.bfq.weight
var validCgroupKey = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9]*(\.[a-zA-Z][a-zA-Z0-9]*)*$`)

const cgroupRoot = "/sys/fs/cgroup"

// Version identifies which cgroup hierarchy layout is in effect on the host.
type Version int

const (
	// V1 is the legacy per-controller hierarchy (/sys/fs/cgroup/<controller>/...).
	V1 Version = 1
	// V2 is the unified hierarchy (/sys/fs/cgroup/...).
	V2 Version = 2
)

// v1Controllers are the subsystems this driver manages under cgroup v1.
var v1Controllers = []string{
	"cpuset", "cpu", "memory", "devices", "blkio", "pids", "net_cls", "net_prio", "hugetlb", "freezer",
}

// DetectVersion determines which cgroup hierarchy the host is using: v2 if
// the unified controllers file exists, otherwise v1 if the legacy cpu
// controller directory exists, otherwise cgroups are considered unavailable.
func DetectVersion() (Version, error) {
	if _, err := os.Stat(filepath.Join(cgroupRoot, "cgroup.controllers")); err == nil {
		return V2, nil
	}
	if _, err := os.Stat(filepath.Join(cgroupRoot, "cpu")); err == nil {
		return V1, nil
	}
	return 0, fmt.Errorf("cgroup: no v1 or v2 hierarchy found under %s", cgroupRoot)
}

// Cgroup represents a control group, addressed by an OCI-style cgroup path
// (always starting with "/", e.g. "/fire/<id>") and resolved against either
// the v1 per-controller hierarchy or the v2 unified hierarchy.
type Cgroup struct {
	// ociPath is the OCI-style path, e.g. "/fire/mycontainer".
	ociPath string
	version Version
}

// NewCgroup creates or opens a cgroup at the given OCI-style path (relative
// to the controller/unified root and always starting with "/"). An empty
// cgroupPath is rejected with an error; one that doesn't start with "/" is
// normalized to start with "/" per the cgroup_path invariant.
func NewCgroup(cgroupPath string) (*Cgroup, error) {
	if cgroupPath == "" {
		return nil, fmt.Errorf("cgroup path must not be empty")
	}
	if !strings.HasPrefix(cgroupPath, "/") {
		cgroupPath = "/" + cgroupPath
	}

	version, err := DetectVersion()
	if err != nil {
		return nil, err
	}

	c := &Cgroup{ociPath: cgroupPath, version: version}

	if version == V2 {
		if err := os.MkdirAll(c.unifiedPath(), 0755); err != nil {
			return nil, fmt.Errorf("create cgroup directory: %w", err)
		}
		return c, nil
	}

	for _, ctrl := range v1Controllers {
		if err := os.MkdirAll(c.controllerPath(ctrl), 0755); err != nil {
			if os.IsNotExist(err) || os.IsPermission(err) {
				// Controller not mounted on this host; skip it.
				continue
			}
			return nil, fmt.Errorf("create %s cgroup directory: %w", ctrl, err)
		}
	}
	return c, nil
}

// Version reports which hierarchy this cgroup was opened against.
func (c *Cgroup) Version() Version { return c.version }

// Path returns the OCI-style cgroup path (always leading-slash).
func (c *Cgroup) Path() string { return c.ociPath }

func (c *Cgroup) unifiedPath() string {
	return filepath.Join(cgroupRoot, c.ociPath)
}

func (c *Cgroup) controllerPath(controller string) string {
	return filepath.Join(cgroupRoot, controller, c.ociPath)
}

// writeCgroupFile writes data to a cgroup controller file. Some cgroup files
// reject nonzero-length writes with EINVAL depending on kernel/controller
// state (e.g. writing a limit while a conflicting value is already pinned);
// the canonical recovery, mirrored here, is to retry once with an empty
// write, which several controllers treat as "reset and reapply".
func writeCgroupFile(path string, data string) error {
	err := os.WriteFile(path, []byte(data), 0644)
	if err != nil && errors.Is(err, syscall.EINVAL) {
		err = os.WriteFile(path, []byte{}, 0644)
	}
	return err
}

// AddProcess adds a process to this cgroup, across every controller under v1.
func (c *Cgroup) AddProcess(pid int) error {
	if c.version == V2 {
		return writeCgroupFile(filepath.Join(c.unifiedPath(), "cgroup.procs"), strconv.Itoa(pid))
	}
	for _, ctrl := range v1Controllers {
		path := filepath.Join(c.controllerPath(ctrl), "cgroup.procs")
		if _, err := os.Stat(filepath.Dir(path)); err != nil {
			continue
		}
		if err := writeCgroupFile(path, strconv.Itoa(pid)); err != nil {
			return fmt.Errorf("add process to %s: %w", ctrl, err)
		}
	}
	return nil
}

// ApplyResources applies OCI resource limits to the cgroup, using whichever
// hierarchy this cgroup was opened against.
func (c *Cgroup) ApplyResources(resources *spec.LinuxResources) error {
	if resources == nil {
		return nil
	}
	if c.version == V2 {
		return c.applyResourcesV2(resources)
	}
	return c.applyResourcesV1(resources)
}

func (c *Cgroup) applyResourcesV2(resources *spec.LinuxResources) error {
	if err := c.applyMemoryV2(resources.Memory); err != nil {
		return err
	}
	if err := c.applyCPUV2(resources.CPU); err != nil {
		return err
	}
	if err := c.applyPidsV2(resources.Pids); err != nil {
		return err
	}
	if err := c.applyDevicesV1(resources.Devices, "devices"); err != nil {
		// cgroup v2 device control is BPF-based, not file-based; the
		// teacher-derived devices-controller writer only applies under v1.
		// Under v2 we skip rather than fail, since there's no devices.allow
		// file to write and device access control is out of scope here.
		if !os.IsNotExist(err) {
			return err
		}
	}

	for key, value := range resources.Unified {
		if err := validateCgroupKey(key); err != nil {
			return fmt.Errorf("invalid cgroup key %q: %w", key, err)
		}
		path := filepath.Join(c.unifiedPath(), key)
		if err := writeCgroupFile(path, value); err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
	}

	return nil
}

func (c *Cgroup) applyMemoryV2(memory *spec.LinuxMemory) error {
	if memory == nil {
		return nil
	}
	dir := c.unifiedPath()

	if memory.Limit != nil && *memory.Limit > 0 {
		if err := writeCgroupFile(filepath.Join(dir, "memory.max"), strconv.FormatInt(*memory.Limit, 10)); err != nil {
			return fmt.Errorf("set memory.max: %w", err)
		}
	}
	if memory.Reservation != nil && *memory.Reservation > 0 {
		if err := writeCgroupFile(filepath.Join(dir, "memory.low"), strconv.FormatInt(*memory.Reservation, 10)); err != nil {
			return fmt.Errorf("set memory.low: %w", err)
		}
	}
	if memory.Swap != nil {
		swapLimit := *memory.Swap
		if memory.Limit != nil {
			swapLimit = *memory.Swap - *memory.Limit
			if swapLimit < 0 {
				swapLimit = 0
			}
		}
		if err := writeCgroupFile(filepath.Join(dir, "memory.swap.max"), strconv.FormatInt(swapLimit, 10)); err != nil {
			fmt.Printf("[cgroup] warning: set memory.swap.max: %v\n", err)
		}
	}
	return nil
}

// cpuWeightFromShares converts OCI cpu.shares (2-262144) to cgroup v2
// cpu.weight (1-10000): weight = 1 + (shares-2)*9999/262142, clamped.
func cpuWeightFromShares(shares uint64) uint64 {
	var weight uint64 = 1
	if shares > 2 {
		weight = 1 + (shares-2)*9999/262142
	}
	if weight > 10000 {
		weight = 10000
	}
	return weight
}

func (c *Cgroup) applyCPUV2(cpu *spec.LinuxCPU) error {
	if cpu == nil {
		return nil
	}
	dir := c.unifiedPath()

	if cpu.Quota != nil || cpu.Period != nil {
		quota := "max"
		if cpu.Quota != nil && *cpu.Quota > 0 {
			quota = strconv.FormatInt(*cpu.Quota, 10)
		}
		period := uint64(100000)
		if cpu.Period != nil && *cpu.Period > 0 {
			period = *cpu.Period
		}
		value := fmt.Sprintf("%s %d", quota, period)
		if err := writeCgroupFile(filepath.Join(dir, "cpu.max"), value); err != nil {
			return fmt.Errorf("set cpu.max: %w", err)
		}
	}

	if cpu.Shares != nil && *cpu.Shares > 0 {
		weight := cpuWeightFromShares(*cpu.Shares)
		if err := writeCgroupFile(filepath.Join(dir, "cpu.weight"), strconv.FormatUint(weight, 10)); err != nil {
			return fmt.Errorf("set cpu.weight: %w", err)
		}
	}

	if cpu.Cpus != "" {
		if err := writeCgroupFile(filepath.Join(dir, "cpuset.cpus"), cpu.Cpus); err != nil {
			return fmt.Errorf("set cpuset.cpus: %w", err)
		}
	}
	if cpu.Mems != "" {
		if err := writeCgroupFile(filepath.Join(dir, "cpuset.mems"), cpu.Mems); err != nil {
			return fmt.Errorf("set cpuset.mems: %w", err)
		}
	}

	return nil
}

func (c *Cgroup) applyPidsV2(pids *spec.LinuxPids) error {
	if pids == nil {
		return nil
	}
	if pids.Limit > 0 {
		path := filepath.Join(c.unifiedPath(), "pids.max")
		if err := writeCgroupFile(path, strconv.FormatInt(pids.Limit, 10)); err != nil {
			return fmt.Errorf("set pids.max: %w", err)
		}
	}
	return nil
}

func (c *Cgroup) applyResourcesV1(resources *spec.LinuxResources) error {
	if err := c.applyCpusetV1(resources.CPU); err != nil {
		return err
	}
	if err := c.applyCPUV1(resources.CPU); err != nil {
		return err
	}
	if err := c.applyMemoryV1(resources.Memory); err != nil {
		return err
	}
	if err := c.applyDevicesV1(resources.Devices, "devices"); err != nil {
		return err
	}
	if err := c.applyPidsV1(resources.Pids); err != nil {
		return err
	}
	if err := c.applyBlockIOV1(resources.BlockIO); err != nil {
		return err
	}
	if err := c.applyNetworkV1(resources.Network); err != nil {
		return err
	}
	if err := c.applyHugetlbV1(resources.HugepageLimits); err != nil {
		return err
	}
	return nil
}

func (c *Cgroup) applyCpusetV1(cpu *spec.LinuxCPU) error {
	if cpu == nil {
		return nil
	}
	dir := c.controllerPath("cpuset")
	if cpu.Cpus != "" {
		if err := writeCgroupFile(filepath.Join(dir, "cpuset.cpus"), cpu.Cpus); err != nil {
			return fmt.Errorf("set cpuset.cpus: %w", err)
		}
	}
	if cpu.Mems != "" {
		if err := writeCgroupFile(filepath.Join(dir, "cpuset.mems"), cpu.Mems); err != nil {
			return fmt.Errorf("set cpuset.mems: %w", err)
		}
	}
	return nil
}

func (c *Cgroup) applyCPUV1(cpu *spec.LinuxCPU) error {
	if cpu == nil {
		return nil
	}
	dir := c.controllerPath("cpu")

	if cpu.Shares != nil && *cpu.Shares > 0 {
		if err := writeCgroupFile(filepath.Join(dir, "cpu.shares"), strconv.FormatUint(*cpu.Shares, 10)); err != nil {
			return fmt.Errorf("set cpu.shares: %w", err)
		}
	}
	if cpu.Quota != nil && *cpu.Quota > 0 {
		if err := writeCgroupFile(filepath.Join(dir, "cpu.cfs_quota_us"), strconv.FormatInt(*cpu.Quota, 10)); err != nil {
			return fmt.Errorf("set cpu.cfs_quota_us: %w", err)
		}
	}
	if cpu.Period != nil && *cpu.Period > 0 {
		if err := writeCgroupFile(filepath.Join(dir, "cpu.cfs_period_us"), strconv.FormatUint(*cpu.Period, 10)); err != nil {
			return fmt.Errorf("set cpu.cfs_period_us: %w", err)
		}
	}
	return nil
}

func (c *Cgroup) applyMemoryV1(memory *spec.LinuxMemory) error {
	if memory == nil {
		return nil
	}
	dir := c.controllerPath("memory")

	if memory.Limit != nil && *memory.Limit > 0 {
		if err := writeCgroupFile(filepath.Join(dir, "memory.limit_in_bytes"), strconv.FormatInt(*memory.Limit, 10)); err != nil {
			return fmt.Errorf("set memory.limit_in_bytes: %w", err)
		}
	}
	if memory.Reservation != nil && *memory.Reservation > 0 {
		if err := writeCgroupFile(filepath.Join(dir, "memory.soft_limit_in_bytes"), strconv.FormatInt(*memory.Reservation, 10)); err != nil {
			return fmt.Errorf("set memory.soft_limit_in_bytes: %w", err)
		}
	}
	if memory.Swap != nil && *memory.Swap > 0 {
		if err := writeCgroupFile(filepath.Join(dir, "memory.memsw.limit_in_bytes"), strconv.FormatInt(*memory.Swap, 10)); err != nil {
			fmt.Printf("[cgroup] warning: set memory.memsw.limit_in_bytes: %v\n", err)
		}
	}
	return nil
}

func (c *Cgroup) applyDevicesV1(devices []spec.LinuxDeviceCgroup, controller string) error {
	if len(devices) == 0 {
		return nil
	}
	dir := c.controllerPath(controller)
	if _, err := os.Stat(dir); err != nil {
		return err
	}

	for _, dev := range devices {
		major := "*"
		if dev.Major != nil {
			major = strconv.FormatInt(*dev.Major, 10)
		}
		minor := "*"
		if dev.Minor != nil {
			minor = strconv.FormatInt(*dev.Minor, 10)
		}
		access := dev.Access
		if access == "" {
			access = "rwm"
		}
		devType := dev.Type
		if devType == "" {
			devType = "a"
		}
		if devType != "a" && devType != "c" && devType != "b" {
			return fmt.Errorf("invalid cgroup device rule type %q (must be a, c, or b)", devType)
		}

		rule := fmt.Sprintf("%s %s:%s %s", devType, major, minor, access)
		file := "devices.deny"
		if dev.Allow {
			file = "devices.allow"
		}
		if err := writeCgroupFile(filepath.Join(dir, file), rule); err != nil {
			return fmt.Errorf("write %s: %w", file, err)
		}
	}
	return nil
}

func (c *Cgroup) applyPidsV1(pids *spec.LinuxPids) error {
	if pids == nil {
		return nil
	}
	if pids.Limit > 0 {
		path := filepath.Join(c.controllerPath("pids"), "pids.max")
		if err := writeCgroupFile(path, strconv.FormatInt(pids.Limit, 10)); err != nil {
			return fmt.Errorf("set pids.max: %w", err)
		}
	}
	return nil
}

// applyBlockIOV1 writes the blkio controller's weight and per-device
// weight/throttle files.
func (c *Cgroup) applyBlockIOV1(blockIO *spec.LinuxBlockIO) error {
	if blockIO == nil {
		return nil
	}
	dir := c.controllerPath("blkio")

	if blockIO.Weight != nil {
		if err := writeCgroupFile(filepath.Join(dir, "blkio.weight"), strconv.FormatUint(uint64(*blockIO.Weight), 10)); err != nil {
			return fmt.Errorf("set blkio.weight: %w", err)
		}
	}
	if blockIO.LeafWeight != nil {
		if err := writeCgroupFile(filepath.Join(dir, "blkio.leaf_weight"), strconv.FormatUint(uint64(*blockIO.LeafWeight), 10)); err != nil {
			return fmt.Errorf("set blkio.leaf_weight: %w", err)
		}
	}

	for _, wd := range blockIO.WeightDevice {
		if wd.Weight != nil {
			value := fmt.Sprintf("%d:%d %d", wd.Major, wd.Minor, *wd.Weight)
			if err := writeCgroupFile(filepath.Join(dir, "blkio.weight_device"), value); err != nil {
				return fmt.Errorf("set blkio.weight_device: %w", err)
			}
		}
		if wd.LeafWeight != nil {
			value := fmt.Sprintf("%d:%d %d", wd.Major, wd.Minor, *wd.LeafWeight)
			if err := writeCgroupFile(filepath.Join(dir, "blkio.leaf_weight_device"), value); err != nil {
				return fmt.Errorf("set blkio.leaf_weight_device: %w", err)
			}
		}
	}

	throttles := []struct {
		file    string
		devices []spec.LinuxThrottleDevice
	}{
		{"blkio.throttle.read_bps_device", blockIO.ThrottleReadBpsDevice},
		{"blkio.throttle.write_bps_device", blockIO.ThrottleWriteBpsDevice},
		{"blkio.throttle.read_iops_device", blockIO.ThrottleReadIOPSDevice},
		{"blkio.throttle.write_iops_device", blockIO.ThrottleWriteIOPSDevice},
	}
	for _, t := range throttles {
		for _, td := range t.devices {
			value := fmt.Sprintf("%d:%d %d", td.Major, td.Minor, td.Rate)
			if err := writeCgroupFile(filepath.Join(dir, t.file), value); err != nil {
				return fmt.Errorf("set %s: %w", t.file, err)
			}
		}
	}

	return nil
}

// applyNetworkV1 writes the net_cls and net_prio controller files.
func (c *Cgroup) applyNetworkV1(network *spec.LinuxNetwork) error {
	if network == nil {
		return nil
	}

	if network.ClassID != nil {
		dir := c.controllerPath("net_cls")
		if err := writeCgroupFile(filepath.Join(dir, "net_cls.classid"), strconv.FormatUint(uint64(*network.ClassID), 10)); err != nil {
			return fmt.Errorf("set net_cls.classid: %w", err)
		}
	}

	if len(network.Priorities) > 0 {
		dir := c.controllerPath("net_prio")
		for _, p := range network.Priorities {
			value := fmt.Sprintf("%s %d", p.Name, p.Priority)
			if err := writeCgroupFile(filepath.Join(dir, "net_prio.ifpriomap"), value); err != nil {
				return fmt.Errorf("set net_prio.ifpriomap: %w", err)
			}
		}
	}

	return nil
}

// applyHugetlbV1 writes one hugetlb.<pagesize>.limit_in_bytes file per
// requested hugepage size.
func (c *Cgroup) applyHugetlbV1(limits []spec.LinuxHugepageLimit) error {
	if len(limits) == 0 {
		return nil
	}
	dir := c.controllerPath("hugetlb")

	for _, limit := range limits {
		file := fmt.Sprintf("hugetlb.%s.limit_in_bytes", limit.Pagesize)
		if err := writeCgroupFile(filepath.Join(dir, file), strconv.FormatUint(limit.Limit, 10)); err != nil {
			return fmt.Errorf("set %s: %w", file, err)
		}
	}

	return nil
}

// Destroy removes the cgroup from every hierarchy it was created in.
func (c *Cgroup) Destroy() error {
	if c.version == V2 {
		return os.Remove(c.unifiedPath())
	}
	var firstErr error
	for _, ctrl := range v1Controllers {
		if err := os.Remove(c.controllerPath(ctrl)); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetMemoryCurrent returns current memory usage.
func (c *Cgroup) GetMemoryCurrent() (int64, error) {
	var path string
	if c.version == V2 {
		path = filepath.Join(c.unifiedPath(), "memory.current")
	} else {
		path = filepath.Join(c.controllerPath("memory"), "memory.usage_in_bytes")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

// GetPidsCurrent returns current number of processes.
func (c *Cgroup) GetPidsCurrent() (int64, error) {
	var path string
	if c.version == V2 {
		path = filepath.Join(c.unifiedPath(), "pids.current")
	} else {
		path = filepath.Join(c.controllerPath("pids"), "pids.current")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

// Freeze freezes all processes in the cgroup, backing the Pause operation.
func (c *Cgroup) Freeze() error {
	if c.version == V2 {
		return writeCgroupFile(filepath.Join(c.unifiedPath(), "cgroup.freeze"), "1")
	}
	return writeCgroupFile(filepath.Join(c.controllerPath("freezer"), "freezer.state"), "FROZEN")
}

// Thaw unfreezes all processes in the cgroup, backing the Resume operation.
func (c *Cgroup) Thaw() error {
	if c.version == V2 {
		return writeCgroupFile(filepath.Join(c.unifiedPath(), "cgroup.freeze"), "0")
	}
	return writeCgroupFile(filepath.Join(c.controllerPath("freezer"), "freezer.state"), "THAWED")
}

// EnsureParentControllers enables controllers on parent cgroups. Only
// meaningful under cgroup v2 (v1 controllers are always active once mounted).
func EnsureParentControllers(cgroupPath string) error {
	version, err := DetectVersion()
	if err != nil {
		return err
	}
	if version == V1 {
		return nil
	}

	parts := strings.Split(strings.Trim(cgroupPath, "/"), "/")
	current := cgroupRoot

	controllers := "+cpu +memory +pids +cpuset"

	for _, part := range parts {
		controlFile := filepath.Join(current, "cgroup.subtree_control")
		_ = os.WriteFile(controlFile, []byte(controllers), 0644)
		current = filepath.Join(current, part)
	}

	return nil
}

// GetCgroupPath returns the OCI-style (leading-slash) cgroup path for a
// container: the spec-provided path if set, otherwise "/fire/<id>".
func GetCgroupPath(containerID string, specPath string) string {
	if specPath != "" {
		if !strings.HasPrefix(specPath, "/") {
			specPath = "/" + specPath
		}
		return specPath
	}
	return "/fire/" + containerID
}

// validateCgroupKey validates a cgroup controller file key.
// This prevents path traversal attacks via crafted unified keys.
func validateCgroupKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty key not allowed")
	}
	if strings.ContainsAny(key, "/\\") {
		return fmt.Errorf("key contains path separator")
	}
	if key == "." || key == ".." {
		return fmt.Errorf("key is relative path component")
	}
	if strings.HasPrefix(key, ".") {
		return fmt.Errorf("key starts with dot")
	}
	if !validCgroupKey.MatchString(key) {
		return fmt.Errorf("key does not match valid cgroup key pattern")
	}
	return nil
}
