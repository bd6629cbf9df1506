package linux

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"fire/spec"
)

func TestGetCgroupPath(t *testing.T) {
	tests := []struct {
		containerID string
		specPath    string
		expected    string
	}{
		{"test-container", "", "/fire/test-container"},
		{"container-123", "", "/fire/container-123"},
		{"abc", "/custom/path", "/custom/path"},
		{"xyz", "/docker/containers/xyz", "/docker/containers/xyz"},
		{"xyz", "no-leading-slash", "/no-leading-slash"},
	}

	for _, tc := range tests {
		result := GetCgroupPath(tc.containerID, tc.specPath)
		if result != tc.expected {
			t.Errorf("GetCgroupPath(%q, %q) = %q, expected %q",
				tc.containerID, tc.specPath, result, tc.expected)
		}
		if !strings.HasPrefix(result, "/") {
			t.Errorf("GetCgroupPath(%q, %q) = %q must start with /", tc.containerID, tc.specPath, result)
		}
	}
}

func TestNewCgroup_NormalizesLeadingSlash(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("skipping cgroup test: requires root")
	}
	if _, err := os.Stat("/sys/fs/cgroup"); os.IsNotExist(err) {
		t.Skip("skipping cgroup test: cgroup not mounted")
	}

	cg, err := NewCgroup("fire-test/test-cgroup")
	if err != nil {
		t.Fatalf("NewCgroup failed: %v", err)
	}
	defer cg.Destroy()

	if cg.Path() != "/fire-test/test-cgroup" {
		t.Errorf("expected normalized path /fire-test/test-cgroup, got %s", cg.Path())
	}
}

func TestCgroupApplyResourcesNil(t *testing.T) {
	cg := &Cgroup{ociPath: "/fake-cgroup", version: V2}

	if err := cg.ApplyResources(nil); err != nil {
		t.Errorf("ApplyResources(nil) should not error: %v", err)
	}
}

func TestCgroupApplyResourcesEmptyMemory(t *testing.T) {
	cg := &Cgroup{ociPath: "/fake-cgroup", version: V2}

	if err := cg.applyMemoryV2(nil); err != nil {
		t.Errorf("applyMemoryV2(nil) should not error: %v", err)
	}
	if err := cg.applyMemoryV1(nil); err != nil {
		t.Errorf("applyMemoryV1(nil) should not error: %v", err)
	}
}

func TestCgroupApplyResourcesEmptyCPU(t *testing.T) {
	cg := &Cgroup{ociPath: "/fake-cgroup", version: V2}

	if err := cg.applyCPUV2(nil); err != nil {
		t.Errorf("applyCPUV2(nil) should not error: %v", err)
	}
}

func TestCgroupApplyResourcesEmptyPids(t *testing.T) {
	cg := &Cgroup{ociPath: "/fake-cgroup", version: V2}

	if err := cg.applyPidsV2(nil); err != nil {
		t.Errorf("applyPidsV2(nil) should not error: %v", err)
	}
}

func TestCgroupApplyPidsZeroLimit(t *testing.T) {
	cg := &Cgroup{ociPath: "/fake-cgroup", version: V2}

	pids := &spec.LinuxPids{Limit: 0}
	if err := cg.applyPidsV2(pids); err != nil {
		t.Errorf("applyPidsV2 with 0 limit should not error: %v", err)
	}
}

func TestCgroupApplyResourcesEmptyBlockIONetworkHugetlb(t *testing.T) {
	cg := &Cgroup{ociPath: "/fake-cgroup", version: V1}

	if err := cg.applyBlockIOV1(nil); err != nil {
		t.Errorf("applyBlockIOV1(nil) should not error: %v", err)
	}
	if err := cg.applyNetworkV1(nil); err != nil {
		t.Errorf("applyNetworkV1(nil) should not error: %v", err)
	}
	if err := cg.applyHugetlbV1(nil); err != nil {
		t.Errorf("applyHugetlbV1(nil) should not error: %v", err)
	}
}

func TestCgroupIntegration(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("skipping cgroup integration test: requires root")
	}
	if _, err := os.Stat("/sys/fs/cgroup"); os.IsNotExist(err) {
		t.Skip("skipping cgroup test: cgroup not mounted")
	}

	cgroupPath := "/fire-test/integration-test"

	cg, err := NewCgroup(cgroupPath)
	if err != nil {
		t.Fatalf("NewCgroup failed: %v", err)
	}
	defer func() {
		cg.Destroy()
		os.Remove(filepath.Join(cgroupRoot, "fire-test"))
	}()

	if err := cg.AddProcess(os.Getpid()); err != nil {
		t.Logf("AddProcess failed (may be expected in some environments): %v", err)
	}

	limit := int64(1024 * 1024 * 100) // 100MB
	resources := &spec.LinuxResources{
		Memory: &spec.LinuxMemory{Limit: &limit},
		Pids:   &spec.LinuxPids{Limit: 100},
	}

	if err := cg.ApplyResources(resources); err != nil {
		t.Logf("ApplyResources failed (may be expected if controllers not enabled): %v", err)
	}

	if err := cg.Destroy(); err != nil {
		t.Logf("Destroy failed (process may still be in cgroup): %v", err)
	}
}

// TestCgroupIntegrationBlockIONetworkHugetlb exercises the blkio/net_cls/
// net_prio/hugetlb controller writers end to end when running as root with
// a real cgroup v1 hierarchy available.
func TestCgroupIntegrationBlockIONetworkHugetlb(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("skipping cgroup test: requires root")
	}
	if _, err := os.Stat("/sys/fs/cgroup/blkio"); os.IsNotExist(err) {
		t.Skip("skipping cgroup test: cgroup v1 blkio controller not mounted")
	}

	cgroupPath := "/fire-test/controller-test"
	cg, err := NewCgroup(cgroupPath)
	if err != nil {
		t.Fatalf("NewCgroup failed: %v", err)
	}
	defer func() {
		cg.Destroy()
		os.Remove(filepath.Join(cgroupRoot, "fire-test"))
	}()

	weight := uint16(500)
	classID := uint32(0x100001)
	resources := &spec.LinuxResources{
		BlockIO: &spec.LinuxBlockIO{
			Weight: &weight,
		},
		Network: &spec.LinuxNetwork{
			ClassID: &classID,
		},
		HugepageLimits: []spec.LinuxHugepageLimit{
			{Pagesize: "2MB", Limit: 0},
		},
	}

	if err := cg.ApplyResources(resources); err != nil {
		t.Logf("ApplyResources failed (may be expected if controllers not enabled): %v", err)
	}
}

func TestEnsureParentControllers(t *testing.T) {
	// Best-effort function; just verify it doesn't panic when cgroups are
	// unavailable (error is expected in that case, not a test failure).
	err := EnsureParentControllers("/fire/test")
	_ = err
}

func TestCPUWeightFromShares(t *testing.T) {
	tests := []struct {
		shares      uint64
		expectedMin uint64
		expectedMax uint64
	}{
		{2, 1, 1},
		{1024, 38, 40}, // 1 + (1024-2)*9999/262142 ~= 39
		{262144, 9999, 10000},
		{512, 19, 20},
		{2048, 77, 79},
	}

	for _, tc := range tests {
		w := cpuWeightFromShares(tc.shares)
		if w < tc.expectedMin || w > tc.expectedMax {
			t.Errorf("cpuWeightFromShares(%d) = %d, want range [%d,%d]",
				tc.shares, w, tc.expectedMin, tc.expectedMax)
		}
	}
}

func TestSwapLimitCalculation(t *testing.T) {
	tests := []struct {
		memoryLimit int64
		swapLimit   int64
		expected    int64
	}{
		{100, 200, 100},
		{100, 100, 0},
		{100, 50, 0},
		{0, 100, 100},
	}

	for _, tc := range tests {
		var result int64
		if tc.memoryLimit > 0 {
			result = tc.swapLimit - tc.memoryLimit
			if result < 0 {
				result = 0
			}
		} else {
			result = tc.swapLimit
		}

		if result != tc.expected {
			t.Errorf("memoryLimit=%d, swapLimit=%d: expected %d, got %d",
				tc.memoryLimit, tc.swapLimit, tc.expected, result)
		}
	}
}

// TestApplyResources_UnifiedKeyPathTraversal verifies that path traversal in
// unified cgroup keys is rejected before any write is attempted.
func TestApplyResources_UnifiedKeyPathTraversal(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "cgroup-traversal-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	outsideDir := filepath.Join(tmpDir, "outside")
	if err := os.MkdirAll(outsideDir, 0755); err != nil {
		t.Fatalf("Failed to create outside dir: %v", err)
	}

	cg := &Cgroup{ociPath: tmpDir, version: V2}

	traversalKeys := []string{
		"../outside/escaped",
		"../../escaped",
		"../../../etc/passwd",
		"foo/../../../etc/passwd",
	}

	for _, key := range traversalKeys {
		resources := &spec.LinuxResources{
			Unified: map[string]string{key: "malicious-content"},
		}

		err := cg.ApplyResources(resources)
		if err == nil {
			t.Errorf("expected unified key %q to be rejected", key)
		}

		escapedPath := filepath.Join(tmpDir, "outside", "escaped")
		if _, statErr := os.Stat(escapedPath); statErr == nil {
			t.Errorf("SECURITY VULNERABILITY: Unified key %q escaped cgroup directory!", key)
		}
	}
}

// TestApplyResources_UnifiedKeyValidation checks valid vs invalid key shapes.
func TestApplyResources_UnifiedKeyValidation(t *testing.T) {
	validKeys := []string{
		"cpu.max", "memory.max", "pids.max", "cpu.weight",
		"cpuset.cpus", "memory.swap.max", "io.max", "io.bfq.weight",
	}
	invalidKeys := []string{
		"../foo", "..", "./foo", "/absolute/path", "foo/../../bar",
		"", "memory max", "memory\tmax", "memory\nmax",
	}

	for _, key := range validKeys {
		if err := validateCgroupKey(key); err != nil {
			t.Errorf("valid cgroup key %q was rejected: %v", key, err)
		}
	}
	for _, key := range invalidKeys {
		if err := validateCgroupKey(key); err == nil {
			t.Errorf("invalid cgroup key %q was accepted", key)
		}
	}
}

func TestDetectVersion(t *testing.T) {
	v, err := DetectVersion()
	if err != nil {
		// No cgroup hierarchy in this environment; acceptable.
		t.Skipf("cgroup hierarchy unavailable: %v", err)
	}
	if v != V1 && v != V2 {
		t.Errorf("unexpected version: %v", v)
	}
}
