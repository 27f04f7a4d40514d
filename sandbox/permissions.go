// Package sandbox implements per-call resource isolation: a permission
// checker (filesystem, network, resource, capability, env-var), resource
// accounting, an escalation manager, and the two reference providers
// (simulation and process) the spec requires.
package sandbox

import (
	"path/filepath"
	"strconv"
	"strings"
)

// FilesystemPermissions declares a sandbox's filesystem access.
type FilesystemPermissions struct {
	ReadOnlyPaths  []string
	ReadWritePaths []string
	DeniedPaths    []string
	MaxDiskBytes   int64
	MaxFileCount   int
}

// NetworkPermissions declares a sandbox's network access.
type NetworkPermissions struct {
	Enabled        bool
	AllowedDomains []string // may contain "*." wildcard prefixes
	DeniedDomains  []string
	AllowedPorts   []int
	AllowedIPRanges []string // CIDR notation
	MaxBandwidthBytesPerSec int64
}

// ResourceLimits declares hard and soft ceilings on consumption.
type ResourceLimits struct {
	MaxCPUUnits        int64
	MaxMemoryBytes     int64
	MaxExecutionTimeMS int64
	MaxProcessCount    int
}

// Permissions is the full structured allow/deny set for one sandbox.
type Permissions struct {
	Filesystem   FilesystemPermissions
	Network      NetworkPermissions
	Resources    ResourceLimits
	Capabilities map[string]struct{}
	EnvVars      map[string]struct{}
}

// CheckResult is the answer to any permission question.
type CheckResult struct {
	Granted     bool
	Reason      string
	CanEscalate bool
}

// PermissionChecker answers per-call permission questions against a fixed
// Permissions snapshot. Dynamic updates replace the snapshot atomically;
// the checker itself holds no mutable state.
type PermissionChecker struct {
	perms Permissions
}

// NewPermissionChecker builds a checker over perms.
func NewPermissionChecker(perms Permissions) *PermissionChecker {
	return &PermissionChecker{perms: perms}
}

// CheckFilesystemRead answers whether path may be read. Denied paths
// dominate allowed paths even when the path is a descendant of an allowed
// directory (spec.md §8 testable property 8).
func (c *PermissionChecker) CheckFilesystemRead(path string) CheckResult {
	path = filepath.Clean(path)
	if pathMatchesAny(path, c.perms.Filesystem.DeniedPaths) {
		return CheckResult{Granted: false, Reason: "path is explicitly denied", CanEscalate: true}
	}
	if pathMatchesAny(path, c.perms.Filesystem.ReadOnlyPaths) || pathMatchesAny(path, c.perms.Filesystem.ReadWritePaths) {
		return CheckResult{Granted: true, Reason: "path is allowed for read"}
	}
	return CheckResult{Granted: false, Reason: "path is not on the allow-list", CanEscalate: true}
}

// CheckFilesystemWrite answers whether path may be written.
func (c *PermissionChecker) CheckFilesystemWrite(path string) CheckResult {
	path = filepath.Clean(path)
	if pathMatchesAny(path, c.perms.Filesystem.DeniedPaths) {
		return CheckResult{Granted: false, Reason: "path is explicitly denied", CanEscalate: true}
	}
	if pathMatchesAny(path, c.perms.Filesystem.ReadWritePaths) {
		return CheckResult{Granted: true, Reason: "path is allowed for read-write"}
	}
	return CheckResult{Granted: false, Reason: "path is not writable", CanEscalate: true}
}

func pathMatchesAny(path string, candidates []string) bool {
	for _, c := range candidates {
		c = filepath.Clean(c)
		if path == c || strings.HasPrefix(path, c+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// CheckNetworkAccess answers whether domain/port may be reached. The
// disabled flag wins outright; denied domains dominate allowed domains;
// domain matching is case-insensitive and supports a "*." wildcard prefix,
// grounded on the same algorithm the framework uses for CORS origin
// matching.
func (c *PermissionChecker) CheckNetworkAccess(domain string, port int) CheckResult {
	if !c.perms.Network.Enabled {
		return CheckResult{Granted: false, Reason: "network access is disabled for this sandbox", CanEscalate: true}
	}
	domain = strings.ToLower(domain)

	for _, denied := range c.perms.Network.DeniedDomains {
		if domainMatches(domain, strings.ToLower(denied)) {
			return CheckResult{Granted: false, Reason: "domain is explicitly denied", CanEscalate: true}
		}
	}

	if port != 0 && len(c.perms.Network.AllowedPorts) > 0 && !intContains(c.perms.Network.AllowedPorts, port) {
		return CheckResult{Granted: false, Reason: "port " + strconv.Itoa(port) + " is not allowed", CanEscalate: true}
	}

	if len(c.perms.Network.AllowedDomains) == 0 {
		return CheckResult{Granted: false, Reason: "no domains are allowed", CanEscalate: true}
	}
	for _, allowed := range c.perms.Network.AllowedDomains {
		if domainMatches(domain, strings.ToLower(allowed)) {
			return CheckResult{Granted: true, Reason: "domain is allowed"}
		}
	}
	return CheckResult{Granted: false, Reason: "domain is not on the allow-list", CanEscalate: true}
}

// domainMatches reports whether domain satisfies pattern, which may be an
// exact match or a "*.example.com" subdomain wildcard.
func domainMatches(domain, pattern string) bool {
	if pattern == domain {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:] // ".example.com"
		return strings.HasSuffix(domain, suffix) && len(domain) > len(suffix)
	}
	return false
}

func intContains(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// CheckResourceLimit answers whether consuming amount more of kind would
// exceed its configured limit, given current. Execution-time limits are
// hard (never escalable); others are soft.
func (c *PermissionChecker) CheckResourceLimit(kind string, current, amount int64) CheckResult {
	limit, hard := c.resourceLimit(kind)
	if limit <= 0 {
		return CheckResult{Granted: true, Reason: "no limit configured for " + kind}
	}
	if current+amount > limit {
		return CheckResult{Granted: false, Reason: kind + " limit would be exceeded", CanEscalate: !hard}
	}
	return CheckResult{Granted: true, Reason: kind + " within limit"}
}

func (c *PermissionChecker) resourceLimit(kind string) (limit int64, hard bool) {
	switch kind {
	case "cpu":
		return c.perms.Resources.MaxCPUUnits, false
	case "memory":
		return c.perms.Resources.MaxMemoryBytes, false
	case "execution_time_ms":
		return c.perms.Resources.MaxExecutionTimeMS, true
	case "process_count":
		return int64(c.perms.Resources.MaxProcessCount), false
	default:
		return 0, false
	}
}

// CheckCapability answers whether name is in the granted capability set.
func (c *PermissionChecker) CheckCapability(name string) CheckResult {
	if _, ok := c.perms.Capabilities[name]; ok {
		return CheckResult{Granted: true, Reason: "capability granted"}
	}
	return CheckResult{Granted: false, Reason: "capability not granted", CanEscalate: true}
}

// CheckEnvVar answers whether name is on the allowed environment-variable
// list.
func (c *PermissionChecker) CheckEnvVar(name string) CheckResult {
	if _, ok := c.perms.EnvVars[name]; ok {
		return CheckResult{Granted: true, Reason: "env var allowed"}
	}
	return CheckResult{Granted: false, Reason: "env var not allowed", CanEscalate: true}
}

// Permissions returns the checker's current snapshot.
func (c *PermissionChecker) Permissions() Permissions {
	return c.perms
}

// Replace atomically swaps the checker's permission snapshot, used by the
// escalation manager to apply a grant for the remainder of the sandbox's
// life.
func (c *PermissionChecker) Replace(perms Permissions) *PermissionChecker {
	return &PermissionChecker{perms: perms}
}
