package capabilities

import (
	"strings"
)

const (
	// ContainerIDLength is the standard length of a container ID.
	ContainerIDLength = 64

	// ShortContainerIDLength is the minimum length accepted as a container ID when a runtime
	// truncated it.
	ShortContainerIDLength = 31
)

// ContainerFromCgroup inspects /proc/<pid>/cgroup content and returns the container runtime
// and ID of the first containerized hierarchy, or empty strings for a host process.
func ContainerFromCgroup(cgroups string) (runtime, id string) {
	for _, line := range strings.Split(cgroups, "\n") {
		rt := runtimeFromCgroupPath(line)
		if rt == "" {
			continue
		}
		if container := lookupContainerID(line); container != "" {
			return rt, container
		}
		return rt, ""
	}
	return "", ""
}

func runtimeFromCgroupPath(path string) string {
	switch {
	case strings.Contains(path, "kubepods"):
		return "kubernetes"
	case strings.Contains(path, "libpod"):
		return "podman"
	case strings.Contains(path, "cri-containerd"), strings.Contains(path, "containerd"):
		return "containerd"
	case strings.Contains(path, "docker"):
		return "docker"
	case strings.Contains(path, "lxc"):
		return "lxc"
	}
	return ""
}

// containerIDOffset splits a cgroup leaf like "docker-<id>.scope" or
// "cri-containerd:<id>" and returns the ID part.
func containerIDOffset(subdir string) string {
	// cgroupfs driver paths carry the ID after the last ":"
	fields := strings.Split(subdir, ":")
	idStr := fields[len(fields)-1]

	idStr = strings.TrimSuffix(idStr, ".scope")
	s := strings.Split(idStr, "-")
	return s[len(s)-1]
}

// lookupContainerID returns the full or truncated container ID of a cgroup path.
func lookupContainerID(cgroup string) string {
	subDirs := strings.Split(strings.TrimSpace(cgroup), "/")
	lastSubDir := subDirs[len(subDirs)-1]

	container := containerIDOffset(lastSubDir)
	if len(container) < ShortContainerIDLength || !isHex(container) {
		return ""
	}
	if len(container) > ContainerIDLength {
		return container[:ContainerIDLength]
	}
	return container
}

func isHex(s string) bool {
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
