package labels

import (
	"path/filepath"
	"strings"
)

// Provider derives extra labels for a log source from its observed path
// (the path the collector discovered in the watched root directory, before
// symlink resolution). A Provider never returns an error: on any parse
// failure it returns ok=false and the collector falls back to labelling the
// source with just its path.
type Provider interface {
	Labels(observedPath string) (Set, bool)
}

// KubernetesFilenameProvider parses container log filenames of the shape
// produced by the kubelet: "<pod>_<namespace>_<container>-<id>.log". It
// yields "pod", "namespace", "container", and "container_id" labels.
type KubernetesFilenameProvider struct{}

// Labels implements Provider.
func (KubernetesFilenameProvider) Labels(observedPath string) (Set, bool) {
	base := filepath.Base(observedPath)
	base = strings.TrimSuffix(base, ".log")

	parts := strings.SplitN(base, "_", 3)
	if len(parts) != 3 {
		return nil, false
	}
	pod, namespace, containerAndID := parts[0], parts[1], parts[2]
	if pod == "" || namespace == "" || containerAndID == "" {
		return nil, false
	}

	idx := strings.LastIndex(containerAndID, "-")
	if idx <= 0 || idx == len(containerAndID)-1 {
		return nil, false
	}
	container, id := containerAndID[:idx], containerAndID[idx+1:]

	return Set{
		"pod":          pod,
		"namespace":    namespace,
		"container":    container,
		"container_id": id,
	}, true
}
