package labels_test

import (
	"testing"

	"github.com/tripwire/agent/internal/labels"
)

func TestFingerprint_OrderIndependent(t *testing.T) {
	a := labels.Set{"l1": "v1", "l2": "v2"}
	b := labels.Set{"l2": "v2", "l1": "v1"}

	if a.Fingerprint() != b.Fingerprint() {
		t.Errorf("fingerprints differ for maps with identical pairs: %q vs %q", a.Fingerprint(), b.Fingerprint())
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	s := labels.Set{"path": "/var/log/containers/a.log"}
	k1 := s.Fingerprint()
	k2 := s.Fingerprint()
	if k1 != k2 {
		t.Errorf("Fingerprint not stable across calls: %q vs %q", k1, k2)
	}
	if len(k1) != 32 {
		t.Errorf("len(StreamKey) = %d, want 32", len(k1))
	}
}

func TestFingerprint_DistinctForDifferentSets(t *testing.T) {
	a := labels.Set{"l1": "v1"}
	b := labels.Set{"l1": "v2"}
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("expected distinct fingerprints for distinct label sets")
	}
}

func TestHas(t *testing.T) {
	s := labels.Set{"l1": "v1"}
	if !s.Has("l1", "v1") {
		t.Error("Has(l1, v1) = false, want true")
	}
	if s.Has("l1", "v2") {
		t.Error("Has(l1, v2) = true, want false")
	}
	if s.Has("nope", "x") {
		t.Error("Has(nope, x) = true, want false")
	}
}

func TestKubernetesFilenameProvider(t *testing.T) {
	p := labels.KubernetesFilenameProvider{}

	set, ok := p.Labels("/var/log/containers/nginx-7d8_default_nginx-abc123def456.log")
	if !ok {
		t.Fatal("expected ok=true for a well-formed kubelet filename")
	}
	want := labels.Set{
		"pod":          "nginx-7d8",
		"namespace":    "default",
		"container":    "nginx",
		"container_id": "abc123def456",
	}
	for k, v := range want {
		if set[k] != v {
			t.Errorf("set[%q] = %q, want %q", k, set[k], v)
		}
	}
}

func TestKubernetesFilenameProvider_Malformed(t *testing.T) {
	p := labels.KubernetesFilenameProvider{}

	cases := []string{
		"not-kube-shaped.log",
		"pod_namespace.log",
		"pod_namespace_nohyphen.log",
		"",
	}
	for _, c := range cases {
		if _, ok := p.Labels(c); ok {
			t.Errorf("Labels(%q): expected ok=false", c)
		}
	}
}
