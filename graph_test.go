package capnweb

import (
	"testing"

	"github.com/google/uuid"
)

func TestCapabilityGraphAddRootAndChild(t *testing.T) {
	g := NewCapabilityGraph(nil)
	root := g.AddRoot(NewBaseRpcTarget(), CapabilityMetadata{TypeName: "root"})

	child, err := g.AddChild(root, NewBaseRpcTarget(), CapabilityMetadata{TypeName: "child"})
	if err != nil {
		t.Fatalf("AddChild: %v", err)
	}

	kids := g.Children(root)
	if len(kids) != 1 || kids[0] != child {
		t.Fatalf("Children(root) = %v, want [%v]", kids, child)
	}
}

func TestCapabilityGraphAddChildUnknownParent(t *testing.T) {
	g := NewCapabilityGraph(nil)
	if _, err := g.AddChild(uuid.New(), NewBaseRpcTarget(), CapabilityMetadata{}); err == nil {
		t.Fatalf("expected error for unknown parent")
	}
}

func TestCapabilityGraphDescendantsDFS(t *testing.T) {
	g := NewCapabilityGraph(nil)
	root := g.AddRoot(NewBaseRpcTarget(), CapabilityMetadata{})
	c1, _ := g.AddChild(root, NewBaseRpcTarget(), CapabilityMetadata{})
	c2, _ := g.AddChild(root, NewBaseRpcTarget(), CapabilityMetadata{})
	grandchild, _ := g.AddChild(c1, NewBaseRpcTarget(), CapabilityMetadata{})

	descendants := g.Descendants(root)
	if len(descendants) != 3 {
		t.Fatalf("descendants = %v, want 3 entries", descendants)
	}
	seen := map[string]bool{}
	for _, d := range descendants {
		seen[d.String()] = true
	}
	for _, want := range []string{c1.String(), c2.String(), grandchild.String()} {
		if !seen[want] {
			t.Fatalf("descendants missing %s: %v", want, descendants)
		}
	}
}

func TestCapabilityGraphCascadeDisposal(t *testing.T) {
	var disposed []string
	g := NewCapabilityGraph(func(id uuid.UUID, target RpcTarget) {
		disposed = append(disposed, id.String())
	})
	root := g.AddRoot(NewBaseRpcTarget(), CapabilityMetadata{})
	c1, _ := g.AddChild(root, NewBaseRpcTarget(), CapabilityMetadata{})
	_, _ = g.AddChild(c1, NewBaseRpcTarget(), CapabilityMetadata{})

	if err := g.ReleaseRef(root); err != nil {
		t.Fatalf("ReleaseRef: %v", err)
	}

	if g.Len() != 0 {
		t.Fatalf("Len = %d, want 0 after cascade disposal", g.Len())
	}
	if len(disposed) != 3 {
		t.Fatalf("disposed = %v, want 3 nodes removed", disposed)
	}
}

func TestCapabilityGraphAddRefKeepsNodeAlive(t *testing.T) {
	g := NewCapabilityGraph(nil)
	root := g.AddRoot(NewBaseRpcTarget(), CapabilityMetadata{})

	if err := g.AddRef(root); err != nil {
		t.Fatalf("AddRef: %v", err)
	}
	if err := g.ReleaseRef(root); err != nil {
		t.Fatalf("ReleaseRef #1: %v", err)
	}
	if _, ok := g.Get(root); !ok {
		t.Fatalf("node removed after only one of two refs released")
	}
	if err := g.ReleaseRef(root); err != nil {
		t.Fatalf("ReleaseRef #2: %v", err)
	}
	if _, ok := g.Get(root); ok {
		t.Fatalf("node still present after refcount reached zero")
	}
}

func TestCapabilityGraphReleaseUnknown(t *testing.T) {
	g := NewCapabilityGraph(nil)
	if err := g.ReleaseRef(uuid.New()); err == nil {
		t.Fatalf("expected error releasing unknown node")
	}
}
