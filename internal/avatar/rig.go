package avatar

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/qmuntal/gltf"
	"golang.org/x/sync/singleflight"
)

// Part is an animatable part of the avatar model.
type Part string

const (
	Head  Part = "head"
	Neck  Part = "neck"
	Spine Part = "spine"
	Jaw   Part = "jaw"
)

// partNames lists the node names accepted for each part, in preference order.
// Names are compared case-insensitively after dropping a rig prefix such as
// "mixamorig:".
var partNames = map[Part][]string{
	Head:  {"head"},
	Neck:  {"neck"},
	Spine: {"spine2", "spine1", "spine", "chest"},
	Jaw:   {"jaw", "jawbone", "lowerjaw"},
}

var partOrder = []Part{Spine, Neck, Head, Jaw}

// Bone is a resolved model node.
type Bone struct {
	Node int
	Name string
	Rest mgl64.Quat
}

// Rig holds the parts resolved once at load time. A Rig without a head
// animates in fallback mode.
type Rig struct {
	Path  string
	Bones map[Part]Bone
}

// Fallback reports whether the rig lacks the parts needed for the posed
// animation.
func (r *Rig) Fallback() bool {
	if r == nil {
		return true
	}
	_, ok := r.Bones[Head]
	return !ok
}

// Resolve finds the animatable parts among the document's nodes. Exact
// matches win over suffix matches ("Armature_Head").
func Resolve(doc *gltf.Document) *Rig {
	rig := &Rig{Bones: make(map[Part]Bone)}
	if doc == nil {
		return rig
	}
	for _, part := range partOrder {
		if b, ok := findBone(doc.Nodes, partNames[part], exactName); ok {
			rig.Bones[part] = b
			continue
		}
		if b, ok := findBone(doc.Nodes, partNames[part], suffixName); ok {
			rig.Bones[part] = b
		}
	}
	return rig
}

func exactName(name, want string) bool  { return name == want }
func suffixName(name, want string) bool { return strings.HasSuffix(name, want) }

func findBone(nodes []*gltf.Node, names []string, match func(name, want string) bool) (Bone, bool) {
	for _, want := range names {
		for i, n := range nodes {
			if n == nil || !match(normalizeName(n.Name), want) {
				continue
			}
			return Bone{Node: i, Name: n.Name, Rest: restRotation(n)}, true
		}
	}
	return Bone{}, false
}

func normalizeName(name string) string {
	if i := strings.LastIndexByte(name, ':'); i >= 0 {
		name = name[i+1:]
	}
	return strings.ToLower(strings.TrimSpace(name))
}

// restRotation converts the node's glTF rotation (x, y, z, w) to a
// quaternion. An all-zero rotation is treated as identity.
func restRotation(n *gltf.Node) mgl64.Quat {
	r := n.Rotation
	if r == [4]float64{} {
		return mgl64.QuatIdent()
	}
	return mgl64.Quat{W: r[3], V: mgl64.Vec3{r[0], r[1], r[2]}}.Normalize()
}

// Library opens model files and caches their rigs by path. Concurrent opens
// of the same path share one read.
type Library struct {
	group singleflight.Group

	mu   sync.RWMutex
	rigs map[string]*Rig
}

// NewLibrary returns an empty Library.
func NewLibrary() *Library {
	return &Library{rigs: make(map[string]*Rig)}
}

// Open returns the rig for the model at path.
func (l *Library) Open(ctx context.Context, path string) (*Rig, error) {
	l.mu.RLock()
	rig, ok := l.rigs[path]
	l.mu.RUnlock()
	if ok {
		return rig, nil
	}

	ch := l.group.DoChan(path, func() (any, error) {
		doc, err := gltf.Open(path)
		if err != nil {
			return nil, fmt.Errorf("avatar: open %q: %w", path, err)
		}
		rig := Resolve(doc)
		rig.Path = path
		l.mu.Lock()
		l.rigs[path] = rig
		l.mu.Unlock()
		return rig, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Rig), nil
	}
}

// Forget drops a cached rig so the next Open reads the file again.
func (l *Library) Forget(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rigs, path)
}
