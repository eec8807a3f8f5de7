package avatar

import (
	"context"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/qmuntal/gltf"
)

const riggedModel = `{
  "asset": {"version": "2.0"},
  "nodes": [
    {"name": "Armature"},
    {"name": "mixamorig:Spine"},
    {"name": "mixamorig:Spine2"},
    {"name": "mixamorig:Neck"},
    {"name": "mixamorig:HeadTop_End"},
    {"name": "mixamorig:Head", "rotation": [0, 0.7071068, 0, 0.7071068]},
    {"name": "Armature_LowerJaw"}
  ]
}`

const staticModel = `{
  "asset": {"version": "2.0"},
  "nodes": [{"name": "Body"}, {"name": "Hat"}]
}`

func writeModel(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.gltf")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return path
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("load did not finish")
		return nil
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	doc := &gltf.Document{Nodes: []*gltf.Node{
		{Name: "Armature"},
		{Name: "mixamorig:Spine"},
		{Name: "mixamorig:Spine2"},
		{Name: "NECK"},
		{Name: "HeadTop_End"},
		{Name: "Head"},
		{Name: "Armature_LowerJaw"},
	}}
	rig := Resolve(doc)

	want := map[Part]int{Spine: 2, Neck: 3, Head: 5, Jaw: 6}
	for part, node := range want {
		b, ok := rig.Bones[part]
		if !ok {
			t.Errorf("%s not resolved", part)
			continue
		}
		if b.Node != node {
			t.Errorf("%s resolved to node %d (%s), want %d", part, b.Node, b.Name, node)
		}
	}
	if rig.Fallback() {
		t.Error("Fallback() = true for a rig with a head")
	}
}

func TestResolve_MissingHead(t *testing.T) {
	t.Parallel()

	rig := Resolve(&gltf.Document{Nodes: []*gltf.Node{{Name: "Spine"}, {Name: "Jaw"}}})
	if !rig.Fallback() {
		t.Error("Fallback() = false without a head")
	}
	if !Resolve(nil).Fallback() {
		t.Error("nil document must resolve to a fallback rig")
	}
}

func TestCompute_Fallback(t *testing.T) {
	t.Parallel()

	rig := &Rig{Bones: map[Part]Bone{}}
	tests := []struct {
		name    string
		talking bool
		t       float64
		want    float64
	}{
		{"idle at rest", false, 0, 1},
		{"idle peak", false, 1, 1.01},
		{"talking at rest", true, 0, 1},
		{"talking peak", true, math.Pi / 20, 1.04},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pose := Compute(rig, tt.talking, tt.t)
			if pose.Mode != ModeFallback {
				t.Errorf("Mode = %q, want fallback", pose.Mode)
			}
			if math.Abs(pose.Scale-tt.want) > 1e-9 {
				t.Errorf("Scale = %v, want %v", pose.Scale, tt.want)
			}
			if len(pose.Parts) != 0 {
				t.Errorf("fallback pose has %d parts", len(pose.Parts))
			}
		})
	}
}

func TestCompute_Rig(t *testing.T) {
	t.Parallel()

	rig := &Rig{Bones: map[Part]Bone{
		Head: {Node: 1, Name: "Head", Rest: mgl64.QuatIdent()},
		Jaw:  {Node: 2, Name: "Jaw", Rest: mgl64.QuatIdent()},
	}}

	idle := Compute(rig, false, 0)
	if idle.Mode != ModeRig || idle.Scale != 1 {
		t.Fatalf("idle pose = %+v", idle)
	}
	for _, p := range idle.Parts {
		if p.Rotation != [4]float64{0, 0, 0, 1} {
			t.Errorf("idle %s at t=0 = %v, want identity", p.Part, p.Rotation)
		}
	}

	// At t = pi/24 the jaw is fully open: |sin(12t)| = 1.
	talking := Compute(rig, true, math.Pi/24)
	var jaw PartPose
	for _, p := range talking.Parts {
		if p.Part == Jaw {
			jaw = p
		}
	}
	if jaw.Node != 2 {
		t.Fatalf("jaw missing from talking pose: %+v", talking.Parts)
	}
	angle := 2 * math.Atan2(jaw.Rotation[0], jaw.Rotation[3])
	if math.Abs(angle-0.25) > 1e-6 {
		t.Errorf("jaw angle = %v, want 0.25", angle)
	}
}

func TestCompute_KeepsRestRotation(t *testing.T) {
	t.Parallel()

	rest := mgl64.QuatRotate(math.Pi/2, mgl64.Vec3{0, 1, 0})
	rig := &Rig{Bones: map[Part]Bone{Head: {Node: 0, Rest: rest}}}

	pose := Compute(rig, false, 0)
	got := pose.Parts[0].Rotation
	want := [4]float64{rest.V[0], rest.V[1], rest.V[2], rest.W}
	for i := range got {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Fatalf("rotation = %v, want rest %v", got, want)
		}
	}
}

func TestPresenter_NotReadyUntilLoaded(t *testing.T) {
	t.Parallel()

	p := New(nil, quiet())
	if _, ok := p.Frame(time.Second); ok {
		t.Error("Frame before Load returned ok")
	}
	if err := p.Ready(context.Background()); err != ErrNotReady {
		t.Errorf("Ready = %v, want ErrNotReady", err)
	}
}

func TestPresenter_Load(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		path     func(t *testing.T) string
		wantErr  bool
		wantMode Mode
	}{
		{"rigged model", func(t *testing.T) string { return writeModel(t, riggedModel) }, false, ModeRig},
		{"no head", func(t *testing.T) string { return writeModel(t, staticModel) }, false, ModeFallback},
		{"empty path", func(*testing.T) string { return "" }, false, ModeFallback},
		{"missing file", func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.glb") }, true, ModeFallback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := New(nil, quiet())
			err := wait(t, p.Load(context.Background(), tt.path(t)))
			if (err != nil) != tt.wantErr {
				t.Fatalf("load error = %v, wantErr %v", err, tt.wantErr)
			}
			if (p.Err() != nil) != tt.wantErr {
				t.Errorf("Err() = %v", p.Err())
			}
			if err := p.Ready(context.Background()); err != nil {
				t.Errorf("Ready after load = %v", err)
			}

			p.SetTalking(true)
			pose, ok := p.Frame(250 * time.Millisecond)
			if !ok {
				t.Fatal("Frame after load returned false")
			}
			if pose.Mode != tt.wantMode || !pose.Talking {
				t.Errorf("pose = %+v, want mode %q talking", pose, tt.wantMode)
			}
		})
	}
}

func TestPresenter_RiggedModelResolvesParts(t *testing.T) {
	t.Parallel()

	p := New(nil, quiet())
	if err := wait(t, p.Load(context.Background(), writeModel(t, riggedModel))); err != nil {
		t.Fatalf("load: %v", err)
	}
	pose, _ := p.Frame(0)
	nodes := map[Part]int{}
	for _, pp := range pose.Parts {
		nodes[pp.Part] = pp.Node
	}
	want := map[Part]int{Spine: 2, Neck: 3, Head: 5, Jaw: 6}
	for part, node := range want {
		if nodes[part] != node {
			t.Errorf("%s node = %d, want %d", part, nodes[part], node)
		}
	}
}

func TestLibrary_Caches(t *testing.T) {
	t.Parallel()

	lib := NewLibrary()
	path := writeModel(t, riggedModel)
	ctx := context.Background()

	first, err := lib.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	second, err := lib.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if first != second {
		t.Error("second Open did not return the cached rig")
	}

	lib.Forget(path)
	third, err := lib.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open after Forget: %v", err)
	}
	if third == first {
		t.Error("Open after Forget returned the stale rig")
	}
}

func TestLibrary_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// The read may win the race against the cancelled context; either
	// outcome is valid, but a cancelled result must carry ctx.Err().
	if _, err := NewLibrary().Open(ctx, writeModel(t, riggedModel)); err != nil && err != context.Canceled {
		t.Errorf("Open = %v", err)
	}
}
