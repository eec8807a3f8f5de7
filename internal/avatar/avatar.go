// Package avatar implements the Avatar Presentation: it resolves the
// animatable parts of a glTF model once and computes a pose per frame from
// the elapsed time and a talking flag. Rendering happens on the device.
package avatar

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

// ErrNotReady is returned by [Presenter.Ready] while the model is loading.
var ErrNotReady = errors.New("avatar: model not loaded")

// Mode is the animation style of a pose.
type Mode string

const (
	// ModeRig rotates resolved model parts.
	ModeRig Mode = "rig"

	// ModeFallback pulses the whole model's scale.
	ModeFallback Mode = "fallback"
)

// PartPose is the rotation of one part in glTF order (x, y, z, w).
type PartPose struct {
	Part     Part       `json:"part"`
	Node     int        `json:"node"`
	Rotation [4]float64 `json:"rotation"`
}

// Pose is one animation frame.
type Pose struct {
	Mode    Mode       `json:"mode"`
	Talking bool       `json:"talking"`
	Scale   float64    `json:"scale"`
	Parts   []PartPose `json:"parts,omitempty"`
}

// Presenter animates one session's avatar. It is safe for concurrent use.
type Presenter struct {
	lib *Library
	log *slog.Logger

	rig     atomic.Pointer[Rig]
	talking atomic.Bool

	mu      sync.Mutex
	loadErr error
}

// New returns a Presenter that loads models through lib. A nil lib uses a
// private Library.
func New(lib *Library, log *slog.Logger) *Presenter {
	if lib == nil {
		lib = NewLibrary()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Presenter{lib: lib, log: log}
}

// Load resolves the model at path in the background. Until it completes,
// [Presenter.Frame] returns false. An empty path or a model that cannot be
// read leaves the presenter in fallback mode. The returned channel receives
// the load error (nil on success) and is then closed.
func (p *Presenter) Load(ctx context.Context, path string) <-chan error {
	done := make(chan error, 1)
	if path == "" {
		p.rig.Store(&Rig{Bones: map[Part]Bone{}})
		done <- nil
		close(done)
		return done
	}
	go func() {
		defer close(done)
		rig, err := p.lib.Open(ctx, path)
		if err != nil {
			p.log.Warn("avatar: model load failed, using fallback animation", "path", path, "err", err)
			p.mu.Lock()
			p.loadErr = err
			p.mu.Unlock()
			rig = &Rig{Path: path, Bones: map[Part]Bone{}}
		} else if rig.Fallback() {
			p.log.Info("avatar: no head node found, using fallback animation", "path", path)
		}
		p.rig.Store(rig)
		done <- err
	}()
	return done
}

// Ready returns nil once loading finished.
func (p *Presenter) Ready(context.Context) error {
	if p.rig.Load() == nil {
		return ErrNotReady
	}
	return nil
}

// Err returns the model load error, if any.
func (p *Presenter) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadErr
}

// SetTalking toggles the talking animation.
func (p *Presenter) SetTalking(on bool) {
	p.talking.Store(on)
}

// Talking reports the animation flag.
func (p *Presenter) Talking() bool {
	return p.talking.Load()
}

// Frame computes the pose at elapsed. It returns false until the model is
// loaded.
func (p *Presenter) Frame(elapsed time.Duration) (Pose, bool) {
	rig := p.rig.Load()
	if rig == nil {
		return Pose{}, false
	}
	return Compute(rig, p.talking.Load(), elapsed.Seconds()), true
}

// Compute is the pure pose function of the rig, the talking flag and the
// elapsed seconds.
func Compute(rig *Rig, talking bool, t float64) Pose {
	if rig.Fallback() {
		return Pose{Mode: ModeFallback, Talking: talking, Scale: pulse(talking, t)}
	}

	pose := Pose{Mode: ModeRig, Talking: talking, Scale: 1}
	for _, part := range partOrder {
		bone, ok := rig.Bones[part]
		if !ok {
			continue
		}
		delta := motion(part, talking, t)
		q := bone.Rest.Mul(delta).Normalize()
		pose.Parts = append(pose.Parts, PartPose{
			Part:     part,
			Node:     bone.Node,
			Rotation: [4]float64{q.V[0], q.V[1], q.V[2], q.W},
		})
	}
	return pose
}

var (
	axisX = mgl64.Vec3{1, 0, 0}
	axisY = mgl64.Vec3{0, 1, 0}
	axisZ = mgl64.Vec3{0, 0, 1}
)

// motion returns the rotation added to a part's rest pose.
func motion(part Part, talking bool, t float64) mgl64.Quat {
	if talking {
		nod := math.Sin(t*8) * 0.06
		switch part {
		case Head:
			return mgl64.QuatRotate(nod, axisX)
		case Neck:
			return mgl64.QuatRotate(nod*0.5, axisX)
		case Jaw:
			return mgl64.QuatRotate(math.Abs(math.Sin(t*12))*0.25, axisX)
		case Spine:
			return mgl64.QuatRotate(breath(t), axisX)
		}
		return mgl64.QuatIdent()
	}

	switch part {
	case Spine:
		return mgl64.QuatRotate(breath(t), axisX)
	case Head:
		sway := math.Sin(2*math.Pi*0.1*t) * 0.03
		return mgl64.QuatRotate(sway, axisY).Mul(mgl64.QuatRotate(sway*0.5, axisZ))
	case Neck:
		return mgl64.QuatRotate(math.Sin(2*math.Pi*0.1*t)*0.015, axisY)
	}
	return mgl64.QuatIdent()
}

// breath is the idle chest motion, one cycle every four seconds.
func breath(t float64) float64 {
	return math.Sin(2*math.Pi*0.25*t) * 0.02
}

func pulse(talking bool, t float64) float64 {
	if talking {
		return 1 + 0.04*math.Abs(math.Sin(t*10))
	}
	return 1 + 0.01*math.Sin(2*math.Pi*0.25*t)
}
