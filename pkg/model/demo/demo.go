// Package demo provides demo_model, a linear softmax frame classifier that
// runs in-process. It exists so the orchestration (training loop, checkpoints,
// prediction) can be exercised without the external deep-learning framework.
package demo

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/harunnryd/asrkit/pkg/model"
	"github.com/vmihailenco/msgpack/v5"
)

const Name = "demo_model"

// Descriptor registers demo_model with small defaults suited to smoke runs.
func Descriptor() model.Descriptor {
	return model.Descriptor{
		Name:        Name,
		Description: "in-process linear frame classifier for smoke runs",
		Factory:     func() model.Model { return New() },
		Defaults: model.Hyperparameters{
			NumEpochs:  1,
			BatchSize:  2,
			InitLR:     0.1,
			NumWorkers: 1,
			InputDim:   40,
			NumLabels:  4,
		},
	}
}

type params struct {
	InputDim  int       `msgpack:"input_dim"`
	NumLabels int       `msgpack:"num_labels"`
	W         []float32 `msgpack:"w"`
	B         []float32 `msgpack:"b"`
}

type optimizer struct {
	Step int64   `msgpack:"step"`
	LR   float64 `msgpack:"lr"`
}

// Model is a single affine layer followed by log-softmax, trained with plain SGD.
type Model struct {
	hp  model.Hyperparameters
	p   *params
	opt optimizer
}

func New() *Model { return &Model{} }

func (m *Model) Name() string { return Name }

func (m *Model) Initialize(h model.Hyperparameters) error {
	if h.InputDim <= 0 || h.NumLabels <= 0 {
		return fmt.Errorf("demo_model: input_dim and num_labels must be positive")
	}
	m.hp = h
	rng := rand.New(rand.NewPCG(uint64(h.Seed), 0x9e3779b97f4a7c15))
	p := &params{
		InputDim:  h.InputDim,
		NumLabels: h.NumLabels,
		W:         make([]float32, h.InputDim*h.NumLabels),
		B:         make([]float32, h.NumLabels),
	}
	for i := range p.W {
		p.W[i] = (rng.Float32() - 0.5) * 0.02
	}
	m.p = p
	m.opt = optimizer{LR: h.InitLR}
	return nil
}

func (m *Model) Forward(ctx context.Context, b model.Batch, mode model.Mode) (model.Output, error) {
	if m.p == nil {
		return model.Output{}, model.ErrNotInitialized
	}
	p := m.p
	out := model.Output{Emissions: make([][][]float32, len(b.Samples))}

	var gradW, gradB []float32
	if mode == model.ModeTrain {
		gradW = make([]float32, len(p.W))
		gradB = make([]float32, len(p.B))
	}
	var lossSum float64
	for si, s := range b.Samples {
		if err := ctx.Err(); err != nil {
			return model.Output{}, err
		}
		if mode == model.ModeTrain && s.Targets == nil {
			return model.Output{}, fmt.Errorf("utterance %s: training needs targets", s.ID)
		}
		em := make([][]float32, len(s.Features))
		for t, x := range s.Features {
			if len(x) != p.InputDim {
				return model.Output{}, fmt.Errorf("utterance %s frame %d: feature dim %d, model expects %d", s.ID, t, len(x), p.InputDim)
			}
			row := m.logSoftmax(x)
			em[t] = row
			if s.Targets == nil || t >= len(s.Targets) {
				continue
			}
			y := s.Targets[t]
			if y < 0 || y >= p.NumLabels {
				return model.Output{}, fmt.Errorf("utterance %s frame %d: label %d out of range [0,%d)", s.ID, t, y, p.NumLabels)
			}
			lossSum -= float64(row[y])
			out.Total++
			if model.Argmax(row) == y {
				out.Correct++
			}
			if gradW != nil {
				for k := 0; k < p.NumLabels; k++ {
					g := float32(math.Exp(float64(row[k])))
					if k == y {
						g -= 1
					}
					gradB[k] += g
					wk := gradW[k*p.InputDim : (k+1)*p.InputDim]
					for d, v := range x {
						wk[d] += g * v
					}
				}
			}
		}
		out.Emissions[si] = em
	}
	if out.Total > 0 {
		out.Loss = lossSum / float64(out.Total)
	}
	if gradW != nil && out.Total > 0 {
		scale := float32(m.opt.LR / float64(out.Total))
		for i := range p.W {
			p.W[i] -= scale * gradW[i]
		}
		for i := range p.B {
			p.B[i] -= scale * gradB[i]
		}
		m.opt.Step++
	}
	return out, nil
}

func (m *Model) logSoftmax(x []float32) []float32 {
	p := m.p
	row := make([]float32, p.NumLabels)
	maxv := math.Inf(-1)
	logits := make([]float64, p.NumLabels)
	for k := 0; k < p.NumLabels; k++ {
		z := float64(p.B[k])
		wk := p.W[k*p.InputDim : (k+1)*p.InputDim]
		for d, v := range x {
			z += float64(wk[d]) * float64(v)
		}
		logits[k] = z
		maxv = math.Max(maxv, z)
	}
	var sum float64
	for _, z := range logits {
		sum += math.Exp(z - maxv)
	}
	lse := maxv + math.Log(sum)
	for k, z := range logits {
		row[k] = float32(z - lse)
	}
	return row
}

func (m *Model) SaveState() (model.State, error) {
	if m.p == nil {
		return model.State{}, model.ErrNotInitialized
	}
	pb, err := msgpack.Marshal(m.p)
	if err != nil {
		return model.State{}, err
	}
	ob, err := msgpack.Marshal(m.opt)
	if err != nil {
		return model.State{}, err
	}
	return model.State{Params: pb, Optimizer: ob}, nil
}

// LoadState replaces parameters and optimizer state. The stored dimensions
// must match the hyperparameters the model was initialized with.
func (m *Model) LoadState(s model.State) error {
	if m.p == nil {
		return model.ErrNotInitialized
	}
	var p params
	if err := msgpack.Unmarshal(s.Params, &p); err != nil {
		return fmt.Errorf("%w: params: %v", model.ErrIncompatibleState, err)
	}
	if p.InputDim != m.hp.InputDim || p.NumLabels != m.hp.NumLabels {
		return fmt.Errorf("%w: stored %dx%d, model configured %dx%d", model.ErrIncompatibleState,
			p.NumLabels, p.InputDim, m.hp.NumLabels, m.hp.InputDim)
	}
	if len(p.W) != p.InputDim*p.NumLabels || len(p.B) != p.NumLabels {
		return fmt.Errorf("%w: parameter sizes do not match dimensions", model.ErrIncompatibleState)
	}
	var opt optimizer
	if len(s.Optimizer) > 0 {
		if err := msgpack.Unmarshal(s.Optimizer, &opt); err != nil {
			return fmt.Errorf("%w: optimizer: %v", model.ErrIncompatibleState, err)
		}
	}
	opt.LR = m.hp.InitLR
	m.p = &p
	m.opt = opt
	return nil
}

// Steps returns the number of optimizer steps applied so far.
func (m *Model) Steps() int64 { return m.opt.Step }
