// Package catalog assembles the registry of every model variant shipped with asrkit.
package catalog

import (
	"github.com/harunnryd/asrkit/pkg/configutil"
	"github.com/harunnryd/asrkit/pkg/model"
	"github.com/harunnryd/asrkit/pkg/model/bridge"
	"github.com/harunnryd/asrkit/pkg/model/demo"
)

const (
	ConvNet  = "convnet"
	DenseNet = "densenet"
)

// ConvNetDescriptor describes the convolutional CTC model run by the framework worker.
func ConvNetDescriptor(opts bridge.Options) model.Descriptor {
	return bridge.Descriptor(ConvNet, "convolutional acoustic model with CTC loss",
		model.Hyperparameters{
			NumEpochs:  100,
			BatchSize:  100,
			InitLR:     0.001,
			NumWorkers: 1,
			InputDim:   40,
			NumLabels:  1,
		},
		configutil.Schema{Optional: []string{"kernel_size", "channels", "dropout", "weight_decay"}},
		opts)
}

// DenseNetDescriptor describes the densely connected frame classifier run by the framework worker.
func DenseNetDescriptor(opts bridge.Options) model.Descriptor {
	return bridge.Descriptor(DenseNet, "densely connected acoustic model",
		model.Hyperparameters{
			NumEpochs:  1000,
			BatchSize:  1024,
			InitLR:     0.0001,
			NumWorkers: 4,
			InputDim:   40,
			NumLabels:  1,
		},
		configutil.Schema{Optional: []string{"growth_rate", "block_config", "num_init_features", "bn_size", "drop_rate"}},
		opts)
}

// DefaultRegistry registers demo_model, convnet and densenet. The bridge
// options are shared by the framework-backed variants.
func DefaultRegistry(opts bridge.Options) *model.Registry {
	r := model.NewRegistry()
	r.MustRegister(demo.Descriptor())
	r.MustRegister(ConvNetDescriptor(opts))
	r.MustRegister(DenseNetDescriptor(opts))
	return r
}
