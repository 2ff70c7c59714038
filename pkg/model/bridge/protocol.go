package bridge

import "github.com/harunnryd/asrkit/pkg/model"

// Operations understood by the framework worker.
const (
	OpInit    = "init"
	OpForward = "forward"
	OpSave    = "save"
	OpLoad    = "load"
	OpClose   = "close"
)

// Request is one msgpack message written to the worker's stdin.
type Request struct {
	Op    string         `msgpack:"op"`
	Model string         `msgpack:"model,omitempty"`
	Hyper map[string]any `msgpack:"hyper,omitempty"`
	Mode  string         `msgpack:"mode,omitempty"`
	Batch []model.Sample `msgpack:"batch,omitempty"`
	State *model.State   `msgpack:"state,omitempty"`
}

// Response is the worker's reply to a Request, read from its stdout.
type Response struct {
	OK        bool          `msgpack:"ok"`
	Error     string        `msgpack:"error,omitempty"`
	Loss      float64       `msgpack:"loss"`
	Correct   int           `msgpack:"correct"`
	Total     int           `msgpack:"total"`
	Emissions [][][]float32 `msgpack:"emissions,omitempty"`
	State     *model.State  `msgpack:"state,omitempty"`
}
