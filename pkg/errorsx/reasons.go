package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonConfiguration ReasonCode = "configuration"
	ReasonUnknownModel  ReasonCode = "unknown_model"

	ReasonCheckpointMismatch ReasonCode = "checkpoint_mismatch"
	ReasonCheckpointCorrupt  ReasonCode = "checkpoint_corrupt"
	ReasonCheckpointWrite    ReasonCode = "checkpoint_write"

	ReasonDecoding      ReasonCode = "decoding"
	ReasonDataset       ReasonCode = "dataset"
	ReasonModelBackend  ReasonCode = "model_backend"
	ReasonVisualization ReasonCode = "visualization"
	ReasonBuild         ReasonCode = "build"
	ReasonCancelled     ReasonCode = "cancelled"
)

// Process exit codes reported by the command line.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitConfiguration = 2
	ExitUnknownModel  = 3
	ExitCheckpoint    = 4
	ExitDecoding      = 5
	ExitCancelled     = 130
)

// ExitCode maps an error to the process exit code for its reason.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch Reason(err) {
	case ReasonConfiguration:
		return ExitConfiguration
	case ReasonUnknownModel:
		return ExitUnknownModel
	case ReasonCheckpointMismatch, ReasonCheckpointCorrupt:
		return ExitCheckpoint
	case ReasonDecoding:
		return ExitDecoding
	case ReasonCancelled:
		return ExitCancelled
	default:
		return ExitFailure
	}
}
