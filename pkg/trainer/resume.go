package trainer

import (
	"github.com/harunnryd/asrkit/pkg/checkpoint"
	"github.com/harunnryd/asrkit/pkg/model"
)

// State is the training-loop position restored from, or recorded into, a checkpoint.
type State struct {
	Epoch        int
	Step         int64
	BestValidAcc float64
	// ParentRunID is the run that wrote the checkpoint this run resumed from.
	ParentRunID string
}

// Resume loads ckpt into m and returns the loop position to continue from.
// m must be initialized. Nothing else is touched, so a mismatch or a corrupt
// checkpoint leaves the run where it started.
func Resume(path string, ckpt *checkpoint.Checkpoint, m model.Model) (State, error) {
	if err := checkpoint.Restore(path, ckpt, m); err != nil {
		return State{}, err
	}
	return State{
		Epoch:        ckpt.Epoch,
		Step:         ckpt.Step,
		BestValidAcc: ckpt.BestValidAcc,
		ParentRunID:  ckpt.RunID,
	}, nil
}
