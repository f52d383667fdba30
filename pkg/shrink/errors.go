package shrink

import "fmt"

// Stage names a state of the shrink state machine. Transitions are strictly
// ordered; each stage is a precondition for the next.
type Stage int

const (
	StageIdle Stage = iota
	StageChecked
	StageFilesystemShrunk
	StagePartitionShrunk
	StageTruncated
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageChecked:
		return "checked"
	case StageFilesystemShrunk:
		return "filesystem-shrunk"
	case StagePartitionShrunk:
		return "partition-shrunk"
	case StageTruncated:
		return "truncated"
	case StageDone:
		return "done"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// StageError reports at which stage the pipeline failed, so the operator
// knows which invariant may currently be violated on the image.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("failed entering stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
