package pipeline

import "fmt"

// PersistenceError reports a checkpoint or batch write that could not be
// completed. The run stops; progress up to the last saved checkpoint is kept.
type PersistenceError struct {
	Op  string // "load checkpoint", "flush batch", "save checkpoint"
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("pipeline: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ConfigurationError reports a run that cannot start or finish because the
// input, checkpoint and settings disagree.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("pipeline: configuration: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
