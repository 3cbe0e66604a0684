package pipeline

// Stage identifies a step in the per-file processing sequence. Stages run in
// the order declared here; a file that fails a stage is recorded with the
// stage it failed at and skipped, leaving it eligible for retry on the next
// run.
type Stage string

const (
	StageValidating    Stage = "validating"
	StageNormalizing   Stage = "normalizing"
	StageCalibrating   Stage = "calibrating"
	StageAggregating   Stage = "aggregating"
	StageDetecting     Stage = "detecting"
	StageScoring       Stage = "scoring"
	StagePersisting    Stage = "persisting"
	StageCheckpointing Stage = "checkpointing"
)

// Kind classifies a file scoped failure.
type Kind string

const (
	// KindValidation covers schema mismatches and unreadable files.
	KindValidation Kind = "validation"

	// KindComputation covers unexpected numeric failures past the guarded
	// paths. These should not occur by construction; when one does the file is
	// aborted and left unchecked.
	KindComputation Kind = "computation"

	// KindPersistence covers output write failures. A file failing here is
	// never checkpointed, guaranteeing it is retried.
	KindPersistence Kind = "persistence"
)

// FileError records a failure processing a single file. Failures are file
// scoped: they are collected into the run result and the rest of the run
// continues.
type FileError struct {
	File    string `json:"file"`
	Stage   Stage  `json:"stage"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *FileError) Error() string {
	return string(e.Stage) + " " + e.File + ": " + e.Message
}

// fileError is a small constructor helper.
func fileError(file string, stage Stage, kind Kind, err error) *FileError {
	return &FileError{
		File:    file,
		Stage:   stage,
		Kind:    kind,
		Message: err.Error(),
	}
}
