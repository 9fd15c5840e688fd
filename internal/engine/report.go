package engine

// Status is a file's terminal outcome kind.
type Status string

const (
	StatusUploaded Status = "uploaded"
	StatusSkipped  Status = "skipped"
	StatusFailed   Status = "failed"
)

// Outcome is the terminal result for one file. Every file in a job
// yields exactly one Outcome.
type Outcome struct {
	// Path is the remote resource path the file maps to.
	Path string

	Status Status

	// Reason is a human-readable explanation for skips.
	Reason string

	// Err is the recorded failure for StatusFailed.
	Err error

	// Size is the file's byte length.
	Size int64

	// BlobSHA is the git blob hash of the uploaded bytes, set for
	// uploads and unchanged-skips.
	BlobSHA string

	// Created distinguishes a fresh create from an update of an
	// existing resource.
	Created bool
}

// Report aggregates per-file outcomes for a sync run. Built
// incrementally by the single worker; immutable once the run ends.
// Outcomes preserves processing order (the size-sorted traversal).
type Report struct {
	Outcomes []Outcome

	Uploaded []Outcome
	Skipped  []Outcome
	Failed   []Outcome

	TotalFiles     int
	FilesProcessed int

	// Cancelled is set when the run stopped early on the cancel signal,
	// leaving TotalFiles - FilesProcessed files unprocessed.
	Cancelled bool
}

func (r *Report) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	r.FilesProcessed++

	switch o.Status {
	case StatusUploaded:
		r.Uploaded = append(r.Uploaded, o)
	case StatusSkipped:
		r.Skipped = append(r.Skipped, o)
	case StatusFailed:
		r.Failed = append(r.Failed, o)
	}
}

// OK reports whether every processed file succeeded and the run was not
// cancelled.
func (r *Report) OK() bool {
	return !r.Cancelled && len(r.Failed) == 0 && r.FilesProcessed == r.TotalFiles
}
