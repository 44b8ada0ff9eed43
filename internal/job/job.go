package job

import (
	"time"
)

type State string

const (
	StateQueued   State = "queued"
	StateRunning  State = "running"
	StateFinished State = "finished"
	StateFailed   State = "failed"
	StateTimedOut State = "timeout"
)

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	switch s {
	case StateFinished, StateFailed, StateTimedOut:
		return true
	}
	return false
}

// successors is the full transition graph. Anything not listed here is
// rejected, which keeps job lifecycles monotonic.
var successors = map[State][]State{
	StateQueued:  {StateRunning},
	StateRunning: {StateFinished, StateFailed, StateTimedOut},
}

func CanTransition(from, to State) bool {
	for _, s := range successors[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Artifact describes a single file inside a finished job's archive.
type Artifact struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type Job struct {
	ID             string     `json:"id"`
	SourceFilename string     `json:"source_filename"`
	Payload        []byte     `json:"payload,omitempty"`
	State          State      `json:"state"`
	Error          string     `json:"error,omitempty"`
	Artifacts      []Artifact `json:"artifacts,omitempty"`
	Archive        []byte     `json:"archive,omitempty"`
	SubmittedAt    time.Time  `json:"submitted_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func New(id, sourceFilename string, payload []byte, now time.Time) *Job {
	return &Job{
		ID:             id,
		SourceFilename: sourceFilename,
		Payload:        payload,
		State:          StateQueued,
		SubmittedAt:    now,
	}
}

// Clone returns a copy that is safe to hand outside the store. Byte
// slices and artifact lists are shared; they are written once and never
// mutated afterwards.
func (j *Job) Clone() *Job {
	cp := *j
	return &cp
}

// View is a Job stripped of payload and archive bytes, suitable for
// status reporting.
type View struct {
	ID             string
	SourceFilename string
	State          State
	Error          string
	Artifacts      []Artifact
	ArchiveSize    int64
	SubmittedAt    time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

func (j *Job) View() View {
	return View{
		ID:             j.ID,
		SourceFilename: j.SourceFilename,
		State:          j.State,
		Error:          j.Error,
		Artifacts:      j.Artifacts,
		ArchiveSize:    int64(len(j.Archive)),
		SubmittedAt:    j.SubmittedAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
	}
}

// Transition is applied to a job while the store holds it exclusively.
// It returns false to reject the update, in which case the store keeps
// the job untouched.
type Transition func(*Job) bool

// Start moves a queued job to running and stamps StartedAt.
func Start(now time.Time) Transition {
	return func(j *Job) bool {
		if !CanTransition(j.State, StateRunning) {
			return false
		}
		j.State = StateRunning
		t := now
		j.StartedAt = &t
		return true
	}
}

// Finish moves a running job to finished and attaches its outputs.
func Finish(archive []byte, artifacts []Artifact, now time.Time) Transition {
	return func(j *Job) bool {
		if !CanTransition(j.State, StateFinished) {
			return false
		}
		j.State = StateFinished
		j.Archive = archive
		j.Artifacts = artifacts
		j.Payload = nil
		t := now
		j.CompletedAt = &t
		return true
	}
}

// Fail moves a running job to failed with a human-readable reason.
func Fail(reason string, now time.Time) Transition {
	return func(j *Job) bool {
		if !CanTransition(j.State, StateFailed) {
			return false
		}
		j.State = StateFailed
		j.Error = reason
		j.Payload = nil
		t := now
		j.CompletedAt = &t
		return true
	}
}

// Expire moves a running job to timeout. It loses against any
// transition that already completed the job.
func Expire(reason string, now time.Time) Transition {
	return func(j *Job) bool {
		if !CanTransition(j.State, StateTimedOut) {
			return false
		}
		j.State = StateTimedOut
		j.Error = reason
		j.Payload = nil
		t := now
		j.CompletedAt = &t
		return true
	}
}
