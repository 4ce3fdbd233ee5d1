package engine

import "time"

// ResultKind tags the outcome of running a node
type ResultKind int

const (
	ResultCompleted ResultKind = iota
	ResultFailed
	ResultSuspended
)

func (k ResultKind) String() string {
	switch k {
	case ResultCompleted:
		return "completed"
	case ResultFailed:
		return "failed"
	case ResultSuspended:
		return "suspended"
	}
	return "unknown"
}

// ResumeToken records where a suspended execution continues
type ResumeToken struct {
	NodeID     string
	WaitingFor string
	ResumeAt   time.Time
}

// NodeResult is the outcome of a node or a walk: exactly one of Output,
// Err or Resume is meaningful, selected by Kind.
type NodeResult struct {
	Kind   ResultKind
	Output map[string]interface{}
	Err    error
	Resume *ResumeToken
}

// Completed wraps a node output
func Completed(output map[string]interface{}) NodeResult {
	if output == nil {
		output = map[string]interface{}{}
	}
	return NodeResult{Kind: ResultCompleted, Output: output}
}

// Failed wraps a node error
func Failed(err error) NodeResult {
	return NodeResult{Kind: ResultFailed, Err: err}
}

// Suspended wraps a resume token
func Suspended(token ResumeToken) NodeResult {
	return NodeResult{Kind: ResultSuspended, Resume: &token}
}
