package models

import "fmt"

// Operation is a batch operation callers can dispatch on chunks.
type Operation int

const (
	OpFetch Operation = iota + 1
	OpImport
	OpDeleteFetched
	OpDeleteImported
)

var operationNames = map[Operation]string{
	OpFetch:          "fetch",
	OpImport:         "import",
	OpDeleteFetched:  "deleteFetched",
	OpDeleteImported: "deleteImported",
}

func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Operation(%d)", int(o))
}

// ParseOperation maps a caller supplied name to an Operation.
func ParseOperation(name string) (Operation, error) {
	for op, n := range operationNames {
		if n == name {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown operation %q", name)
}

// Stage returns the chunk stage the operation mutates.
func (o Operation) Stage() Stage {
	switch o {
	case OpFetch, OpDeleteFetched:
		return StageFetch
	case OpImport, OpDeleteImported:
		return StageImport
	}
	panic(fmt.Sprintf("models: stage of invalid operation %d", int(o)))
}

// JobType returns the queue job type executing the operation on one chunk.
func (o Operation) JobType() string {
	switch o {
	case OpFetch:
		return JobFetch
	case OpImport:
		return JobImport
	case OpDeleteFetched:
		return JobDeleteFetched
	case OpDeleteImported:
		return JobDeleteImported
	}
	panic(fmt.Sprintf("models: job type of invalid operation %d", int(o)))
}

// BatchName is the human readable batch name for the operation.
func (o Operation) BatchName() string {
	switch o {
	case OpFetch:
		return "Fetch chunks"
	case OpImport:
		return "Import chunks"
	case OpDeleteFetched:
		return "Delete chunks"
	case OpDeleteImported:
		return "Delete imports"
	}
	return o.String()
}

// StageOfJob returns the stage a job type works on.
func StageOfJob(jobType string) (Stage, bool) {
	switch jobType {
	case JobFetch, JobDeleteFetched:
		return StageFetch, true
	case JobImport, JobDeleteImported:
		return StageImport, true
	}
	return "", false
}
