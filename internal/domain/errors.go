package domain

import "fmt"

// DataSourceError indicates an external collaborator could not supply required
// data. Fatal for the calculation that needed it; never retried here.
type DataSourceError struct {
	Source string
	Err    error
}

func (e *DataSourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data source %s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("data source %s unavailable", e.Source)
}

func (e *DataSourceError) Unwrap() error { return e.Err }

// DataLengthMismatch indicates two series expected to share an index do not.
// Always an integration error, raised immediately with both lengths.
type DataLengthMismatch struct {
	Left      string
	Right     string
	LeftLen   int
	RightLen  int
}

func (e *DataLengthMismatch) Error() string {
	return fmt.Sprintf("length mismatch: %s=%d, %s=%d", e.Left, e.LeftLen, e.Right, e.RightLen)
}

// DataFormatError indicates malformed input (wrong column names or types)
// detected at the boundary before any calculation begins.
type DataFormatError struct {
	Msg string
}

func (e *DataFormatError) Error() string { return "data format: " + e.Msg }

// MergeError indicates alignment or synchronization produced an empty or
// ill-formed result.
type MergeError struct {
	Msg string
}

func (e *MergeError) Error() string { return "merge: " + e.Msg }

// CalculationError wraps an unexpected numeric failure inside a calculator,
// with the indicator name attached so callers know which of many failed.
type CalculationError struct {
	Indicator string
	Err       error
}

func (e *CalculationError) Error() string {
	return fmt.Sprintf("calculating %s: %v", e.Indicator, e.Err)
}

func (e *CalculationError) Unwrap() error { return e.Err }

// ValidationError is raised by explicit input-contract checks, e.g. a window
// size below the supported minimum.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation: " + e.Msg }
