package dberr

import "fmt"

// DataError reports undecodable stored bytes. It unwraps to a CorruptData
// *Error so errors.Is(err, CorruptData) holds.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func DataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() []error {
	if e.Err != nil {
		return []error{CorruptData, e.Err}
	}
	return []error{CorruptData}
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x", e.Msg, e.Off, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x", e.Msg, e.Off, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x...%x", e.Msg, e.Off, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x...%x", e.Msg, e.Off, n, p, s)
		}
	}
}
