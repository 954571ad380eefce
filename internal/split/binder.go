package split

import "fmt"

// ScanArgs produces the positional parameter values for a chunk's data-scan
// query, in the slot order BuildScanQuery numbers them. The layout depends on
// the chunk position and the key arity k:
//
//	only:   no parameters
//	first:  end, end              (2k slots: upper bound, then the equality exclusion)
//	last:   start                 (k slots)
//	middle: start, end, end       (3k slots: lower bound, exclusion, upper bound)
//
// An arity mismatch between the chunk bounds and keyArity is a
// StatementBindError: it means the bounds were produced against a different
// key than the query was built for.
func ScanArgs(c Chunk, keyArity int) ([]any, error) {
	if keyArity <= 0 {
		return nil, &StatementBindError{Cause: fmt.Errorf("key arity must be positive, got %d", keyArity)}
	}

	switch c.Position() {
	case ChunkOnly:
		return nil, nil
	case ChunkFirst:
		if err := checkArity("end", c.End, keyArity); err != nil {
			return nil, err
		}
		args := make([]any, 0, 2*keyArity)
		args = append(args, c.End...)
		args = append(args, c.End...)
		return args, nil
	case ChunkLast:
		if err := checkArity("start", c.Start, keyArity); err != nil {
			return nil, err
		}
		args := make([]any, 0, keyArity)
		args = append(args, c.Start...)
		return args, nil
	default: // ChunkMiddle
		if err := checkArity("start", c.Start, keyArity); err != nil {
			return nil, err
		}
		if err := checkArity("end", c.End, keyArity); err != nil {
			return nil, err
		}
		args := make([]any, 0, 3*keyArity)
		args = append(args, c.Start...)
		args = append(args, c.End...)
		args = append(args, c.End...)
		return args, nil
	}
}

func checkArity(side string, values []any, keyArity int) error {
	if len(values) != keyArity {
		return &StatementBindError{
			Cause: fmt.Errorf("chunk %s bound has %d values, key arity is %d", side, len(values), keyArity),
		}
	}
	return nil
}
