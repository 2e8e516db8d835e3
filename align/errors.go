package align

import "errors"

var (
	// ErrInvalidInput reports a caller contract violation: an empty point
	// set, k outside [1, n], or a sample count the candidate cannot supply.
	ErrInvalidInput = errors.New("invalid input")

	// ErrEmptyIndex is returned by queries against a tree with no nodes.
	ErrEmptyIndex = errors.New("empty index")

	// ErrStaleScore is returned by Rescore when the clouds or a transform
	// changed while the score was being computed. The newer state gets its
	// own rescore, so the result is dropped.
	ErrStaleScore = errors.New("score superseded by a newer update")
)
