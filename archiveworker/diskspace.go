package archiveworker

import "errors"

// ErrInsufficientSpace is returned when the staging directory has less than
// minStagingFreeBytes available, per section 5's extraction precondition:
// workers must check and fail fast rather than extract partway and run out
// of disk mid-archive.
var ErrInsufficientSpace = errors.New("archiveworker: insufficient free space in staging directory")

// minStagingFreeBytes is the 10 GiB floor from section 5.
const minStagingFreeBytes = 10 << 30
