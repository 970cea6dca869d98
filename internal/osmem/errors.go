package osmem

import "github.com/cockroachdb/errors"

var (
	// ErrSizeLimit indicates that mapping another region would take the heap past its configured size limit
	ErrSizeLimit = errors.New("osmem: size limit reached")

	// ErrBadRegion indicates that a Mapper returned a region that was too small or not page aligned
	ErrBadRegion = errors.New("osmem: mapper returned an unusable region")
)
