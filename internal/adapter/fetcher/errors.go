package fetcher

import (
	"fmt"

	"github.com/cwygoda/cardcatcher/internal/domain"
)

// StatusError is returned when the final response is not 200 OK.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
}

// Unwrap classifies status failures as fetch failures.
func (e *StatusError) Unwrap() error {
	return domain.ErrFetch
}
