package alegra

import "fmt"

// UpstreamRequestError reports a failed remote request: a transport failure,
// a non-2xx status, or a page body that could not be decoded.
type UpstreamRequestError struct {
	Path       string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamRequestError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("alegra %s: status=%d: %v", e.Path, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("alegra %s: status=%d body=%s", e.Path, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("alegra %s: %v", e.Path, e.Err)
	}
}

func (e *UpstreamRequestError) Unwrap() error { return e.Err }
