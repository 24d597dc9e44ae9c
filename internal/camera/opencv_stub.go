//go:build !gocv

package camera

import "fmt"

func newOpenCVSource(streamID string, cfg Config) (Source, error) {
	return nil, fmt.Errorf("%w: built without gocv support", ErrSourceUnavailable)
}
