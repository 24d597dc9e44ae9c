//go:build !gocv

package detection

import "fmt"

func newYuNetDetector(cfg YuNetConfig) (Detector, error) {
	return nil, fmt.Errorf("%w: yunet (built without the gocv tag)", ErrUnknownBackend)
}
