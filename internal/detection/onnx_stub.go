//go:build !onnx

package detection

import "fmt"

func newONNXDetector(cfg ONNXConfig) (Detector, error) {
	return nil, fmt.Errorf("%w: onnx (built without the onnx tag)", ErrUnknownBackend)
}
