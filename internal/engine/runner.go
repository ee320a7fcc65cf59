package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/tandanlab/tandan/internal/onnx"
)

// SessionRunner executes inference against an ONNX Runtime session. Load
// creates the session lazily so an engine can be constructed before the
// model file exists on disk.
type SessionRunner struct {
	modelPath  string
	numThreads int
	gpu        onnx.GPUConfig

	mu         sync.Mutex
	session    *ort.DynamicAdvancedSession
	inputName  string
	outputName string
}

// NewSessionRunner prepares a runner for the model at modelPath. Input and
// output names are read from the model during Load.
func NewSessionRunner(modelPath string, numThreads int, gpu onnx.GPUConfig) *SessionRunner {
	return &SessionRunner{
		modelPath:  modelPath,
		numThreads: numThreads,
		gpu:        gpu,
	}
}

// Load initializes the ONNX Runtime environment and creates the session.
func (r *SessionRunner) Load(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session != nil {
		return nil
	}
	if _, err := os.Stat(r.modelPath); err != nil {
		return fmt.Errorf("model file not accessible: %w", err)
	}
	if err := onnx.EnsureEnvironment(r.gpu.UseGPU); err != nil {
		return err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(r.modelPath)
	if err != nil {
		return fmt.Errorf("failed to read model info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return errors.New("model declares no inputs or outputs")
	}

	sessionOptions, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("failed to create session options: %w", err)
	}
	defer func() { _ = sessionOptions.Destroy() }()

	if err := onnx.ConfigureSessionForGPU(sessionOptions, r.gpu); err != nil {
		return fmt.Errorf("failed to configure GPU: %w", err)
	}
	if r.numThreads > 0 {
		if err := sessionOptions.SetIntraOpNumThreads(r.numThreads); err != nil {
			return fmt.Errorf("failed to set thread count: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(r.modelPath,
		[]string{inputs[0].Name}, []string{outputs[0].Name}, sessionOptions)
	if err != nil {
		return fmt.Errorf("failed to create ONNX session: %w", err)
	}

	r.session = session
	r.inputName = inputs[0].Name
	r.outputName = outputs[0].Name
	return nil
}

// Run executes one inference. Inputs are checked against the NHWC image
// layout before touching the session. The output buffer is a copy owned by
// the caller; the ONNX-managed tensors are destroyed before returning.
func (r *SessionRunner) Run(input []float32, shape []int64) ([]float32, []int64, error) {
	if err := onnx.VerifyImageTensor(onnx.Tensor{Data: input, Shape: shape}); err != nil {
		return nil, nil, fmt.Errorf("invalid input tensor: %w", err)
	}

	r.mu.Lock()
	session := r.session
	r.mu.Unlock()

	if session == nil {
		return nil, nil, &FatalError{Err: errors.New("session is nil")}
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(shape...), input)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer func() { _ = inputTensor.Destroy() }()

	outputs := []ort.Value{nil}
	if err := session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return nil, nil, &FatalError{Err: fmt.Errorf("inference failed: %w", err)}
	}
	outputTensor := outputs[0]
	defer func() { _ = outputTensor.Destroy() }()

	floatTensor, ok := outputTensor.(*ort.Tensor[float32])
	if !ok {
		return nil, nil, fmt.Errorf("expected float32 output tensor, got %T", outputTensor)
	}

	outShape := outputTensor.GetShape()
	data := floatTensor.GetData()
	out := make([]float32, len(data))
	copy(out, data)
	resultShape := make([]int64, len(outShape))
	copy(resultShape, outShape)
	return out, resultShape, nil
}

// Close destroys the session. Safe to call with no session loaded.
func (r *SessionRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session == nil {
		return nil
	}
	err := r.session.Destroy()
	r.session = nil
	if err != nil {
		return fmt.Errorf("failed to destroy session: %w", err)
	}
	return nil
}
