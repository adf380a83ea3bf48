package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"neuroseg/pkg/tensor"
)

// BackendKServe forwards tensors to a remote server speaking the Open
// Inference (KServe v2) REST protocol.
const BackendKServe = "kserve"

// v2Tensor is one named tensor of a v2 request or response
type v2Tensor struct {
	Name     string    `json:"name"`
	Shape    []int     `json:"shape"`
	Datatype string    `json:"datatype"`
	Data     []float32 `json:"data"`
}

type v2Request struct {
	ID         string            `json:"id,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Inputs     []v2Tensor        `json:"inputs"`
}

type v2Response struct {
	ModelName string     `json:"model_name"`
	Outputs   []v2Tensor `json:"outputs"`
	Error     string     `json:"error,omitempty"`
}

// KServe is a Model backed by a remote inference server.
type KServe struct {
	url    string
	input  string
	output string
	device string
	client *http.Client
}

// LoadKServe is the Loader of the kserve backend. Recognised options:
//
//	endpoint  base URL of the server (required)
//	model     remote model name (defaults to the descriptor name)
//	input     input tensor name (default "input")
//	output    output tensor name to pick (default: the first output)
//	timeout   per-call HTTP timeout as a Go duration (default 5m)
func LoadKServe(ctx context.Context, d *Descriptor, weights []byte, device string) (Model, error) {
	endpoint := strings.TrimRight(d.Options["endpoint"], "/")
	if endpoint == "" {
		return nil, fmt.Errorf("kserve backend needs an endpoint option")
	}
	remote := d.Options["model"]
	if remote == "" {
		remote = d.Name
	}
	input := d.Options["input"]
	if input == "" {
		input = "input"
	}
	timeout := 5 * time.Minute
	if t := d.Options["timeout"]; t != "" {
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return nil, fmt.Errorf("kserve timeout: %w", err)
		}
		timeout = parsed
	}
	return &KServe{
		url:    fmt.Sprintf("%s/v2/models/%s/infer", endpoint, remote),
		input:  input,
		output: d.Options["output"],
		device: device,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Forward sends the tensor in row-major order and converts the reply back
func (m *KServe) Forward(ctx context.Context, in *tensor.Tensor) (*tensor.Tensor, error) {
	body, err := json.Marshal(v2Request{
		Parameters: map[string]string{"device": m.device},
		Inputs: []v2Tensor{{
			Name:     m.input,
			Shape:    in.Shape,
			Datatype: "FP32",
			Data:     in.RowMajor(),
		}},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out v2Response
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decoding response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != "" {
			return nil, fmt.Errorf("inference server returned %d: %s", resp.StatusCode, out.Error)
		}
		return nil, fmt.Errorf("inference server returned %d", resp.StatusCode)
	}

	for _, o := range out.Outputs {
		if m.output != "" && o.Name != m.output {
			continue
		}
		if o.Datatype != "FP32" {
			return nil, fmt.Errorf("output %q has datatype %s, want FP32", o.Name, o.Datatype)
		}
		return tensor.FromRowMajor(o.Shape, o.Data)
	}
	return nil, fmt.Errorf("response has no output %q", m.output)
}
