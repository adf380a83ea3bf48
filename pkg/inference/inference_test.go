package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuroseg/internal/models"
	"neuroseg/pkg/artifacts"
	"neuroseg/pkg/tensor"
)

func newTestStore(t *testing.T, files map[string]string) *artifacts.Local {
	t.Helper()
	s := artifacts.NewLocal(t.TempDir())
	for k, v := range files {
		require.NoError(t, s.Put(context.Background(), k, []byte(v)))
	}
	return s
}

func testTensor(shape models.Shape) *tensor.Tensor {
	return tensor.New(tensor.NumChannels, shape)
}

func TestCatalogResolve(t *testing.T) {
	store := newTestStore(t, map[string]string{
		"models/grow/model.yaml":   "backend: seedgrow\nweights: weights.yaml\nchannels: v1\nconfig:\n  include_previous_logits: true\n",
		"models/grow/weights.yaml": "sigma: 2\n",
		"models/plain/model.yaml":  "backend: seedgrow\nstride: 8\n",
		"models/plain/config.yaml": "include_previous_prediction: true\n",
		"models/custom/model.yaml": "backend: seedgrow\nchannels:\n  image: 0\n  positive: 1\n  negative: 2\n  prior: 3\n",
	})
	c := NewCatalog(store, "models", 16)
	ctx := context.Background()

	d, err := c.Resolve(ctx, "grow")
	require.NoError(t, err)
	assert.Equal(t, "models/grow/weights.yaml", d.WeightsKey())
	assert.Equal(t, 16, d.Stride)
	assert.Equal(t, tensor.LayoutV1, d.Layout())
	assert.True(t, d.Prior().IncludePreviousLogits)

	d, err = c.Resolve(ctx, "plain")
	require.NoError(t, err)
	assert.Equal(t, 8, d.Stride)
	assert.Equal(t, tensor.DefaultLayout, d.Layout())
	assert.True(t, d.Prior().IncludePreviousPrediction)

	d, err = c.Resolve(ctx, "custom")
	require.NoError(t, err)
	assert.Equal(t, 3, d.Layout().Prior)
	assert.Equal(t, "custom", d.Layout().Version)
}

func TestCatalogResolveNotFound(t *testing.T) {
	store := newTestStore(t, map[string]string{
		"models/noweights/model.yaml": "backend: seedgrow\nweights: missing.bin\n",
		"models/broken/model.yaml":    "backend: [",
		"models/both/model.yaml":      "backend: seedgrow\nconfig:\n  include_previous_logits: true\n  include_previous_prediction: true\n",
		"models/badlayout/model.yaml": "backend: seedgrow\nchannels:\n  image: 0\n  positive: 0\n  negative: 2\n",
	})
	c := NewCatalog(store, "models", 16)

	for _, name := range []string{"unknown", "noweights", "broken", "both", "badlayout", "../models/x", ""} {
		_, err := c.Resolve(context.Background(), name)
		assert.ErrorIs(t, err, models.ErrModelNotFound, "model %q", name)
	}
}

// brokenStore fails every read of keys under prefix
type brokenStore struct {
	artifacts.Store
	prefix string
}

var errDiskFailed = errors.New("disk failed")

func (s brokenStore) Get(ctx context.Context, key string) ([]byte, error) {
	if strings.HasPrefix(key, s.prefix) {
		return nil, errDiskFailed
	}
	return s.Store.Get(ctx, key)
}

func (s brokenStore) Exists(ctx context.Context, key string) (bool, error) {
	if strings.HasPrefix(key, s.prefix) {
		return false, errDiskFailed
	}
	return s.Store.Exists(ctx, key)
}

func TestCatalogResolveStoreFailure(t *testing.T) {
	store := newTestStore(t, map[string]string{
		"models/grow/model.yaml":   "backend: seedgrow\nweights: weights.yaml\n",
		"models/grow/weights.yaml": "sigma: 2\n",
		"models/plain/model.yaml":  "backend: seedgrow\n",
	})
	ctx := context.Background()

	for name, prefix := range map[string]string{
		"grow":  "models/grow/weights.yaml",
		"plain": "models/plain/",
	} {
		_, err := NewCatalog(brokenStore{Store: store, prefix: prefix}, "models", 16).Resolve(ctx, name)
		assert.Equal(t, models.InternalError, models.KindOf(err), "model %q", name)
		assert.NotErrorIs(t, err, models.ErrModelNotFound)
		assert.ErrorIs(t, err, errDiskFailed)
	}
}

func TestCatalogRootSpelling(t *testing.T) {
	store := newTestStore(t, map[string]string{"models/grow/model.yaml": "backend: seedgrow\n"})
	for _, root := range []string{"models", "./models", "models/", "/models"} {
		d, err := NewCatalog(store, root, 16).Resolve(context.Background(), "grow")
		require.NoError(t, err, "root %q", root)
		assert.Equal(t, "models/grow", d.Dir)
	}
}

func TestCatalogList(t *testing.T) {
	store := newTestStore(t, map[string]string{
		"models/b/model.yaml":        "backend: seedgrow\ndescription: second\n",
		"models/a/model.yaml":        "backend: seedgrow\n",
		"models/a/weights.yaml":      "sigma: 1\n",
		"models/broken/model.yaml":   "backend: [",
		"models/nested/x/model.yaml": "backend: seedgrow\n",
	})
	entries, err := NewCatalog(store, "models", 16).List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Name)
	assert.Equal(t, "models/a", entries[0].Path)
	assert.Equal(t, "second", entries[1].Description)
}

func TestInvokerUnknownModel(t *testing.T) {
	store := newTestStore(t, nil)
	inv := NewInvoker(NewCatalog(store, "models", 16), NewDefaultRegistry(), store, Options{})

	_, err := inv.Invoke(context.Background(), "nope", testTensor(models.Shape{2, 2, 2}))
	assert.ErrorIs(t, err, models.ErrModelNotFound)
}

func TestInvokerUnknownBackend(t *testing.T) {
	store := newTestStore(t, map[string]string{"models/m/model.yaml": "backend: torchscript\n"})
	inv := NewInvoker(NewCatalog(store, "models", 16), NewDefaultRegistry(), store, Options{})

	_, err := inv.Load(context.Background(), "m")
	assert.ErrorIs(t, err, models.ErrInference)
}

func registryWith(backend string, m Model, loads *int32) *Registry {
	r := NewRegistry()
	r.Register(backend, func(ctx context.Context, d *Descriptor, weights []byte, device string) (Model, error) {
		if loads != nil {
			atomic.AddInt32(loads, 1)
		}
		return m, nil
	})
	return r
}

func TestInvokerShapeMismatch(t *testing.T) {
	store := newTestStore(t, map[string]string{"models/m/model.yaml": "backend: fake\n"})
	bad := ModelFunc(func(ctx context.Context, in *tensor.Tensor) (*tensor.Tensor, error) {
		return tensor.New(1, models.Shape{1, 1, 1}), nil
	})
	inv := NewInvoker(NewCatalog(store, "models", 16), registryWith("fake", bad, nil), store, Options{})

	_, err := inv.Invoke(context.Background(), "m", testTensor(models.Shape{2, 2, 2}))
	assert.ErrorIs(t, err, models.ErrInference)
}

func TestInvokerModelFailure(t *testing.T) {
	store := newTestStore(t, map[string]string{"models/m/model.yaml": "backend: fake\n"})

	failing := ModelFunc(func(ctx context.Context, in *tensor.Tensor) (*tensor.Tensor, error) {
		return nil, errors.New("out of memory")
	})
	inv := NewInvoker(NewCatalog(store, "models", 16), registryWith("fake", failing, nil), store, Options{})
	_, err := inv.Invoke(context.Background(), "m", testTensor(models.Shape{2, 2, 2}))
	assert.ErrorIs(t, err, models.ErrInference)

	panicking := ModelFunc(func(ctx context.Context, in *tensor.Tensor) (*tensor.Tensor, error) {
		panic("index out of range")
	})
	inv = NewInvoker(NewCatalog(store, "models", 16), registryWith("fake", panicking, nil), store, Options{})
	_, err = inv.Invoke(context.Background(), "m", testTensor(models.Shape{2, 2, 2}))
	assert.ErrorIs(t, err, models.ErrInference)
}

func TestInvokerCache(t *testing.T) {
	store := newTestStore(t, map[string]string{"models/m/model.yaml": "backend: fake\n"})
	echo := ModelFunc(func(ctx context.Context, in *tensor.Tensor) (*tensor.Tensor, error) {
		return tensor.New(1, in.Spatial()), nil
	})

	var loads int32
	inv := NewInvoker(NewCatalog(store, "models", 16), registryWith("fake", echo, &loads), store, Options{CacheSize: 2})
	for i := 0; i < 3; i++ {
		_, err := inv.Invoke(context.Background(), "m", testTensor(models.Shape{2, 2, 2}))
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))

	atomic.StoreInt32(&loads, 0)
	inv = NewInvoker(NewCatalog(store, "models", 16), registryWith("fake", echo, &loads), store, Options{})
	for i := 0; i < 3; i++ {
		_, err := inv.Invoke(context.Background(), "m", testTensor(models.Shape{2, 2, 2}))
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&loads))
}

func TestInvokerSerialisesDevice(t *testing.T) {
	store := newTestStore(t, map[string]string{"models/m/model.yaml": "backend: fake\n"})

	var running, peak int32
	slow := ModelFunc(func(ctx context.Context, in *tensor.Tensor) (*tensor.Tensor, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return tensor.New(1, in.Spatial()), nil
	})
	inv := NewInvoker(NewCatalog(store, "models", 16), registryWith("fake", slow, nil), store, Options{Slots: 1})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := inv.Invoke(context.Background(), "m", testTensor(models.Shape{2, 2, 2}))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestSeedGrowForward(t *testing.T) {
	shape := models.Shape{12, 12, 12}
	in := testTensor(shape)
	img := in.Channel(0)
	for z := 0; z < shape[2]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[0]; x++ {
				// bright cube in the low corner
				if x < 6 && y < 6 && z < 6 {
					img.Set(x, y, z, 1)
				}
			}
		}
	}
	in.Channel(2).Set(2, 2, 2, 1)
	in.Channel(3).Set(10, 10, 10, 1)

	m, err := LoadSeedGrow(context.Background(), &Descriptor{Name: "grow"}, []byte("sigma: 2\n"), "cpu")
	require.NoError(t, err)

	out, err := m.Forward(context.Background(), in)
	require.NoError(t, err)
	require.NoError(t, out.CheckShape(1, shape))

	logits := out.Channel(0)
	assert.Greater(t, logits.At(2, 2, 2), float32(0), "positive click should be foreground")
	assert.Greater(t, logits.At(3, 2, 2), float32(0), "bright neighbour should be foreground")
	assert.Less(t, logits.At(10, 10, 10), float32(0), "negative click should be background")
	assert.Less(t, logits.At(7, 2, 2), float32(0), "dark neighbour should be background")
}

func TestSeedGrowNoClicks(t *testing.T) {
	m, err := LoadSeedGrow(context.Background(), &Descriptor{}, nil, "cpu")
	require.NoError(t, err)

	out, err := m.Forward(context.Background(), testTensor(models.Shape{4, 4, 4}))
	require.NoError(t, err)
	for _, v := range out.Data {
		assert.Less(t, v, float32(0))
	}

	_, err = LoadSeedGrow(context.Background(), &Descriptor{}, []byte("sigma: -1\n"), "cpu")
	assert.Error(t, err)
}

func TestKServeForward(t *testing.T) {
	var got v2Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/models/remote-seg/infer", r.URL.Path)
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&got)) {
			return
		}

		in := got.Inputs[0]
		// reply with channel 2 of the input as the logits, still row-major
		n := in.Shape[2] * in.Shape[3] * in.Shape[4]
		json.NewEncoder(w).Encode(v2Response{
			ModelName: "remote-seg",
			Outputs: []v2Tensor{{
				Name:     "logits",
				Shape:    []int{1, 1, in.Shape[2], in.Shape[3], in.Shape[4]},
				Datatype: "FP32",
				Data:     in.Data[2*n : 3*n],
			}},
		})
	}))
	defer srv.Close()

	d := &Descriptor{Name: "seg", Options: map[string]string{"endpoint": srv.URL + "/", "model": "remote-seg"}}
	m, err := LoadKServe(context.Background(), d, nil, "cuda:0")
	require.NoError(t, err)

	in := testTensor(models.Shape{2, 3, 4})
	in.Channel(2).Set(1, 2, 3, 1)

	out, err := m.Forward(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 5, 2, 3, 4}, got.Inputs[0].Shape)
	assert.Equal(t, "cuda:0", got.Parameters["device"])
	assert.Equal(t, float32(1), out.Channel(0).At(1, 2, 3))
}

func TestKServeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(v2Response{Error: "model not ready"})
	}))
	defer srv.Close()

	_, err := LoadKServe(context.Background(), &Descriptor{Name: "seg"}, nil, "cpu")
	assert.Error(t, err, "endpoint is required")

	m, err := LoadKServe(context.Background(), &Descriptor{Name: "seg", Options: map[string]string{"endpoint": srv.URL}}, nil, "cpu")
	require.NoError(t, err)
	_, err = m.Forward(context.Background(), testTensor(models.Shape{1, 1, 1}))
	assert.ErrorContains(t, err, "model not ready")
}

func TestRegistry(t *testing.T) {
	r := NewDefaultRegistry()
	assert.Equal(t, []string{BackendKServe, BackendSeedGrow}, r.Backends())
	assert.Panics(t, func() { r.Register(BackendSeedGrow, LoadSeedGrow) })

	_, err := r.Lookup("onnx")
	assert.Error(t, err)
}
