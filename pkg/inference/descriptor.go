package inference

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"neuroseg/internal/models"
	"neuroseg/pkg/artifacts"
	"neuroseg/pkg/tensor"
)

const (
	// DescriptorFile is the model definition inside each model directory
	DescriptorFile = "model.yaml"

	// ConfigFile optionally holds the prior flags when the descriptor has none
	ConfigFile = "config.yaml"
)

// LayoutSpec is a channel layout given either by version ("v1", "v2") or
// as an explicit mapping of roles to channels.
type LayoutSpec struct {
	tensor.ChannelLayout
}

// UnmarshalYAML accepts a scalar version or a mapping
func (l *LayoutSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		layout, err := tensor.LayoutByVersion(node.Value)
		if err != nil {
			return err
		}
		l.ChannelLayout = layout
		return nil
	}
	// unset roles default to Unused so a typo cannot silently alias channel 0
	layout := tensor.ChannelLayout{
		Image:    tensor.Unused,
		Prior:    tensor.Unused,
		Positive: tensor.Unused,
		Negative: tensor.Unused,
	}
	if err := node.Decode(&layout); err != nil {
		return err
	}
	if layout.Version == "" {
		layout.Version = "custom"
	}
	l.ChannelLayout = layout
	return nil
}

// Descriptor is a resolved model: its definition, weights location and
// configuration.
type Descriptor struct {
	// Name is the directory name the model was resolved from
	Name string `yaml:"-"`

	// Dir is the store key of the model directory
	Dir string `yaml:"-"`

	// Backend selects the registered loader
	Backend string `yaml:"backend"`

	// Weights is the weights artifact, relative to Dir
	Weights string `yaml:"weights"`

	// Stride is the required divisibility of every spatial axis
	Stride int `yaml:"stride"`

	// Channels is the input channel layout the weights were trained with
	Channels *LayoutSpec `yaml:"channels"`

	// Config holds the prior flags
	Config *tensor.PriorConfig `yaml:"config"`

	// Options are backend specific settings
	Options map[string]string `yaml:"options"`

	// Description is shown in model listings
	Description string `yaml:"description"`
}

// WeightsKey returns the store key of the weights artifact, or "" when none
func (d *Descriptor) WeightsKey() string {
	if d.Weights == "" {
		return ""
	}
	return path.Join(d.Dir, d.Weights)
}

// Layout returns the channel layout, defaulting to tensor.DefaultLayout
func (d *Descriptor) Layout() tensor.ChannelLayout {
	if d.Channels == nil {
		return tensor.DefaultLayout
	}
	return d.Channels.ChannelLayout
}

// Prior returns the prior flags, all false when unset
func (d *Descriptor) Prior() tensor.PriorConfig {
	if d.Config == nil {
		return tensor.PriorConfig{}
	}
	return *d.Config
}

// Validate checks the descriptor is usable
func (d *Descriptor) Validate() error {
	if d.Backend == "" {
		return fmt.Errorf("backend is required")
	}
	if d.Stride < 0 {
		return fmt.Errorf("stride must not be negative, got %d", d.Stride)
	}
	if strings.Contains(d.Weights, "..") || strings.HasPrefix(d.Weights, "/") {
		return fmt.Errorf("weights must be relative to the model directory, got %q", d.Weights)
	}
	if err := d.Layout().Validate(); err != nil {
		return err
	}
	return d.Prior().Validate()
}

// Entry is one row of a model listing
type Entry struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Backend     string `json:"backend,omitempty"`
	Description string `json:"description,omitempty"`
}

// Catalog discovers models stored as <root>/<name>/model.yaml.
type Catalog struct {
	store         artifacts.Store
	root          string
	defaultStride int
}

// NewCatalog creates a catalog over store. defaultStride applies to
// descriptors that do not set one.
func NewCatalog(store artifacts.Store, root string, defaultStride int) *Catalog {
	root = path.Clean(strings.Trim(root, "/"))
	if root == "." {
		root = ""
	}
	return &Catalog{store: store, root: root, defaultStride: defaultStride}
}

func (c *Catalog) dir(name string) string {
	if c.root == "" {
		return name
	}
	return c.root + "/" + name
}

// List returns every model with a readable descriptor, sorted by name
func (c *Catalog) List(ctx context.Context) ([]Entry, error) {
	prefix := ""
	if c.root != "" {
		prefix = c.root + "/"
	}
	keys, err := c.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}

	entries := []Entry{}
	for _, k := range keys {
		rest := strings.TrimPrefix(k, prefix)
		name, file, ok := strings.Cut(rest, "/")
		if !ok || file != DescriptorFile {
			continue
		}
		d, err := c.Resolve(ctx, name)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Name: name, Path: d.Dir, Backend: d.Backend, Description: d.Description})
	}
	return entries, nil
}

// Resolve loads and validates the descriptor of a model.
// An unknown name, an invalid descriptor or a missing weights artifact is
// a ModelNotFoundError. A store failure is an InternalError so callers can retry.
func (c *Catalog) Resolve(ctx context.Context, name string) (*Descriptor, error) {
	if name == "" || strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return nil, models.Errorf(models.ModelNotFoundError, "invalid model name %q", name)
	}
	dir := c.dir(name)

	raw, err := c.store.Get(ctx, path.Join(dir, DescriptorFile))
	if err != nil {
		if errors.Is(err, artifacts.ErrNotFound) {
			return nil, models.Errorf(models.ModelNotFoundError, "model %q not found", name)
		}
		return nil, models.NewError(models.InternalError, fmt.Sprintf("reading model %q", name), err)
	}

	d := &Descriptor{}
	if err := yaml.Unmarshal(raw, d); err != nil {
		return nil, models.NewError(models.ModelNotFoundError, fmt.Sprintf("model %q has an invalid descriptor", name), err)
	}
	d.Name = name
	d.Dir = dir
	if d.Stride == 0 {
		d.Stride = c.defaultStride
	}

	if d.Config == nil {
		cfg, err := c.store.Get(ctx, path.Join(dir, ConfigFile))
		if err == nil {
			d.Config = &tensor.PriorConfig{}
			if err := yaml.Unmarshal(cfg, d.Config); err != nil {
				return nil, models.NewError(models.ModelNotFoundError, fmt.Sprintf("model %q has an invalid %s", name, ConfigFile), err)
			}
		} else if !errors.Is(err, artifacts.ErrNotFound) {
			return nil, models.NewError(models.InternalError, fmt.Sprintf("reading %s of model %q", ConfigFile, name), err)
		}
	}

	if err := d.Validate(); err != nil {
		return nil, models.NewError(models.ModelNotFoundError, fmt.Sprintf("model %q has an invalid descriptor", name), err)
	}

	if key := d.WeightsKey(); key != "" {
		ok, err := c.store.Exists(ctx, key)
		if err != nil {
			return nil, models.NewError(models.InternalError, fmt.Sprintf("checking weights of model %q", name), err)
		}
		if !ok {
			return nil, models.Errorf(models.ModelNotFoundError, "weights %q of model %q not found", d.Weights, name)
		}
	}
	return d, nil
}
