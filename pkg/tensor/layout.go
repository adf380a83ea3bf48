package tensor

import "fmt"

// NumChannels is the fixed width of the network input
const NumChannels = 5

// Unused marks a role with no channel
const Unused = -1

// ChannelLayout says which input channel carries which signal. It is part of a
// model's descriptor because checkpoints trained with different layouts are
// not interchangeable.
type ChannelLayout struct {
	Version  string `yaml:"version"`
	Image    int    `yaml:"image"`
	Prior    int    `yaml:"prior"`
	Positive int    `yaml:"positive"`
	Negative int    `yaml:"negative"`
}

// Built-in layouts.
var (
	// LayoutV2 carries the prior on channel 1 and leaves channel 4 reserved
	LayoutV2 = ChannelLayout{Version: "v2", Image: 0, Prior: 1, Positive: 2, Negative: 3}

	// LayoutV1 leaves channel 1 (bounding box) unused and carries the prior on channel 4
	LayoutV1 = ChannelLayout{Version: "v1", Image: 0, Prior: 4, Positive: 2, Negative: 3}
)

// DefaultLayout is used when a descriptor names no layout
var DefaultLayout = LayoutV2

// LayoutByVersion returns a built-in layout
func LayoutByVersion(version string) (ChannelLayout, error) {
	switch version {
	case "", LayoutV2.Version:
		return LayoutV2, nil
	case LayoutV1.Version:
		return LayoutV1, nil
	default:
		return ChannelLayout{}, fmt.Errorf("unknown channel layout %q", version)
	}
}

// Validate checks every role has a distinct channel within range. Only the
// prior may be Unused.
func (l ChannelLayout) Validate() error {
	seen := make(map[int]string)
	roles := []struct {
		name     string
		ch       int
		optional bool
	}{
		{"image", l.Image, false},
		{"prior", l.Prior, true},
		{"positive", l.Positive, false},
		{"negative", l.Negative, false},
	}
	for _, r := range roles {
		if r.ch == Unused && r.optional {
			continue
		}
		if r.ch < 0 || r.ch >= NumChannels {
			return fmt.Errorf("%s channel %d out of range [0,%d)", r.name, r.ch, NumChannels)
		}
		if other, dup := seen[r.ch]; dup {
			return fmt.Errorf("%s and %s share channel %d", other, r.name, r.ch)
		}
		seen[r.ch] = r.name
	}
	return nil
}
