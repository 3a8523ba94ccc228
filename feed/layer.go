// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

package feed

// Layer is the data-maturity tier of a record. Layers are totally ordered:
// Bronze < Silver < Gold.
type Layer int

const (
	// Bronze holds raw captured data.
	Bronze Layer = iota
	// Silver holds validated data.
	Silver
	// Gold holds business-ready data.
	Gold
)

var layerNames = [...]string{"bronze", "silver", "gold"}

// String implements fmt.Stringer.
func (layer Layer) String() string {
	if layer < Bronze || layer > Gold {
		return "invalid"
	}
	return layerNames[layer]
}

// Valid reports whether the layer is one of the defined tiers.
func (layer Layer) Valid() bool {
	return layer >= Bronze && layer <= Gold
}

// ParseLayer converts a stored layer name back to a Layer.
func ParseLayer(name string) (Layer, error) {
	for i, candidate := range layerNames {
		if candidate == name {
			return Layer(i), nil
		}
	}
	return Bronze, Error.New("unknown layer %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (layer Layer) MarshalText() ([]byte, error) {
	if !layer.Valid() {
		return nil, Error.New("invalid layer %d", int(layer))
	}
	return []byte(layer.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (layer *Layer) UnmarshalText(data []byte) error {
	parsed, err := ParseLayer(string(data))
	if err != nil {
		return err
	}
	*layer = parsed
	return nil
}
