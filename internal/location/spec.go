package location

import "fmt"

// Spec is the serialisable form of a FilenameProvider.
type Spec struct {
	Kind      string `json:"kind" yaml:"kind" msgpack:"kind"`
	Name      string `json:"name,omitempty" yaml:"name,omitempty" msgpack:"name,omitempty"`
	Base      string `json:"base,omitempty" yaml:"base,omitempty" msgpack:"base,omitempty"`
	MaxDigits int    `json:"max_digits,omitempty" yaml:"max_digits,omitempty" msgpack:"max_digits,omitempty"`
	Next      int    `json:"next,omitempty" yaml:"next,omitempty" msgpack:"next,omitempty"`
}

// Build returns the provider the spec describes.
func (s Spec) Build() (FilenameProvider, error) {
	switch s.Kind {
	case KindStatic:
		if s.Name == "" {
			return nil, fmt.Errorf("%w: static provider needs a name", ErrInvalidSpec)
		}
		return Static{Name: s.Name}, nil
	case KindUUID:
		return UUID{}, nil
	case KindAutoIncrement:
		return NewAutoIncrement(s.Base, s.MaxDigits, s.Next)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, s.Kind)
}

// StoreSpec is the serialisable form of a StorePathProvider.
type StoreSpec struct {
	BaseURI      string `json:"base_uri" yaml:"base_uri" msgpack:"base_uri"`
	Filename     Spec   `json:"filename" yaml:"filename" msgpack:"filename"`
	Suffix       string `json:"suffix,omitempty" yaml:"suffix,omitempty" msgpack:"suffix,omitempty"`
	Capacity     int    `json:"capacity,omitempty" yaml:"capacity,omitempty" msgpack:"capacity,omitempty"`
	MimetypeHint string `json:"mimetype_hint,omitempty" yaml:"mimetype_hint,omitempty" msgpack:"mimetype_hint,omitempty"`
}

// Build resolves the spec into a provider. The filename is drawn once, here.
func (s StoreSpec) Build() (*StorePathProvider, error) {
	names, err := s.Filename.Build()
	if err != nil {
		return nil, err
	}
	return NewStorePathProvider(s.BaseURI, names, StoreOptions{
		Suffix:       s.Suffix,
		Capacity:     s.Capacity,
		MimetypeHint: s.MimetypeHint,
	})
}
