package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

// ErrNoSources indicates the sources file defines no usable sources.
var ErrNoSources = errors.New("no sources configured")

// Source describes one documentation page tracked by the ingestion pipeline.
type Source struct {
	// URL is the page to fetch.
	URL string `mapstructure:"url"`

	// Collection groups documents for citation URL mapping and retrieval
	// filtering (e.g. "handbook", "direction").
	Collection string `mapstructure:"collection"`
}

// LoadSources reads the tracked-source list from a YAML file of the form:
//
//	sources:
//	  - url: https://handbook.gitlab.com/handbook/values/
//	    collection: handbook
func LoadSources(path string) ([]Source, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read sources file %q: %w", path, err)
	}

	var out struct {
		Sources []Source `mapstructure:"sources"`
	}
	if err := v.Unmarshal(&out); err != nil {
		return nil, fmt.Errorf("failed to parse sources file %q: %w", path, err)
	}

	sources := make([]Source, 0, len(out.Sources))
	for i, s := range out.Sources {
		s.URL = strings.TrimSpace(s.URL)
		if s.URL == "" {
			continue
		}
		u, err := url.Parse(s.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, fmt.Errorf("source %d: invalid URL %q", i, s.URL)
		}
		if s.Collection == "" {
			s.Collection = "default"
		}
		sources = append(sources, s)
	}

	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSources, path)
	}
	return sources, nil
}
