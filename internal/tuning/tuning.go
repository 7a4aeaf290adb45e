package tuning

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"servamap.ai/internal/mapgrid"
)

//go:embed tuning.schema.json
var schemaJSON string

type Tuning struct {
	ChunkSize          int `yaml:"chunk_size"`
	TileResampleFactor int `yaml:"tile_resample_factor"`
	MaxZoom            int `yaml:"max_zoom"`
	ResampleIntervalMs int `yaml:"resample_interval_ms"`

	TileDir string `yaml:"tile_dir"`
	DBFile  string `yaml:"db_file"`

	Journal Journal `yaml:"journal"`
	Inbox   Inbox   `yaml:"inbox"`
	Mirror  Mirror  `yaml:"mirror"`
}

type Journal struct {
	Enabled      bool   `yaml:"enabled"`
	Dir          string `yaml:"dir"`
	RotateLayout string `yaml:"rotate_layout"`
}

// Inbox is the spool directory the server polls for batch files.
// An empty Dir disables polling.
type Inbox struct {
	Dir            string `yaml:"dir"`
	PollIntervalMs int    `yaml:"poll_interval_ms"`
}

type Mirror struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Prefix   string `yaml:"prefix"`
	Workers  int    `yaml:"workers"`
}

func Defaults() Tuning {
	return Tuning{
		ChunkSize:          16,
		TileResampleFactor: 16,
		MaxZoom:            4,
		ResampleIntervalMs: 10_000,
		TileDir:            "data/tiles",
		DBFile:             "data/map.db",
		Journal: Journal{
			Enabled:      true,
			Dir:          "data/logs",
			RotateLayout: "2006-01-02-15",
		},
		Inbox: Inbox{
			Dir:            "data/inbox",
			PollIntervalMs: 1000,
		},
		Mirror: Mirror{
			Region:  "auto",
			Prefix:  "tiles",
			Workers: 2,
		},
	}
}

var schema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return jsonschema.CompileString("tuning.schema.json", schemaJSON)
})

// Load reads a tuning.yaml. Keys missing from the file keep their Defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := Parse(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// Parse checks raw against the tuning schema and decodes it over t.
func Parse(raw []byte, t *Tuning) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	// The validator wants JSON-shaped values (float64 numbers, string keys).
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	s, err := schema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return err
	}
	if err := yaml.Unmarshal(raw, t); err != nil {
		return err
	}
	return t.Validate()
}

// Validate checks constraints the schema cannot express.
func (t Tuning) Validate() error {
	if t.ChunkSize < 1 || t.TileResampleFactor < 1 {
		return fmt.Errorf("chunk_size and tile_resample_factor must be positive")
	}
	if t.MaxZoom < 0 {
		return fmt.Errorf("max_zoom must be >= 0")
	}
	side := t.ChunkSize * t.TileResampleFactor
	if t.MaxZoom > 0 && side%2 != 0 {
		return fmt.Errorf("tile side %d must be even to halve into a parent quadrant", side)
	}
	if t.ResampleIntervalMs <= 0 {
		return fmt.Errorf("resample_interval_ms must be positive")
	}
	if t.Mirror.Enabled && (t.Mirror.Endpoint == "" || t.Mirror.Bucket == "") {
		return fmt.Errorf("mirror.enabled requires mirror.endpoint and mirror.bucket")
	}
	return nil
}

func (t Tuning) Geometry() mapgrid.Geometry {
	return mapgrid.Geometry{
		ChunkSide:      t.ChunkSize,
		ResampleFactor: t.TileResampleFactor,
		MaxZoom:        t.MaxZoom,
	}
}

func (t Tuning) ResampleInterval() time.Duration {
	return time.Duration(t.ResampleIntervalMs) * time.Millisecond
}

func (t Tuning) InboxPollInterval() time.Duration {
	if t.Inbox.PollIntervalMs <= 0 {
		return time.Second
	}
	return time.Duration(t.Inbox.PollIntervalMs) * time.Millisecond
}
