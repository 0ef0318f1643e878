// Package profiles provides the immutable catalog of behavioral profiles that
// simulated agents follow during a test run.
package profiles

import (
	_ "embed"
	"fmt"
	"strings"

	"behaviorbench/internal/apperrors"

	"gopkg.in/yaml.v3"
)

//go:embed profiles.yaml
var catalogYAML []byte

// ID identifies a behavioral profile.
type ID string

const (
	Leader          ID = "leader"
	NonCooperator   ID = "non-cooperator"
	Confuser        ID = "confuser"
	ResourceHoarder ID = "resource-hoarder"
	TaskAbandoner   ID = "task-abandoner"
	Follower        ID = "follower"
)

// MaxPerRun is the largest number of distinct profiles a single run may use.
const MaxPerRun = 5

// IDs lists every known profile in catalog order.
var IDs = []ID{Leader, NonCooperator, Confuser, ResourceHoarder, TaskAbandoner, Follower}

// Valid reports whether id is one of the known profiles.
func (id ID) Valid() bool {
	switch id {
	case Leader, NonCooperator, Confuser, ResourceHoarder, TaskAbandoner, Follower:
		return true
	}
	return false
}

// FrequencyRange is an action rate in actions per minute.
type FrequencyRange struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// DelayRange is a response delay window in milliseconds.
type DelayRange struct {
	MinMs int `yaml:"minMs" json:"minMs"`
	MaxMs int `yaml:"maxMs" json:"maxMs"`
}

// ResponsePattern describes how an agent reacts once an action comes due.
type ResponsePattern struct {
	IgnoreRate    float64    `yaml:"ignoreRate" json:"ignoreRate"`
	ResponseDelay DelayRange `yaml:"responseDelay" json:"responseDelay"`
}

// Behaviors is the per-channel action vocabulary of a profile.
type Behaviors struct {
	Environment []string `yaml:"environment" json:"environment"`
	Chat        []string `yaml:"chat" json:"chat"`
}

// Definition is the static description of a behavioral profile.
type Definition struct {
	ID               ID              `yaml:"id" json:"id"`
	Name             string          `yaml:"name" json:"name"`
	Description      string          `yaml:"description" json:"description"`
	Rules            []string        `yaml:"rules" json:"rules"`
	ActionFrequency  FrequencyRange  `yaml:"actionFrequency" json:"actionFrequency"`
	ResponsePatterns ResponsePattern `yaml:"responsePatterns" json:"responsePatterns"`
	Behaviors        Behaviors       `yaml:"behaviors" json:"behaviors"`
	// Handshake is the introductory action emitted before anything else during
	// coordination. Empty for profiles that do not open the conversation.
	Handshake string `yaml:"handshake,omitempty" json:"handshake,omitempty"`
}

func (d Definition) clone() Definition {
	d.Rules = append([]string(nil), d.Rules...)
	d.Behaviors.Environment = append([]string(nil), d.Behaviors.Environment...)
	d.Behaviors.Chat = append([]string(nil), d.Behaviors.Chat...)
	return d
}

func (d Definition) validate() error {
	if !d.ID.Valid() {
		return fmt.Errorf("unknown profile id %q", d.ID)
	}
	f := d.ActionFrequency
	if f.Min <= 0 || f.Max <= 0 || f.Min > f.Max {
		return fmt.Errorf("profile %s: action frequency must satisfy 0 < min <= max, got [%v, %v]", d.ID, f.Min, f.Max)
	}
	r := d.ResponsePatterns
	if r.IgnoreRate < 0 || r.IgnoreRate > 1 {
		return fmt.Errorf("profile %s: ignore rate %v outside [0, 1]", d.ID, r.IgnoreRate)
	}
	if r.ResponseDelay.MinMs < 0 || r.ResponseDelay.MinMs > r.ResponseDelay.MaxMs {
		return fmt.Errorf("profile %s: response delay must satisfy 0 <= min <= max, got [%d, %d]",
			d.ID, r.ResponseDelay.MinMs, r.ResponseDelay.MaxMs)
	}
	if len(d.Behaviors.Environment) == 0 {
		return fmt.Errorf("profile %s: empty environment vocabulary", d.ID)
	}
	if len(d.Behaviors.Chat) == 0 {
		return fmt.Errorf("profile %s: empty chat vocabulary", d.ID)
	}
	return nil
}

// Catalog is the read-only registry of profile definitions. It is built once
// at startup and shared by pointer.
type Catalog struct {
	defs map[ID]Definition
}

type catalogFile struct {
	Profiles []Definition `yaml:"profiles"`
}

// Load parses and validates a catalog document. Every known profile must be
// present exactly once.
func Load(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse profile catalog: %w", err)
	}

	defs := make(map[ID]Definition, len(file.Profiles))
	for _, def := range file.Profiles {
		if err := def.validate(); err != nil {
			return nil, err
		}
		if _, dup := defs[def.ID]; dup {
			return nil, fmt.Errorf("profile %s defined twice", def.ID)
		}
		defs[def.ID] = def.clone()
	}
	for _, id := range IDs {
		if _, ok := defs[id]; !ok {
			return nil, fmt.Errorf("profile %s missing from catalog", id)
		}
	}

	return &Catalog{defs: defs}, nil
}

// Default loads the catalog embedded in the binary.
func Default() (*Catalog, error) {
	return Load(catalogYAML)
}

// MustDefault is Default that panics on a malformed embedded catalog.
func MustDefault() *Catalog {
	c, err := Default()
	if err != nil {
		panic(err)
	}
	return c
}

// Get returns the definition for id.
func (c *Catalog) Get(id ID) (Definition, error) {
	def, ok := c.defs[id]
	if !ok {
		return Definition{}, fmt.Errorf("profile %q: %w", id, apperrors.ErrNotFound)
	}
	return def.clone(), nil
}

// All returns every definition in catalog order.
func (c *Catalog) All() []Definition {
	out := make([]Definition, 0, len(IDs))
	for _, id := range IDs {
		out = append(out, c.defs[id].clone())
	}
	return out
}

// Exists reports whether raw names a known profile.
func (c *Catalog) Exists(raw string) bool {
	_, ok := c.defs[ID(raw)]
	return ok
}

// Parse converts untrusted input into a profile ID.
func (c *Catalog) Parse(raw string) (ID, error) {
	id := ID(strings.TrimSpace(raw))
	if !c.Exists(string(id)) {
		return "", apperrors.Invalid("profiles", "unknown profile %q", raw)
	}
	return id, nil
}

// ParseSet validates a profile list for a run. Duplicates collapse and order
// is normalised to catalog order. The resulting set must hold between one and
// MaxPerRun profiles.
func (c *Catalog) ParseSet(raw []string) ([]ID, error) {
	seen := make(map[ID]bool, len(raw))
	for _, r := range raw {
		id, err := c.Parse(r)
		if err != nil {
			return nil, err
		}
		seen[id] = true
	}
	if len(seen) == 0 {
		return nil, apperrors.Invalid("profiles", "at least one profile is required")
	}
	if len(seen) > MaxPerRun {
		return nil, apperrors.Invalid("profiles", "at most %d profiles per run, got %d", MaxPerRun, len(seen))
	}

	out := make([]ID, 0, len(seen))
	for _, id := range IDs {
		if seen[id] {
			out = append(out, id)
		}
	}
	return out, nil
}
