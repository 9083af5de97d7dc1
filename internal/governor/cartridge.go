package governor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/yanun0323/errors"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Session is one trading window the cartridge is scoped to. The UTC
// offset is declared explicitly next to the zone name so a manifest is
// unambiguous even when the host has no tzdata for the zone.
type Session struct {
	Name             string `yaml:"name" json:"name" validate:"required"`
	Timezone         string `yaml:"timezone" json:"timezone" validate:"required"`
	UTCOffsetMinutes int    `yaml:"utcOffsetMinutes" json:"utcOffsetMinutes" validate:"gte=-720,lte=840"`
	Open             string `yaml:"open" json:"open" validate:"required,datetime=15:04"`
	Close            string `yaml:"close" json:"close" validate:"required,datetime=15:04"`
}

// RiskDefaults are the cartridge's declared ceilings. Percent values are
// fixed-point basis points, reward:risk is scaled by 100.
type RiskDefaults struct {
	PerTradeRiskBps      int64 `yaml:"perTradeRiskBps" json:"perTradeRiskBps" validate:"gt=0"`
	MinRewardRiskX100    int64 `yaml:"minRewardRiskX100" json:"minRewardRiskX100" validate:"gte=0"`
	MaxTradesPerDay      int64 `yaml:"maxTradesPerDay" json:"maxTradesPerDay" validate:"gt=0"`
	PositionSizeCapBps   int64 `yaml:"positionSizeCapBps" json:"positionSizeCapBps" validate:"gt=0"`
	MaxDrawdownBps       int64 `yaml:"maxDrawdownBps" json:"maxDrawdownBps" validate:"gt=0"`
	MaxConsecutiveLosses int64 `yaml:"maxConsecutiveLosses" json:"maxConsecutiveLosses" validate:"gt=0"`
}

// Cartridge is a declarative strategy manifest. It is immutable once
// inserted into the governor: a new strategy version means a new
// manifest with a new content hash and a new lease.
type Cartridge struct {
	Name               string       `yaml:"name" json:"name" validate:"required"`
	Version            string       `yaml:"version" json:"version" validate:"required,semver"`
	LogicHash          string       `yaml:"logicHash" json:"logicHash" validate:"required,len=64,hexadecimal"`
	Instruments        []string     `yaml:"instruments" json:"instruments" validate:"min=1,dive,required"`
	Sessions           []Session    `yaml:"sessions" json:"sessions" validate:"min=1,dive"`
	Risk               RiskDefaults `yaml:"risk" json:"risk"`
	GateRefs           []string     `yaml:"gateRefs" json:"gateRefs"`
	RequiredInvariants []string     `yaml:"requiredInvariants" json:"requiredInvariants"`

	contentHash string
}

// ContentHash identifies this exact manifest. Leases reference it and
// the governor keys its registry by it.
func (c *Cartridge) ContentHash() string {
	return c.contentHash
}

// ParseCartridge decodes and validates a YAML manifest. Schema-invalid
// manifests are rejected here, before any lease can reference them.
func ParseCartridge(raw []byte) (*Cartridge, error) {
	var c Cartridge
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, errors.Wrap(err, "unmarshal cartridge manifest")
	}
	if err := validate.Struct(&c); err != nil {
		return nil, errors.Wrap(err, "validate cartridge manifest").
			With("cartridge", c.Name)
	}
	canonical, err := json.Marshal(&c)
	if err != nil {
		return nil, errors.Wrap(err, "canonicalize cartridge manifest")
	}
	sum := sha256.Sum256(canonical)
	c.contentHash = hex.EncodeToString(sum[:])
	return &c, nil
}

// LoadCartridge reads and parses a manifest file.
func LoadCartridge(path string) (*Cartridge, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read cartridge manifest").With("path", path)
	}
	return ParseCartridge(raw)
}
