package am

import (
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/teranos/mundo/errors"
)

// CheckResult reports what a strict decode of one config file found
type CheckResult struct {
	Path         string
	UnknownKeys  []string // keys present in the file that no setting reads
	ValidateErr  error    // result of Validate on defaults merged with the file
	DecodedCount int
}

// OK reports whether the file has no unknown keys and validates
func (r *CheckResult) OK() bool {
	return len(r.UnknownKeys) == 0 && r.ValidateErr == nil
}

// CheckFile strictly decodes configPath and validates the merged result.
// Viper silently ignores misspelled keys; this catches them.
func CheckFile(configPath string) (*CheckResult, error) {
	var raw Config
	md, err := toml.DecodeFile(configPath, &raw)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", configPath)
	}

	result := &CheckResult{
		Path:         configPath,
		DecodedCount: len(md.Keys()) - len(md.Undecoded()),
	}
	for _, key := range md.Undecoded() {
		result.UnknownKeys = append(result.UnknownKeys, key.String())
	}
	sort.Strings(result.UnknownKeys)

	merged, err := LoadFromFile(configPath)
	if err != nil {
		return nil, err
	}
	result.ValidateErr = merged.Validate()

	return result, nil
}
