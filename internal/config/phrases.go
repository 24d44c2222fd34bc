package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// phrasesFile is the on-disk shape of a trigger-phrase list.
type phrasesFile struct {
	TriggerPhrases []string `yaml:"trigger_phrases"`
}

// LoadTriggerPhrases reads a yaml trigger-phrase file. Blank entries are
// dropped; an empty effective list is an error so a bad file cannot
// silently disable the pipeline.
func LoadTriggerPhrases(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trigger phrases %s: %w", path, err)
	}
	var pf phrasesFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse trigger phrases %s: %w", path, err)
	}
	out := make([]string, 0, len(pf.TriggerPhrases))
	for _, p := range pf.TriggerPhrases {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("trigger phrases %s: no usable entries", path)
	}
	return out, nil
}
