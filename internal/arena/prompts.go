package arena

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
)

// DefaultPrompts is used when no prompt file or list is configured.
var DefaultPrompts = []string{
	"Dark Phonk Beat with Heavy Bass",
	"Epic Orchestral Soundtrack with Choir",
	"Lo-fi Chill Hop for Studying",
	"Aggressive Trap Beat with 808s",
	"Ambient Space Music with Synths",
	"Upbeat Pop Song with Catchy Melody",
	"Heavy Metal Guitar Riff",
	"Smooth Jazz Piano Solo",
}

// Prompts hands out a random prompt per battle.
type Prompts struct {
	list []string
	intn func(n int) int
}

// NewPrompts keeps the non-blank entries of list, or DefaultPrompts when
// none remain.
func NewPrompts(list []string) *Prompts {
	clean := make([]string, 0, len(list))
	for _, p := range list {
		if p = strings.TrimSpace(p); p != "" {
			clean = append(clean, p)
		}
	}
	if len(clean) == 0 {
		clean = append(clean, DefaultPrompts...)
	}
	return &Prompts{list: clean, intn: rand.IntN}
}

type promptFile struct {
	Prompts []string `json:"prompts"`
}

// LoadPrompts reads a JSON file of the form {"prompts": [...]}.
func LoadPrompts(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}
	var f promptFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse prompts %s: %w", path, err)
	}
	if len(f.Prompts) == 0 {
		return nil, errors.New("prompts file has no prompts")
	}
	return f.Prompts, nil
}

// Next returns a prompt chosen uniformly at random.
func (p *Prompts) Next() string {
	return p.list[p.intn(len(p.list))]
}

// Len returns the number of prompts.
func (p *Prompts) Len() int { return len(p.list) }
