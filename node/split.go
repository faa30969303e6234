package node

import (
	"fmt"
)

const (
	SPLIT_RANDOM       = "random_split"
	SPLIT_EVEN         = "even_split"
	SPLIT_MULTIVARIATE = "multivariate_test"
)

type WeightedBranch struct {
	Key    string `json:"key" validate:"required"`
	Weight int    `json:"weight" validate:"gte=0,lte=100"`
}

type RandomSplitConfig struct {
	Branches []WeightedBranch `json:"branches" validate:"required,min=2,dive"`
}

func (c *RandomSplitConfig) BranchKeys() []string {
	keys := make([]string, len(c.Branches))
	for i, b := range c.Branches {
		keys[i] = b.Key
	}
	return keys
}

func (c *RandomSplitConfig) Check() error {
	sum := 0
	for _, b := range c.Branches {
		sum += b.Weight
	}
	if sum != 100 {
		return fmt.Errorf("split weights sum to %d, want 100", sum)
	}
	return uniqueKeys(c.BranchKeys())
}

type EvenSplitConfig struct {
	Branches []string `json:"branches" validate:"required,min=2,dive,required"`
}

func (c *EvenSplitConfig) BranchKeys() []string { return c.Branches }

func (c *EvenSplitConfig) Check() error { return uniqueKeys(c.Branches) }

type MultivariateConfig struct {
	Variants         []string `json:"variants" validate:"required,min=2,dive,required"`
	Metric           string   `json:"metric" validate:"required,oneof=open_rate click_rate conversion_rate"`
	SampleThreshold  int      `json:"sampleThreshold" validate:"gte=0"`
	WinnerAllocation int      `json:"winnerAllocation,omitempty" validate:"gte=0,lte=100"`
}

func (c *MultivariateConfig) BranchKeys() []string { return c.Variants }

func (c *MultivariateConfig) Check() error { return uniqueKeys(c.Variants) }

// Allocation returns the percentage sent to the winner once the sample
// threshold is reached.
func (c *MultivariateConfig) Allocation() int {
	if c.WinnerAllocation == 0 {
		return 80
	}
	return c.WinnerAllocation
}

func uniqueKeys(keys []string) error {
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			return fmt.Errorf("duplicate branch key %q", k)
		}
		seen[k] = true
	}
	return nil
}
