// Package quota decides whether a user's plan still allows a chat turn.
package quota

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultLimitMessage is shown when a plan's monthly message allowance is used up.
const DefaultLimitMessage = "You have reached your monthly message limit. Upgrade your plan to continue using your chatbot."

// Plan describes a subscription tier's message allowance.
type Plan struct {
	Name                string `yaml:"-"`
	Description         string `yaml:"description"`
	UnlimitedMessages   bool   `yaml:"unlimitedMessages"`
	MaxMessagesPerMonth int    `yaml:"maxMessagesPerMonth"`
	LimitMessage        string `yaml:"limitMessage"`
}

// Catalog maps plan names to plans. Users without a stored plan get DefaultPlan.
type Catalog struct {
	DefaultPlan string          `yaml:"defaultPlan"`
	Plans       map[string]Plan `yaml:"plans"`
}

func DefaultCatalog() Catalog {
	c := Catalog{
		DefaultPlan: "FREE",
		Plans: map[string]Plan{
			"FREE": {
				Description:         "Limited to 5000 messages per month.",
				MaxMessagesPerMonth: 5000,
			},
			"HOBBY": {Description: "Unlimited messages.", UnlimitedMessages: true},
			"BASIC": {Description: "Unlimited messages.", UnlimitedMessages: true},
			"PRO":   {Description: "Unlimited messages.", UnlimitedMessages: true},
		},
	}
	c.normalize()
	return c
}

// LoadCatalog reads a YAML plan catalog. An empty path or a missing file
// yields the built-in catalog.
func LoadCatalog(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultCatalog(), nil
		}
		return Catalog{}, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse plan catalog: %w", err)
	}
	if len(c.Plans) == 0 {
		return Catalog{}, errors.New("plan catalog defines no plans")
	}
	c.normalize()
	if c.DefaultPlan == "" {
		return Catalog{}, errors.New("plan catalog has no defaultPlan")
	}
	if _, ok := c.Plans[c.DefaultPlan]; !ok {
		return Catalog{}, fmt.Errorf("default plan %q is not defined", c.DefaultPlan)
	}
	for name, p := range c.Plans {
		if !p.UnlimitedMessages && p.MaxMessagesPerMonth <= 0 {
			return Catalog{}, fmt.Errorf("plan %s: maxMessagesPerMonth must be positive for a limited plan", name)
		}
	}
	return c, nil
}

// Lookup returns the named plan, falling back to the default plan for
// unknown or empty names.
func (c Catalog) Lookup(name string) Plan {
	if p, ok := c.Plans[strings.ToUpper(name)]; ok {
		return p
	}
	return c.Plans[c.DefaultPlan]
}

func (c *Catalog) normalize() {
	plans := make(map[string]Plan, len(c.Plans))
	for name, p := range c.Plans {
		name = strings.ToUpper(strings.TrimSpace(name))
		p.Name = name
		if p.LimitMessage == "" {
			p.LimitMessage = DefaultLimitMessage
		}
		plans[name] = p
	}
	c.Plans = plans
	c.DefaultPlan = strings.ToUpper(strings.TrimSpace(c.DefaultPlan))
}
