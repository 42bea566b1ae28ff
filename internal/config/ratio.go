package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Ratio is an "A:B" setting such as risk_reward "1:2". Value reports B/A.
type Ratio struct {
	Risk   float64
	Reward float64
}

var (
	DefaultRiskReward   = Ratio{Risk: 1, Reward: 2}
	DefaultTrailingStop = Ratio{Risk: 1, Reward: 1.5}
)

func ParseRatio(raw string) (Ratio, error) {
	left, right, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return Ratio{}, fmt.Errorf("ratio %q must look like A:B", raw)
	}
	a, err := strconv.ParseFloat(strings.TrimSpace(left), 64)
	if err != nil {
		return Ratio{}, fmt.Errorf("ratio %q: %w", raw, err)
	}
	b, err := strconv.ParseFloat(strings.TrimSpace(right), 64)
	if err != nil {
		return Ratio{}, fmt.Errorf("ratio %q: %w", raw, err)
	}
	if a <= 0 || b <= 0 {
		return Ratio{}, fmt.Errorf("ratio %q: both parts must be > 0", raw)
	}
	return Ratio{Risk: a, Reward: b}, nil
}

func (r Ratio) IsZero() bool {
	return r.Risk == 0 && r.Reward == 0
}

func (r Ratio) Value() float64 {
	if r.Risk == 0 {
		return 0
	}
	return r.Reward / r.Risk
}

func (r Ratio) String() string {
	return strconv.FormatFloat(r.Risk, 'f', -1, 64) + ":" + strconv.FormatFloat(r.Reward, 'f', -1, 64)
}

func (r *Ratio) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if strings.TrimSpace(raw) == "" {
		*r = Ratio{}
		return nil
	}
	parsed, err := ParseRatio(raw)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func (r Ratio) MarshalYAML() (interface{}, error) {
	if r.IsZero() {
		return "", nil
	}
	return r.String(), nil
}
