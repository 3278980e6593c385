package models

import (
	"fmt"
	"math"
)

// InferenceOpts holds generation parameters. A nil field is unset and falls
// through to the next tier during Merge.
type InferenceOpts struct {
	MaxTokens   *int     `json:"max_tokens,omitempty" mapstructure:"max_tokens"`
	Temperature *float64 `json:"temperature,omitempty" mapstructure:"temperature"`
	TopP        *float64 `json:"top_p,omitempty" mapstructure:"top_p"`
	N           *int     `json:"n,omitempty" mapstructure:"n"`
	Logprobs    *int     `json:"logprobs,omitempty" mapstructure:"logprobs"`
	Stop        []string `json:"stop,omitempty" mapstructure:"stop"`
}

// OptConstraint bounds a single numeric option.
type OptConstraint struct {
	Min     float64 `json:"min" mapstructure:"min"`
	Default float64 `json:"default" mapstructure:"default"`
	Max     float64 `json:"max" mapstructure:"max"`
	Step    float64 `json:"step" mapstructure:"step"`
}

type OptConstraints struct {
	MaxTokens   OptConstraint `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature OptConstraint `json:"temperature" mapstructure:"temperature"`
	TopP        OptConstraint `json:"top_p" mapstructure:"top_p"`
	N           OptConstraint `json:"n" mapstructure:"n"`
	Logprobs    OptConstraint `json:"logprobs" mapstructure:"logprobs"`
	Stop        []string      `json:"stop,omitempty" mapstructure:"stop"`
}

// DefaultOptConstraints are used when a model does not configure its own.
func DefaultOptConstraints() OptConstraints {
	return OptConstraints{
		MaxTokens:   OptConstraint{Min: 1, Default: 2048, Max: 4096, Step: 1},
		Temperature: OptConstraint{Min: 0, Default: 0.7, Max: 2, Step: 0.01},
		TopP:        OptConstraint{Min: 0, Default: 1, Max: 1, Step: 0.01},
		N:           OptConstraint{Min: 1, Default: 1, Max: 50, Step: 1},
		Logprobs:    OptConstraint{Min: 0, Default: 0, Max: 10, Step: 1},
	}
}

// Defaults materializes the constraint defaults as fully populated opts.
func (c OptConstraints) Defaults() InferenceOpts {
	return InferenceOpts{
		MaxTokens:   intPtr(int(c.MaxTokens.Default)),
		Temperature: floatPtr(c.Temperature.Default),
		TopP:        floatPtr(c.TopP.Default),
		N:           intPtr(int(c.N.Default)),
		Logprobs:    intPtr(int(c.Logprobs.Default)),
		Stop:        c.Stop,
	}
}

// MergeOpts resolves each field by precedence: request, then parent, then
// model defaults.
func MergeOpts(defaults, parent, request InferenceOpts) InferenceOpts {
	return InferenceOpts{
		MaxTokens:   firstInt(request.MaxTokens, parent.MaxTokens, defaults.MaxTokens),
		Temperature: firstFloat(request.Temperature, parent.Temperature, defaults.Temperature),
		TopP:        firstFloat(request.TopP, parent.TopP, defaults.TopP),
		N:           firstInt(request.N, parent.N, defaults.N),
		Logprobs:    firstInt(request.Logprobs, parent.Logprobs, defaults.Logprobs),
		Stop:        firstStrings(request.Stop, parent.Stop, defaults.Stop),
	}
}

// OptionError names the first option that violates its constraint.
type OptionError struct {
	Field   string
	Message string
}

func (e *OptionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (o InferenceOpts) Validate(c OptConstraints) error {
	checks := []struct {
		field string
		value *float64
		rule  OptConstraint
	}{
		{"max_tokens", intAsFloat(o.MaxTokens), c.MaxTokens},
		{"temperature", o.Temperature, c.Temperature},
		{"top_p", o.TopP, c.TopP},
		{"n", intAsFloat(o.N), c.N},
		{"logprobs", intAsFloat(o.Logprobs), c.Logprobs},
	}
	for _, chk := range checks {
		if chk.value == nil {
			continue
		}
		if err := chk.rule.check(*chk.value); err != "" {
			return &OptionError{Field: chk.field, Message: err}
		}
	}
	return nil
}

func (c OptConstraint) check(v float64) string {
	if v < c.Min {
		return fmt.Sprintf("must be greater than or equal to %v", c.Min)
	}
	if v > c.Max {
		return fmt.Sprintf("must be less than or equal to %v", c.Max)
	}
	if c.Step > 0 {
		steps := (v - c.Min) / c.Step
		if math.Abs(steps-math.Round(steps)) > 1e-6 {
			return fmt.Sprintf("must be a multiple of %v", c.Step)
		}
	}
	return ""
}

func firstInt(vals ...*int) *int {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstFloat(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstStrings(vals ...[]string) []string {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func intAsFloat(v *int) *float64 {
	if v == nil {
		return nil
	}
	f := float64(*v)
	return &f
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func IntPtr(v int) *int { return &v }

func FloatPtr(v float64) *float64 { return &v }
