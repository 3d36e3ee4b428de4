package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// GatePolicy decides whether the discovery agent runs for an iteration.
// It is a deployment parameter: a gate over the conversation's message
// count, the shape of the current plan, and the tasks just completed.
type GatePolicy struct {
	// MinMessages is the minimum number of messages in the conversation
	// before discovery runs at all.
	MinMessages int `yaml:"min_messages"`
	// MinCompletedTasks is the minimum number of tasks completed in the
	// current iteration.
	MinCompletedTasks int `yaml:"min_completed_tasks"`
	// EveryNIterations runs discovery only on iteration numbers divisible
	// by N. Zero or one means every iteration.
	EveryNIterations int `yaml:"every_n_iterations"`
	// RequireAnalysis restricts discovery to iterations that completed at
	// least one analysis task.
	RequireAnalysis bool `yaml:"require_analysis"`
}

// DefaultGatePolicy matches the behavior shipped before the policy was
// configurable: discovery from the second message on, whenever anything
// completed.
func DefaultGatePolicy() GatePolicy {
	return GatePolicy{MinMessages: 2, MinCompletedTasks: 1}
}

// LoadGatePolicy reads the policy from a YAML file, or returns the
// default when path is empty.
func LoadGatePolicy(path string) (GatePolicy, error) {
	if path == "" {
		return DefaultGatePolicy(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return GatePolicy{}, fmt.Errorf("op=config.LoadGatePolicy: %w", err)
	}
	p := DefaultGatePolicy()
	if err := yaml.Unmarshal(b, &p); err != nil {
		return GatePolicy{}, fmt.Errorf("op=config.LoadGatePolicy: %w", err)
	}
	return p, nil
}

// Allow applies the gate.
func (p GatePolicy) Allow(messageCount, completedTasks, analysisCompleted, iterationNumber int) bool {
	if messageCount < p.MinMessages {
		return false
	}
	if completedTasks < p.MinCompletedTasks {
		return false
	}
	if p.RequireAnalysis && analysisCompleted == 0 {
		return false
	}
	if p.EveryNIterations > 1 && iterationNumber%p.EveryNIterations != 0 {
		return false
	}
	return true
}
